package flowrecord

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"time"
)

// streamMagic tags flowkit's own record-container framing. It is flowkit's
// scratch wire format, not a reproduction of any production SiLK binary
// layout — that layout is an external collaborator per the data model
// this package only defines interfaces against.
var streamMagic = [4]byte{'F', 'K', 'R', '1'}

// streamReader is the concrete, file-backed Reader every cmd/ main opens
// its inputs through.
type streamReader struct {
	r      *bufio.Reader
	closer io.Closer
	policy IPv6Policy
	header Header
}

// OpenReader wraps r (already positioned at the start of a stream) as a
// Reader, decoding the leading header.
func OpenReader(r io.Reader, closer io.Closer) (Reader, error) {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("flowrecord: read magic: %w", err)
	}
	if magic != streamMagic {
		return nil, fmt.Errorf("flowrecord: not a flowkit record stream")
	}
	policyByte, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("flowrecord: read policy: %w", err)
	}
	hdr, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	return &streamReader{r: br, closer: closer, policy: IPv6Policy(policyByte), header: hdr}, nil
}

func (s *streamReader) Policy() IPv6Policy { return s.policy }
func (s *streamReader) Header() Header     { return s.header }

func (s *streamReader) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *streamReader) Next() (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, fmt.Errorf("flowrecord: truncated record length: %w", err)
		}
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return Record{}, fmt.Errorf("flowrecord: truncated record body: %w", err)
	}
	return decodeRecord(buf)
}

// streamWriter is the concrete, file-backed Writer every cmd/ main opens
// its outputs through.
type streamWriter struct {
	w       io.Writer
	closer  io.Closer
	policy  IPv6Policy
	wrote   bool
}

// NewWriter wraps w, writing the container header on the first Write
// call (so SetHeader may still be called after construction but before
// any record is emitted).
func NewWriter(w io.Writer, closer io.Closer, policy IPv6Policy) Writer {
	return &streamWriter{w: w, closer: closer, policy: policy}
}

func (s *streamWriter) SetHeader(h Header) {
	if s.wrote {
		return
	}
	s.writeHeader(h)
}

func (s *streamWriter) writeHeader(h Header) {
	s.wrote = true
	s.w.Write(streamMagic[:])
	s.w.Write([]byte{byte(s.policy)})
	writeHeaderBody(s.w, h)
}

func (s *streamWriter) Write(rec Record) error {
	if !s.wrote {
		s.writeHeader(Header{})
	}
	buf := encodeRecord(rec)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := s.w.Write(buf)
	return err
}

func (s *streamWriter) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func writeHeaderBody(w io.Writer, h Header) {
	writeStrings(w, h.Invocations)
	writeStrings(w, h.Annotations)
}

func writeStrings(w io.Writer, ss []string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(ss)))
	w.Write(n[:])
	for _, s := range ss {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		w.Write(l[:])
		io.WriteString(w, s)
	}
}

func readHeader(r io.Reader) (Header, error) {
	inv, err := readStrings(r)
	if err != nil {
		return Header{}, err
	}
	notes, err := readStrings(r)
	if err != nil {
		return Header{}, err
	}
	return Header{Invocations: inv, Annotations: notes}, nil
}

func readStrings(r io.Reader) ([]string, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, fmt.Errorf("flowrecord: read string count: %w", err)
	}
	count := binary.BigEndian.Uint32(n[:])
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		var l [4]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, fmt.Errorf("flowrecord: read string length: %w", err)
		}
		buf := make([]byte, binary.BigEndian.Uint32(l[:]))
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("flowrecord: read string body: %w", err)
		}
		out = append(out, string(buf))
	}
	return out, nil
}

func putAddrBytes(buf []byte, a netip.Addr) []byte {
	if a.Is4() {
		buf = append(buf, 0)
		b := a.As4()
		return append(buf, b[:]...)
	}
	buf = append(buf, 1)
	b := a.As16()
	return append(buf, b[:]...)
}

func getAddrBytes(b []byte) (netip.Addr, []byte, error) {
	if len(b) < 1 {
		return netip.Addr{}, nil, fmt.Errorf("flowrecord: truncated address")
	}
	flag := b[0]
	b = b[1:]
	if flag == 0 {
		if len(b) < 4 {
			return netip.Addr{}, nil, fmt.Errorf("flowrecord: truncated v4 address")
		}
		var a4 [4]byte
		copy(a4[:], b[:4])
		return netip.AddrFrom4(a4), b[4:], nil
	}
	if len(b) < 16 {
		return netip.Addr{}, nil, fmt.Errorf("flowrecord: truncated v6 address")
	}
	var a16 [16]byte
	copy(a16[:], b[:16])
	return netip.AddrFrom16(a16), b[16:], nil
}

// encodeRecord and decodeRecord mirror extsort's node encoding (a record
// has no key extension here, only the field layout) since both formats
// exist for the same reason: flowkit's own scratch binary layout for a
// value the production container format would otherwise own.
func encodeRecord(r Record) []byte {
	buf := make([]byte, 0, 96)
	buf = putAddrBytes(buf, r.SrcAddr)
	buf = putAddrBytes(buf, r.DstAddr)
	buf = putAddrBytes(buf, r.NextHop)

	var tmp [8]byte
	binary.BigEndian.PutUint16(tmp[:2], r.SrcPort)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], r.DstPort)
	buf = append(buf, tmp[:2]...)
	buf = append(buf, r.Protocol)
	binary.BigEndian.PutUint64(tmp[:8], r.Packets)
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], r.Bytes)
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], uint64(r.StartTime.UnixMilli()))
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], uint64(r.Duration.Milliseconds()))
	buf = append(buf, tmp[:8]...)
	buf = append(buf, r.InitFlags, r.RestFlags, r.Flags, r.TCPState)
	binary.BigEndian.PutUint16(tmp[:2], r.Application)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], r.SensorID)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], r.Input)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], r.Output)
	buf = append(buf, tmp[:2]...)
	buf = append(buf, r.FlowType, r.FlowClass)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	var rec Record
	var err error
	rec.SrcAddr, buf, err = getAddrBytes(buf)
	if err != nil {
		return Record{}, err
	}
	rec.DstAddr, buf, err = getAddrBytes(buf)
	if err != nil {
		return Record{}, err
	}
	rec.NextHop, buf, err = getAddrBytes(buf)
	if err != nil {
		return Record{}, err
	}
	const fixed = 2 + 2 + 1 + 8 + 8 + 8 + 8 + 1 + 1 + 1 + 1 + 2 + 2 + 2 + 2 + 1 + 1
	if len(buf) < fixed {
		return Record{}, fmt.Errorf("flowrecord: truncated record body")
	}
	rec.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	rec.DstPort = binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	rec.Protocol = buf[0]
	buf = buf[1:]
	rec.Packets = binary.BigEndian.Uint64(buf[0:8])
	buf = buf[8:]
	rec.Bytes = binary.BigEndian.Uint64(buf[0:8])
	buf = buf[8:]
	rec.StartTime = time.UnixMilli(int64(binary.BigEndian.Uint64(buf[0:8]))).UTC()
	buf = buf[8:]
	rec.Duration = time.Duration(binary.BigEndian.Uint64(buf[0:8])) * time.Millisecond
	buf = buf[8:]
	rec.InitFlags, rec.RestFlags, rec.Flags, rec.TCPState = buf[0], buf[1], buf[2], buf[3]
	buf = buf[4:]
	rec.Application = binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	rec.SensorID = binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	rec.Input = binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	rec.Output = binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	rec.FlowType, rec.FlowClass = buf[0], buf[1]
	return rec, nil
}
