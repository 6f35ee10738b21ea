package extsort

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/flowkit/flowkit/internal/flowrecord"
)

// nodeEncoder/nodeDecoder serialize sort nodes (record || key) to and
// from a tempfile run. The format is private to this package: tempfiles
// are flowkit's own scratch space, not an interchange format, so there is
// no need to match the external container layout here.
type nodeEncoder struct {
	w   io.Writer
	buf []byte
}

func newNodeEncoder(w io.Writer) *nodeEncoder {
	return &nodeEncoder{w: w, buf: make([]byte, 0, 128)}
}

type nodeDecoder struct {
	r   io.Reader
	hdr [4]byte
}

func newNodeDecoder(r io.Reader) *nodeDecoder {
	return &nodeDecoder{r: r}
}

func putAddr(buf []byte, a netip.Addr) []byte {
	if a.Is4() {
		buf = append(buf, 0)
		b := a.As4()
		buf = append(buf, b[:]...)
	} else {
		buf = append(buf, 1)
		b := a.As16()
		buf = append(buf, b[:]...)
	}
	return buf
}

func getAddr(b []byte) (netip.Addr, []byte, error) {
	if len(b) < 1 {
		return netip.Addr{}, nil, fmt.Errorf("extsort: truncated address")
	}
	flag := b[0]
	b = b[1:]
	if flag == 0 {
		if len(b) < 4 {
			return netip.Addr{}, nil, fmt.Errorf("extsort: truncated v4 address")
		}
		var a4 [4]byte
		copy(a4[:], b[:4])
		return netip.AddrFrom4(a4), b[4:], nil
	}
	if len(b) < 16 {
		return netip.Addr{}, nil, fmt.Errorf("extsort: truncated v6 address")
	}
	var a16 [16]byte
	copy(a16[:], b[:16])
	return netip.AddrFrom16(a16), b[16:], nil
}

// Encode appends one node (its full record plus key extension) to the
// run, length-prefixed so Decode can read it back exactly.
func (e *nodeEncoder) Encode(n node) error {
	buf := e.buf[:0]
	r := &n.rec

	buf = putAddr(buf, r.SrcAddr)
	buf = putAddr(buf, r.DstAddr)
	buf = putAddr(buf, r.NextHop)

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

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(n.key)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, n.key...)

	e.buf = buf

	var lenHdr [4]byte
	binary.BigEndian.PutUint32(lenHdr[:], uint32(len(buf)))
	if _, err := e.w.Write(lenHdr[:]); err != nil {
		return err
	}
	_, err := e.w.Write(buf)
	return err
}

// Decode reads the next node from the run, or io.EOF when exhausted.
func (d *nodeDecoder) Decode() (node, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return node{}, fmt.Errorf("extsort: truncated run header: %w", err)
		}
		return node{}, err
	}
	n := binary.BigEndian.Uint32(d.hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return node{}, fmt.Errorf("extsort: truncated run body: %w", err)
	}

	var rec flowrecord.Record
	var err error
	rec.SrcAddr, buf, err = getAddr(buf)
	if err != nil {
		return node{}, err
	}
	rec.DstAddr, buf, err = getAddr(buf)
	if err != nil {
		return node{}, err
	}
	rec.NextHop, buf, err = getAddr(buf)
	if err != nil {
		return node{}, err
	}

	if len(buf) < 2+2+1+8+8+8+8+1+1+1+1+2+2+2+2+1+1+4 {
		return node{}, fmt.Errorf("extsort: truncated run body")
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
	buf = buf[2:]

	keyLen := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	key := make([]byte, keyLen)
	copy(key, buf[:keyLen])

	return node{rec: rec, key: key}, nil
}
