// Package flowrecord defines the flow-record data model and the stream
// interfaces the rest of flowkit programs against. The on-disk container
// format (headers, compression framing, IPv4/IPv6 layout) is an external
// collaborator here: flowkit only depends on these interfaces, never on a
// concrete wire encoding.
package flowrecord

import (
	"net/netip"
	"time"
)

// IPv6Policy controls how a stream represents mixed v4/v6 addresses.
type IPv6Policy int

const (
	// IPv6Ignore drops IPv6 records from the stream entirely.
	IPv6Ignore IPv6Policy = iota
	// IPv6AsV4 forces v4-mapped addresses back down to v4 where possible.
	IPv6AsV4
	// IPv6Mix allows both families to appear in the same stream.
	IPv6Mix
	// IPv6Force promotes every address to v6 representation.
	IPv6Force
)

// Record is one flow record: an observed conversation between two
// endpoints. Addresses are either all-v4 or all-v6 within a single record.
type Record struct {
	SrcAddr    netip.Addr
	DstAddr    netip.Addr
	NextHop    netip.Addr
	SrcPort    uint16
	DstPort    uint16
	Protocol   uint8
	Packets    uint64
	Bytes      uint64
	StartTime  time.Time // millisecond resolution
	Duration   time.Duration

	InitFlags    uint8
	RestFlags    uint8
	Flags        uint8 // combined flags
	TCPState     uint8
	Application  uint16

	SensorID uint16
	Input    uint16
	Output   uint16

	FlowType  uint8
	FlowClass uint8
}

// EndTime returns StartTime + Duration, the derived end-of-flow timestamp.
func (r *Record) EndTime() time.Time {
	return r.StartTime.Add(r.Duration)
}

// IsIPv6 reports whether the record's addresses are encoded as v6.
func (r *Record) IsIPv6() bool {
	return r.SrcAddr.Is6() && !r.SrcAddr.Is4In6()
}

// ICMPType and ICMPCode synthesize the ICMP type/code fields from the
// destination port, per the built-in field policy: for non-ICMP records
// (Protocol != 1) both are zero so that all non-ICMP traffic groups
// together under key zero.
func (r *Record) ICMPType() uint8 {
	if r.Protocol != 1 {
		return 0
	}
	return uint8(r.DstPort >> 8)
}

func (r *Record) ICMPCode() uint8 {
	if r.Protocol != 1 {
		return 0
	}
	return uint8(r.DstPort & 0xff)
}

// Header carries the metadata attached to a record stream: invocation
// history and free-form annotations, copied (or stripped) across
// transformations per --invocation-strip / --notes-strip.
type Header struct {
	Invocations []string
	Annotations []string
}

// Clone returns a copy so callers can mutate the result without aliasing
// the source stream's header.
func (h Header) Clone() Header {
	out := Header{
		Invocations: append([]string(nil), h.Invocations...),
		Annotations: append([]string(nil), h.Annotations...),
	}
	return out
}

// Reader yields flow records from an underlying container stream.
type Reader interface {
	// Next returns the next record, or io.EOF when the stream is exhausted.
	Next() (Record, error)
	// Policy reports the stream's IPv6 handling policy.
	Policy() IPv6Policy
	// Header returns the stream's metadata header.
	Header() Header
	// Close releases any underlying resources.
	Close() error
}

// Writer accepts flow records and writes them to an underlying container
// stream, along with a copy of the producing header.
type Writer interface {
	Write(Record) error
	SetHeader(Header)
	Close() error
}
