package keyextract

import (
	"encoding/binary"
	"fmt"

	"github.com/flowkit/flowkit/internal/flowrecord"
)

// builtinField is a FieldProvider implemented by a closure, used for all
// the fixed fields enumerated in the field catalog. None of these ever
// fail; Write always returns nil.
type builtinField struct {
	name  string
	width int
	write func(rec *flowrecord.Record, buf []byte)
}

func (f *builtinField) Name() string  { return f.name }
func (f *builtinField) Width() int    { return f.width }
func (f *builtinField) Write(rec *flowrecord.Record, buf []byte) error {
	f.write(rec, buf)
	return nil
}

// writeIP normalizes an address to 16 bytes, big-endian, v4-mapped into
// v6 space, per the key-buffer invariant in the data model.
func writeIP(buf []byte, a [16]byte) {
	copy(buf, a[:])
}

func ipBytes16(addr interface{ As16() [16]byte }) [16]byte {
	return addr.As16()
}

const (
	// ResolutionMillis writes full millisecond-resolution timestamps.
	ResolutionMillis = iota
	// ResolutionSeconds writes second-resolution timestamps, padded to
	// the same width as millisecond fields so cross-resolution
	// comparisons remain consistent (spec: "seconds-only resolution
	// writes the second value padded to the same width").
	ResolutionSeconds
)

func millisOf(msSinceEpoch int64, resolution int) uint64 {
	if resolution == ResolutionSeconds {
		return uint64(msSinceEpoch/1000) * 1000
	}
	return uint64(msSinceEpoch)
}

// Catalog of built-in field names recognized by NewBuiltin.
const (
	FieldSIP        = "sip"
	FieldDIP        = "dip"
	FieldNHIP       = "nhip"
	FieldSPort      = "sport"
	FieldDPort      = "dport"
	FieldProtocol   = "protocol"
	FieldPackets    = "packets"
	FieldBytes      = "bytes"
	FieldFlags      = "flags"
	FieldInitFlags  = "initflags"
	FieldRestFlags  = "restflags"
	FieldTCPState   = "tcp-state"
	FieldSTime      = "stime"
	FieldSTimeSec   = "stime-sec"
	FieldETime      = "etime"
	FieldETimeSec   = "etime-sec"
	FieldDuration   = "duration"
	FieldDurSec     = "duration-sec"
	FieldSensor     = "sensor"
	FieldInput      = "input"
	FieldOutput     = "output"
	FieldApplication = "application"
	FieldFlowType   = "flow-type"
	FieldFlowClass  = "flow-class"
	FieldICMPType   = "icmp-type"
	FieldICMPCode   = "icmp-code"
)

// NewBuiltin resolves a built-in field name to its FieldProvider, or
// returns an error for an unrecognized name (a configuration error per
// the error taxonomy, not a key-derivation error: it is caught before any
// record is read).
func NewBuiltin(name string) (FieldProvider, error) {
	switch name {
	case FieldSIP:
		return &builtinField{name, 16, func(r *flowrecord.Record, b []byte) {
			a := ipBytes16(r.SrcAddr)
			writeIP(b, a)
		}}, nil
	case FieldDIP:
		return &builtinField{name, 16, func(r *flowrecord.Record, b []byte) {
			a := ipBytes16(r.DstAddr)
			writeIP(b, a)
		}}, nil
	case FieldNHIP:
		return &builtinField{name, 16, func(r *flowrecord.Record, b []byte) {
			a := ipBytes16(r.NextHop)
			writeIP(b, a)
		}}, nil
	case FieldSPort:
		return &builtinField{name, 2, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint16(b, r.SrcPort)
		}}, nil
	case FieldDPort:
		return &builtinField{name, 2, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint16(b, r.DstPort)
		}}, nil
	case FieldProtocol:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.Protocol
		}}, nil
	case FieldPackets:
		return &builtinField{name, 8, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint64(b, r.Packets)
		}}, nil
	case FieldBytes:
		return &builtinField{name, 8, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint64(b, r.Bytes)
		}}, nil
	case FieldFlags:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.Flags
		}}, nil
	case FieldInitFlags:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.InitFlags
		}}, nil
	case FieldRestFlags:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.RestFlags
		}}, nil
	case FieldTCPState:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.TCPState
		}}, nil
	case FieldSTime:
		return &builtinField{name, 8, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint64(b, millisOf(r.StartTime.UnixMilli(), ResolutionMillis))
		}}, nil
	case FieldSTimeSec:
		return &builtinField{name, 8, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint64(b, millisOf(r.StartTime.UnixMilli(), ResolutionSeconds))
		}}, nil
	case FieldETime:
		return &builtinField{name, 8, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint64(b, millisOf(r.EndTime().UnixMilli(), ResolutionMillis))
		}}, nil
	case FieldETimeSec:
		return &builtinField{name, 8, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint64(b, millisOf(r.EndTime().UnixMilli(), ResolutionSeconds))
		}}, nil
	case FieldDuration:
		return &builtinField{name, 8, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint64(b, uint64(r.Duration.Milliseconds()))
		}}, nil
	case FieldDurSec:
		return &builtinField{name, 8, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint64(b, uint64(r.Duration.Milliseconds()/1000)*1000)
		}}, nil
	case FieldSensor:
		return &builtinField{name, 2, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint16(b, r.SensorID)
		}}, nil
	case FieldInput:
		return &builtinField{name, 2, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint16(b, r.Input)
		}}, nil
	case FieldOutput:
		return &builtinField{name, 2, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint16(b, r.Output)
		}}, nil
	case FieldApplication:
		return &builtinField{name, 2, func(r *flowrecord.Record, b []byte) {
			binary.BigEndian.PutUint16(b, r.Application)
		}}, nil
	case FieldFlowType:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.FlowType
		}}, nil
	case FieldFlowClass:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.FlowClass
		}}, nil
	case FieldICMPType:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.ICMPType()
		}}, nil
	case FieldICMPCode:
		return &builtinField{name, 1, func(r *flowrecord.Record, b []byte) {
			b[0] = r.ICMPCode()
		}}, nil
	default:
		return nil, fmt.Errorf("keyextract: unrecognized field %q", name)
	}
}

// NewBuiltinList resolves a field-name list in order, failing on the
// first unrecognized name.
func NewBuiltinList(names []string) ([]FieldProvider, error) {
	out := make([]FieldProvider, 0, len(names))
	for _, n := range names {
		f, err := NewBuiltin(n)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// AllCompareFields returns the built-in catalog in a stable order, minus
// the packet, byte and time fields (packets, bytes, stime, stime-sec,
// etime, etime-sec, duration, duration-sec). rwdedupe uses it as the
// default compare-field set (minus any --ignore-fields), so those fields
// never take part in it, whether or not a tolerance window is set on them.
func AllCompareFields() []string {
	return []string{
		FieldSIP, FieldDIP, FieldNHIP, FieldSPort, FieldDPort, FieldProtocol,
		FieldFlags, FieldInitFlags, FieldRestFlags, FieldTCPState,
		FieldSensor, FieldInput, FieldOutput, FieldApplication,
		FieldFlowType, FieldFlowClass, FieldICMPType, FieldICMPCode,
	}
}
