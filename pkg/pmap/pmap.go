// Package pmap implements prefix maps: an external collaborator that
// assigns small integer labels to ranges of IP addresses or (protocol,
// port) pairs, loaded from a map file and consulted by rwbag's *-pmap key
// fields and rwbagtool's cover-set extraction.
package pmap

import (
	"fmt"
	"net/netip"
	"sort"
)

// ContentType tags what a Map's keys address.
type ContentType int

const (
	ContentIPv4 ContentType = iota
	ContentIPv6
	ContentProtoPort
)

func (c ContentType) String() string {
	switch c {
	case ContentIPv4:
		return "ipv4"
	case ContentIPv6:
		return "ipv6"
	case ContentProtoPort:
		return "proto-port"
	default:
		return "unknown"
	}
}

// ipRange is a label applying to [Lo, Hi] inclusive, in unified 128-bit
// address space (v4 addresses compared as v4-mapped v6).
type ipRange struct {
	lo, hi netip.Addr
	label  uint32
}

// portRange is a label applying to one protocol and a port range.
type portRange struct {
	proto    uint8
	loPort   uint16
	hiPort   uint16
	label    uint32
}

// Map is a loaded, queryable prefix map.
type Map struct {
	name    string
	content ContentType

	ipRanges   []ipRange
	portRanges []portRange
	labels     map[uint32]string
}

// New constructs an empty Map of the given content type. Ranges are added
// with InsertIPRange/InsertPortRange, then the map is ready to query.
func New(name string, content ContentType) *Map {
	return &Map{name: name, content: content, labels: map[uint32]string{}}
}

// Name returns the map's configured name (as referenced by BagRequest.PmapName).
func (m *Map) Name() string { return m.name }

// ContentType reports whether this map addresses IPs or (proto, port) pairs.
func (m *Map) ContentType() ContentType { return m.content }

// SetLabel assigns a human-readable name to a label value, used when
// rendering a pmap key field in textual output.
func (m *Map) SetLabel(label uint32, name string) { m.labels[label] = name }

// LabelName returns the human name for a label, or "" if unassigned.
func (m *Map) LabelName(label uint32) string { return m.labels[label] }

// InsertIPRange adds a [lo, hi] inclusive address range under label. Only
// valid when ContentType is ContentIPv4 or ContentIPv6.
func (m *Map) InsertIPRange(lo, hi netip.Addr, label uint32) error {
	if m.content != ContentIPv4 && m.content != ContentIPv6 {
		return fmt.Errorf("pmap %s: InsertIPRange on a %s map", m.name, m.content)
	}
	m.ipRanges = append(m.ipRanges, ipRange{lo: lo, hi: hi, label: label})
	sort.Slice(m.ipRanges, func(i, j int) bool { return less128(m.ipRanges[i].lo, m.ipRanges[j].lo) })
	return nil
}

// InsertPortRange adds a port range [loPort, hiPort] for proto under
// label. Only valid when ContentType is ContentProtoPort.
func (m *Map) InsertPortRange(proto uint8, loPort, hiPort uint16, label uint32) error {
	if m.content != ContentProtoPort {
		return fmt.Errorf("pmap %s: InsertPortRange on a %s map", m.name, m.content)
	}
	m.portRanges = append(m.portRanges, portRange{proto: proto, loPort: loPort, hiPort: hiPort, label: label})
	return nil
}

// LookupIP returns the label covering addr, or 0 (the default/unmapped
// label) if no range covers it.
func (m *Map) LookupIP(addr netip.Addr) uint32 {
	a := normalize(addr)
	// Linear scan: prefix maps are typically small (hundreds to low
	// thousands of ranges); a sorted slice plus binary search would trade
	// simplicity for a constant-factor win not worth it at this scale.
	for _, r := range m.ipRanges {
		if !less128(a, r.lo) && !less128(r.hi, a) {
			return r.label
		}
	}
	return 0
}

// LookupProtoPort returns the label covering (proto, port), or 0.
func (m *Map) LookupProtoPort(proto uint8, port uint16) uint32 {
	for _, r := range m.portRanges {
		if r.proto == proto && port >= r.loPort && port <= r.hiPort {
			return r.label
		}
	}
	return 0
}

func normalize(a netip.Addr) netip.Addr {
	if a.Is4() {
		return netip.AddrFrom16(a.As16())
	}
	return a
}

func less128(a, b netip.Addr) bool {
	ab, bb := a.As16(), b.As16()
	for i := 0; i < 16; i++ {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return false
}
