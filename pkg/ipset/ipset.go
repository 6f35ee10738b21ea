// Package ipset implements IP sets: an external collaborator holding an
// unordered collection of IP addresses/CIDR blocks, used by rwbagtool's
// intersect cutoff and cover-set extraction.
package ipset

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"sort"
)

// Set is a mutable collection of IP prefixes. Overlapping/adjacent
// prefixes are not automatically merged; membership testing walks every
// stored prefix, which is adequate for the sizes these tools produce
// (thousands to low millions of distinct networks, not a full /0 scan).
type Set struct {
	v4 []netip.Prefix
	v6 []netip.Prefix
}

// New returns an empty set.
func New() *Set { return &Set{} }

// Insert adds a single address as a host (/32 or /128) prefix.
func (s *Set) Insert(addr netip.Addr) {
	s.InsertPrefix(netip.PrefixFrom(addr, addr.BitLen()))
}

// InsertPrefix adds a CIDR block.
func (s *Set) InsertPrefix(p netip.Prefix) {
	if p.Addr().Is4() {
		s.v4 = append(s.v4, p)
	} else {
		s.v6 = append(s.v6, p)
	}
}

// Contains reports whether addr falls within any stored prefix.
func (s *Set) Contains(addr netip.Addr) bool {
	list := s.v6
	if addr.Is4() {
		list = s.v4
	}
	for _, p := range list {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Clean removes prefixes wholly contained within another, larger-or-equal
// stored prefix, and de-duplicates exact repeats. Deterministic: prefixes
// are sorted (shortest mask first) before the containment pass.
func (s *Set) Clean() {
	s.v4 = cleanList(s.v4)
	s.v6 = cleanList(s.v6)
}

func cleanList(in []netip.Prefix) []netip.Prefix {
	if len(in) == 0 {
		return in
	}
	sorted := append([]netip.Prefix(nil), in...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bits() < sorted[j].Bits() })
	var out []netip.Prefix
	for _, p := range sorted {
		covered := false
		for _, kept := range out {
			if kept.Bits() <= p.Bits() && kept.Contains(p.Addr()) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	return out
}

// Intersect returns a new set containing the prefixes of s whose address
// falls within other (used for rwbagtool's --ipset cutoff: addresses not
// covered by other are dropped from the bag being filtered).
func (s *Set) Intersect(other *Set) *Set {
	out := New()
	for _, p := range s.v4 {
		if other.Contains(p.Addr()) {
			out.InsertPrefix(p)
		}
	}
	for _, p := range s.v6 {
		if other.Contains(p.Addr()) {
			out.InsertPrefix(p)
		}
	}
	return out
}

// Iterate calls fn for every stored prefix, v4 then v6, each family in
// ascending address order. Iteration stops early if fn returns false.
func (s *Set) Iterate(fn func(netip.Prefix) bool) {
	v4 := append([]netip.Prefix(nil), s.v4...)
	v6 := append([]netip.Prefix(nil), s.v6...)
	sort.Slice(v4, func(i, j int) bool { return v4[i].Addr().Less(v4[j].Addr()) })
	sort.Slice(v6, func(i, j int) bool { return v6[i].Addr().Less(v6[j].Addr()) })
	for _, p := range v4 {
		if !fn(p) {
			return
		}
	}
	for _, p := range v6 {
		if !fn(p) {
			return
		}
	}
}

// Len reports the number of stored prefixes across both families.
func (s *Set) Len() int { return len(s.v4) + len(s.v6) }

// Write serializes the set as one CIDR-notation prefix per line. This is
// flowkit's own scratch format; the production on-disk IPset format is an
// external collaborator's concern.
func (s *Set) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	var writeErr error
	s.Iterate(func(p netip.Prefix) bool {
		if _, err := fmt.Fprintln(bw, p.String()); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return writeErr
	}
	return bw.Flush()
}

// Read parses a set previously written by Write.
func Read(r io.Reader) (*Set, error) {
	s := New()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		p, err := netip.ParsePrefix(line)
		if err != nil {
			addr, aerr := netip.ParseAddr(line)
			if aerr != nil {
				return nil, fmt.Errorf("ipset: parse %q: %w", line, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		s.InsertPrefix(p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return s, nil
}
