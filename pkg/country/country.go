// Package country provides an in-memory country-code lookup by IP
// address range. Production country-code databases (MaxMind-style
// binaries) are an external collaborator (spec.md 1: "opaque value
// providers"); this is flowkit's own minimal stand-in so rwbag's
// sip-country/dip-country key fields have a real implementation to call.
package country

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
)

type entry struct {
	lo, hi netip.Addr
	code   uint16
}

// Database maps IP ranges to 16-bit ISO-3166 numeric country codes.
type Database struct {
	entries []entry
}

// LoadFile loads a Database from a "lo-hi,code" CSV file, one range per
// line.
func LoadFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("country: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a Database from r; see LoadFile for the format.
func Load(r io.Reader) (*Database, error) {
	db := &Database{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 2 {
			return nil, fmt.Errorf("country: line %d: expected lo-hi,code, got %q", lineNo, line)
		}
		rng := strings.SplitN(strings.TrimSpace(fields[0]), "-", 2)
		lo, err := netip.ParseAddr(strings.TrimSpace(rng[0]))
		if err != nil {
			return nil, fmt.Errorf("country: line %d: invalid lo address: %w", lineNo, err)
		}
		hi := lo
		if len(rng) == 2 {
			hi, err = netip.ParseAddr(strings.TrimSpace(rng[1]))
			if err != nil {
				return nil, fmt.Errorf("country: line %d: invalid hi address: %w", lineNo, err)
			}
		}
		code, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("country: line %d: invalid code: %w", lineNo, err)
		}
		db.entries = append(db.entries, entry{lo: lo, hi: hi, code: uint16(code)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("country: scan: %w", err)
	}
	sort.Slice(db.entries, func(i, j int) bool { return less128(db.entries[i].lo, db.entries[j].lo) })
	return db, nil
}

// Lookup returns the country code covering addr, or 0 if no range
// matches. Implements bagpipeline.CountryLookup.
func (db *Database) Lookup(addr interface{ As16() [16]byte }) uint16 {
	a16 := addr.As16()
	target := netip.AddrFrom16(a16)
	for _, e := range db.entries {
		if !less128(target, e.lo) && !less128(e.hi, target) {
			return e.code
		}
	}
	return 0
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
