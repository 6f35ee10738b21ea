package pmap

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads a Map from flowkit's own pmap text format, named by the
// --pmap-file flag. The production prefix-map binary format is an
// external collaborator; this is flowkit's own plain-text stand-in so
// rwbag and rwbagtool have something real to load.
//
// Format:
//
//	type=ipv4|ipv6|proto-port
//	<range>,<label>[,<label-name>]
//
// where <range> is "lo-hi" (dotted/colon IPs) for ip maps, or
// "proto:loport-hiport" for proto-port maps.
func LoadFile(name, path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pmap: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(name, f)
}

// Load parses a Map from r; see LoadFile for the format.
func Load(name string, r io.Reader) (*Map, error) {
	scanner := bufio.NewScanner(r)
	var m *Map
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m == nil {
			content, err := parseContentType(line)
			if err != nil {
				return nil, fmt.Errorf("pmap: line %d: %w", lineNo, err)
			}
			m = New(name, content)
			continue
		}
		if err := parseEntry(m, line); err != nil {
			return nil, fmt.Errorf("pmap: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pmap: scan: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("pmap: empty map file, missing type= header")
	}
	return m, nil
}

func parseContentType(line string) (ContentType, error) {
	if !strings.HasPrefix(line, "type=") {
		return 0, fmt.Errorf("expected type= header, got %q", line)
	}
	switch strings.TrimPrefix(line, "type=") {
	case "ipv4":
		return ContentIPv4, nil
	case "ipv6":
		return ContentIPv6, nil
	case "proto-port":
		return ContentProtoPort, nil
	default:
		return 0, fmt.Errorf("unknown pmap type %q", line)
	}
}

func parseEntry(m *Map, line string) error {
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return fmt.Errorf("expected range,label[,name], got %q", line)
	}
	label64, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid label %q: %w", fields[1], err)
	}
	label := uint32(label64)
	if len(fields) > 2 {
		m.SetLabel(label, strings.TrimSpace(fields[2]))
	}

	rng := strings.TrimSpace(fields[0])
	if m.ContentType() == ContentProtoPort {
		return parsePortRange(m, rng, label)
	}
	return parseIPRange(m, rng, label)
}

func parseIPRange(m *Map, rng string, label uint32) error {
	parts := strings.SplitN(rng, "-", 2)
	lo, err := netip.ParseAddr(strings.TrimSpace(parts[0]))
	if err != nil {
		return fmt.Errorf("invalid lo address %q: %w", parts[0], err)
	}
	hi := lo
	if len(parts) == 2 {
		hi, err = netip.ParseAddr(strings.TrimSpace(parts[1]))
		if err != nil {
			return fmt.Errorf("invalid hi address %q: %w", parts[1], err)
		}
	}
	return m.InsertIPRange(lo, hi, label)
}

func parsePortRange(m *Map, rng string, label uint32) error {
	protoAndPorts := strings.SplitN(rng, ":", 2)
	if len(protoAndPorts) != 2 {
		return fmt.Errorf("expected proto:loport-hiport, got %q", rng)
	}
	proto64, err := strconv.ParseUint(protoAndPorts[0], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid protocol %q: %w", protoAndPorts[0], err)
	}
	ports := strings.SplitN(protoAndPorts[1], "-", 2)
	lo, err := strconv.ParseUint(ports[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid lo port %q: %w", ports[0], err)
	}
	hi := lo
	if len(ports) == 2 {
		hi, err = strconv.ParseUint(ports[1], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid hi port %q: %w", ports[1], err)
		}
	}
	return m.InsertPortRange(uint8(proto64), uint16(lo), uint16(hi), label)
}
