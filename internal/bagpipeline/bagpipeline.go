// Package bagpipeline implements rwbag: reading records and mapping each
// one through one or more (key, counter) extractors into parallel Bags.
package bagpipeline

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/flowkit/flowkit/internal/bag"
	"github.com/flowkit/flowkit/internal/flowrecord"
	"github.com/flowkit/flowkit/internal/metrics"
	"github.com/flowkit/flowkit/pkg/pmap"
)

// KeyField names which record field to derive the bag's key from.
type KeyField string

const (
	KeySIP         KeyField = "sip"
	KeyDIP         KeyField = "dip"
	KeyNHIP        KeyField = "nhip"
	KeySPort       KeyField = "sport"
	KeyDPort       KeyField = "dport"
	KeyProtocol    KeyField = "protocol"
	KeyBytes       KeyField = "bytes"
	KeyPackets     KeyField = "packets"
	KeyFlags       KeyField = "flags"
	KeySTimeSec    KeyField = "stime-sec"
	KeyDurationSec KeyField = "duration-sec"
	KeyETimeSec    KeyField = "etime-sec"
	KeySensor      KeyField = "sensor"
	KeyInput       KeyField = "input"
	KeyOutput      KeyField = "output"
	KeyInitFlags   KeyField = "initflags"
	KeyRestFlags   KeyField = "restflags"
	KeyTCPState    KeyField = "tcp-state"
	KeyApplication KeyField = "application"
	KeySIPCountry  KeyField = "sip-country"
	KeyDIPCountry  KeyField = "dip-country"
	KeySIPPmap     KeyField = "sip-pmap"
	KeyDIPPmap     KeyField = "dip-pmap"
	KeySPortPmap   KeyField = "sport-pmap"
	KeyDPortPmap   KeyField = "dport-pmap"
)

// CounterField names which quantity to accumulate per key.
type CounterField string

const (
	CounterRecords    CounterField = "records"
	CounterSumPackets CounterField = "sum-packets"
	CounterSumBytes   CounterField = "sum-bytes"
)

// CountryLookup resolves an address to a 16-bit country code. An
// external collaborator (spec.md: "country-code lookup libraries").
type CountryLookup interface {
	Lookup(addr interface{ As16() [16]byte }) uint16
}

// BagRequest configures one output bag produced from the input stream.
type BagRequest struct {
	Key        KeyField
	Counter    CounterField
	OutputPath string // "-" or "stdout" writes to process stdout
	PmapName   string // required for *-pmap key fields

	pmapHandle *pmap.Map // resolved at Validate time
}

// Config configures a full BagPipeline run.
type Config struct {
	Requests        []BagRequest
	Pmaps           map[string]*pmap.Map
	Country         CountryLookup
	InvocationStrip bool
	NotesStrip      bool
}

// Pipeline reads flow records once and fans each one out through every
// configured BagRequest's key/counter extractor into its own Bag.
type Pipeline struct {
	cfg    Config
	bags   []*bag.Bag
	logger *logrus.Logger

	overflowLogged []bool
}

// New validates cfg (pmap references, duplicate-stdout sinks) and builds
// an empty Bag per request.
func New(cfg Config, logger *logrus.Logger) (*Pipeline, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	p := &Pipeline{cfg: cfg, logger: logger}
	p.bags = make([]*bag.Bag, len(cfg.Requests))
	p.overflowLogged = make([]bool, len(cfg.Requests))
	for i, req := range cfg.Requests {
		p.bags[i] = bag.New(keyTypeFor(req.Key))
	}
	return p, nil
}

func validate(cfg Config) error {
	stdoutSinks := 0
	for i := range cfg.Requests {
		req := &cfg.Requests[i]
		if req.OutputPath == "-" || req.OutputPath == "stdout" {
			stdoutSinks++
		}
		if isPmapField(req.Key) {
			m, ok := cfg.Pmaps[req.PmapName]
			if !ok {
				return fmt.Errorf("bagpipeline: key %q references unloaded pmap %q", req.Key, req.PmapName)
			}
			if err := checkPmapContentType(req.Key, m); err != nil {
				return err
			}
			req.pmapHandle = m
		}
	}
	if stdoutSinks > 1 {
		return fmt.Errorf("bagpipeline: at most one sink may write to stdout, got %d", stdoutSinks)
	}
	return nil
}

func isPmapField(k KeyField) bool {
	switch k {
	case KeySIPPmap, KeyDIPPmap, KeySPortPmap, KeyDPortPmap:
		return true
	}
	return false
}

func checkPmapContentType(k KeyField, m *pmap.Map) error {
	switch k {
	case KeySIPPmap, KeyDIPPmap:
		if m.ContentType() != pmap.ContentIPv4 && m.ContentType() != pmap.ContentIPv6 {
			return fmt.Errorf("bagpipeline: key %q requires an IP pmap, got %s", k, m.ContentType())
		}
	case KeySPortPmap, KeyDPortPmap:
		if m.ContentType() != pmap.ContentProtoPort {
			return fmt.Errorf("bagpipeline: key %q requires a proto/port pmap, got %s", k, m.ContentType())
		}
	}
	return nil
}

func keyTypeFor(k KeyField) bag.KeyType {
	switch k {
	case KeySIP, KeyDIP, KeyNHIP:
		return bag.KeyIPv6 // normalized to 16 bytes regardless of family
	case KeySPort, KeyDPort, KeySensor, KeyInput, KeyOutput, KeyApplication:
		return bag.KeyU16
	case KeyProtocol, KeyFlags, KeyInitFlags, KeyRestFlags, KeyTCPState:
		return bag.KeyU8
	case KeySIPPmap, KeyDIPPmap, KeySPortPmap, KeyDPortPmap,
		KeySIPCountry, KeyDIPCountry:
		return bag.KeyU32
	default:
		return bag.KeyU64
	}
}

// Run reads every record from r through every request's extractor.
// Overflow is logged once per bag, never fatal; only an error reading the
// input stream aborts.
func (p *Pipeline) Run(r flowrecord.Reader) error {
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("bagpipeline: read: %w", err)
		}
		for i := range p.cfg.Requests {
			p.apply(i, &rec)
		}
	}
	return nil
}

func (p *Pipeline) apply(i int, rec *flowrecord.Record) {
	req := &p.cfg.Requests[i]
	key := p.keyOf(req, rec)
	counter := counterOf(req.Counter, rec)
	if p.bags[i].InsertOrAdd(key, counter) && !p.overflowLogged[i] {
		p.overflowLogged[i] = true
		metrics.BagOverflowTotal.WithLabelValues(string(req.Key)).Inc()
		if p.logger != nil {
			p.logger.WithFields(logrus.Fields{"key_field": req.Key, "counter_field": req.Counter}).
				Warn("bagpipeline: counter overflow; bag saturated at U64_MAX")
		}
	}
}

func (p *Pipeline) keyOf(req *BagRequest, rec *flowrecord.Record) bag.Key {
	switch req.Key {
	case KeySIP:
		return bag.KeyFromIPv6(rec.SrcAddr.As16())
	case KeyDIP:
		return bag.KeyFromIPv6(rec.DstAddr.As16())
	case KeyNHIP:
		return bag.KeyFromIPv6(rec.NextHop.As16())
	case KeySPort:
		return bag.KeyFromU64(uint64(rec.SrcPort))
	case KeyDPort:
		return bag.KeyFromU64(uint64(rec.DstPort))
	case KeyProtocol:
		return bag.KeyFromU64(uint64(rec.Protocol))
	case KeyBytes:
		return bag.KeyFromU64(rec.Bytes)
	case KeyPackets:
		return bag.KeyFromU64(rec.Packets)
	case KeyFlags:
		return bag.KeyFromU64(uint64(rec.Flags))
	case KeyInitFlags:
		return bag.KeyFromU64(uint64(rec.InitFlags))
	case KeyRestFlags:
		return bag.KeyFromU64(uint64(rec.RestFlags))
	case KeyTCPState:
		return bag.KeyFromU64(uint64(rec.TCPState))
	case KeySTimeSec:
		return bag.KeyFromU64(uint64(rec.StartTime.Unix()))
	case KeyDurationSec:
		return bag.KeyFromU64(uint64(rec.Duration.Seconds()))
	case KeyETimeSec:
		return bag.KeyFromU64(uint64(rec.EndTime().Unix()))
	case KeySensor:
		return bag.KeyFromU64(uint64(rec.SensorID))
	case KeyInput:
		return bag.KeyFromU64(uint64(rec.Input))
	case KeyOutput:
		return bag.KeyFromU64(uint64(rec.Output))
	case KeyApplication:
		return bag.KeyFromU64(uint64(rec.Application))
	case KeySIPCountry:
		return bag.KeyFromU64(uint64(p.cfg.Country.Lookup(rec.SrcAddr)))
	case KeyDIPCountry:
		return bag.KeyFromU64(uint64(p.cfg.Country.Lookup(rec.DstAddr)))
	case KeySIPPmap:
		return bag.KeyFromU64(uint64(req.pmapHandle.LookupIP(rec.SrcAddr)))
	case KeyDIPPmap:
		return bag.KeyFromU64(uint64(req.pmapHandle.LookupIP(rec.DstAddr)))
	case KeySPortPmap:
		return bag.KeyFromU64(uint64(req.pmapHandle.LookupProtoPort(rec.Protocol, rec.SrcPort)))
	case KeyDPortPmap:
		return bag.KeyFromU64(uint64(req.pmapHandle.LookupProtoPort(rec.Protocol, rec.DstPort)))
	default:
		return bag.Key{}
	}
}

func counterOf(c CounterField, rec *flowrecord.Record) uint64 {
	switch c {
	case CounterRecords:
		return 1
	case CounterSumPackets:
		return rec.Packets
	case CounterSumBytes:
		return rec.Bytes
	default:
		return 0
	}
}

// Finalize writes each request's Bag to its configured sink, copying
// invocation/annotation header entries unless stripping was requested.
func (p *Pipeline) Finalize(header flowrecord.Header) error {
	for i, req := range p.cfg.Requests {
		meta := bag.StreamMeta{KeyType: p.bags[i].KeyType()}
		if !p.cfg.InvocationStrip {
			meta.Invocations = header.Invocations
		}
		if !p.cfg.NotesStrip {
			meta.Annotations = header.Annotations
		}
		metrics.BagEntries.WithLabelValues(string(req.Key)).Set(float64(p.bags[i].Len()))
		if err := p.writeOne(p.bags[i], req, meta); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) writeOne(b *bag.Bag, req BagRequest, meta bag.StreamMeta) error {
	if req.OutputPath == "-" || req.OutputPath == "stdout" {
		return b.WriteStream(os.Stdout, meta)
	}
	f, err := os.Create(req.OutputPath)
	if err != nil {
		return fmt.Errorf("bagpipeline: create %s: %w", req.OutputPath, err)
	}
	defer f.Close()
	return b.WriteStream(f, meta)
}

// Bags exposes the accumulated per-request bags, chiefly for tests.
func (p *Pipeline) Bags() []*bag.Bag { return p.bags }
