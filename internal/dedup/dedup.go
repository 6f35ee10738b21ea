// Package dedup implements rwdedupe: deduplication over an arbitrary key
// with optional numeric-tolerance windows, built on top of extsort.
package dedup

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flowkit/flowkit/internal/extsort"
	"github.com/flowkit/flowkit/internal/flowrecord"
	"github.com/flowkit/flowkit/internal/keyextract"
	"github.com/flowkit/flowkit/internal/tempspool"
)

// DeltaField is one tolerance-bucketed numeric compare field: two values
// match if they are within +/- Tolerance of each other.
type DeltaField struct {
	Name      string
	Tolerance uint64
	Value     func(rec *flowrecord.Record) uint64
}

// Builtin delta fields named in spec.md 4.4.
func PacketsDelta(tol uint64) DeltaField {
	return DeltaField{Name: "packets", Tolerance: tol, Value: func(r *flowrecord.Record) uint64 { return r.Packets }}
}
func BytesDelta(tol uint64) DeltaField {
	return DeltaField{Name: "bytes", Tolerance: tol, Value: func(r *flowrecord.Record) uint64 { return r.Bytes }}
}
func STimeDelta(tol uint64) DeltaField {
	return DeltaField{Name: "stime", Tolerance: tol, Value: func(r *flowrecord.Record) uint64 { return uint64(r.StartTime.UnixMilli()) }}
}
func DurationDelta(tol uint64) DeltaField {
	return DeltaField{Name: "duration", Tolerance: tol, Value: func(r *flowrecord.Record) uint64 { return uint64(r.Duration.Milliseconds()) }}
}

// Config configures a Deduper.
type Config struct {
	// CompareFields are the built-in field names forming the exact-
	// equality prefix of the key (rwdedupe's default is
	// keyextract.AllCompareFields minus ignored fields, which leaves out
	// the packet, byte and time fields; or an explicit override).
	CompareFields []string
	// DeltaFields are tolerance-bucketed fields, appended to the key
	// after CompareFields so near-equal records sort adjacent.
	DeltaFields []DeltaField
	Sort        extsort.Config
}

// Deduper scans a sorted stream (sorted on CompareFields+DeltaFields) and
// emits the first record of each match-run.
type Deduper struct {
	cfg    Config
	key    *keyextract.KeyExtractor
	sorter *extsort.ExternalSorter
	logger *logrus.Logger

	compareWidth int
}

// New builds a Deduper. spool backs the underlying ExternalSorter.
func New(cfg Config, spool *tempspool.TempSpool, logger *logrus.Logger) (*Deduper, error) {
	fields, err := keyextract.NewBuiltinList(cfg.CompareFields)
	if err != nil {
		return nil, err
	}
	compareWidth := 0
	for _, f := range fields {
		compareWidth += f.Width()
	}
	allFields := append(append([]keyextract.FieldProvider(nil), fields...), deltaFieldProviders(cfg.DeltaFields)...)
	key := keyextract.New(allFields)

	sorter := extsort.New(cfg.Sort, key, spool, logger)
	return &Deduper{cfg: cfg, key: key, sorter: sorter, logger: logger, compareWidth: compareWidth}, nil
}

// deltaFieldProvider adapts a DeltaField to keyextract.FieldProvider so it
// can ride along in the sort key, placed after the exact-equality prefix.
type deltaFieldProvider struct{ f DeltaField }

func (d deltaFieldProvider) Name() string { return d.f.Name }
func (d deltaFieldProvider) Width() int   { return 8 }
func (d deltaFieldProvider) Write(rec *flowrecord.Record, buf []byte) error {
	v := d.f.Value(rec)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return nil
}

func deltaFieldProviders(deltas []DeltaField) []keyextract.FieldProvider {
	out := make([]keyextract.FieldProvider, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, deltaFieldProvider{d})
	}
	return out
}

// Run sorts readers, collapsing each match-run to its first record as
// sorted output streams past: every compare field byte-equal and every
// delta field within its tolerance window of the run's first record.
// Because ExternalSorter writes to its sink in sorted order one record
// at a time (whether via the heap merge or the direct-write no-spill
// path), the collapsing logic can run inline as a Writer wrapper instead
// of buffering the sorted stream a second time.
func (d *Deduper) Run(readers []flowrecord.Reader, sink flowrecord.Writer) error {
	dw := &dedupeWriter{d: d, sink: sink}
	if err := d.sorter.Run(readers, dw); err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	return nil
}

type dedupeWriter struct {
	d    *Deduper
	sink flowrecord.Writer

	have    bool
	prevKey []byte
}

func (w *dedupeWriter) SetHeader(h flowrecord.Header) { w.sink.SetHeader(h) }

func (w *dedupeWriter) Write(rec flowrecord.Record) error {
	key, err := w.d.key.MakeKey(&rec)
	if err != nil {
		return fmt.Errorf("dedup: key derivation: %w", err)
	}
	if w.have && w.d.matches(w.prevKey, key) {
		return nil // drop: part of the same match-run
	}
	if err := w.sink.Write(rec); err != nil {
		return err
	}
	w.prevKey, w.have = key, true
	return nil
}

func (w *dedupeWriter) Close() error { return w.sink.Close() }

// matches reports whether key is within the same match-run as prevKey:
// byte-equal on the compare-field prefix, and within tolerance on every
// delta field (each compared independently against prevKey's bucket,
// since a tolerance window is a difference test, not an equality test,
// and can't be captured by the sort key bytes alone).
func (d *Deduper) matches(prevKey, key []byte) bool {
	if !bytes.Equal(prevKey[:d.compareWidth], key[:d.compareWidth]) {
		return false
	}
	off := d.compareWidth
	for _, delta := range d.cfg.DeltaFields {
		pv := beUint64(prevKey[off : off+8])
		kv := beUint64(key[off : off+8])
		off += 8
		if !withinTolerance(pv, kv, delta.Tolerance) {
			return false
		}
	}
	return true
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func withinTolerance(a, b, tol uint64) bool {
	var diff uint64
	if a > b {
		diff = a - b
	} else {
		diff = b - a
	}
	return diff <= tol
}
