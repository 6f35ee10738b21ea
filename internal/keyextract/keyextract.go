// Package keyextract turns a flow record into a fixed-width, memcmp-
// comparable key buffer for a configured field list. Lexicographic order
// on the buffer is the sort order: every field writes a big-endian
// normalized representation so byte comparison matches the field's
// natural order.
package keyextract

import (
	"fmt"

	"github.com/flowkit/flowkit/internal/flowrecord"
)

// FieldProvider is the capability every key field (built-in or plug-in)
// implements. It replaces the C-style callback table from the source tool:
// built-in and user-supplied fields share this one interface, and the set
// of active providers is simply a slice passed into New.
type FieldProvider interface {
	// Name identifies the field for diagnostics.
	Name() string
	// Width is the number of bytes this field contributes to the key.
	Width() int
	// Write encodes rec's value for this field into buf[:Width()].
	// Errors are only expected from plug-in providers; built-in providers
	// never fail.
	Write(rec *flowrecord.Record, buf []byte) error
}

// KeyExtractor materializes key buffers for an ordered field list.
type KeyExtractor struct {
	fields []FieldProvider
	width  int
}

// New builds a KeyExtractor over fields, in order. The buffer width is the
// sum of each field's Width().
func New(fields []FieldProvider) *KeyExtractor {
	w := 0
	for _, f := range fields {
		w += f.Width()
	}
	return &KeyExtractor{fields: fields, width: w}
}

// Width returns the fixed key width K in bytes.
func (k *KeyExtractor) Width() int { return k.width }

// Fields returns the configured field list, in order.
func (k *KeyExtractor) Fields() []FieldProvider { return k.fields }

// WriteKey writes rec's key into buf, which must be at least Width() bytes.
// It returns a wrapped error naming the failing field if a plug-in
// provider reports failure; built-in providers never error.
func (k *KeyExtractor) WriteKey(rec *flowrecord.Record, buf []byte) error {
	if len(buf) < k.width {
		return fmt.Errorf("keyextract: buffer too small: need %d, have %d", k.width, len(buf))
	}
	off := 0
	for _, f := range k.fields {
		w := f.Width()
		if w == 0 {
			continue
		}
		if err := f.Write(rec, buf[off:off+w]); err != nil {
			return fmt.Errorf("keyextract: field %q: %w", f.Name(), err)
		}
		off += w
	}
	return nil
}

// MakeKey is a convenience allocating a fresh buffer and writing into it.
func (k *KeyExtractor) MakeKey(rec *flowrecord.Record) ([]byte, error) {
	buf := make([]byte, k.width)
	if err := k.WriteKey(rec, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
