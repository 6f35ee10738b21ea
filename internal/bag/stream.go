package bag

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StreamMeta is the metadata header for a serialized bag stream: key
// type, counter type, creator command line, and annotations. The exact
// on-disk layout beyond this struct is owned by the external container
// library in production; flowkit's own Read/Write here is the private
// scratch format used between flowkit tools and its own tests.
type StreamMeta struct {
	KeyType     KeyType
	Invocations []string
	Annotations []string
}

// WriteStream serializes the bag's entries in ascending key order,
// preceded by meta, to w.
func (b *Bag) WriteStream(w io.Writer, meta StreamMeta) error {
	if err := writeString(w, fmt.Sprintf("%d", meta.KeyType)); err != nil {
		return err
	}
	if err := writeStrings(w, meta.Invocations); err != nil {
		return err
	}
	if err := writeStrings(w, meta.Annotations); err != nil {
		return err
	}
	entries := b.Entries()
	if err := writeUint64(w, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeUint64(w, e.Key.Hi); err != nil {
			return err
		}
		if err := writeUint64(w, e.Key.Lo); err != nil {
			return err
		}
		if err := writeUint64(w, e.Counter); err != nil {
			return err
		}
	}
	return nil
}

// ReadStream is the streaming counterpart BagAlgebra uses to consume a
// bag file without materializing an intermediate Bag: initCB receives the
// stream metadata once, then entryCB is called once per (key, counter) in
// the order the file holds them (ascending key order on a well-formed
// flowkit-written stream).
func ReadStream(r io.Reader, initCB func(StreamMeta), entryCB func(Key, uint64) error) error {
	ktStr, err := readString(r)
	if err != nil {
		return err
	}
	var kt KeyType
	fmt.Sscanf(ktStr, "%d", &kt)
	invocations, err := readStrings(r)
	if err != nil {
		return err
	}
	annotations, err := readStrings(r)
	if err != nil {
		return err
	}
	initCB(StreamMeta{KeyType: kt, Invocations: invocations, Annotations: annotations})

	n, err := readUint64(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		hi, err := readUint64(r)
		if err != nil {
			return err
		}
		lo, err := readUint64(r)
		if err != nil {
			return err
		}
		v, err := readUint64(r)
		if err != nil {
			return err
		}
		if err := entryCB(Key{Hi: hi, Lo: lo}, v); err != nil {
			return err
		}
	}
	return nil
}

// MergeFromStream reads a bag stream and folds it into b via
// InsertOrAdd, returning the stream's metadata.
func (b *Bag) MergeFromStream(r io.Reader) (StreamMeta, error) {
	var meta StreamMeta
	err := ReadStream(r, func(m StreamMeta) { meta = m }, func(k Key, v uint64) error {
		b.InsertOrAdd(k, v)
		return nil
	})
	return meta, err
}

// LoadStream reads a full bag stream into a new Bag.
func LoadStream(r io.Reader) (*Bag, StreamMeta, error) {
	var meta StreamMeta
	var b *Bag
	err := ReadStream(r, func(m StreamMeta) {
		meta = m
		b = New(m.KeyType)
	}, func(k Key, v uint64) error {
		b.Set(k, v)
		return nil
	})
	return b, meta, err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := writeUint64(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
