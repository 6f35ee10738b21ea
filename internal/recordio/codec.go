// Package recordio provides the pluggable spill-file codec used by
// TempSpool when writing sorted runs to disk. The on-disk *record*
// container format is an external collaborator (see internal/flowrecord);
// this package only concerns itself with compressing the raw run bytes a
// TempSpool writes and reads back, the way the teacher's
// pkg/compression.HTTPCompressor picks an algorithm per sink.
package recordio

import (
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a spill-file compression codec.
type Algorithm string

const (
	AlgorithmNone   Algorithm = "none"
	AlgorithmZstd   Algorithm = "zstd"
	AlgorithmSnappy Algorithm = "snappy"
	AlgorithmLZ4    Algorithm = "lz4"
)

// Codec wraps a writer/reader pair with (de)compression framing.
type Codec interface {
	// NewWriter wraps w so writes are compressed as they pass through.
	NewWriter(w io.Writer) (io.WriteCloser, error)
	// NewReader wraps r so reads are decompressed as they pass through.
	NewReader(r io.Reader) (io.ReadCloser, error)
	// Name identifies the codec, for diagnostics and metrics labels.
	Name() Algorithm
}

// Resolve looks up a Codec by name, defaulting to AlgorithmNone for an
// empty string. An unrecognized name is a configuration error.
func Resolve(alg Algorithm) (Codec, error) {
	switch alg {
	case "", AlgorithmNone:
		return noneCodec{}, nil
	case AlgorithmZstd:
		return zstdCodec{}, nil
	case AlgorithmSnappy:
		return snappyCodec{}, nil
	case AlgorithmLZ4:
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("recordio: unrecognized temp-compression algorithm %q", alg)
	}
}

type noneCodec struct{}

func (noneCodec) Name() Algorithm { return AlgorithmNone }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type zstdCodec struct{}

func (zstdCodec) Name() Algorithm { return AlgorithmZstd }

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type snappyCodec struct{}

func (snappyCodec) Name() Algorithm { return AlgorithmSnappy }

func (snappyCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() Algorithm { return AlgorithmLZ4 }

type lz4WriteCloser struct{ *lz4.Writer }

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4WriteCloser{lz4.NewWriter(w)}, nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
