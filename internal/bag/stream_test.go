package bag

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteStreamLoadStreamRoundTrip(t *testing.T) {
	b := New(KeyU32)
	b.Set(KeyFromU64(1), 10)
	b.Set(KeyFromU64(2), 20)
	b.Set(KeyFromU64(3), 30)

	var buf bytes.Buffer
	meta := StreamMeta{KeyType: KeyU32, Invocations: []string{"rwbag --fields=sip"}, Annotations: []string{"test run"}}
	require.NoError(t, b.WriteStream(&buf, meta))

	loaded, gotMeta, err := LoadStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, KeyU32, gotMeta.KeyType)
	assert.Equal(t, []string{"rwbag --fields=sip"}, gotMeta.Invocations)
	assert.Equal(t, []string{"test run"}, gotMeta.Annotations)
	assert.Equal(t, uint64(10), loaded.Get(KeyFromU64(1)))
	assert.Equal(t, uint64(20), loaded.Get(KeyFromU64(2)))
	assert.Equal(t, uint64(30), loaded.Get(KeyFromU64(3)))
	assert.Equal(t, 3, loaded.Len())
}

func TestMergeFromStreamAddsOntoExisting(t *testing.T) {
	b := New(KeyU32)
	b.Set(KeyFromU64(1), 5)

	var buf bytes.Buffer
	other := New(KeyU32)
	other.Set(KeyFromU64(1), 7)
	other.Set(KeyFromU64(2), 1)
	require.NoError(t, other.WriteStream(&buf, StreamMeta{KeyType: KeyU32}))

	meta, err := b.MergeFromStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, KeyU32, meta.KeyType)
	assert.Equal(t, uint64(12), b.Get(KeyFromU64(1)))
	assert.Equal(t, uint64(1), b.Get(KeyFromU64(2)))
}

func TestReadStreamEmptyBag(t *testing.T) {
	b := New(KeyU64)
	var buf bytes.Buffer
	require.NoError(t, b.WriteStream(&buf, StreamMeta{KeyType: KeyU64}))

	var entries int
	err := ReadStream(&buf, func(StreamMeta) {}, func(Key, uint64) error {
		entries++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, entries)
}

func TestReadStreamTruncatedErrors(t *testing.T) {
	err := ReadStream(bytes.NewReader(nil), func(StreamMeta) {}, func(Key, uint64) error { return nil })
	assert.Error(t, err)
}
