package cli

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/internal/flowrecord"
)

func writeTestStream(t *testing.T, path string, header flowrecord.Header, recs []flowrecord.Record) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := flowrecord.NewWriter(f, f, flowrecord.IPv6Mix)
	w.SetHeader(header)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
}

func TestOpenInputsReadsHeaderFromFirstStream(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.dat")
	p2 := filepath.Join(dir, "b.dat")
	header := flowrecord.Header{Invocations: []string{"rwsort --fields=sip"}}
	writeTestStream(t, p1, header, []flowrecord.Record{{SrcPort: 1}})
	writeTestStream(t, p2, flowrecord.Header{}, []flowrecord.Record{{SrcPort: 2}})

	readers, gotHeader, closeAll, err := OpenInputs([]string{p1, p2})
	require.NoError(t, err)
	defer closeAll()

	assert.Equal(t, header, gotHeader)
	require.Len(t, readers, 2)

	rec, err := readers[0].Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), rec.SrcPort)
}

func TestOpenInputsMissingFileErrors(t *testing.T) {
	_, _, _, err := OpenInputs([]string{filepath.Join(t.TempDir(), "missing.dat")})
	assert.Error(t, err)
}

func TestOpenOutputWritesFlowrecordStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.dat")

	w, closeFn, err := OpenOutput(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(flowrecord.Record{SrcAddr: netip.MustParseAddr("10.0.0.1")}))
	closeFn()

	readers, _, closeAll, err := OpenInputs([]string{path})
	require.NoError(t, err)
	defer closeAll()
	rec, err := readers[0].Next()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), rec.SrcAddr)
}

func TestOpenPlainOutputToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")

	w, closeFn, err := OpenPlainOutput(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	closeFn()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestOpenPlainOutputDefaultsToStdout(t *testing.T) {
	w, closeFn, err := OpenPlainOutput("")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
	closeFn()
}

func TestOpenPlainOutputCreateFailsOnBadPath(t *testing.T) {
	_, _, err := OpenPlainOutput(filepath.Join(t.TempDir(), "nested", "missing-dir", "file.txt"))
	assert.Error(t, err)
}
