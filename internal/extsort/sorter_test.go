package extsort

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flowkit/flowkit/internal/flowrecord"
	"github.com/flowkit/flowkit/internal/keyextract"
	"github.com/flowkit/flowkit/internal/tempspool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeReader struct {
	records []flowrecord.Record
	pos     int
	header  flowrecord.Header
}

func (f *fakeReader) Next() (flowrecord.Record, error) {
	if f.pos >= len(f.records) {
		return flowrecord.Record{}, io.EOF
	}
	rec := f.records[f.pos]
	f.pos++
	return rec, nil
}
func (f *fakeReader) Policy() flowrecord.IPv6Policy { return flowrecord.IPv6Mix }
func (f *fakeReader) Header() flowrecord.Header     { return f.header }
func (f *fakeReader) Close() error                  { return nil }

type fakeWriter struct {
	records []flowrecord.Record
	header  flowrecord.Header
}

func (w *fakeWriter) Write(r flowrecord.Record) error { w.records = append(w.records, r); return nil }
func (w *fakeWriter) SetHeader(h flowrecord.Header)   { w.header = h }
func (w *fakeWriter) Close() error                    { return nil }

func testSpool(t *testing.T) *tempspool.TempSpool {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	s, err := tempspool.New(tempspool.Config{Directory: t.TempDir(), Prefix: "sorter-test"}, l)
	require.NoError(t, err)
	t.Cleanup(s.Teardown)
	return s
}

func portField(t *testing.T) *keyextract.KeyExtractor {
	t.Helper()
	fields, err := keyextract.NewBuiltinList([]string{keyextract.FieldSPort})
	require.NoError(t, err)
	return keyextract.New(fields)
}

func TestRunSortsUnsortedInputInMemory(t *testing.T) {
	records := []flowrecord.Record{
		{SrcPort: 300}, {SrcPort: 100}, {SrcPort: 200},
	}
	spool := testSpool(t)
	sorter := New(Config{MemoryBudget: 1 << 20, AvgNodeSize: 64, ToolName: "test"}, portField(t), spool, nil)

	sink := &fakeWriter{}
	require.NoError(t, sorter.Run([]flowrecord.Reader{&fakeReader{records: records}}, sink))

	require.Len(t, sink.records, 3)
	assert.Equal(t, uint16(100), sink.records[0].SrcPort)
	assert.Equal(t, uint16(200), sink.records[1].SrcPort)
	assert.Equal(t, uint16(300), sink.records[2].SrcPort)
}

func TestRunSpillsAndMergesUnderTinyMemoryBudget(t *testing.T) {
	records := make([]flowrecord.Record, 0, 50)
	for i := 50; i > 0; i-- {
		records = append(records, flowrecord.Record{SrcPort: uint16(i)})
	}
	spool := testSpool(t)
	// A tiny budget/AvgNodeSize forces the buffer to fill and flush
	// repeatedly well before all 50 records are read.
	sorter := New(Config{MemoryBudget: 512, AvgNodeSize: 64, MaxOpenRuns: 4, ToolName: "test"}, portField(t), spool, nil)

	sink := &fakeWriter{}
	require.NoError(t, sorter.Run([]flowrecord.Reader{&fakeReader{records: records}}, sink))

	require.Len(t, sink.records, 50)
	for i := 1; i < len(sink.records); i++ {
		assert.LessOrEqual(t, sink.records[i-1].SrcPort, sink.records[i].SrcPort)
	}
	assert.Greater(t, sorter.RunsWritten, int64(0))
}

func TestRunPresortedSkipsSortPhase(t *testing.T) {
	runA := []flowrecord.Record{{SrcPort: 1}, {SrcPort: 3}}
	runB := []flowrecord.Record{{SrcPort: 2}, {SrcPort: 4}}
	spool := testSpool(t)
	sorter := New(Config{MemoryBudget: 1 << 20, AvgNodeSize: 64, Presorted: true, ToolName: "test"}, portField(t), spool, nil)

	sink := &fakeWriter{}
	readers := []flowrecord.Reader{&fakeReader{records: runA}, &fakeReader{records: runB}}
	require.NoError(t, sorter.Run(readers, sink))

	require.Len(t, sink.records, 4)
	assert.Equal(t, uint16(1), sink.records[0].SrcPort)
	assert.Equal(t, uint16(2), sink.records[1].SrcPort)
	assert.Equal(t, uint16(3), sink.records[2].SrcPort)
	assert.Equal(t, uint16(4), sink.records[3].SrcPort)
}

func TestRunPropagatesHeader(t *testing.T) {
	spool := testSpool(t)
	sorter := New(Config{MemoryBudget: 1 << 20, AvgNodeSize: 64, ToolName: "test"}, portField(t), spool, nil)

	header := flowrecord.Header{Invocations: []string{"rwsort --fields=sport"}}
	sink := &fakeWriter{}
	require.NoError(t, sorter.Run([]flowrecord.Reader{&fakeReader{records: nil, header: header}}, sink))
	assert.Equal(t, header, sink.header)
}

func TestRequestShutdownStopsRun(t *testing.T) {
	records := make([]flowrecord.Record, 0, 1000)
	for i := 0; i < 1000; i++ {
		records = append(records, flowrecord.Record{SrcPort: uint16(i % 65535)})
	}
	spool := testSpool(t)
	sorter := New(Config{MemoryBudget: 4096, AvgNodeSize: 64, ToolName: "test"}, portField(t), spool, nil)
	sorter.RequestShutdown()

	sink := &fakeWriter{}
	err := sorter.Run([]flowrecord.Reader{&fakeReader{records: records}}, sink)
	assert.ErrorIs(t, err, ErrShutdown)
}
