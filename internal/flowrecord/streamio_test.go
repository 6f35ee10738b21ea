package flowrecord

import (
	"bytes"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTripsV4Record(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, IPv6Mix)
	rec := Record{
		SrcAddr:   netip.MustParseAddr("10.0.0.1"),
		DstAddr:   netip.MustParseAddr("10.0.0.2"),
		NextHop:   netip.MustParseAddr("10.0.0.254"),
		SrcPort:   80,
		DstPort:   443,
		Protocol:  6,
		Packets:   10,
		Bytes:     1500,
		StartTime: time.UnixMilli(1_700_000_000_123).UTC(),
		Duration:  250 * time.Millisecond,
		Flags:     0x02,
		SensorID:  7,
	}
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	r, err := OpenReader(&buf, nil)
	require.NoError(t, err)
	got, err := r.Next()
	require.NoError(t, err)

	assert.Equal(t, rec.SrcAddr, got.SrcAddr)
	assert.Equal(t, rec.DstAddr, got.DstAddr)
	assert.Equal(t, rec.NextHop, got.NextHop)
	assert.Equal(t, rec.SrcPort, got.SrcPort)
	assert.Equal(t, rec.DstPort, got.DstPort)
	assert.Equal(t, rec.Protocol, got.Protocol)
	assert.Equal(t, rec.Packets, got.Packets)
	assert.Equal(t, rec.Bytes, got.Bytes)
	assert.True(t, rec.StartTime.Equal(got.StartTime))
	assert.Equal(t, rec.Duration, got.Duration)
	assert.Equal(t, rec.Flags, got.Flags)
	assert.Equal(t, rec.SensorID, got.SensorID)
}

func TestWriteReadRoundTripsV6Record(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, IPv6Mix)
	rec := Record{SrcAddr: netip.MustParseAddr("fe80::1"), DstAddr: netip.MustParseAddr("fe80::2")}
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	r, err := OpenReader(&buf, nil)
	require.NoError(t, err)
	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, rec.SrcAddr, got.SrcAddr)
	assert.True(t, got.IsIPv6())
}

func TestHeaderInvocationsAndAnnotationsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, IPv6Mix)
	header := Header{Invocations: []string{"rwsort --fields=sip"}, Annotations: []string{"note one"}}
	w.SetHeader(header)
	require.NoError(t, w.Write(Record{}))
	require.NoError(t, w.Close())

	r, err := OpenReader(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, header, r.Header())
}

func TestSetHeaderAfterFirstWriteIsIgnored(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, IPv6Mix)
	require.NoError(t, w.Write(Record{}))
	w.SetHeader(Header{Invocations: []string{"too late"}})
	require.NoError(t, w.Close())

	r, err := OpenReader(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, Header{}, r.Header())
}

func TestMultipleRecordsReadInOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, IPv6Mix)
	for _, port := range []uint16{1, 2, 3} {
		require.NoError(t, w.Write(Record{SrcPort: port}))
	}
	require.NoError(t, w.Close())

	r, err := OpenReader(&buf, nil)
	require.NoError(t, err)
	for _, want := range []uint16{1, 2, 3} {
		rec, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want, rec.SrcPort)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenReaderRejectsWrongMagic(t *testing.T) {
	_, err := OpenReader(bytes.NewReader([]byte("NOPE0000")), nil)
	assert.Error(t, err)
}

func TestOpenReaderRejectsTruncatedMagic(t *testing.T) {
	_, err := OpenReader(bytes.NewReader([]byte("FK")), nil)
	assert.Error(t, err)
}

func TestNextRejectsTruncatedRecordBody(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, IPv6Mix)
	require.NoError(t, w.Write(Record{SrcPort: 99}))
	require.NoError(t, w.Close())

	truncated := buf.Bytes()[:buf.Len()-4]
	r, err := OpenReader(bytes.NewReader(truncated), nil)
	require.NoError(t, err)
	_, err = r.Next()
	assert.Error(t, err)
}

func TestCloseDelegatesToProvidedCloser(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, IPv6Mix)
	require.NoError(t, w.Write(Record{}))

	closed := false
	wc := &fakeCloser{fn: func() error { closed = true; return nil }}
	r, err := OpenReader(&buf, wc)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.True(t, closed)
}

type fakeCloser struct{ fn func() error }

func (c *fakeCloser) Close() error { return c.fn() }

func TestPolicyIsPreservedAcrossStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, IPv6Force)
	require.NoError(t, w.Write(Record{}))
	require.NoError(t, w.Close())

	r, err := OpenReader(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, IPv6Force, r.Policy())
}

func TestEndTimeAddsDuration(t *testing.T) {
	start := time.Unix(1000, 0)
	rec := Record{StartTime: start, Duration: 5 * time.Second}
	assert.Equal(t, start.Add(5*time.Second), rec.EndTime())
}

func TestICMPFieldsDeriveFromDstPortOnlyForICMP(t *testing.T) {
	icmp := Record{Protocol: 1, DstPort: 0x0801}
	assert.Equal(t, uint8(8), icmp.ICMPType())
	assert.Equal(t, uint8(1), icmp.ICMPCode())

	other := Record{Protocol: 6, DstPort: 0x0801}
	assert.Equal(t, uint8(0), other.ICMPType())
	assert.Equal(t, uint8(0), other.ICMPCode())
}

func TestHeaderCloneDoesNotAliasSlices(t *testing.T) {
	h := Header{Invocations: []string{"a"}, Annotations: []string{"b"}}
	clone := h.Clone()
	clone.Invocations[0] = "mutated"
	assert.Equal(t, "a", h.Invocations[0])
}
