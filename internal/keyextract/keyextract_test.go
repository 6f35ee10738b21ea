package keyextract

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/internal/flowrecord"
)

func TestWidthIsSumOfFieldWidths(t *testing.T) {
	fields, err := NewBuiltinList([]string{FieldSIP, FieldSPort, FieldProtocol})
	require.NoError(t, err)
	k := New(fields)
	assert.Equal(t, 16+2+1, k.Width())
}

func TestWriteKeyOrdersByFieldPosition(t *testing.T) {
	fields, err := NewBuiltinList([]string{FieldSPort, FieldDPort})
	require.NoError(t, err)
	k := New(fields)

	rec := &flowrecord.Record{SrcPort: 80, DstPort: 443}
	buf, err := k.MakeKey(rec)
	require.NoError(t, err)
	require.Len(t, buf, 4)
	assert.Equal(t, byte(0), buf[0])
	assert.Equal(t, byte(80), buf[1])
	assert.Equal(t, byte(1), buf[2])
	assert.Equal(t, byte(187), buf[3])
}

func TestWriteKeyBufferTooSmall(t *testing.T) {
	fields, err := NewBuiltinList([]string{FieldSIP})
	require.NoError(t, err)
	k := New(fields)
	err = k.WriteKey(&flowrecord.Record{}, make([]byte, 4))
	assert.Error(t, err)
}

func TestNewBuiltinUnrecognizedField(t *testing.T) {
	_, err := NewBuiltin("not-a-real-field")
	assert.Error(t, err)
}

func TestSIPFieldWritesNormalizedV6Bytes(t *testing.T) {
	f, err := NewBuiltin(FieldSIP)
	require.NoError(t, err)
	rec := &flowrecord.Record{SrcAddr: netip.MustParseAddr("10.0.0.1")}
	buf := make([]byte, 16)
	require.NoError(t, f.Write(rec, buf))
	assert.Equal(t, rec.SrcAddr.As16(), [16]byte(buf[:16]))
}

func TestSTimeSecTruncatesToWholeSeconds(t *testing.T) {
	f, err := NewBuiltin(FieldSTimeSec)
	require.NoError(t, err)
	rec := &flowrecord.Record{StartTime: time.UnixMilli(1_700_000_000_500)}
	buf := make([]byte, 8)
	require.NoError(t, f.Write(rec, buf))

	fMillis, err := NewBuiltin(FieldSTime)
	require.NoError(t, err)
	bufMillis := make([]byte, 8)
	require.NoError(t, fMillis.Write(rec, bufMillis))

	assert.NotEqual(t, buf, bufMillis)
}

func TestICMPFieldsZeroForNonICMPProtocol(t *testing.T) {
	typeField, _ := NewBuiltin(FieldICMPType)
	codeField, _ := NewBuiltin(FieldICMPCode)
	rec := &flowrecord.Record{Protocol: 6, DstPort: 0x0801}
	buf := make([]byte, 1)
	require.NoError(t, typeField.Write(rec, buf))
	assert.Equal(t, byte(0), buf[0])
	require.NoError(t, codeField.Write(rec, buf))
	assert.Equal(t, byte(0), buf[0])
}

func TestICMPFieldsDeriveFromDstPortWhenICMP(t *testing.T) {
	typeField, _ := NewBuiltin(FieldICMPType)
	codeField, _ := NewBuiltin(FieldICMPCode)
	rec := &flowrecord.Record{Protocol: 1, DstPort: 0x0801}
	buf := make([]byte, 1)
	require.NoError(t, typeField.Write(rec, buf))
	assert.Equal(t, byte(8), buf[0])
	require.NoError(t, codeField.Write(rec, buf))
	assert.Equal(t, byte(1), buf[0])
}

func TestAllCompareFieldsResolveToBuiltins(t *testing.T) {
	fields, err := NewBuiltinList(AllCompareFields())
	require.NoError(t, err)
	assert.Len(t, fields, len(AllCompareFields()))
}

func TestNewBuiltinListFailsOnFirstUnrecognizedName(t *testing.T) {
	_, err := NewBuiltinList([]string{FieldSIP, "bogus", FieldDIP})
	assert.Error(t, err)
}
