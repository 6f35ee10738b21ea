package cli

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaultsToInfoOnUnparseableLevel(t *testing.T) {
	l := NewLogger("not-a-level", "text")
	assert.Equal(t, logrus.InfoLevel, l.Level)
}

func TestNewLoggerParsesValidLevel(t *testing.T) {
	l := NewLogger("debug", "text")
	assert.Equal(t, logrus.DebugLevel, l.Level)
}

func TestNewLoggerJSONFormat(t *testing.T) {
	l := NewLogger("info", "json")
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestNewLoggerTextFormatDefault(t *testing.T) {
	l := NewLogger("info", "anything-else")
	_, ok := l.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestSplitFieldsTrimsAndDropsEmpty(t *testing.T) {
	assert.Equal(t, []string{"sip", "dip", "protocol"}, SplitFields("sip, dip,,protocol"))
}

func TestSplitFieldsEmptyStringYieldsNil(t *testing.T) {
	assert.Nil(t, SplitFields(""))
}

func TestParseByteSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"1024":  1024,
		"2k":    2 << 10,
		"2K":    2 << 10,
		"256m":  256 << 20,
		"256M":  256 << 20,
		"4g":    4 << 30,
		"4G":    4 << 30,
	}
	for raw, want := range cases {
		got, err := ParseByteSize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestParseByteSizeEmptyErrors(t *testing.T) {
	_, err := ParseByteSize("  ")
	assert.Error(t, err)
}

func TestParseByteSizeInvalidNumberErrors(t *testing.T) {
	_, err := ParseByteSize("abc")
	assert.Error(t, err)
}

func TestParseBagRequestThreeFields(t *testing.T) {
	key, counter, output, pmap, err := ParseBagRequest("sip,records,out.bag")
	require.NoError(t, err)
	assert.Equal(t, "sip", key)
	assert.Equal(t, "records", counter)
	assert.Equal(t, "out.bag", output)
	assert.Equal(t, "", pmap)
}

func TestParseBagRequestFourFields(t *testing.T) {
	key, counter, output, pmap, err := ParseBagRequest("sip-pmap,records,out.bag,countries")
	require.NoError(t, err)
	assert.Equal(t, "sip-pmap", key)
	assert.Equal(t, "records", counter)
	assert.Equal(t, "out.bag", output)
	assert.Equal(t, "countries", pmap)
}

func TestParseBagRequestTooFewFieldsErrors(t *testing.T) {
	_, _, _, _, err := ParseBagRequest("sip,records")
	assert.Error(t, err)
}
