package bagalgebra

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	"github.com/flowkit/flowkit/internal/bag"
	"github.com/flowkit/flowkit/pkg/ipset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamOf(t *testing.T, kt bag.KeyType, entries map[uint64]uint64) io.Reader {
	t.Helper()
	b := bag.New(kt)
	for k, v := range entries {
		b.Set(bag.KeyFromU64(k), v)
	}
	var buf bytes.Buffer
	require.NoError(t, b.WriteStream(&buf, bag.StreamMeta{KeyType: kt}))
	return &buf
}

func loadResult(t *testing.T, out *bytes.Buffer) (*bag.Bag, bag.StreamMeta) {
	t.Helper()
	b, meta, err := bag.LoadStream(out)
	require.NoError(t, err)
	return b, meta
}

func TestRunAddUnionsKeysFromBothSides(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 5, 2: 3})
	rhs := streamOf(t, bag.KeyU32, map[uint64]uint64{2: 4, 3: 1})

	var out bytes.Buffer
	err := Run(Config{Op: OpAdd}, []io.Reader{lhs, rhs}, &out)
	require.NoError(t, err)

	result, _ := loadResult(t, &out)
	assert.Equal(t, uint64(5), result.Get(bag.KeyFromU64(1)))
	assert.Equal(t, uint64(7), result.Get(bag.KeyFromU64(2)))
	assert.Equal(t, uint64(1), result.Get(bag.KeyFromU64(3)))
}

func TestRunSubtractDropsKeysAtOrBelowZero(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 10, 2: 3})
	rhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 4, 2: 3})

	var out bytes.Buffer
	require.NoError(t, Run(Config{Op: OpSubtract}, []io.Reader{lhs, rhs}, &out))

	result, _ := loadResult(t, &out)
	assert.Equal(t, uint64(6), result.Get(bag.KeyFromU64(1)))
	assert.Equal(t, 1, result.Len())
}

func TestRunDivideRoundsHalfUpAndDropsDivByZero(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 7, 2: 9})
	rhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 2, 2: 0})

	var out bytes.Buffer
	require.NoError(t, Run(Config{Op: OpDivide}, []io.Reader{lhs, rhs}, &out))

	result, _ := loadResult(t, &out)
	assert.Equal(t, uint64(4), result.Get(bag.KeyFromU64(1))) // 7/2 = 3.5 -> 4
	assert.Equal(t, 1, result.Len())                          // key 2 dropped (div by zero)
}

func TestRunCompareGTYieldsOneOrDropsKey(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 10, 2: 1})
	rhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 2, 2: 5})

	var out bytes.Buffer
	require.NoError(t, Run(Config{Op: OpCompareGT}, []io.Reader{lhs, rhs}, &out))

	result, _ := loadResult(t, &out)
	assert.Equal(t, uint64(1), result.Get(bag.KeyFromU64(1)))
	assert.Equal(t, uint64(0), result.Get(bag.KeyFromU64(2)))
}

func TestRunScalarMultiplySaturates(t *testing.T) {
	lhs := streamOf(t, bag.KeyU64, map[uint64]uint64{1: 1 << 63})

	var out bytes.Buffer
	require.NoError(t, Run(Config{Op: OpAdd, ScalarMultiply: 4}, []io.Reader{lhs}, &out))

	result, _ := loadResult(t, &out)
	assert.Equal(t, uint64(^uint64(0)), result.Get(bag.KeyFromU64(1)))
}

func TestRunCutoffsFilterByKeyAndCounter(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 1, 5: 5, 10: 10})

	var out bytes.Buffer
	cutoffs := Cutoffs{HasMinKey: true, MinKey: bag.KeyFromU64(2), HasMaxCounter: true, MaxCounter: 9}
	require.NoError(t, Run(Config{Op: OpAdd, Cutoffs: cutoffs}, []io.Reader{lhs}, &out))

	result, _ := loadResult(t, &out)
	assert.Equal(t, 1, result.Len())
	assert.Equal(t, uint64(5), result.Get(bag.KeyFromU64(5)))
}

func TestRunIntersectCutoffKeepsOnlyMatchingAddresses(t *testing.T) {
	ip1 := netip.MustParseAddr("10.0.0.1")
	ip2 := netip.MustParseAddr("10.0.0.2")
	lhs := streamOf(t, bag.KeyIPv4, map[uint64]uint64{
		uint64(ip1.As4()[0])<<24 | uint64(ip1.As4()[1])<<16 | uint64(ip1.As4()[2])<<8 | uint64(ip1.As4()[3]): 1,
		uint64(ip2.As4()[0])<<24 | uint64(ip2.As4()[1])<<16 | uint64(ip2.As4()[2])<<8 | uint64(ip2.As4()[3]): 2,
	})

	set := ipset.New()
	set.Insert(ip1)

	var out bytes.Buffer
	cutoffs := Cutoffs{IntersectSet: set}
	require.NoError(t, Run(Config{Op: OpAdd, Cutoffs: cutoffs}, []io.Reader{lhs}, &out))

	result, _ := loadResult(t, &out)
	assert.Equal(t, 1, result.Len())
}

func TestRunInvertSwapsKeyAndCounter(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 5, 2: 5, 3: 9})

	var out bytes.Buffer
	require.NoError(t, Run(Config{Op: OpAdd, Invert: true}, []io.Reader{lhs}, &out))

	result, _ := loadResult(t, &out)
	assert.Equal(t, uint64(2), result.Get(bag.KeyFromU64(5)))
	assert.Equal(t, uint64(1), result.Get(bag.KeyFromU64(9)))
}

func TestRunCoverSetExtractsAddresses(t *testing.T) {
	ip1 := netip.MustParseAddr("192.168.1.1")
	b := ip1.As4()
	lhs := streamOf(t, bag.KeyIPv4, map[uint64]uint64{uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3]): 1})

	var out bytes.Buffer
	require.NoError(t, Run(Config{Op: OpAdd, CoverSet: true}, []io.Reader{lhs}, &out))

	set, err := ipset.Read(&out)
	require.NoError(t, err)
	assert.True(t, set.Contains(ip1))
}

func TestRunRejectsCoverSetAndInvertTogether(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 1})
	var out bytes.Buffer
	err := Run(Config{Op: OpAdd, CoverSet: true, Invert: true}, []io.Reader{lhs}, &out)
	assert.Error(t, err)
}

func TestRunRejectsNoOperands(t *testing.T) {
	var out bytes.Buffer
	err := Run(Config{Op: OpAdd}, nil, &out)
	assert.Error(t, err)
}

func TestRunCompareDropsKeysPresentOnOnlyOneSide(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 10, 2: 1})
	rhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 2, 3: 5})

	var out bytes.Buffer
	require.NoError(t, Run(Config{Op: OpCompareGT}, []io.Reader{lhs, rhs}, &out))

	result, _ := loadResult(t, &out)
	assert.Equal(t, uint64(1), result.Get(bag.KeyFromU64(1))) // common key, 10 > 2
	assert.Equal(t, 1, result.Len())                          // acc-only key 2 and rhs-only key 3 both dropped
}

func TestRunDivideRejectsMoreThanTwoOperands(t *testing.T) {
	a := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 1})
	b := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 1})
	c := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 1})

	var out bytes.Buffer
	err := Run(Config{Op: OpDivide}, []io.Reader{a, b, c}, &out)
	assert.Error(t, err)
}

func TestRunDivideStrictFailsOnDivByZero(t *testing.T) {
	lhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 7})
	rhs := streamOf(t, bag.KeyU32, map[uint64]uint64{1: 0})

	var out bytes.Buffer
	err := Run(Config{Op: OpDivide, DivideStrict: true}, []io.Reader{lhs, rhs}, &out)
	assert.Error(t, err)
}
