package bag

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertOrAddAccumulates(t *testing.T) {
	b := New(KeyU32)
	k := KeyFromU64(7)

	overflowed := b.InsertOrAdd(k, 3)
	assert.False(t, overflowed)
	overflowed = b.InsertOrAdd(k, 4)
	assert.False(t, overflowed)
	assert.Equal(t, uint64(7), b.Get(k))
	assert.False(t, b.Overflow())
}

func TestInsertOrAddSaturatesAndStaysSticky(t *testing.T) {
	b := New(KeyU64)
	k := KeyFromU64(1)

	overflowed := b.InsertOrAdd(k, math.MaxUint64-2)
	assert.False(t, overflowed)

	overflowed = b.InsertOrAdd(k, 5) // wraps past MaxUint64: a genuine overflow
	assert.True(t, overflowed)
	assert.Equal(t, uint64(math.MaxUint64), b.Get(k))
	assert.True(t, b.Overflow())

	// A second, unrelated key that never overflows still sees Overflow()
	// as sticky-true for the whole bag.
	other := KeyFromU64(2)
	b.InsertOrAdd(other, 1)
	assert.True(t, b.Overflow())
}

func TestInsertOrAddOnAlreadySaturatedKeySucceedsSilently(t *testing.T) {
	b := New(KeyU64)
	k := KeyFromU64(1)

	overflowed := b.InsertOrAdd(k, math.MaxUint64-2)
	require.False(t, overflowed)

	overflowed = b.InsertOrAdd(k, 5) // wraps past MaxUint64: a genuine overflow
	require.True(t, overflowed)
	require.Equal(t, uint64(math.MaxUint64), b.Get(k))

	// Now that the key is pinned at MaxUint64, a further add to the same
	// key must succeed silently: no new overflow signal.
	overflowed = b.InsertOrAdd(k, 1)
	assert.False(t, overflowed)
	assert.Equal(t, uint64(math.MaxUint64), b.Get(k))
}

func TestInsertOrSubtractRemovesAtZero(t *testing.T) {
	b := New(KeyU32)
	k := KeyFromU64(5)
	b.InsertOrAdd(k, 10)

	underflowed := b.InsertOrSubtract(k, 10)
	assert.False(t, underflowed)
	assert.Equal(t, uint64(0), b.Get(k))
	assert.Equal(t, 0, b.Len())
}

func TestInsertOrSubtractUnderflowRemovesAndReportsTrue(t *testing.T) {
	b := New(KeyU32)
	k := KeyFromU64(5)
	b.InsertOrAdd(k, 3)

	underflowed := b.InsertOrSubtract(k, 10)
	assert.True(t, underflowed)
	assert.Equal(t, uint64(0), b.Get(k))
}

func TestInsertOrSubtractAbsentKey(t *testing.T) {
	b := New(KeyU32)
	underflowed := b.InsertOrSubtract(KeyFromU64(99), 1)
	assert.True(t, underflowed)
}

func TestSetZeroRemovesKey(t *testing.T) {
	b := New(KeyU32)
	k := KeyFromU64(1)
	b.Set(k, 10)
	require.Equal(t, 1, b.Len())
	b.Set(k, 0)
	assert.Equal(t, 0, b.Len())
}

func TestEntriesSortedAscending(t *testing.T) {
	b := New(KeyU32)
	b.Set(KeyFromU64(30), 1)
	b.Set(KeyFromU64(10), 2)
	b.Set(KeyFromU64(20), 3)

	entries := b.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, KeyFromU64(10), entries[0].Key)
	assert.Equal(t, KeyFromU64(20), entries[1].Key)
	assert.Equal(t, KeyFromU64(30), entries[2].Key)
}

func TestIterateSortedStopsEarly(t *testing.T) {
	b := New(KeyU32)
	b.Set(KeyFromU64(1), 1)
	b.Set(KeyFromU64(2), 1)
	b.Set(KeyFromU64(3), 1)

	seen := 0
	b.IterateSorted(func(k Key, v uint64) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

func TestKeyFromIPv4RoundTripsOrdering(t *testing.T) {
	lo := KeyFromIPv4([4]byte{10, 0, 0, 1})
	hi := KeyFromIPv4([4]byte{10, 0, 0, 2})
	assert.True(t, lo.Less(hi))
}

func TestKeyFromIPv6UsesBothHalves(t *testing.T) {
	addr := [16]byte{0x20, 0x01, 0xdb, 0x8}
	k := KeyFromIPv6(addr)
	assert.NotZero(t, k.Hi)
}

func TestRemoveDeletesKey(t *testing.T) {
	b := New(KeyU32)
	k := KeyFromU64(42)
	b.Set(k, 1)
	b.Remove(k)
	assert.Equal(t, uint64(0), b.Get(k))
	assert.Equal(t, 0, b.Len())
}
