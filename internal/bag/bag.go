// Package bag implements the key-counter multiset ("bag"): a mapping from
// a typed key up to 128 bits to a saturating uint64 counter, as used by
// rwbag and rwbagtool.
package bag

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// KeyType tags the semantic width/family of a bag's keys, mirroring the
// source tool's SKBAG_KEY_* tags. Per spec.md 9's Open Question, country
// codes and pmap lookups both live under KeyU32 here to avoid an
// accidental width mismatch between the two call sites (the source used
// u16 for country codes and u32 for pmap lookups).
type KeyType uint8

const (
	KeyU8 KeyType = iota
	KeyU16
	KeyU32
	KeyU64
	KeyIPv4
	KeyIPv6
)

// Key is a 128-bit-wide key value; only the low Width(Type) bytes of Hi/Lo
// are meaningful, in big-endian significance (Hi is the high 64 bits).
type Key struct {
	Hi uint64
	Lo uint64
}

// KeyFromU64 builds a Key from a plain 64-bit (or narrower) integer.
func KeyFromU64(v uint64) Key { return Key{Lo: v} }

// KeyFromIPv4 builds a Key from a 4-byte address, stored in the low 32
// bits of Lo.
func KeyFromIPv4(b [4]byte) Key {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return Key{Lo: v}
}

// KeyFromIPv6 builds a Key from a 16-byte address.
func KeyFromIPv6(b [16]byte) Key {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(b[i])
	}
	return Key{Hi: hi, Lo: lo}
}

// Less orders two keys for in-order iteration: Hi first, then Lo.
func (k Key) Less(o Key) bool {
	if k.Hi != o.Hi {
		return k.Hi < o.Hi
	}
	return k.Lo < o.Lo
}

const maxU64 = ^uint64(0)

// Entry is one live key/counter pair.
type Entry struct {
	Key     Key
	Counter uint64
}

// numShards distributes keys across independent maps to keep per-shard
// mutex contention down on large bags, the way the teacher's
// deduplication cache hash-shards its LRU index. xxhash.Sum64 of the raw
// key bytes picks the shard.
const numShards = 32

type shard struct {
	mu   sync.Mutex
	data map[Key]uint64
}

// Bag is a mutable key-counter multiset. All counters saturate at
// U64_MAX; once any key saturates, Overflow becomes sticky for the life
// of the Bag.
type Bag struct {
	keyType KeyType
	shards  [numShards]*shard

	overflowMu sync.Mutex
	overflow   bool
}

// New constructs an empty Bag for the given key type.
func New(kt KeyType) *Bag {
	b := &Bag{keyType: kt}
	for i := range b.shards {
		b.shards[i] = &shard{data: make(map[Key]uint64)}
	}
	return b
}

// KeyType reports the bag's key tag.
func (b *Bag) KeyType() KeyType { return b.keyType }

// Overflow reports whether any key has ever saturated.
func (b *Bag) Overflow() bool {
	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	return b.overflow
}

func (b *Bag) setOverflow() {
	b.overflowMu.Lock()
	b.overflow = true
	b.overflowMu.Unlock()
}

func shardIndex(k Key) int {
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(k.Hi >> (56 - 8*i))
	}
	for i := 0; i < 8; i++ {
		b[8+i] = byte(k.Lo >> (56 - 8*i))
	}
	return int(xxhash.Sum64(b[:]) % numShards)
}

// InsertOrAdd adds v to key's current counter, saturating at U64_MAX. It
// returns true if this call caused a saturation; adding to a key that is
// already saturated returns false.
func (b *Bag) InsertOrAdd(k Key, v uint64) (overflowed bool) {
	sh := b.shards[shardIndex(k)]
	sh.mu.Lock()
	cur := sh.data[k]
	var sum uint64
	if cur == maxU64 {
		// already saturated: stays saturated, no new overflow signal
		sum = maxU64
	} else {
		sum = cur + v
		if sum < cur || sum < v { // overflow of the uint64 addition itself
			sum = maxU64
			overflowed = true
		}
	}
	sh.data[k] = sum
	sh.mu.Unlock()
	if overflowed {
		b.setOverflow()
	}
	return overflowed
}

// InsertOrSubtract subtracts v from key's current counter. Subtracting to
// zero or below removes the key (multiset semantics). Returns true if the
// subtraction underflowed (v > current).
func (b *Bag) InsertOrSubtract(k Key, v uint64) (underflowed bool) {
	sh := b.shards[shardIndex(k)]
	sh.mu.Lock()
	cur, ok := sh.data[k]
	if !ok {
		sh.mu.Unlock()
		return v > 0
	}
	if v >= cur {
		delete(sh.data, k)
		sh.mu.Unlock()
		return v > cur
	}
	sh.data[k] = cur - v
	sh.mu.Unlock()
	return false
}

// Set overwrites key's counter unconditionally (0 removes the key).
func (b *Bag) Set(k Key, v uint64) {
	sh := b.shards[shardIndex(k)]
	sh.mu.Lock()
	if v == 0 {
		delete(sh.data, k)
	} else {
		sh.data[k] = v
	}
	sh.mu.Unlock()
}

// Get returns key's current counter, or 0 if absent.
func (b *Bag) Get(k Key) uint64 {
	sh := b.shards[shardIndex(k)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.data[k]
}

// Lookup returns key's current counter along with whether the key is
// actually present, distinguishing an absent key from one set to 0.
func (b *Bag) Lookup(k Key) (uint64, bool) {
	sh := b.shards[shardIndex(k)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.data[k]
	return v, ok
}

// Remove deletes key unconditionally.
func (b *Bag) Remove(k Key) {
	sh := b.shards[shardIndex(k)]
	sh.mu.Lock()
	delete(sh.data, k)
	sh.mu.Unlock()
}

// Len reports the number of live keys.
func (b *Bag) Len() int {
	n := 0
	for _, sh := range b.shards {
		sh.mu.Lock()
		n += len(sh.data)
		sh.mu.Unlock()
	}
	return n
}

// Entries returns every (key, counter) pair, in ascending key order.
func (b *Bag) Entries() []Entry {
	out := make([]Entry, 0, b.Len())
	for _, sh := range b.shards {
		sh.mu.Lock()
		for k, v := range sh.data {
			out = append(out, Entry{Key: k, Counter: v})
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// IterateSorted calls fn for every entry in ascending key order. Iteration
// stops early if fn returns false.
func (b *Bag) IterateSorted(fn func(k Key, v uint64) bool) {
	for _, e := range b.Entries() {
		if !fn(e.Key, e.Counter) {
			return
		}
	}
}
