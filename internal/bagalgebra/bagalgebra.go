// Package bagalgebra implements rwbagtool: binary/n-ary operators over
// bag streams, followed by cutoff and inversion post-processing, and
// optional cover-set extraction in place of a bag output.
package bagalgebra

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/flowkit/flowkit/internal/bag"
	"github.com/flowkit/flowkit/pkg/ipset"
)

// Operator is a binary bag-combining operator, applied left to right
// across an operand list.
type Operator int

const (
	OpAdd Operator = iota
	OpSubtract
	OpMinimize
	OpMaximize
	OpDivide // round-half-up
	OpCompareLT
	OpCompareLE
	OpCompareEQ
	OpCompareGE
	OpCompareGT
)

// Cutoffs filters entries after the operator chain has run.
type Cutoffs struct {
	HasMinKey     bool
	MinKey        bag.Key
	HasMaxKey     bool
	MaxKey        bag.Key
	HasMinCounter bool
	MinCounter    uint64
	HasMaxCounter bool
	MaxCounter    uint64
	IntersectSet  *ipset.Set // keep only IP keys present in this set
}

// Config configures one rwbagtool run.
type Config struct {
	Op             Operator
	DivideStrict   bool // divide-by-zero is a fatal error instead of dropping the key
	ScalarMultiply uint64 // applied after Op, 0 means "no scalar step"
	Cutoffs        Cutoffs
	Invert         bool
	CoverSet       bool // mutually exclusive with writing a bag
}

// isBinaryOnly reports whether op requires exactly two operands, per
// spec.md 4.7: divide and the compare family aren't meaningfully
// chainable across more than one pair.
func isBinaryOnly(op Operator) bool {
	switch op {
	case OpDivide, OpCompareLT, OpCompareLE, OpCompareEQ, OpCompareGE, OpCompareGT:
		return true
	default:
		return false
	}
}

// Run applies cfg.Op left-to-right across operands (each an open bag
// stream), then cutoffs, then inversion or cover-set extraction, writing
// the result to out.
func Run(cfg Config, operands []io.Reader, out io.Writer) error {
	if cfg.CoverSet && cfg.Invert {
		return fmt.Errorf("bagalgebra: --coverset and --invert are mutually exclusive")
	}
	if len(operands) == 0 {
		return fmt.Errorf("bagalgebra: no operands")
	}
	if isBinaryOnly(cfg.Op) && len(operands) != 2 {
		return fmt.Errorf("bagalgebra: divide and compare operators require exactly two operands, got %d", len(operands))
	}

	acc, meta, err := bag.LoadStream(operands[0])
	if err != nil {
		return fmt.Errorf("bagalgebra: load operand 0: %w", err)
	}
	for i := 1; i < len(operands); i++ {
		rhs, _, err := bag.LoadStream(operands[i])
		if err != nil {
			return fmt.Errorf("bagalgebra: load operand %d: %w", i, err)
		}
		acc, err = combine(cfg.Op, acc, rhs, cfg.DivideStrict)
		if err != nil {
			return fmt.Errorf("bagalgebra: operand %d: %w", i, err)
		}
	}

	if cfg.ScalarMultiply != 0 {
		acc = scalarMultiply(acc, cfg.ScalarMultiply)
	}

	acc = applyCutoffs(acc, cfg.Cutoffs)

	if cfg.CoverSet {
		set := coverSet(acc)
		return set.Write(out)
	}

	if cfg.Invert {
		acc = invert(acc)
	}

	return acc.WriteStream(out, meta)
}

// combine applies op across lhs and rhs, per spec.md 4.7. For the
// compare family (and divide, which inherits the same "undefined
// outside the intersection" reasoning), only keys present on BOTH sides
// participate: a key present on only one side is dropped from the
// result rather than being compared against an implicit 0, and an
// RHS-only key is never introduced. Under divide with divideStrict, an
// lhs-only key (an implicit zero divisor) is an error instead. Every
// other operator treats an absent side as contributing 0: add and
// maximize keep lhs-only and rhs-only keys, subtract keeps only keys
// whose lhs counter exceeds the rhs one (so rhs-only keys never appear),
// and minimize keeps no one-sided key, since its minimum with 0 is 0.
func combine(op Operator, lhs, rhs *bag.Bag, divideStrict bool) (*bag.Bag, error) {
	out := bag.New(lhs.KeyType())
	commonOnly := isBinaryOnly(op)
	seen := map[bag.Key]struct{}{}

	var firstErr error
	lhs.IterateSorted(func(k bag.Key, v uint64) bool {
		seen[k] = struct{}{}
		rv, ok := rhs.Lookup(k)
		if commonOnly && !ok {
			if op == OpDivide && divideStrict {
				firstErr = fmt.Errorf("bagalgebra: divide by zero at key %v (--divide-strict)", k)
				return false
			}
			return true // acc-only key under compare/divide: dropped
		}
		if err := applyOne(out, op, k, v, rv, divideStrict); err != nil {
			firstErr = err
			return false
		}
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	if !commonOnly {
		rhs.IterateSorted(func(k bag.Key, v uint64) bool {
			if _, ok := seen[k]; ok {
				return true
			}
			lv := lhs.Get(k)
			if err := applyOne(out, op, k, lv, v, divideStrict); err != nil {
				firstErr = err
				return false
			}
			return true
		})
	}
	return out, firstErr
}

func applyOne(out *bag.Bag, op Operator, k bag.Key, l, r uint64, divideStrict bool) error {
	switch op {
	case OpAdd:
		sum, of := addSat(l, r)
		if of {
			out.Set(k, maxU64)
		} else {
			out.Set(k, sum)
		}
	case OpSubtract:
		if r >= l {
			return nil // subtract-to-zero-or-below: key absent from result
		}
		out.Set(k, l-r)
	case OpMinimize:
		if l < r {
			out.Set(k, l)
		} else {
			out.Set(k, r)
		}
	case OpMaximize:
		if l > r {
			out.Set(k, l)
		} else {
			out.Set(k, r)
		}
	case OpDivide:
		if r == 0 {
			if divideStrict {
				return fmt.Errorf("bagalgebra: divide by zero at key %v (--divide-strict)", k)
			}
			return nil // division by zero: key dropped, per spec.md 9 Open Question resolution
		}
		out.Set(k, roundHalfUp(l, r))
	case OpCompareLT:
		setBool(out, k, l < r)
	case OpCompareLE:
		setBool(out, k, l <= r)
	case OpCompareEQ:
		setBool(out, k, l == r)
	case OpCompareGE:
		setBool(out, k, l >= r)
	case OpCompareGT:
		setBool(out, k, l > r)
	}
	return nil
}

func setBool(out *bag.Bag, k bag.Key, v bool) {
	if v {
		out.Set(k, 1)
	}
}

const maxU64 = ^uint64(0)

func addSat(a, b uint64) (sum uint64, overflow bool) {
	sum = a + b
	return sum, sum < a
}

// roundHalfUp computes round(num/den) with .5 rounding away from zero,
// matching spec.md 4.7's divide operator.
func roundHalfUp(num, den uint64) uint64 {
	return (num + den/2) / den
}

func scalarMultiply(b *bag.Bag, scalar uint64) *bag.Bag {
	out := bag.New(b.KeyType())
	b.IterateSorted(func(k bag.Key, v uint64) bool {
		product, of := mulSat(v, scalar)
		if of {
			out.Set(k, maxU64)
		} else {
			out.Set(k, product)
		}
		return true
	})
	return out
}

func mulSat(a, b uint64) (product uint64, overflow bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	product = a * b
	return product, product/b != a
}

func applyCutoffs(b *bag.Bag, c Cutoffs) *bag.Bag {
	out := bag.New(b.KeyType())
	b.IterateSorted(func(k bag.Key, v uint64) bool {
		if c.HasMinKey && k.Less(c.MinKey) {
			return true
		}
		if c.HasMaxKey && c.MaxKey.Less(k) {
			return true
		}
		if c.HasMinCounter && v < c.MinCounter {
			return true
		}
		if c.HasMaxCounter && v > c.MaxCounter {
			return true
		}
		if c.IntersectSet != nil && !keyInSet(b.KeyType(), k, c.IntersectSet) {
			return true
		}
		out.Set(k, v)
		return true
	})
	return out
}

func keyInSet(kt bag.KeyType, k bag.Key, set *ipset.Set) bool {
	addr, ok := keyToAddr(kt, k)
	if !ok {
		return false
	}
	return set.Contains(addr)
}

func keyToAddr(kt bag.KeyType, k bag.Key) (netip.Addr, bool) {
	switch kt {
	case bag.KeyIPv4:
		var b [4]byte
		v := k.Lo
		for i := 3; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
		return netip.AddrFrom4(b), true
	case bag.KeyIPv6:
		var b [16]byte
		for i := 7; i >= 0; i-- {
			b[i] = byte(k.Hi >> (8 * (7 - i)))
		}
		for i := 0; i < 8; i++ {
			b[8+i] = byte(k.Lo >> (56 - 8*i))
		}
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

// invert swaps key and counter: the output bag's key is the original
// counter value, and its counter is the number of distinct original keys
// that held that value. Per spec.md 9's Open Question resolution, any
// counter value above U32_MAX saturates into a single U32_MAX bucket
// rather than silently truncating. The result is built in one pass over
// b into a second, U64-keyed bag.
func invert(b *bag.Bag) *bag.Bag {
	const bucketMax = uint64(^uint32(0))
	out := bag.New(bag.KeyU64)
	b.IterateSorted(func(_ bag.Key, v uint64) bool {
		bucket := v
		if bucket > bucketMax {
			bucket = bucketMax
		}
		out.InsertOrAdd(bag.KeyFromU64(bucket), 1)
		return true
	})
	return out
}

// coverSet extracts the set of distinct IP addresses present as keys in
// an IP-keyed bag, for rwbagtool's --coverset mode.
func coverSet(b *bag.Bag) *ipset.Set {
	set := ipset.New()
	b.IterateSorted(func(k bag.Key, _ uint64) bool {
		if addr, ok := keyToAddr(b.KeyType(), k); ok {
			set.Insert(addr)
		}
		return true
	})
	return set
}
