// Command rwbagtool applies a binary operator across a chain of bag
// files, then optional cutoffs, inversion, or cover-set extraction
// (spec.md 4.7).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/flowkit/flowkit/internal/bag"
	"github.com/flowkit/flowkit/internal/bagalgebra"
	"github.com/flowkit/flowkit/internal/cli"
	"github.com/flowkit/flowkit/internal/config"
	apperrors "github.com/flowkit/flowkit/pkg/errors"
	"github.com/flowkit/flowkit/pkg/ipset"
)

func main() {
	var (
		configFile     = flag.String("config", "", "optional YAML config file")
		add            = flag.Bool("add", false, "sum counters across operands")
		subtract       = flag.Bool("subtract", false, "subtract operand 2..N from operand 1")
		minimize       = flag.Bool("minimize", false, "keep the minimum counter per key")
		maximize       = flag.Bool("maximize", false, "keep the maximum counter per key")
		divide         = flag.Bool("divide", false, "divide operand 1 by operand 2, round-half-up")
		divideStrict   = flag.Bool("divide-strict", false, "make divide-by-zero a fatal error instead of dropping the key")
		compareLT      = flag.Bool("compare-lt", false, "1 where operand 1 < operand 2, else drop key")
		compareLE      = flag.Bool("compare-le", false, "1 where operand 1 <= operand 2, else drop key")
		compareEQ      = flag.Bool("compare-eq", false, "1 where operand 1 == operand 2, else drop key")
		compareGE      = flag.Bool("compare-ge", false, "1 where operand 1 >= operand 2, else drop key")
		compareGT      = flag.Bool("compare-gt", false, "1 where operand 1 > operand 2, else drop key")
		scalarMultiply = flag.Uint64("scalar-multiply", 0, "multiply every counter by this scalar after the operator chain")
		invert         = flag.Bool("invert", false, "swap key and counter (mutually exclusive with --coverset)")
		coverSet       = flag.Bool("coverset", false, "extract the set of IP keys instead of writing a bag")
		minKey         = flag.String("minkey", "", "drop keys below this value")
		maxKey         = flag.String("maxkey", "", "drop keys above this value")
		minCounter     = flag.Uint64("mincounter", 0, "drop entries with counter below this value")
		maxCounter     = flag.Uint64("maxcounter", 0, "drop entries with counter above this value")
		hasMaxCounter  = flag.Bool("has-maxcounter", false, "enable --maxcounter (0 is also a valid cutoff)")
		intersect      = flag.String("intersect", "", "keep only IP keys present in this ipset file")
		outputPath     = flag.String("output-path", "-", "output path, or stdout/-")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		cli.Fail(err)
	}

	op, err := resolveOperator(*add, *subtract, *minimize, *maximize, *divide, *compareLT, *compareLE, *compareEQ, *compareGE, *compareGT)
	if err != nil {
		cli.Fail(apperrors.ConfigError("rwbagtool", "main", err.Error()))
	}

	cutoffs := bagalgebra.Cutoffs{MinCounter: *minCounter}
	if *minKey != "" {
		k, err := parseKey(*minKey)
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwbagtool", "main", err.Error()))
		}
		cutoffs.HasMinKey, cutoffs.MinKey = true, k
	}
	if *maxKey != "" {
		k, err := parseKey(*maxKey)
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwbagtool", "main", err.Error()))
		}
		cutoffs.HasMaxKey, cutoffs.MaxKey = true, k
	}
	if *minCounter != 0 {
		cutoffs.HasMinCounter = true
	}
	if *hasMaxCounter {
		cutoffs.HasMaxCounter, cutoffs.MaxCounter = true, *maxCounter
	}
	if *intersect != "" {
		f, err := os.Open(*intersect)
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwbagtool", "main", err.Error()))
		}
		set, err := ipset.Read(f)
		f.Close()
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwbagtool", "main", err.Error()))
		}
		cutoffs.IntersectSet = set
	}

	if *outputPath != "-" {
		cfg.BagTool.OutputPath = *outputPath
	}
	operandPaths := flag.Args()
	if len(operandPaths) == 0 {
		operandPaths = cfg.BagTool.OperandPaths
	}
	if len(operandPaths) == 0 {
		cli.Fail(apperrors.ConfigError("rwbagtool", "main", "at least one bag operand file is required"))
	}

	files := make([]*os.File, 0, len(operandPaths))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	operands := make([]io.Reader, 0, len(operandPaths))
	for _, p := range operandPaths {
		f, err := os.Open(p)
		if err != nil {
			cli.Fail(apperrors.InputError("rwbagtool", "main", err.Error()))
		}
		files = append(files, f)
		operands = append(operands, f)
	}

	out, closeOut, err := cli.OpenPlainOutput(cfg.BagTool.OutputPath)
	if err != nil {
		cli.Fail(apperrors.WriteError("rwbagtool", "main", err.Error()))
	}
	defer closeOut()

	runCfg := bagalgebra.Config{
		Op:             op,
		DivideStrict:   *divideStrict,
		ScalarMultiply: *scalarMultiply,
		Cutoffs:        cutoffs,
		Invert:         *invert,
		CoverSet:       *coverSet,
	}
	if err := bagalgebra.Run(runCfg, operands, out); err != nil {
		cli.Fail(apperrors.WrapError(err, apperrors.CategoryWrite, "rwbagtool", "main", "bagtool run failed"))
	}
}

func resolveOperator(add, subtract, minimize, maximize, divide, lt, le, eq, ge, gt bool) (bagalgebra.Operator, error) {
	switch {
	case add:
		return bagalgebra.OpAdd, nil
	case subtract:
		return bagalgebra.OpSubtract, nil
	case minimize:
		return bagalgebra.OpMinimize, nil
	case maximize:
		return bagalgebra.OpMaximize, nil
	case divide:
		return bagalgebra.OpDivide, nil
	case lt:
		return bagalgebra.OpCompareLT, nil
	case le:
		return bagalgebra.OpCompareLE, nil
	case eq:
		return bagalgebra.OpCompareEQ, nil
	case ge:
		return bagalgebra.OpCompareGE, nil
	case gt:
		return bagalgebra.OpCompareGT, nil
	default:
		return 0, fmt.Errorf("exactly one operator flag is required (--add, --subtract, --minimize, --maximize, --divide, --compare-*)")
	}
}

func parseKey(raw string) (bag.Key, error) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return bag.Key{}, fmt.Errorf("invalid key %q: %w", raw, err)
	}
	return bag.KeyFromU64(n), nil
}
