// Command rwsort external-merge-sorts flow records on a configured field
// list, spilling to disk under a fixed memory budget (spec.md 4.3).
package main

import (
	"flag"

	"github.com/flowkit/flowkit/internal/cli"
	"github.com/flowkit/flowkit/internal/config"
	"github.com/flowkit/flowkit/internal/extsort"
	"github.com/flowkit/flowkit/internal/keyextract"
	"github.com/flowkit/flowkit/internal/recordio"
	"github.com/flowkit/flowkit/internal/rlimit"
	"github.com/flowkit/flowkit/internal/tempspool"
	apperrors "github.com/flowkit/flowkit/pkg/errors"
)

func main() {
	var (
		configFile = flag.String("config", "", "optional YAML config file")
		fields     = flag.String("fields", "", "comma-separated sort key fields")
		bufferSize = flag.String("buffer-size", "", "in-memory buffer budget, e.g. 256m")
		tempDir    = flag.String("temp-directory", "", "TempSpool base directory")
		presorted  = flag.Bool("presorted-input", false, "skip the sort phase; inputs are already sorted runs")
		spillCodec = flag.String("spill-codec", "", "temp-file compression: none|zstd|snappy|lz4")
		outputPath = flag.String("output-path", "-", "output path, or stdout/-")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		cli.Fail(err)
	}
	if *fields != "" {
		cfg.Sort.Fields = cli.SplitFields(*fields)
	}
	if *bufferSize != "" {
		n, err := cli.ParseByteSize(*bufferSize)
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwsort", "main", err.Error()))
		}
		cfg.Sort.Memory.BufferSizeBytes = n
	}
	if *tempDir != "" {
		cfg.Sort.Memory.TempDirectory = *tempDir
	}
	if *presorted {
		cfg.Sort.Presorted = true
	}
	if *spillCodec != "" {
		cfg.Sort.SpillCodec = *spillCodec
	}
	if *outputPath != "-" {
		cfg.Sort.OutputPath = *outputPath
	}
	cfg.Sort.InputPaths = flag.Args()

	logger := cli.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if len(cfg.Sort.Fields) == 0 {
		cli.Fail(apperrors.ConfigError("rwsort", "main", "--fields is required"))
	}
	fieldProviders, err := keyextract.NewBuiltinList(cfg.Sort.Fields)
	if err != nil {
		cli.Fail(apperrors.ConfigError("rwsort", "main", err.Error()))
	}
	key := keyextract.New(fieldProviders)

	spool, err := tempspool.New(tempspool.Config{
		Directory: cfg.Sort.Memory.TempDirectory,
		Prefix:    "rwsort",
		Codec:     recordio.Algorithm(cfg.Sort.SpillCodec),
	}, logger)
	if err != nil {
		cli.Fail(apperrors.ResourceError("rwsort", "main", err.Error()))
	}
	defer spool.Teardown()

	monitor, err := rlimit.New(0, 0, logger)
	if err != nil {
		logger.WithError(err).Warn("rwsort: resource monitor unavailable, continuing without it")
		monitor = nil
	}

	sorter := extsort.New(extsort.Config{
		MemoryBudget: cfg.Sort.Memory.BufferSizeBytes,
		AvgNodeSize:  256,
		MaxOpenRuns:  cfg.Sort.Memory.MaxOpenRuns,
		Presorted:    cfg.Sort.Presorted,
		Monitor:      monitor,
		ToolName:     "rwsort",
	}, key, spool, logger)

	readers, header, closeAll, err := cli.OpenInputs(cfg.Sort.InputPaths)
	if err != nil {
		cli.Fail(apperrors.InputError("rwsort", "main", err.Error()))
	}
	defer closeAll()

	sink, closeSink, err := cli.OpenOutput(cfg.Sort.OutputPath)
	if err != nil {
		cli.Fail(apperrors.WriteError("rwsort", "main", err.Error()))
	}
	defer closeSink()
	sink.SetHeader(header)

	if err := sorter.Run(readers, sink); err != nil {
		cli.Fail(apperrors.WrapError(err, apperrors.CategoryWrite, "rwsort", "main", "sort run failed"))
	}
}
