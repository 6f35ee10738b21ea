// Command rwdedupe removes duplicate flow records within a tolerance
// window on one or more numeric fields, built on the same external-sort
// engine as rwsort (spec.md 4.4).
package main

import (
	"flag"
	"strconv"
	"strings"

	"github.com/flowkit/flowkit/internal/cli"
	"github.com/flowkit/flowkit/internal/config"
	"github.com/flowkit/flowkit/internal/dedup"
	"github.com/flowkit/flowkit/internal/extsort"
	"github.com/flowkit/flowkit/internal/keyextract"
	"github.com/flowkit/flowkit/internal/recordio"
	"github.com/flowkit/flowkit/internal/rlimit"
	"github.com/flowkit/flowkit/internal/tempspool"
	apperrors "github.com/flowkit/flowkit/pkg/errors"
)

func main() {
	var (
		configFile    = flag.String("config", "", "optional YAML config file")
		fields        = flag.String("fields", "", "comma-separated exact-match compare fields")
		ignoreFields  = flag.String("ignore-fields", "", "complement form: the default compare fields (all built-in fields but packet, byte and time fields) except these")
		packetsDelta  = flag.String("packets-delta", "", "tolerance window on packets, e.g. 5")
		bytesDelta    = flag.String("bytes-delta", "", "tolerance window on bytes")
		stimeDelta    = flag.String("stime-delta", "", "tolerance window on start time (ms)")
		durationDelta = flag.String("duration-delta", "", "tolerance window on duration (ms)")
		bufferSize    = flag.String("buffer-size", "", "in-memory buffer budget, e.g. 256m")
		tempDir       = flag.String("temp-directory", "", "TempSpool base directory")
		spillCodec    = flag.String("spill-codec", "", "temp-file compression: none|zstd|snappy|lz4")
		outputPath    = flag.String("output-path", "-", "output path, or stdout/-")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		cli.Fail(err)
	}
	if *fields != "" {
		cfg.Dedupe.CompareFields = cli.SplitFields(*fields)
	} else if *ignoreFields != "" {
		cfg.Dedupe.CompareFields = complementFields(cli.SplitFields(*ignoreFields))
	}
	if len(cfg.Dedupe.CompareFields) == 0 {
		cfg.Dedupe.CompareFields = keyextract.AllCompareFields()
	}
	if *bufferSize != "" {
		n, err := cli.ParseByteSize(*bufferSize)
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwdedupe", "main", err.Error()))
		}
		cfg.Dedupe.Memory.BufferSizeBytes = n
	}
	if *tempDir != "" {
		cfg.Dedupe.Memory.TempDirectory = *tempDir
	}
	if *spillCodec != "" {
		cfg.Dedupe.SpillCodec = *spillCodec
	}
	if *outputPath != "-" {
		cfg.Dedupe.OutputPath = *outputPath
	}
	cfg.Dedupe.InputPaths = flag.Args()

	logger := cli.NewLogger(cfg.LogLevel, cfg.LogFormat)

	deltaFields := parseDeltas(*packetsDelta, *bytesDelta, *stimeDelta, *durationDelta, logger)

	spool, err := tempspool.New(tempspool.Config{
		Directory: cfg.Dedupe.Memory.TempDirectory,
		Prefix:    "rwdedupe",
		Codec:     recordio.Algorithm(cfg.Dedupe.SpillCodec),
	}, logger)
	if err != nil {
		cli.Fail(apperrors.ResourceError("rwdedupe", "main", err.Error()))
	}
	defer spool.Teardown()

	monitor, err := rlimit.New(0, 0, logger)
	if err != nil {
		logger.WithError(err).Warn("rwdedupe: resource monitor unavailable, continuing without it")
		monitor = nil
	}

	deduper, err := dedup.New(dedup.Config{
		CompareFields: cfg.Dedupe.CompareFields,
		DeltaFields:   deltaFields,
		Sort: extsort.Config{
			MemoryBudget: cfg.Dedupe.Memory.BufferSizeBytes,
			AvgNodeSize:  256,
			MaxOpenRuns:  cfg.Dedupe.Memory.MaxOpenRuns,
			Monitor:      monitor,
			ToolName:     "rwdedupe",
		},
	}, spool, logger)
	if err != nil {
		cli.Fail(apperrors.ConfigError("rwdedupe", "main", err.Error()))
	}

	readers, header, closeAll, err := cli.OpenInputs(cfg.Dedupe.InputPaths)
	if err != nil {
		cli.Fail(apperrors.InputError("rwdedupe", "main", err.Error()))
	}
	defer closeAll()

	sink, closeSink, err := cli.OpenOutput(cfg.Dedupe.OutputPath)
	if err != nil {
		cli.Fail(apperrors.WriteError("rwdedupe", "main", err.Error()))
	}
	defer closeSink()
	sink.SetHeader(header)

	if err := deduper.Run(readers, sink); err != nil {
		cli.Fail(apperrors.WrapError(err, apperrors.CategoryWrite, "rwdedupe", "main", "dedupe run failed"))
	}
}

func complementFields(ignored []string) []string {
	ignore := make(map[string]bool, len(ignored))
	for _, f := range ignored {
		ignore[f] = true
	}
	out := make([]string, 0, len(keyextract.AllCompareFields()))
	for _, f := range keyextract.AllCompareFields() {
		if !ignore[f] {
			out = append(out, f)
		}
	}
	return out
}

func parseDeltas(packets, bytes, stime, duration string, logger interface{ Warnf(string, ...interface{}) }) []dedup.DeltaField {
	var out []dedup.DeltaField
	add := func(raw string, build func(uint64) dedup.DeltaField, name string) {
		if raw == "" {
			return
		}
		tol, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			logger.Warnf("rwdedupe: ignoring invalid %s tolerance %q: %v", name, raw, err)
			return
		}
		out = append(out, build(tol))
	}
	add(packets, dedup.PacketsDelta, "packets-delta")
	add(bytes, dedup.BytesDelta, "bytes-delta")
	add(stime, dedup.STimeDelta, "stime-delta")
	add(duration, dedup.DurationDelta, "duration-delta")
	return out
}
