// Command rwbag reads flow records once and accumulates one or more
// key-counter Bags from them in a single pass (spec.md 4.5, 4.6).
package main

import (
	"flag"
	"path/filepath"
	"strings"

	"github.com/flowkit/flowkit/internal/bagpipeline"
	"github.com/flowkit/flowkit/internal/cli"
	"github.com/flowkit/flowkit/internal/config"
	"github.com/flowkit/flowkit/pkg/country"
	apperrors "github.com/flowkit/flowkit/pkg/errors"
	"github.com/flowkit/flowkit/pkg/pmap"
)

type repeatedFlag []string

func (r *repeatedFlag) String() string { return "" }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var (
		configFile      = flag.String("config", "", "optional YAML config file")
		countryDB       = flag.String("country-db", "", "country-code lookup database path")
		invocationStrip = flag.Bool("invocation-strip", false, "drop invocation history from output headers")
		notesStrip      = flag.Bool("notes-strip", false, "drop annotations from output headers")
	)
	var bagFiles, pmapFiles repeatedFlag
	flag.Var(&bagFiles, "bag-file", "KEY,COUNTER,OUTPUT[,PMAP] (repeatable)")
	flag.Var(&pmapFiles, "pmap-file", "[MAPNAME:]PATH (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		cli.Fail(err)
	}
	if *invocationStrip {
		cfg.Bag.InvocationStrip = true
	}
	if *notesStrip {
		cfg.Bag.NotesStrip = true
	}
	if *countryDB != "" {
		cfg.Bag.CountryDBPath = *countryDB
	}
	for _, raw := range bagFiles {
		key, counter, output, pmapName, err := cli.ParseBagRequest(raw)
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwbag", "main", err.Error()))
		}
		cfg.Bag.Requests = append(cfg.Bag.Requests, config.BagRequestConfig{
			KeyField: key, CounterField: counter, OutputPath: output, PmapName: pmapName,
		})
	}
	if cfg.Bag.PmapPaths == nil {
		cfg.Bag.PmapPaths = map[string]string{}
	}
	for _, raw := range pmapFiles {
		name, path := splitPmapFlag(raw)
		cfg.Bag.PmapPaths[name] = path
	}
	cfg.Bag.InputPaths = flag.Args()

	logger := cli.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if len(cfg.Bag.Requests) == 0 {
		cli.Fail(apperrors.ConfigError("rwbag", "main", "at least one --bag-file is required"))
	}

	pmaps := map[string]*pmap.Map{}
	for name, path := range cfg.Bag.PmapPaths {
		m, err := pmap.LoadFile(name, path)
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwbag", "main", err.Error()))
		}
		pmaps[name] = m
	}

	var countryLookup bagpipeline.CountryLookup
	if cfg.Bag.CountryDBPath != "" {
		db, err := country.LoadFile(cfg.Bag.CountryDBPath)
		if err != nil {
			cli.Fail(apperrors.ConfigError("rwbag", "main", err.Error()))
		}
		countryLookup = db
	}

	requests := make([]bagpipeline.BagRequest, 0, len(cfg.Bag.Requests))
	for _, r := range cfg.Bag.Requests {
		requests = append(requests, bagpipeline.BagRequest{
			Key:        bagpipeline.KeyField(r.KeyField),
			Counter:    bagpipeline.CounterField(r.CounterField),
			OutputPath: r.OutputPath,
			PmapName:   r.PmapName,
		})
	}

	pipeline, err := bagpipeline.New(bagpipeline.Config{
		Requests:        requests,
		Pmaps:           pmaps,
		Country:         countryLookup,
		InvocationStrip: cfg.Bag.InvocationStrip,
		NotesStrip:      cfg.Bag.NotesStrip,
	}, logger)
	if err != nil {
		cli.Fail(apperrors.ConfigError("rwbag", "main", err.Error()))
	}

	readers, header, closeAll, err := cli.OpenInputs(cfg.Bag.InputPaths)
	if err != nil {
		cli.Fail(apperrors.InputError("rwbag", "main", err.Error()))
	}
	defer closeAll()

	for _, r := range readers {
		if err := pipeline.Run(r); err != nil {
			cli.Fail(apperrors.WrapError(err, apperrors.CategoryInput, "rwbag", "main", "bag accumulation failed"))
		}
	}

	if err := pipeline.Finalize(header); err != nil {
		cli.Fail(apperrors.WrapError(err, apperrors.CategoryWrite, "rwbag", "main", "bag write failed"))
	}
}

func splitPmapFlag(raw string) (name, path string) {
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	base := filepath.Base(raw)
	return strings.TrimSuffix(base, filepath.Ext(base)), raw
}
