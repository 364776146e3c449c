// Command psim simulates a P system loaded from a YAML/JSON definition or
// encoded from a DIMACS CNF formula, and prints the outcome, metrics and
// result multiset.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"membranecore/internal/blob"
	"membranecore/internal/config"
	"membranecore/internal/core"
	"membranecore/internal/sat"
	"membranecore/pkg/domain"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
	exitNotHalted
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := cli(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

type flags struct {
	defPath    string
	satPath    string
	configPath string
	seed       uint64
	maxSteps   int
	persist    bool
	archive    bool
	asJSON     bool
	resume     string
	replay     string
	set        map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("psim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.defPath, "def", "", "path to a YAML or JSON system definition")
	fs.StringVar(&f.satPath, "sat", "", "path to a DIMACS CNF formula to encode, or - for stdin")
	fs.StringVar(&f.configPath, "config", "", "config file (defaults to $MEMBRANECORE_CONFIG or ./membranecore.yaml)")
	fs.Uint64Var(&f.seed, "seed", 0, "seed for reproducible runs (default random)")
	fs.IntVar(&f.maxSteps, "max-steps", 0, "step bound (default engine.max_steps)")
	fs.BoolVar(&f.persist, "persist", false, "save every configuration to the configured store")
	fs.BoolVar(&f.archive, "archive", false, "archive the trace and summary to the configured blob store")
	fs.BoolVar(&f.asJSON, "json", false, "print the run report as JSON")
	fs.StringVar(&f.resume, "resume", "", "continue a persisted run from its latest configuration")
	fs.StringVar(&f.replay, "replay", "", "print the stored configurations of a run as JSON lines")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	f.set = map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	if f.replay == "" && (f.defPath == "") == (f.satPath == "") {
		return flags{}, errors.New("exactly one of -def or -sat is required")
	}
	if f.resume != "" && !f.persist {
		return flags{}, errors.New("-resume requires -persist")
	}
	return f, nil
}

func cli(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "psim: %v\n", err)
		}
		return exitUsage
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "psim: %v\n", err)
		return exitUsage
	}
	logger := newLogger(cfg, stderr)

	svc, cleanup, err := newService(ctx, cfg, f, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return exitFailure
	}
	defer cleanup()

	if f.replay != "" {
		return replay(ctx, svc, f.replay, stdout, logger)
	}

	def, err := loadDefinition(f, stdin)
	if err != nil {
		logger.Error("load definition", "error", err)
		return exitFailure
	}

	ro := core.RunOptions{MaxSteps: cfg.Engine.MaxSteps, Seed: cfg.Engine.Seed}
	if f.set["max-steps"] {
		ro.MaxSteps = f.maxSteps
	}
	if f.set["seed"] {
		ro.Seed = &f.seed
	}
	limits := cfg.Limits()
	if def.Limits == nil {
		ro.Limits = &limits
	}
	ro.Workers = cfg.Engine.Workers

	var report core.RunReport
	if f.resume != "" {
		report, err = svc.Resume(ctx, def, f.resume, ro)
	} else {
		report, err = svc.Run(ctx, def, ro)
	}
	if report.RunID != "" {
		if perr := printReport(stdout, report, f.asJSON); perr != nil {
			logger.Error("print report", "error", perr)
			return exitFailure
		}
	}
	switch {
	case errors.Is(err, domain.ErrNotHalted):
		logger.Warn("system did not halt", "run", report.RunID, "max_steps", ro.MaxSteps)
		return exitNotHalted
	case err != nil:
		logger.Error("run failed", "run", report.RunID, "error", err)
		return exitFailure
	}
	return exitOK
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newService wires the configured store and archive into a service. The
// returned cleanup closes whatever was opened.
func newService(ctx context.Context, cfg config.Config, f flags, logger *slog.Logger) (*core.Service, func(), error) {
	opts := []core.Option{core.WithLogger(logger)}
	cleanup := func() {}
	needStore := f.persist || f.replay != ""
	if needStore {
		store, err := core.OpenConfigurationStore(ctx, cfg.StorageOptions())
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, core.WithStore(store))
		cleanup = func() {
			if err := store.Close(); err != nil {
				logger.Warn("close store", "error", err)
			}
		}
	}
	if f.archive || f.replay != "" {
		bs, err := blob.Open(ctx, cfg.BlobOptions())
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		opts = append(opts, core.WithTraceArchive(core.NewTraceArchive(bs)))
	}
	return core.NewService(opts...), cleanup, nil
}

func loadDefinition(f flags, stdin io.Reader) (domain.Definition, error) {
	if f.defPath != "" {
		return core.LoadDefinitionFile(f.defPath)
	}
	in := stdin
	if f.satPath != "-" {
		file, err := os.Open(f.satPath) // #nosec G304 -- path is supplied by the operator
		if err != nil {
			return domain.Definition{}, fmt.Errorf("open formula: %w", err)
		}
		defer func() { _ = file.Close() }()
		in = file
	}
	formula, err := sat.ParseDIMACS(in)
	if err != nil {
		return domain.Definition{}, err
	}
	return sat.Encode(formula)
}

func printReport(w io.Writer, r core.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run:            %s\n", r.RunID)
	fmt.Fprintf(&b, "system:         %s\n", r.System)
	fmt.Fprintf(&b, "outcome:        %s\n", r.Outcome)
	fmt.Fprintf(&b, "steps:          %d\n", r.Metrics.Steps)
	fmt.Fprintf(&b, "applications:   %d\n", r.Metrics.TotalRuleApplications)
	fmt.Fprintf(&b, "parallelism:    %.2f\n", r.Metrics.AverageParallelism)
	fmt.Fprintf(&b, "peak membranes: %d\n", r.Metrics.PeakMembraneCount)
	fmt.Fprintf(&b, "divisions:      %d\n", r.Metrics.Divisions)
	fmt.Fprintf(&b, "dissolutions:   %d\n", r.Metrics.Dissolutions)
	fmt.Fprintf(&b, "refused:        %d\n", r.Metrics.RefusedApplications)
	if r.Persisted > 0 {
		fmt.Fprintf(&b, "persisted:      %d\n", r.Persisted)
	}
	if r.Archived {
		b.WriteString("archived:       yes\n")
	}
	result := r.Result.String()
	if result == "" {
		result = "(empty)"
	}
	fmt.Fprintf(&b, "result:         %s\n", result)
	_, err := io.WriteString(w, b.String())
	return err
}

func replay(ctx context.Context, svc *core.Service, runID string, w io.Writer, logger *slog.Logger) int {
	enc := json.NewEncoder(w)
	for cfg, err := range svc.Replay(ctx, runID) {
		if err != nil {
			logger.Error("replay failed", "run", runID, "error", err)
			return exitFailure
		}
		if err := enc.Encode(cfg); err != nil {
			logger.Error("print configuration", "error", err)
			return exitFailure
		}
	}
	return exitOK
}
