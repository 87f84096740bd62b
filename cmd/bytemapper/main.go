// Package main implements the CLI driver for the bytemapper matcher.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/715d/bytemapper/internal/config"
	"github.com/715d/bytemapper/internal/weights"
	"github.com/715d/bytemapper/pkg/bytemapper"
	"github.com/715d/bytemapper/pkg/ir"
)

// Config holds all command-line configuration options.
type Config struct {
	Old, New      string // program paths
	Verbose       bool   // enables detailed output and statistics
	JSON          bool   // enables JSON output format
	ConfigFile    string // yaml matcher configuration
	Weights       string // micropattern weight store, yaml or sqlite
	Hash          string // stable hash strategy version
	ClassMatcher  string // structural or types
	NoRefine      bool   // disables call-graph refinement
	Parallelism   int    // feature extraction workers
	FailOnAbstain bool   // exit 1 when any method abstains
	Profile       bool   // enables CPU and memory profiling
}

const (
	exitAbstained = 1
	exitError     = 2
)

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var cfg Config

func main() {
	var rootCmd = &cobra.Command{
		Use:   "bytemapper OLD NEW",
		Short: "Match classes, methods and fields between two program versions",
		Long: `bytemapper matches the classes, methods and fields of two versions of an
obfuscated program and prints a deterministic renaming map.

OLD and NEW are yaml program descriptions, or directories of them.
Entities without a confident match are reported as abstentions with a reason:
low_margin, below_tau or no_candidates.`,
		Example: `  bytemapper old.yaml new.yaml                 # Text mapping
  bytemapper --json old/ new/ > map.json        # JSON mapping
  bytemapper --config tuned.yaml old/ new/      # Override knobs
  bytemapper --weights weights.db old/ new/     # Persist micropattern weights`,
		Args:               cobra.ExactArgs(2),
		RunE:               runCommand,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}

	// Set custom version template to include build info.
	rootCmd.SetVersionTemplate(fmt.Sprintf("bytemapper version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	// Define flags.
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	flags.BoolVar(&cfg.JSON, "json", false, "Output in JSON format")
	flags.StringVar(&cfg.ConfigFile, "config", "", "Matcher configuration file (yaml)")
	flags.StringVar(&cfg.Weights, "weights", "", "Micropattern weight store (.yaml, or .db for sqlite); in memory when empty")
	flags.StringVar(&cfg.Hash, "hash", "", "Stable hash strategy: fnv1a64-v1, xxh64-v1 or blake3-64-v1")
	flags.StringVar(&cfg.ClassMatcher, "class-matcher", "", "Class matcher: structural or types")
	flags.BoolVar(&cfg.NoRefine, "no-refine", false, "Disable call-graph refinement")
	flags.IntVar(&cfg.Parallelism, "parallelism", 0, "Feature extraction workers (output does not depend on it)")
	flags.BoolVar(&cfg.FailOnAbstain, "fail-on-abstain", false, "Exit with code 1 when any method abstains")
	flags.BoolVar(&cfg.Profile, "profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")

	if err := rootCmd.Execute(); err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg.Old, cfg.New = args[0], args[1]

	c, err := buildConfig(&cfg)
	if err != nil {
		return errWithCode(err, exitError)
	}

	slog.Info("starting mapping", "old", cfg.Old, "new", cfg.New)
	result, err := runMapping(cmd.Context(), &cfg, c)
	if err != nil {
		return errWithCode(fmt.Errorf("map: %w", err), exitError)
	}

	if err := writeResults(os.Stdout, result, &cfg); err != nil {
		return errWithCode(fmt.Errorf("format results: %w", err), exitError)
	}

	if cfg.FailOnAbstain && result.Abstained(bytemapper.KindMethod) > 0 {
		return errWithCode(nil, exitAbstained)
	}
	return nil
}

// buildConfig applies the config file, then the flags. Out-of-range values
// are clamped and logged.
func buildConfig(cfg *Config) (config.Config, error) {
	b := config.NewBuilder()
	var adj []config.Adjustment
	if cfg.ConfigFile != "" {
		f, err := config.LoadFile(cfg.ConfigFile)
		if err != nil {
			return config.Config{}, err
		}
		adj = append(adj, f.Apply(b)...)
	}
	if cfg.Hash != "" {
		b.Hash(cfg.Hash)
	}
	if cfg.ClassMatcher != "" {
		b.ClassMatcher(config.ClassMatcher(cfg.ClassMatcher))
	}
	if cfg.NoRefine {
		b.Refine(false)
	}
	if cfg.Parallelism > 0 {
		b.Parallelism(cfg.Parallelism)
	}

	c, built := b.Build()
	for _, a := range append(adj, built...) {
		slog.Warn("configuration adjusted", "key", a.Key, "given", a.Given, "used", a.Used)
	}
	return c, nil
}

func runMapping(ctx context.Context, cfg *Config, c config.Config) (*bytemapper.Result, error) {
	start := time.Now()

	oldProg, err := ir.Load(ctx, ir.LoaderOptions{Paths: []string{cfg.Old}})
	if err != nil {
		return nil, fmt.Errorf("loading old program: %w", err)
	}
	newProg, err := ir.Load(ctx, ir.LoaderOptions{Paths: []string{cfg.New}})
	if err != nil {
		return nil, fmt.Errorf("loading new program: %w", err)
	}
	slog.Info("loaded programs",
		"old_classes", len(oldProg.Classes), "old_methods", oldProg.MethodCount(),
		"new_classes", len(newProg.Classes), "new_methods", newProg.MethodCount())

	mapper, err := bytemapper.NewMapper(bytemapper.Options{
		Config:  &c,
		Weights: weights.Open(cfg.Weights),
	})
	if err != nil {
		return nil, err
	}
	result, err := mapper.Map(ctx, oldProg, newProg)
	if err != nil {
		return nil, err
	}
	slog.Info("mapping completed", "dur", time.Since(start))
	return result, nil
}

func writeResults(w io.Writer, result *bytemapper.Result, cfg *Config) error {
	var output string
	var err error

	if cfg.JSON {
		output, err = formatJSONOutput(result)
	} else {
		output = formatTextOutput(result, cfg)
	}

	if err != nil {
		return err
	}

	_, err = io.WriteString(w, output)
	return err
}

type jOutput struct {
	*bytemapper.Result
	Version string `json:"version"`
}

func formatJSONOutput(result *bytemapper.Result) (string, error) {
	data, err := json.MarshalIndent(jOutput{Result: result, Version: version}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling json output: %w", err)
	}
	return string(data) + "\n", nil
}

// formatTextOutput writes one tab separated record per line:
//
//	class   OLD NEW SCORE
//	method  OLD NEW SCORE TIER
//	field   OLD NEW SUPPORT
//	abstain KIND OLD REASON BEST SECOND
func formatTextOutput(result *bytemapper.Result, cfg *Config) string {
	var output strings.Builder
	score := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	row := func(cols ...string) {
		output.WriteString(strings.Join(cols, "\t"))
		output.WriteByte('\n')
	}

	for _, c := range result.Classes {
		row("class", c.Old, c.New, score(c.Score))
	}
	for _, m := range result.Methods {
		row("method", m.Old, m.New, score(m.Score), m.Tier)
	}
	for _, f := range result.Fields {
		row("field", f.Old, f.New, strconv.Itoa(f.Support))
	}
	for _, a := range result.Abstentions {
		row("abstain", a.Kind, a.Old, a.Reason, score(a.Best), score(a.Second))
	}

	if cfg.Verbose {
		for _, line := range result.Config {
			output.WriteString("# " + line + "\n")
		}
		t := result.Telemetry
		slog.Info("",
			"classes", len(result.Classes),
			"methods", len(result.Methods),
			"fields", len(result.Fields),
			"abstained", len(result.Abstentions),
			"near_before_gates", t.NearBeforeGates,
			"near_after_gates", t.NearAfterGates,
			"flattening_detected", t.FlatteningDetected)
	}
	return output.String()
}

var cpuProfile *os.File

func setup(_ *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if cfg.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if cfg.JSON {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		logger := slog.New(handler)
		slog.SetDefault(logger)
	}

	if !cfg.Profile {
		return nil
	}

	// Start CPU profiling.
	var err error
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	slog.Info("cpu profiling started", "file", "cpu.prof")
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if !cfg.Profile || cpuProfile == nil {
		return nil
	}

	// Stop CPU profiling and close file.
	pprof.StopCPUProfile()
	defer cpuProfile.Close()
	cpuProfile = nil
	slog.Info("cpu profiling stopped", "file", "cpu.prof")

	// Write memory profile.
	memFile, err := os.Create("mem.prof")
	if err != nil {
		return fmt.Errorf("creating mem.prof: %w", err)
	}
	defer memFile.Close()
	runtime.GC() // Get up-to-date statistics
	if err := pprof.WriteHeapProfile(memFile); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	slog.Info("memory profiling completed", "file", "mem.prof")
	return nil
}

func errWithCode(err error, code int) error {
	return codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e codedError) Unwrap() error { return e.err }
