// Command soniclens turns recordings into speaker-labelled transcripts.
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/MrWong99/soniclens/internal/app"
	"github.com/MrWong99/soniclens/internal/capture"
	"github.com/MrWong99/soniclens/internal/config"
	"github.com/MrWong99/soniclens/internal/observe"
	"github.com/MrWong99/soniclens/pkg/types"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

const usageText = `usage: soniclens <command> [arguments]

commands:
  run <input-audio> [output-path]   transcribe a recording
  live [output-path]                transcribe the capture device until interrupted
  clean <segments.json> [output-path]
                                    merge and clean an existing segment list
  version                           print the version

Run "soniclens <command> -h" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return exitUsage
	}
	switch args[0] {
	case "run":
		return cmdRun(ctx, args[1:], stdout, stderr)
	case "live":
		return cmdLive(ctx, args[1:], stdout, stderr)
	case "clean":
		return cmdClean(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "soniclens %s\n", version)
		return exitOK
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usageText)
		return exitOK
	default:
		fmt.Fprintf(stderr, "soniclens: unknown command %q\n\n%s", args[0], usageText)
		return exitUsage
	}
}

// ── Flags ─────────────────────────────────────────────────────────────────────

// options holds the flags shared by the subcommands. Each subcommand
// registers only the ones it understands.
type options struct {
	configPath string
	model      string
	device     string
	language   string
	workers    int
	raw        bool
	replay     string
	listen     string
}

func (o *options) registerEngine(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "path to the YAML configuration file (optional)")
	fs.StringVar(&o.model, "model", "", "transcription model name or path")
	fs.StringVar(&o.device, "device", "", "compute target for the model (default $"+config.DeviceEnv+" or cpu)")
	fs.StringVar(&o.language, "language", "", "language code passed to the engine; empty auto-detects")
}

// apply overrides cfg with every flag that was set.
func (o *options) apply(cfg *config.Config) {
	if o.model != "" {
		cfg.Transcription.Provider.Model = o.model
	}
	cfg.Transcription.Device = config.ResolveDevice(o.device, cfg.Transcription.Device)
	if o.language != "" {
		cfg.Transcription.Language = o.language
	}
	if o.workers != 0 {
		cfg.Transcription.Workers = o.workers
	}
	if o.listen != "" {
		cfg.Live.ListenAddr = o.listen
	}
}

// loadConfig reads the config file, if any, and applies the flag overrides.
// Without a file the defaults are used.
func (o *options) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	o.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(name, synopsis string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: soniclens %s %s\n\nflags:\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

// parseArgs parses args with fs, allowing flags before, between and after
// positional arguments. It returns the positional arguments in order.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if n := len(args) - len(rest); n > 0 && args[n-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

// parseCommand parses args and checks the number of positional arguments.
// ok is false when the command must exit with code.
func parseCommand(fs *flag.FlagSet, args []string, minPos, maxPos int) (pos []string, code int, ok bool) {
	pos, err := parseArgs(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, exitOK, false
	}
	if err != nil {
		return nil, exitUsage, false
	}
	if len(pos) < minPos || len(pos) > maxPos {
		fs.Usage()
		return nil, exitUsage, false
	}
	return pos, exitOK, true
}

// ── Commands ──────────────────────────────────────────────────────────────────

func cmdRun(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var o options
	fs := newFlagSet("run", "<input-audio> [output-path] [flags]", stderr)
	o.registerEngine(fs)
	fs.IntVar(&o.workers, "workers", 0, "concurrent segment transcriptions (default number of CPUs)")
	fs.BoolVar(&o.raw, "raw", false, "write one segment per detected interval, before merging")

	pos, code, ok := parseCommand(fs, args, 1, 2)
	if !ok {
		return code
	}
	input, output := pos[0], optionalArg(pos, 1)

	cfg, err := o.loadConfig()
	if err != nil {
		return fail(stderr, err)
	}
	level := setupLogger(stderr, cfg)

	if _, err := os.Stat(input); err != nil {
		return fail(stderr, fmt.Errorf("input audio: %w", err))
	}

	a, cleanup, err := start(ctx, cfg, level)
	if err != nil {
		return fail(stderr, err)
	}
	defer cleanup()

	res, err := a.Run(ctx, input)
	if err != nil {
		return fail(stderr, err)
	}
	out := res.Transcript
	if o.raw {
		out = res.Raw
	}
	if err := writeTranscript(stdout, output, out); err != nil {
		return fail(stderr, err)
	}
	slog.Info("run complete",
		"run_id", res.RunID,
		"segments", len(out),
		"failures", out.Failures(),
		"corrections", len(res.Corrections),
		"elapsed", res.Elapsed,
	)
	reportDegraded(stderr, res.Degraded)
	return exitOK
}

func cmdLive(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var o options
	fs := newFlagSet("live", "[output-path] [flags]", stderr)
	o.registerEngine(fs)
	fs.StringVar(&o.replay, "replay", "", "replay a WAV file in real time instead of capturing a device")
	fs.StringVar(&o.listen, "listen", "", "serve /metrics, /healthz and /readyz on this address")

	pos, code, ok := parseCommand(fs, args, 0, 1)
	if !ok {
		return code
	}
	output := optionalArg(pos, 0)

	cfg, err := o.loadConfig()
	if err != nil {
		return fail(stderr, err)
	}
	level := setupLogger(stderr, cfg)

	var src capture.Source
	if o.replay != "" {
		f, err := capture.OpenFile(ctx, o.replay, true)
		if err != nil {
			return fail(stderr, err)
		}
		src = f
	}

	a, cleanup, err := start(ctx, cfg, level)
	if err != nil {
		if src != nil {
			_ = src.Close()
		}
		return fail(stderr, err)
	}
	defer cleanup()

	if o.configPath != "" {
		w, err := config.NewWatcher(o.configPath, func(old, new *config.Config) {
			a.ApplyConfig(new, config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// With an output file the segments are also streamed to stdout as they
	// arrive, one JSON object per line.
	var onSegment func(types.Segment)
	if output != "" {
		enc := json.NewEncoder(stdout)
		onSegment = func(s types.Segment) {
			if err := enc.Encode(s); err != nil {
				slog.Warn("live: stream segment", "err", err)
			}
		}
	}

	slog.Info("live session running, press Ctrl+C to stop")
	segments, runErr := a.Live(ctx, src, onSegment)
	if err := writeTranscript(stdout, output, segments); err != nil {
		return fail(stderr, err)
	}
	reportDegraded(stderr, a.Degraded())
	if runErr != nil {
		return fail(stderr, runErr)
	}
	return exitOK
}

func cmdClean(args []string, stdout, stderr io.Writer) int {
	var o options
	fs := newFlagSet("clean", "<segments.json> [output-path] [flags]", stderr)
	fs.StringVar(&o.configPath, "config", "", "path to the YAML configuration file (optional)")

	pos, code, ok := parseCommand(fs, args, 1, 2)
	if !ok {
		return code
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return fail(stderr, err)
	}
	setupLogger(stderr, cfg)

	f, err := os.Open(pos[0])
	if err != nil {
		return fail(stderr, err)
	}
	segments, err := types.DecodeSegments(f)
	f.Close()
	if err != nil {
		return fail(stderr, fmt.Errorf("%s: %w", pos[0], err))
	}

	out, corrections := app.Clean(cfg, segments)
	for _, c := range corrections {
		slog.Debug("vocabulary correction", "original", c.Original, "corrected", c.Corrected, "confidence", c.Confidence)
	}
	if err := writeTranscript(stdout, optionalArg(pos, 1), out); err != nil {
		return fail(stderr, err)
	}
	slog.Info("clean complete", "in", len(segments), "out", len(out))
	return exitOK
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// start initialises telemetry and builds the application with the builtin
// providers. cleanup shuts both down.
func start(ctx context.Context, cfg *config.Config, level *slog.LevelVar) (*app.App, func(), error) {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	a, err := app.New(ctx, cfg, reg, app.WithLogLevel(level))
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return nil, nil, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}
	return a, cleanup, nil
}

// ── Output ────────────────────────────────────────────────────────────────────

// writeTranscript writes t as an indented JSON array to path, or to stdout
// when path is empty.
func writeTranscript(stdout io.Writer, path string, t types.Transcript) error {
	if t == nil {
		t = types.Transcript{}
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	slog.Info("transcript written", "path", path, "segments", len(t))
	return nil
}

func reportDegraded(stderr io.Writer, degraded []string) {
	if len(degraded) == 0 {
		return
	}
	fmt.Fprintln(stderr, "soniclens: ran with placeholder components:")
	for _, d := range degraded {
		fmt.Fprintf(stderr, "  - %s\n", d)
	}
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "soniclens: %v\n", err)
	return exitFatal
}

func optionalArg(pos []string, i int) string {
	if i < len(pos) {
		return pos[i]
	}
	return ""
}

// ── Logger ────────────────────────────────────────────────────────────────────

// setupLogger installs a text logger on stderr whose level follows cfg and
// can later be changed through the returned LevelVar.
func setupLogger(stderr io.Writer, cfg *config.Config) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
	return level
}
