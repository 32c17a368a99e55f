// Command audioctl runs one-off operations of the audio service: a provider
// health check, a local synthesis, an expiry sweep or an audit export.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/book-expert/audio-service/internal/config"
	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/audio-service/internal/provider"
	"github.com/book-expert/audio-service/internal/provider/text"
	"github.com/book-expert/audio-service/internal/retry"
	"github.com/book-expert/audio-service/internal/service"
	"github.com/book-expert/logger"
)

// Flag names.
const (
	flagConfig  = "config"
	flagHealth  = "health"
	flagText    = "text"
	flagVoice   = "voice"
	flagOutput  = "output"
	flagSweep   = "sweep"
	flagExport  = "export"
	flagTimeout = "timeout"
)

// Flag descriptions.
const (
	flagConfigDesc  = "Path to a TOML configuration file (defaults to the central configurator)"
	flagHealthDesc  = "Check the speech provider health and exit"
	flagTextDesc    = "Text to synthesize into the output file"
	flagVoiceDesc   = "Voice used with --text"
	flagOutputDesc  = "Output file path (.mp3)"
	flagSweepDesc   = "Run one expiry sweep and exit"
	flagExportDesc  = "Export the audit log of a month (YYYY-MM) to object storage"
	flagTimeoutDesc = "Timeout of the whole operation"
)

const (
	logFileName       = "audioctl.log"
	defaultOutputFile = "output.mp3"
	defaultTimeout    = 10 * time.Minute
	monthLayout       = "2006-01"
)

var (
	errNoOperation        = errors.New("one of --health, --text, --sweep or --export must be provided")
	errTooManyOperations  = errors.New("only one of --health, --text, --sweep or --export may be provided")
	errHealthNotSupported = errors.New("the configured provider has no health check")
	errInvalidExportMonth = errors.New("--export expects a month as YYYY-MM")
	errSynthesizedNothing = errors.New("the text contains nothing to synthesize")
	errOutputWithoutText  = errors.New("--output is only used with --text")
	errVoiceWithoutText   = errors.New("--voice is only used with --text")
	errTimeoutNotPositive = errors.New("--timeout must be positive")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	config  string
	text    string
	voice   string
	output  string
	export  string
	timeout time.Duration
	health  bool
	sweep   bool
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	cfg, appLog, err := setup(flags.config)
	if err != nil {
		return err
	}
	defer func() { _ = appLog.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	switch {
	case flags.health:
		return handleHealthCheck(ctx, cfg, appLog, out)
	case flags.text != "":
		return handleSynthesize(ctx, cfg, appLog, flags, out)
	default:
		return handleMaintenance(ctx, cfg, appLog, flags, out)
	}
}

// parseFlags parses args into appFlags.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("audioctl", flag.ContinueOnError)
	flagSet.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.BoolVar(&flags.sweep, flagSweep, false, flagSweepDesc)
	flagSet.StringVar(&flags.export, flagExport, "", flagExportDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateFlags checks that exactly one operation was requested.
func validateFlags(flags appFlags) error {
	operations := 0

	for _, selected := range []bool{flags.health, flags.text != "", flags.sweep, flags.export != ""} {
		if selected {
			operations++
		}
	}

	switch {
	case operations == 0:
		return errNoOperation
	case operations > 1:
		return errTooManyOperations
	case flags.text == "" && flags.output != "":
		return errOutputWithoutText
	case flags.text == "" && flags.voice != "":
		return errVoiceWithoutText
	case flags.timeout <= 0:
		return errTimeoutNotPositive
	}

	if flags.voice != "" {
		_, err := core.ParseVoice(flags.voice)
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", flagVoice, err)
		}
	}

	if flags.export != "" {
		_, err := parseMonth(flags.export)
		if err != nil {
			return err
		}
	}

	return nil
}

func parseMonth(value string) (time.Time, error) {
	month, err := time.Parse(monthLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", errInvalidExportMonth, value)
	}

	return month, nil
}

// setup loads the configuration and initializes the logger.
func setup(configPath string) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := logger.New(os.TempDir(), "audioctl-bootstrap.log")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = bootstrapLog.Close() }()

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load(bootstrapLog)
	}

	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLog, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, appLog, nil
}

// handleHealthCheck checks the configured provider and prints the result.
func handleHealthCheck(ctx context.Context, cfg *config.Config, appLog *logger.Logger, out io.Writer) error {
	checker, ok := service.NewSynthesizer(cfg.Provider).(healthChecker)
	if !ok {
		return fmt.Errorf("%w: %s", errHealthNotSupported, cfg.Provider.Kind)
	}

	err := checker.HealthCheck(ctx)
	if err != nil {
		appLog.Error("Health check failed: %v", err)
		_, _ = fmt.Fprintf(out, "Speech provider is not healthy: %v\n", err)

		return err
	}

	_, _ = fmt.Fprintln(out, "Speech provider is healthy")

	return nil
}

// handleSynthesize chunks the text, synthesizes each chunk with retries and
// writes the joined MP3 to the output file.
func handleSynthesize(
	ctx context.Context,
	cfg *config.Config,
	appLog *logger.Logger,
	flags appFlags,
	out io.Writer,
) error {
	voice := core.VoiceJoanna
	if flags.voice != "" {
		voice, _ = core.ParseVoice(flags.voice)
	}

	outputPath := flags.output
	if outputPath == "" {
		outputPath = defaultOutputFile
	}

	chunks := text.NewPreprocessor(cfg.Provider.MaxChars).Chunk(flags.text)
	if len(chunks) == 0 {
		return errSynthesizedNothing
	}

	synthesizer := service.NewSynthesizer(cfg.Provider)
	scheduler := retry.NewScheduler(appLog)
	policy := cfg.Retry.Synthesis.Policy()

	parts := make([][]byte, 0, len(chunks))

	for i, chunk := range chunks {
		part, err := retry.Execute(ctx, scheduler, policy, "synthesize",
			func(ctx context.Context, _ retry.Attempt) ([]byte, error) {
				return synthesizer.Synthesize(ctx, chunk, voice)
			})
		if err != nil {
			appLog.Error("Failed to synthesize chunk %d of %d: %v", i+1, len(chunks), err)

			return fmt.Errorf("failed to synthesize chunk %d of %d: %w", i+1, len(chunks), err)
		}

		parts = append(parts, part)
	}

	err := os.WriteFile(outputPath, provider.JoinMP3(parts), 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	appLog.Info("Synthesized %d chunk(s) in voice %s to %s", len(chunks), voice, outputPath)
	_, _ = fmt.Fprintf(out, "Generated: %s\n", outputPath)

	return nil
}

// handleMaintenance runs a sweep or an audit export against the configured stores.
func handleMaintenance(
	ctx context.Context,
	cfg *config.Config,
	appLog *logger.Logger,
	flags appFlags,
	out io.Writer,
) error {
	svc, err := service.New(ctx, cfg, appLog)
	if err != nil {
		return fmt.Errorf("failed to initialize the service: %w", err)
	}
	defer svc.Close()

	if flags.sweep {
		report, err := svc.Sweep(ctx, time.Now())
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(out, "Sweep finished in %s: expired=%d warned=%d skipped=%d errors=%d\n",
			report.Duration, report.Expired, report.Warned, report.Skipped, report.Errors)

		return nil
	}

	month, err := parseMonth(flags.export)
	if err != nil {
		return err
	}

	key, count, err := svc.Exporter.ExportMonth(ctx, month.Year(), month.Month())
	if err != nil {
		return fmt.Errorf("failed to export audit log: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Exported %d audit entries to %s\n", count, key)

	return nil
}
