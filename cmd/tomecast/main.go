package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hearthside-labs/tomecast/internal/bus"
	"github.com/hearthside-labs/tomecast/internal/config"
	"github.com/hearthside-labs/tomecast/internal/convert"
	"github.com/hearthside-labs/tomecast/internal/natsserver"
	"github.com/hearthside-labs/tomecast/internal/telemetry"
)

var version = "0.1.0-dev"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: tomecast <command> [flags]

Commands:
  convert   convert a document into an audiobook
  chapters  list the chapters detected in a document
  preview   show the processed text that would be synthesized
  version   print the version and exit

Run "tomecast <command> -h" for command flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(os.Args[2:])
	case "chapters":
		err = runChapters(os.Args[2:])
	case "preview":
		err = runPreview(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

type convertFlags struct {
	configPath string
	input      string
	output     string
	voice      string
	speed      float64
	chapters   string
	dictionary string
	force      bool
	retain     bool
	mock       bool
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	var f convertFlags
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&f.input, "input", "", "Input document path")
	fs.StringVar(&f.output, "output", "", "Output audio path (.wav, .mp3 or .m4b)")
	fs.StringVar(&f.voice, "voice", "", "Override the configured voice")
	fs.Float64Var(&f.speed, "speed", 0, "Override the configured speed")
	fs.StringVar(&f.chapters, "chapters", "", "Comma-separated 1-based chapter selection, e.g. 1,3")
	fs.StringVar(&f.dictionary, "dict", "", "Pronunciation dictionary path")
	fs.BoolVar(&f.force, "force", false, "Discard any existing checkpoint and start over")
	fs.BoolVar(&f.retain, "retain", false, "Keep the checkpoint and segment cache after success")
	fs.BoolVar(&f.mock, "mock", false, "Use the mock synthesizer regardless of config")
	fs.Parse(args)

	cfg, logger, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if f.input == "" || f.output == "" {
		logger.Error("both -input and -output are required")
		return fmt.Errorf("missing arguments")
	}
	if f.voice != "" {
		cfg.Synthesis.Voice = f.voice
	}
	if f.speed != 0 {
		cfg.Synthesis.Speed = f.speed
	}
	if f.dictionary != "" {
		cfg.Preprocess.DictionaryPath = f.dictionary
	}
	if f.mock {
		cfg.Synthesis.Mode = "mock"
	}
	selected, err := parseChapterList(f.chapters)
	if err != nil {
		logger.Error("invalid -chapters value", slog.String("error", err.Error()))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, metricHandler, err := telemetry.Setup(cfg, logger)
	if err != nil {
		logger.Error("failed to setup telemetry", slog.String("error", err.Error()))
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	var metricsServer *http.Server
	if metricHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricHandler)
		metricsServer = &http.Server{
			Addr:              cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Close()
	}

	publisher, cleanup, err := setupBus(cfg, logger)
	if err != nil {
		logger.Error("failed to setup bus", slog.String("error", err.Error()))
		return err
	}
	defer cleanup()

	var lastChapter string
	progress := func(u convert.ProgressUpdate) {
		if u.Chapter != lastChapter {
			lastChapter = u.Chapter
			logger.Info("chapter started", slog.String("chapter", u.Chapter))
		}
		logger.Debug("progress",
			slog.Int("done", u.ChunksDone), slog.Int("total", u.ChunksTotal))
	}

	res, err := convert.New(cfg, logger).Run(ctx, convert.Options{
		Input:     f.input,
		Output:    f.output,
		Force:     f.force,
		Retain:    f.retain,
		Chapters:  selected,
		Progress:  progress,
		Publisher: publisher,
	})
	if err != nil {
		logger.Error("conversion failed", slog.String("error", err.Error()))
		return err
	}

	logger.Info("audiobook written",
		slog.String("output", res.OutputPath),
		slog.Int("chapters", len(res.Chapters)),
		slog.Int("chunks", res.ChunksTotal),
		slog.Duration("audio", res.Duration),
		slog.Bool("resumed", res.Resumed))
	return nil
}

func runChapters(args []string) error {
	fs := flag.NewFlagSet("chapters", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	input := fs.String("input", "", "Input document path")
	fs.Parse(args)

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *input == "" {
		logger.Error("-input is required")
		return fmt.Errorf("missing arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	plan, err := convert.New(cfg, logger).Prepare(ctx, *input, nil)
	if err != nil {
		logger.Error("failed to analyze document", slog.String("error", err.Error()))
		return err
	}
	for i, ch := range plan.Chapters {
		fmt.Printf("%3d  %-40s %d chars\n", i+1, ch.Title, ch.End-ch.Start)
	}
	return nil
}

func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	input := fs.String("input", "", "Input document path")
	chapters := fs.String("chapters", "", "Comma-separated 1-based chapter selection")
	limit := fs.Int("limit", 10, "Number of chunks to show (0 for all)")
	fs.Parse(args)

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *input == "" {
		logger.Error("-input is required")
		return fmt.Errorf("missing arguments")
	}
	selected, err := parseChapterList(*chapters)
	if err != nil {
		logger.Error("invalid -chapters value", slog.String("error", err.Error()))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	plan, err := convert.New(cfg, logger).Prepare(ctx, *input, selected)
	if err != nil {
		logger.Error("failed to analyze document", slog.String("error", err.Error()))
		return err
	}
	for i, ck := range plan.Chunks {
		if *limit > 0 && i >= *limit {
			fmt.Printf("... %d more chunks\n", len(plan.Chunks)-i)
			break
		}
		fmt.Printf("[%s] %s\n", ck.ID(), ck.Text)
	}
	return nil
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	bootstrap := newLogger("info")
	cfg, err := config.Load(path)
	if err != nil {
		bootstrap.Error("failed to load config", slog.String("error", err.Error()))
		return cfg, bootstrap, err
	}
	return cfg, newLogger(cfg.Telemetry.LogLevel), nil
}

// setupBus starts the embedded NATS server (when configured) and connects a
// publisher. Returns a no-op publisher when the bus is disabled.
func setupBus(cfg config.Config, logger *slog.Logger) (*bus.Publisher, func(), error) {
	if !cfg.Bus.Enabled {
		return nil, func() {}, nil
	}

	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return nil, nil, err
	}
	busCfg := cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(busCfg, logger)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, err
	}

	cleanup := func() {
		client.Close()
		embedded.Shutdown()
	}
	return bus.NewPublisher(client, logger), cleanup, nil
}

func parseChapterList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid chapter number %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
