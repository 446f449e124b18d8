package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/driver"
	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/replay"
	"github.com/mardigiorgio/PiGuard/internal/adapters/storage"
	"github.com/mardigiorgio/PiGuard/internal/app"
	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/logging"
	"github.com/mardigiorgio/PiGuard/internal/telemetry"
)

const usage = `usage: piguard <command> [flags]

commands:
  sniffer    capture frames and hop channels
  sensor     run detectors and send alerts
  dev        everything, including the web API
  api        web API and live alert stream only
  replay     load a pcap file into the event store
  iface-up   put a wireless interface into monitor mode

Run 'piguard <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	opts, err := config.ParseOptions(command, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// Root Context with cancellation on Interrupt
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, command, opts); err != nil {
		slog.Error("piguard failed", "command", command, "error", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, opts *config.Options) error {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(opts.LogLevel))
	slog.SetDefault(logging.NewLogger(level, os.Stdout, nil))

	switch command {
	case "replay":
		return runReplay(ctx, opts)
	case "iface-up":
		return runIfaceUp(ctx, opts)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	}

	mode, err := app.ParseMode(command)
	if err != nil {
		fmt.Fprint(os.Stderr, usage)
		return err
	}

	// Spans go to stderr only when debugging.
	var traceOut io.Writer
	if opts.Debug {
		traceOut = os.Stderr
	}
	shutdownTracer, err := telemetry.InitTracer("piguard-"+string(mode), traceOut)
	if err != nil {
		slog.Error("Failed to init tracer", "error", err)
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				slog.Error("Failed to shutdown tracer", "error", err)
			}
		}()
	}

	application, err := app.New(mode, opts, os.Stdout)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

func runReplay(ctx context.Context, opts *config.Options) error {
	if opts.PcapPath == "" {
		return errors.New("replay: -pcap is required")
	}
	band := domain.Band(opts.Band)
	switch band {
	case domain.Band24, domain.Band5, domain.Band6:
	default:
		return fmt.Errorf("replay: unknown band %q", opts.Band)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultConfig()
	} else if err != nil {
		return err
	}
	opts.Apply(cfg)

	store, err := storage.NewSQLiteAdapter(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	started := time.Now()
	res, err := replay.NewReplayer(store, slog.Default()).ReplayFile(ctx, opts.PcapPath, replay.Options{
		Channel:  opts.Channel,
		Band:     band,
		ParseRSN: cfg.Capture.ParseRSN,
	})
	if err != nil {
		return err
	}
	slog.Info("replay complete",
		"file", opts.PcapPath,
		"frames", res.Frames,
		"stored", res.Stored,
		"skipped", res.Skipped,
		"elapsed", time.Since(started).Round(time.Millisecond).String())
	return nil
}

func runIfaceUp(ctx context.Context, opts *config.Options) error {
	if opts.Device == "" {
		return errors.New("iface-up: -dev is required")
	}
	ctrl := driver.NewController(driver.ExecRunner{}, slog.Default())
	if err := ctrl.EnableMonitorMode(ctx, opts.Device); err != nil {
		return err
	}
	st, err := ctrl.State(ctx, opts.Device)
	if err != nil {
		return err
	}
	slog.Info("interface ready", "iface", st.Name, "type", st.Type, "up", st.Up, "channel", st.Channel)
	return nil
}
