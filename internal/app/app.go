package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/mardigiorgio/PiGuard/internal/adapters/notify"
	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/capture"
	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/driver"
	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/hopping"
	"github.com/mardigiorgio/PiGuard/internal/adapters/storage"
	webserver "github.com/mardigiorgio/PiGuard/internal/adapters/web/server"
	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/services/alerting"
	"github.com/mardigiorgio/PiGuard/internal/core/services/control"
	"github.com/mardigiorgio/PiGuard/internal/core/services/detection"
	"github.com/mardigiorgio/PiGuard/internal/logging"
	"github.com/mardigiorgio/PiGuard/internal/telemetry"
)

// Mode selects which loops a process runs.
type Mode string

const (
	ModeSniffer Mode = "sniffer"
	ModeSensor  Mode = "sensor"
	ModeDev     Mode = "dev"
	ModeAPI     Mode = "api"
)

// ParseMode validates a subcommand name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSniffer, ModeSensor, ModeDev, ModeAPI:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m Mode) captures() bool { return m == ModeSniffer || m == ModeDev }
func (m Mode) detects() bool  { return m == ModeSensor || m == ModeDev }
func (m Mode) serves() bool   { return m == ModeAPI || m == ModeDev }

const (
	logQueueSize      = 4096
	logDrainInterval  = time.Second
	alertPollInterval = time.Second
)

// Application wires the store, the config watcher and the loops of one mode
// under a suture supervisor.
type Application struct {
	Mode    Mode
	RunID   string
	Config  *config.Manager
	Logger  *slog.Logger
	Store   *storage.SQLiteAdapter
	Control *control.Service

	level     *slog.LevelVar
	lines     *logging.Lines
	fallback  *slog.Logger
	pollEvery time.Duration

	tuned     *hopping.Tuned
	driver    *driver.Controller
	broker    *alerting.Broker
	emitter   *alerting.Emitter
	notifiers *notify.Set

	root *suture.Supervisor
}

// New loads the config and builds every component the mode needs. Nothing
// runs until Run.
func New(mode Mode, opts *config.Options, out io.Writer) (*Application, error) {
	if out == nil {
		out = os.Stdout
	}
	app := &Application{
		Mode:      mode,
		RunID:     uuid.NewString(),
		level:     new(slog.LevelVar),
		lines:     logging.NewLines(logQueueSize),
		pollEvery: time.Duration(opts.PollMS) * time.Millisecond,
	}

	// Until the config is loaded, log at the override level or info.
	app.level.Set(logging.ParseLevel(opts.LogLevel))
	app.fallback = logging.NewLogger(app.level, out, nil).With("run_id", app.RunID, "mode", string(mode))
	app.Logger = logging.NewLogger(app.level, out, app.lines).With("run_id", app.RunID, "mode", string(mode))

	if err := app.bootstrap(opts); err != nil {
		app.Close()
		return nil, fmt.Errorf("application bootstrap failed: %w", err)
	}
	return app, nil
}

func (app *Application) bootstrap(opts *config.Options) error {
	telemetry.InitMetrics()

	mgr, err := config.NewManager(opts.ConfigPath,
		config.WithOverlay(opts.Apply),
		config.WithLogger(app.Logger))
	if err != nil {
		return err
	}
	app.Config = mgr
	cfg := mgr.Current()
	app.level.Set(logging.ParseLevel(cfg.LogLevel))

	if err := app.initStorage(cfg.Database.Path); err != nil {
		return err
	}

	app.tuned = &hopping.Tuned{}
	app.driver = driver.NewController(driver.ExecRunner{}, app.Logger)

	if app.Mode.detects() || app.Mode.serves() {
		if err := app.initAlerting(cfg); err != nil {
			return err
		}
	}

	deps := control.Deps{
		Config: mgr,
		Store:  app.Store,
		Iface:  app.driver,
		Tuned:  app.tuned,
		Logger: app.Logger,
	}
	if app.broker != nil {
		deps.Feed = app.broker
	}
	if app.emitter != nil {
		deps.Emitter = app.emitter
	}
	app.Control = control.NewService(deps)

	app.buildTree()
	return nil
}

func (app *Application) initStorage(path string) error {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create DB directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteAdapter(path)
	if err != nil {
		return fmt.Errorf("failed to init event store: %w", err)
	}
	app.Store = store
	return nil
}

// initAlerting builds the emitter. In dev mode alerts reach the broker
// directly; in api mode the poller feeds the broker from the store instead,
// so the emitter (used only for test alerts) has no sink.
func (app *Application) initAlerting(cfg *config.Config) error {
	set, err := notify.FromConfig(cfg.Alerts, app.Logger)
	if err != nil {
		return err
	}
	app.notifiers = set

	opts := []alerting.Option{
		alerting.WithNotifiers(set.Notifiers...),
		alerting.WithNotifyTimeout(time.Duration(cfg.Alerts.NotifyTimeoutSec) * time.Second),
		alerting.WithLogger(app.Logger),
	}
	if app.Mode.serves() {
		app.broker = alerting.NewBroker(0)
		if app.Mode == ModeDev {
			opts = append(opts, alerting.WithSink(app.broker))
		}
	}

	emitter, err := alerting.NewEmitter(app.Store, cfg.Alerts.CooldownCapacity, opts...)
	if err != nil {
		return err
	}
	app.emitter = emitter
	return nil
}

func (app *Application) buildTree() {
	handler := &sutureslog.Handler{Logger: app.fallback}
	app.root = suture.New("piguard", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   5 * time.Second,
		Timeout:          10 * time.Second,
	})

	app.root.Add(&service{name: "log-drain", run: func(ctx context.Context) error {
		return app.lines.Drain(ctx, app.Store, logDrainInterval, app.fallback)
	}})
	app.root.Add(&service{name: "config-watch", run: func(ctx context.Context) error {
		return app.Config.Watch(ctx, app.pollEvery)
	}})
	app.root.Add(&service{name: "log-level", run: app.followLevel})

	if app.Mode.captures() {
		engine := capture.NewEngine(app.Config, capture.PcapOpener{}, app.Store, app.tuned, app.Logger)
		app.root.Add(fatalOn(engine, capture.ErrNoInterface))
		app.root.Add(hopping.NewHopper(app.Config, app.driver, app.tuned, app.Logger))
	}
	if app.Mode.detects() {
		app.root.Add(detection.NewEngine(app.Config, app.Store, app.emitter, app.Logger))
	}
	if app.Mode.serves() {
		if app.Mode == ModeAPI {
			app.root.Add(alerting.NewPoller(app.Store, app.broker, alertPollInterval, app.Logger))
		}
		app.root.Add(webserver.NewServer(app.Config.Current().API.Bind, app.Control, app.Logger))
	}
}

// followLevel applies log_level from every new snapshot.
func (app *Application) followLevel(ctx context.Context) error {
	updates, cancel := app.Config.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-updates:
			if !ok {
				return nil
			}
			app.level.Set(logging.ParseLevel(cfg.LogLevel))
		}
	}
}

// Run serves the supervisor tree until ctx is cancelled or a loop asks to
// end the tree, then releases resources.
func (app *Application) Run(ctx context.Context) error {
	app.Logger.Info("PiGuard starting", "config", app.Config.Path())
	err := app.root.Serve(ctx)
	app.Close()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Close waits for in-flight notifications and closes the store and
// notifier connections. It is safe to call more than once.
func (app *Application) Close() {
	if app.emitter != nil {
		app.emitter.Wait()
	}
	if app.notifiers != nil {
		if err := app.notifiers.Close(); err != nil {
			app.fallback.Warn("closing notifiers", "error", err)
		}
		app.notifiers = nil
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.fallback.Warn("closing store", "error", err)
		}
		app.Store = nil
	}
}

// service adapts a function to suture.Service.
type service struct {
	name string
	run  func(ctx context.Context) error
}

func (s *service) Serve(ctx context.Context) error { return s.run(ctx) }
func (s *service) String() string                  { return s.name }

// fatal marks errors that restarting cannot fix so the supervisor leaves the
// loop stopped instead of restarting it.
type fatal struct {
	suture.Service
	stop []error
}

func fatalOn(svc suture.Service, errs ...error) suture.Service {
	return &fatal{Service: svc, stop: errs}
}

func (f *fatal) Serve(ctx context.Context) error {
	err := f.Service.Serve(ctx)
	for _, target := range f.stop {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", suture.ErrDoNotRestart, err)
		}
	}
	return err
}

func (f *fatal) String() string { return fmt.Sprint(f.Service) }
