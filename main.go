package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/glasspane/viewhost/cmd"
	"github.com/glasspane/viewhost/internal/api"
	"github.com/glasspane/viewhost/internal/config"
	"github.com/glasspane/viewhost/internal/events"
	"github.com/glasspane/viewhost/internal/logging"
	"github.com/glasspane/viewhost/internal/metrics"
	"github.com/glasspane/viewhost/internal/protocol"
	"github.com/glasspane/viewhost/internal/supervisor"
	"github.com/glasspane/viewhost/internal/systemd"
	"github.com/glasspane/viewhost/internal/worker"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Worker settings
	WorkerPath           string `help:"Worker executable (defaults to this binary)" default:"" toml:"worker.path" env:"WORKER_PATH"`
	WorkerHeadless       bool   `help:"Run the worker without a display" default:"false" toml:"worker.headless" env:"WORKER_HEADLESS"`
	WorkerInProcess      bool   `help:"Run the worker co-located in this process" default:"false" toml:"worker.in_process" env:"WORKER_IN_PROCESS"`
	WorkerWatch          bool   `help:"Respawn the worker when its executable changes" default:"false" toml:"worker.watch" env:"WORKER_WATCH"`
	WorkerLaunchAttempts int    `help:"Launch attempts before giving up" default:"3" toml:"worker.launch_attempts" env:"WORKER_LAUNCH_ATTEMPTS"`
	WorkerGraceTimeoutMs int    `help:"Grace period before force-killing a crashed worker" default:"300" toml:"worker.grace_timeout_ms" env:"WORKER_GRACE_TIMEOUT_MS"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSupervisor string `help:"Supervisor logging level" default:"info" toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingTransport  string `help:"Transport logging level" default:"info" toml:"logging.transport" env:"LOGGING_TRANSPORT"`
	LoggingWorker     string `help:"Worker logging level" default:"info" toml:"logging.worker" env:"LOGGING_WORKER"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

// app bridges the single-goroutine supervisor to the HTTP API and the
// event bus. All controller calls funnel through the run loop; the API
// only ever sees snapshots and enqueued commands.
type app struct {
	logger *slog.Logger
	bus    *events.Bus
	ctrl   *supervisor.Controller

	raw  chan protocol.Event
	cmds chan func()
	done chan struct{}

	stopWatchdog context.CancelFunc
}

func newApp(logger *slog.Logger, bus *events.Bus) *app {
	return &app{
		logger: logger,
		bus:    bus,
		raw:    make(chan protocol.Event, 256),
		cmds:   make(chan func(), 16),
		done:   make(chan struct{}),
	}
}

// onEvent runs on the listener goroutine and must not block: during a
// respawn the run loop is busy inside the controller while the old
// listener delivers its final events.
func (a *app) onEvent(ev protocol.Event) {
	select {
	case a.raw <- ev:
	default:
		a.logger.Warn("Event queue full, dropping worker event", "kind", ev.Kind, "generation", ev.Generation)
	}
}

func (a *app) run() {
	for {
		select {
		case <-a.done:
			return
		case fn := <-a.cmds:
			fn()
		case ev := <-a.raw:
			a.handleWorkerEvent(ev)
		}
	}
}

func (a *app) handleWorkerEvent(ev protocol.Event) {
	before := a.ctrl.Stats().Generation
	a.ctrl.HandleEvent(ev)

	if !ev.Privileged() {
		a.bus.Publish(events.WorkerEvent{
			Kind:       string(ev.Kind),
			Generation: ev.Generation,
			Payload:    string(ev.Payload),
			Timestamp:  time.Now().Format(time.RFC3339),
		})
		return
	}

	if ev.Kind == protocol.EventDisconnected {
		after := a.ctrl.Stats()
		if after.Generation > before && after.State == supervisor.StateConnected {
			a.publishRespawn(after, "crash")
		}
	}
}

func (a *app) publishRespawn(snap supervisor.Snapshot, reason string) {
	a.bus.Publish(events.RespawnEvent{
		Generation: snap.Generation,
		Reason:     reason,
		Pid:        snap.Pid,
		Timestamp:  time.Now().Format(time.RFC3339),
	})
}

// Stats implements api.ViewService.
func (a *app) Stats() supervisor.Snapshot {
	return a.ctrl.Stats()
}

// Respawn implements api.ViewService by running the respawn on the
// controller goroutine.
func (a *app) Respawn(ctx context.Context) (supervisor.Snapshot, error) {
	type result struct {
		snap supervisor.Snapshot
		err  error
	}
	res := make(chan result, 1)

	select {
	case a.cmds <- func() {
		err := a.ctrl.Respawn()
		snap := a.ctrl.Stats()
		if err == nil {
			a.publishRespawn(snap, "explicit")
		}
		res <- result{snap, err}
	}:
	case <-ctx.Done():
		return supervisor.Snapshot{}, ctx.Err()
	case <-a.done:
		return supervisor.Snapshot{}, errors.New("shutting down")
	}

	select {
	case r := <-res:
		return r.snap, r.err
	case <-ctx.Done():
		return supervisor.Snapshot{}, ctx.Err()
	}
}

func main() {
	// Create Huma CLI
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, nil); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		loggingConfig := logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"supervisor": opts.LoggingSupervisor,
				"transport":  opts.LoggingTransport,
				"listener":   opts.LoggingSupervisor,
				"worker":     opts.LoggingWorker,
				"api":        opts.LoggingAPI,
			},
		}
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()

		// Bridge log entries onto the bus for the SSE log stream
		var logSeq atomic.Uint64
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(events.LogEntryEvent{
				Seq:        logSeq.Add(1),
				Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
				Level:      entry.Level,
				Module:     entry.Module,
				Message:    entry.Message,
				Attributes: entry.Attributes,
			})
		})

		promMetrics := metrics.New()
		application := newApp(logger, eventBus)

		// Resolve the worker executable: by default the supervisor
		// re-executes its own binary, and the controller invokes it
		// with the worker subcommand.
		workerPath := opts.WorkerPath
		if !opts.WorkerInProcess && workerPath == "" {
			exe, err := os.Executable()
			if err != nil {
				logger.Error("Cannot locate own executable for worker spawn", "error", err)
				os.Exit(1)
			}
			workerPath = exe
		}

		ctrlOpts := supervisor.Options{
			ExePath:        workerPath,
			Headless:       opts.WorkerHeadless,
			InProcess:      opts.WorkerInProcess,
			OnEvent:        application.onEvent,
			Logger:         logging.GetLogger("supervisor"),
			Metrics:        promMetrics,
			LaunchAttempts: opts.WorkerLaunchAttempts,
			GraceTimeout:   time.Duration(opts.WorkerGraceTimeoutMs) * time.Millisecond,
			OnStateChange: func(state supervisor.State, gen uint64) {
				systemd.NotifyStatus(fmt.Sprintf("worker generation %d: %s", gen, state))
				eventBus.Publish(events.StateChangedEvent{
					State:      string(state),
					Generation: gen,
					Timestamp:  time.Now().Format(time.RFC3339),
				})
			},
		}
		if opts.WorkerInProcess {
			ctrlOpts.Factory = worker.Factory(worker.Options{
				Headless: opts.WorkerHeadless,
				Logger:   logging.GetLogger("worker"),
			})
		}

		ctrl, err := supervisor.New(ctrlOpts)
		if err != nil {
			logger.Error("Cannot create supervisor", "error", err)
			os.Exit(1)
		}
		application.ctrl = ctrl

		// Watch the worker executable and respawn on deploys
		var exeWatcher *config.Watcher[time.Time]
		if opts.WorkerWatch && !opts.WorkerInProcess {
			exeWatcher = config.NewConfigWatcher(
				workerPath,
				func(path string) (time.Time, error) {
					fi, statErr := os.Stat(path)
					if statErr != nil {
						return time.Time{}, statErr
					}
					return fi.ModTime(), nil
				},
				logger,
				config.WithDebounce[time.Time](2*time.Second),
			)
			exeWatcher.OnReload(func(mtime time.Time) {
				logger.Info("Worker executable changed, respawning", "mtime", mtime)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, respawnErr := application.Respawn(ctx); respawnErr != nil {
					logger.Error("Respawn after executable change failed", "error", respawnErr)
				}
			})
		}

		// Reload logging levels when the config file changes
		var cfgWatcher *config.Watcher[logging.Config]
		if _, statErr := os.Stat(opts.Config); statErr == nil {
			cfgWatcher = config.NewConfigWatcher(
				opts.Config,
				func(path string) (logging.Config, error) {
					return config.LoadLoggingConfig(path), nil
				},
				logger,
			)
			cfgWatcher.OnReload(func(cfg logging.Config) {
				logger.Info("Applying logging levels from config", "level", cfg.Level)
				logging.UpdateLevels(cfg)
			})
		}

		apiOpts := &api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			View:              application,
			EventBus:          eventBus,
			PrometheusHandler: promMetrics.Handler(),
		}
		server := api.NewServer(apiOpts)

		hooks.OnStart(func() {
			if startErr := ctrl.Start(); startErr != nil {
				logger.Error("Failed to start view worker", "error", startErr)
				os.Exit(1)
			}
			go application.run()

			systemd.NotifyReady(logger)
			watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
			application.stopWatchdog = watchdogCancel
			go systemd.RunWatchdog(watchdogCtx, logger)

			if exeWatcher != nil {
				if watchErr := exeWatcher.Start(); watchErr != nil {
					logger.Warn("Cannot watch worker executable", "error", watchErr)
				}
			}
			if cfgWatcher != nil {
				if watchErr := cfgWatcher.Start(); watchErr != nil {
					logger.Warn("Cannot watch config file", "error", watchErr)
				}
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			systemd.NotifyStopping(logger)
			if application.stopWatchdog != nil {
				application.stopWatchdog()
			}
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			if exeWatcher != nil {
				if stopErr := exeWatcher.Stop(); stopErr != nil {
					logger.Warn("Error stopping executable watcher", "error", stopErr)
				}
			}
			if cfgWatcher != nil {
				if stopErr := cfgWatcher.Stop(); stopErr != nil {
					logger.Warn("Error stopping config watcher", "error", stopErr)
				}
			}

			// Stop the run loop first so Close has sole ownership of
			// the controller.
			close(application.done)
			ctrl.Close()
		})
	})

	// Add worker command
	workerCmd := cmd.CreateWorkerCmd()
	cli.Root().AddCommand(workerCmd)

	// Run the CLI
	cli.Run()
}
