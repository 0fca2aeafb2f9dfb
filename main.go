package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/nats-io/nats.go"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/upscaler/cmd"
	"github.com/smazurov/upscaler/internal/api"
	"github.com/smazurov/upscaler/internal/config"
	"github.com/smazurov/upscaler/internal/events"
	"github.com/smazurov/upscaler/internal/logging"
	"github.com/smazurov/upscaler/internal/rpc"
	"github.com/smazurov/upscaler/internal/supervisor"
	"github.com/smazurov/upscaler/internal/systemd"
	"github.com/smazurov/upscaler/internal/version"
	"github.com/smazurov/upscaler/internal/worker"
)

// Options for the worker - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"upscaler.toml"`

	// Server settings
	Port string `help:"HTTP status API address" short:"p" default:":8091" toml:"server.port" env:"SERVER_PORT"`

	// NATS settings
	NATSHost  string `help:"Embedded NATS server host" default:"127.0.0.1" toml:"nats.host" env:"NATS_HOST"`
	NATSPort  int    `help:"Embedded NATS server port" default:"4222" toml:"nats.port" env:"NATS_PORT"`
	NATSToken string `help:"Token clients must present (empty disables auth)" toml:"nats.token" env:"NATS_TOKEN"`

	// Worker settings
	WorkerID            string        `help:"Worker identifier (defaults to the hostname)" toml:"worker.id" env:"WORKER_ID"`
	WorkerResourceRoot  string        `help:"Directory holding the waifu2x executable and models" default:"." toml:"worker.resource_root" env:"WORKER_RESOURCE_ROOT"`
	WorkerExecutable    string        `help:"waifu2x executable, relative to the resource root" default:"waifu2x-ncnn-vulkan" toml:"worker.executable" env:"WORKER_EXECUTABLE"`
	WorkerMaxConcurrent int64         `help:"Jobs allowed to run at once" default:"1" toml:"worker.max_concurrent" env:"WORKER_MAX_CONCURRENT"`
	WorkerObserverLease time.Duration `help:"How long a progress observer stays registered without a ping" default:"30s" toml:"worker.observer_lease" env:"WORKER_OBSERVER_LEASE"`
	WorkerHistorySize   int           `help:"Finished jobs kept for the status API" default:"50" toml:"worker.history_size" env:"WORKER_HISTORY_SIZE"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	var cli humacli.CLI

	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Flags win over the environment, which wins over the file.
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		rt, rtErr := config.LoadRuntime(opts.Config)
		if rtErr != nil {
			slog.Warn("Failed to load runtime config, using defaults", "error", rtErr)
		}
		logging.Initialize(logging.Config{
			Level:   opts.LoggingLevel,
			Format:  opts.LoggingFormat,
			Modules: rt.Logging.Modules,
		})

		logger := logging.GetLogger("main")
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})

		hooks.OnStart(func() {
			defer close(stopped)

			logger.Info("Starting upscaler worker", "version", version.String())

			eventBus := events.New()
			logging.GetHistory().OnEntry(func(entry logging.Entry) {
				eventBus.Publish(api.ToLogEntryEvent(entry))
			})

			workerID := opts.WorkerID
			if workerID == "" {
				workerID = defaultWorkerID()
			}

			svc, svcErr := worker.New(worker.Config{
				ID:            workerID,
				MaxConcurrent: opts.WorkerMaxConcurrent,
				ObserverLease: opts.WorkerObserverLease,
				HistorySize:   opts.WorkerHistorySize,
			}, supervisor.Config{
				ResourceRoot: opts.WorkerResourceRoot,
				Executable:   opts.WorkerExecutable,
				Options:      rt.Waifu2x,
			}, eventBus, logging.GetLogger("worker"))
			if svcErr != nil {
				logger.Error("Failed to create worker", "error", svcErr)
				os.Exit(1)
			}

			if _, checkErr := svc.Supervisor().Check(); checkErr != nil {
				logger.Warn("waifu2x resources are incomplete, jobs will fail until fixed", "error", checkErr)
			}

			natsServer := rpc.NewServer(rpc.ServerOptions{
				Host:   opts.NATSHost,
				Port:   opts.NATSPort,
				Name:   workerID,
				Token:  opts.NATSToken,
				Debug:  opts.LoggingLevel == "debug",
				Logger: logging.GetLogger("rpc"),
			})

			server := api.NewServer(&api.Options{
				AuthUsername:      opts.AuthUsername,
				AuthPassword:      opts.AuthPassword,
				Worker:            svc,
				EventBus:          eventBus,
				History:           logging.GetHistory(),
				ClientCount:       natsServer.NumClients,
				PrometheusHandler: promhttp.Handler(),
			})

			watcher := config.NewConfigWatcher(opts.Config, config.LoadRuntime, logging.GetLogger("config"))
			watcher.OnReload(func(next config.Runtime) {
				if setErr := svc.Supervisor().SetOptions(next.Waifu2x); setErr != nil {
					logger.Warn("Rejected reloaded waifu2x options", "error", setErr)
					return
				}
				logging.Reconfigure(next.Logging)
				eventBus.Publish(events.ConfigReloadedEvent{
					Path:      opts.Config,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				})
				logger.Info("Applied reloaded config", "path", opts.Config)
			})

			notifier := systemd.NewNotifier(logging.GetLogger("systemd"))

			if startErr := natsServer.Start(); startErr != nil {
				logger.Error("Failed to start NATS server", "error", startErr)
				os.Exit(1)
			}

			nc, connErr := nats.Connect(natsServer.ClientURL(),
				nats.Name(version.ClientName("worker")),
				nats.Token(opts.NATSToken),
			)
			if connErr != nil {
				logger.Error("Failed to connect to embedded NATS server", "error", connErr)
				natsServer.Stop()
				os.Exit(1)
			}

			endpoint := rpc.NewEndpoint(nc, svc, logging.GetLogger("rpc"))
			if startErr := endpoint.Start(ctx); startErr != nil {
				logger.Error("Failed to start RPC endpoint", "error", startErr)
				nc.Close()
				natsServer.Stop()
				os.Exit(1)
			}

			var g run.Group

			// HTTP status API.
			{
				g.Add(
					func() error {
						logger.Info("Starting HTTP server", "port", opts.Port)
						return server.Start(opts.Port)
					},
					func(_ error) {
						if stopErr := server.Stop(); stopErr != nil {
							logger.Error("Error stopping HTTP server", "error", stopErr)
						}
					},
				)
			}

			// Config hot reload.
			{
				g.Add(
					func() error {
						if watchErr := watcher.Run(ctx); watchErr != nil {
							logger.Warn("Config watcher unavailable", "error", watchErr)
							<-ctx.Done()
						}
						return nil
					},
					func(_ error) {
						_ = watcher.Stop()
					},
				)
			}

			// systemd watchdog.
			{
				g.Add(
					func() error {
						return notifier.RunWatchdog(ctx, natsServer.IsRunning)
					},
					func(_ error) {
						cancel()
					},
				)
			}

			// Shutdown request from OnStop.
			{
				g.Add(
					func() error {
						<-ctx.Done()
						return nil
					},
					func(_ error) {
						cancel()
					},
				)
			}

			notifier.Ready()
			notifier.Status("serving on %s", natsServer.ClientURL())

			if runErr := g.Run(); runErr != nil {
				logger.Error("Worker stopped", "error", runErr)
			}

			notifier.Stopping()
			endpoint.Stop()
			// Pending jobs reply before the connection goes away.
			svc.Close()
			if drainErr := nc.Drain(); drainErr != nil {
				nc.Close()
			}
			natsServer.Stop()
			logger.Info("Worker stopped")
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down worker")
			cancel()
			select {
			case <-stopped:
			case <-time.After(30 * time.Second):
				logger.Warn("Timed out waiting for shutdown")
			}
		})
	})

	cli.Root().Use = "upscaler"
	cli.Root().Short = "waifu2x upscaling worker"
	cli.Root().Version = version.String()

	cli.Root().AddCommand(cmd.CreateUpscaleCmd())
	cli.Root().AddCommand(cmd.CreateCheckCmd())

	cli.Run()
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || !rpc.ValidToken(host) {
		return "worker-" + strconv.Itoa(os.Getpid())
	}
	return host
}
