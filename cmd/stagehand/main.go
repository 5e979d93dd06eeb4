package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kinorez/stagehand/pkg/config"
	"github.com/kinorez/stagehand/pkg/events"
	"github.com/kinorez/stagehand/pkg/gateway"
	"github.com/kinorez/stagehand/pkg/health"
	"github.com/kinorez/stagehand/pkg/ingress"
	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/metrics"
	"github.com/kinorez/stagehand/pkg/orchestrator"
	"github.com/kinorez/stagehand/pkg/state"
	"github.com/kinorez/stagehand/pkg/store"
	"github.com/kinorez/stagehand/pkg/supervisor"
	"github.com/kinorez/stagehand/pkg/types"
	"github.com/kinorez/stagehand/pkg/volume"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagEnvFile  string
	flagManifest string
	flagJSONLogs bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Stagehand - health-gated orchestration for the bot deployment",
	Long: `Stagehand brings up the Telegram bot deployment in dependency order:
Postgres and Redis first, then the self-hosted Bot API gateway, then the
ingress and the bot worker. Every service must pass consecutive health
probes before anything that depends on it is started.

It also runs the deployment's single ingress: Bot API traffic is
reverse-proxied to the gateway, file downloads are served directly from
the shared media volume.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stagehand version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "path to a .env file to load")
	rootCmd.PersistentFlags().StringVar(&flagManifest, "manifest", "", "path to a topology manifest (default: built-in five-service graph)")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit JSON logs instead of console output")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(checkCmd)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the deployment and supervise it until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, manifest, err := loadAll()
		if err != nil {
			return err
		}
		return runUp(cfg, manifest)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and topology without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, manifest, err := loadAll()
		if err != nil {
			return err
		}

		plan, err := orchestrator.NewPlan(manifest.Services)
		if err != nil {
			return err
		}

		fmt.Println("Configuration OK")
		fmt.Printf("  Postgres: %s\n", cfg.Postgres.Addr())
		fmt.Printf("  Redis:    %s\n", cfg.Redis.Addr())
		fmt.Printf("  Gateway:  %s\n", cfg.Gateway.URL())
		fmt.Printf("  Ingress:  %s (files from %s)\n", cfg.Ingress.Addr, cfg.Ingress.FileRoot)
		fmt.Println("Start order:")
		for i, name := range plan.Services() {
			fmt.Printf("  %d. %s\n", i+1, name)
		}
		return nil
	},
}

func loadAll() (*config.Config, *config.Manifest, error) {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return nil, nil, err
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.Init(log.Config{Level: level, JSONOutput: flagJSONLogs})

	var manifest *config.Manifest
	if flagManifest != "" {
		manifest, err = config.LoadManifest(flagManifest)
		if err != nil {
			return nil, nil, err
		}
	} else {
		manifest = config.DefaultManifest(cfg)
	}
	return cfg, manifest, nil
}

// runUp wires every component together and blocks until a signal
func runUp(cfg *config.Config, manifest *config.Manifest) error {
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	journal, err := state.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer journal.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	journalSub := broker.Subscribe()
	go journal.Consume(journalSub)
	defer broker.Unsubscribe(journalSub)

	// Backend adapters; connections are opened by the worker's start
	// hook once health gating says the backends are up.
	pg := store.NewPostgres(cfg.Postgres.DSN())
	queue := store.NewTaskQueue(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	gw, err := gateway.NewClient(cfg.Gateway.URL())
	if err != nil {
		return err
	}

	plan, err := orchestrator.NewPlan(manifest.Services)
	if err != nil {
		return err
	}

	var sup *supervisor.Supervisor
	monitor := health.NewMonitor(broker)
	for _, spec := range manifest.Services {
		var checker health.Checker
		switch spec.Probe.Kind {
		case types.ProbeTCP:
			checker = health.NewTCPChecker(spec.Probe.Address)
		case types.ProbeHTTP:
			httpChecker := health.NewHTTPChecker(spec.Probe.URL)
			if spec.Kind == types.ServiceKindGateway {
				// The Bot API server 404s on its bare root; any non-5xx
				// answer proves the listener and HTTP stack are up
				httpChecker = httpChecker.WithStatusRange(200, 499)
			}
			checker = httpChecker
		case types.ProbePostgres:
			checker = health.NewPostgresChecker(spec.Probe.Address)
		case types.ProbeRedis:
			checker = health.NewRedisChecker(spec.Probe.Address, cfg.Redis.Password, cfg.Redis.DB)
		case types.ProbeProcess:
			sup, err = supervisor.New(spec, broker)
			if err != nil {
				return err
			}
			checker = sup
		default:
			return fmt.Errorf("service %q has unknown probe kind %q", spec.Name, spec.Probe.Kind)
		}
		if err := monitor.Register(spec, checker); err != nil {
			return err
		}
	}

	vol, err := volume.New(cfg.Ingress.FileRoot, config.ServiceGateway)
	if err != nil {
		return err
	}

	routes := manifest.Routes
	if len(routes) == 0 {
		routes = ingress.DefaultRoutes()
	}
	table, err := ingress.NewRouteTable(routes)
	if err != nil {
		return err
	}

	ingressServer := ingress.NewServer(ingress.Config{
		Addr:           cfg.Ingress.Addr,
		MaxBodyBytes:   cfg.Ingress.MaxBodyBytes,
		ReadTimeout:    cfg.Ingress.ReadTimeout,
		WriteTimeout:   cfg.Ingress.WriteTimeout,
		GatewayService: config.ServiceGateway,
	}, table, gw.BaseURL(), vol, monitor)

	orch := orchestrator.New(plan, monitor, broker, orchestrator.Options{})

	if _, ok := plan.Spec(config.ServiceIngress); ok {
		err = orch.RegisterHooks(config.ServiceIngress, orchestrator.Hooks{
			Start: func(ctx context.Context) error { return ingressServer.Start() },
			Stop:  ingressServer.Shutdown,
		})
		if err != nil {
			return err
		}
	}

	if sup != nil {
		workerName := config.ServiceWorker
		for _, spec := range manifest.Services {
			if spec.Probe.Kind == types.ProbeProcess {
				workerName = spec.Name
			}
		}
		err = orch.RegisterHooks(workerName, orchestrator.Hooks{
			Start: func(ctx context.Context) error {
				// Backends are Healthy by the time this runs
				if err := pg.Connect(ctx); err != nil {
					return err
				}
				if err := pg.InitSchema(ctx); err != nil {
					return err
				}
				if err := queue.Ping(ctx); err != nil {
					return err
				}
				return sup.Start(ctx)
			},
			Stop: func(ctx context.Context) error {
				err := sup.Stop(ctx)
				queue.Close()
				pg.Close()
				return err
			},
		})
		if err != nil {
			return err
		}
	}

	// Admin surface is up before orchestration so /readyz and /statusz
	// are observable during startup
	admin := ingress.NewAdminServer(cfg.Ingress.AdminAddr, monitor.Snapshot, orch.Ready, orch.States, journal.Recent)
	if err := admin.Start(); err != nil {
		return err
	}

	monitor.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startErr := orch.Start(ctx)
	if startErr != nil && ctx.Err() == nil {
		logger.Error().Err(startErr).Msg("startup failed")
	}

	if startErr == nil {
		logger.Info().Msg("deployment is up")
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	orch.Stop(shutdownCtx)
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin shutdown failed")
	}
	monitor.Stop()

	return startErr
}
