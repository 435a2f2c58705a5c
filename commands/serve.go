package commands

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/thpham/fleetd/internal/config"
	"github.com/thpham/fleetd/internal/metrics"
	"github.com/thpham/fleetd/internal/metrics/eventlog"
	"github.com/thpham/fleetd/internal/metricsstorage"
	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/multiplexer"
	"github.com/thpham/fleetd/internal/openstack"
	"github.com/thpham/fleetd/internal/planner"
	"github.com/thpham/fleetd/internal/platform"
	"github.com/thpham/fleetd/internal/platform/githubprovider"
	"github.com/thpham/fleetd/internal/platform/jobmanager"
	"github.com/thpham/fleetd/internal/reactive"
	"github.com/thpham/fleetd/internal/reconciler"
	"github.com/thpham/fleetd/internal/repopolicy"
	"github.com/thpham/fleetd/internal/runnermanager"
	"github.com/thpham/fleetd/internal/scaler"
	"github.com/thpham/fleetd/internal/server"
)

var configPath string

// serveCmd starts the orchestrator server: admin API, metrics endpoint,
// reconcile scheduler and (when configured) reactive consumer workers.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fleetd orchestrator server",
	Long: `Start the fleetd orchestrator server, which keeps a fleet of
OpenStack CI runner VMs aligned with demand from GitHub Actions and/or a
job-manager platform.

The server provides:
  - A periodic reconcile scheduler driving the Scaler Façade
  - An admin HTTP API for inspecting the fleet
  - A Prometheus metrics endpoint
  - Reactive consumer workers, when reactiveConfiguration is set`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Also make serve the default command when no subcommand is given.
	rootCmd.RunE = runServe

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/fleetd/config.yaml", "Path to configuration file")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/fleetd/config.yaml", "Path to configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logrus.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("invalid log level %q, defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.Infof("starting fleetd %s", Version)
	log.Infof("loaded configuration %q for manager %q", configPath, cfg.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("received signal %v, initiating shutdown", sig)
		cancel()
	}()

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Fatalf("failed to build application: %v", err)
	}
	defer app.reactiveSupervisor.StopAll()

	srv := server.New(cfg, app.runnerManager, app.scaler, app.collect, log)
	if err := srv.Run(ctx); err != nil {
		log.Errorf("server error: %v", err)
		return err
	}

	log.Info("fleetd shutdown complete")
	return nil
}

// application bundles the composition root's wired components.
type application struct {
	runnerManager      *runnermanager.Manager
	scaler             *scaler.Scaler
	collect            *metrics.Collectors
	reactiveSupervisor *reactive.Supervisor
}

// buildApp wires every component of the fleet manager from a loaded
// *config.Config: the multiplexed platform backends, the OpenStack cloud
// provider, metric storage and event log, the Runner Manager, and the
// dual reactive/non-reactive Scaler Façade.
func buildApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*application, error) {
	const systemUser = "fleetd"
	keyDir := filepath.Join(cfg.DataDir, "ssh-keys")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}

	cloudMgr, err := openstack.NewManager(cfg.OpenStackConfiguration, systemUser, keyDir, log)
	if err != nil {
		return nil, err
	}

	storageMgr, err := metricsstorage.NewManager(filepath.Join(cfg.DataDir, "metrics"))
	if err != nil {
		return nil, err
	}

	eventLog, err := eventlog.Open(filepath.Join(cfg.DataDir, "events.jsonl"))
	if err != nil {
		return nil, err
	}

	collect := metrics.New()

	var backends []platform.Provider
	primaryPlatform := ""
	if cfg.GitHubConfig != nil {
		gh := githubprovider.New(ctx, cfg.GetGitHubToken(), cfg.GitHubConfig.Path, cfg.GitHubConfig.IsOrganization(), log)
		backends = append(backends, gh)
		primaryPlatform = gh.Name()
	}
	if cfg.JobManagerConfig != nil {
		jm := jobmanager.New(cfg.JobManagerConfig.BaseURL, cfg.JobManagerConfig.Token, log)
		backends = append(backends, jm)
		if primaryPlatform == "" {
			primaryPlatform = jm.Name()
		}
	}
	mux := multiplexer.New(backends...)

	// A nil *repopolicy.Client must never be assigned directly to the
	// TokenIssuer interface: a nil concrete pointer boxed in an interface
	// is a non-nil interface value, and CloudInitBuilder's nil check
	// would then misfire. Only assign when the concrete client exists.
	var tokenIssuer openstack.TokenIssuer
	if cfg.ServiceConfig.RepoPolicyCompliance != nil {
		repoPolicyClient := repopolicy.New(cfg.ServiceConfig.RepoPolicyCompliance.URL, cfg.ServiceConfig.RepoPolicyCompliance.Token)
		tokenIssuer = repoPolicyClient
	}
	cloudInitBuilder := openstack.NewCloudInitBuilder(cfg.ServiceConfig, tokenIssuer)

	manager := runnermanager.New(cfg.OpenStackConfiguration.VMPrefix, cloudMgr, mux, cloudInitBuilder, storageMgr, eventLog, collect, log)

	var nonReactiveTargets []scaler.NonReactiveTarget
	for _, combo := range cfg.NonReactiveConfiguration.Combinations {
		nonReactiveTargets = append(nonReactiveTargets, scaler.NonReactiveTarget{
			Flavor:       combo.Flavor.Name,
			Metadata:     models.RunnerMetadata{PlatformName: primaryPlatform},
			VMConfig:     models.VMConfig{Image: combo.Image.Name, Flavor: combo.Flavor.Name},
			Labels:       append(append([]string{}, combo.Image.Labels...), combo.Flavor.Labels...),
			BaseQuantity: combo.BaseVirtualMachines,
		})
	}

	supervisor := reactive.NewSupervisor(nil, log)
	var reactiveTarget *scaler.ReactiveTarget
	if cfg.ReactiveConfiguration != nil {
		queue, err := reactive.NewMongoQueue(ctx, cfg.ReactiveConfiguration.Queue.MongoDBURI, cfg.ReactiveConfiguration.Queue.QueueName)
		if err != nil {
			return nil, err
		}

		var reactiveVMConfig models.VMConfig
		if len(cfg.ReactiveConfiguration.Images) > 0 {
			reactiveVMConfig.Image = cfg.ReactiveConfiguration.Images[0].Name
		}
		if len(cfg.ReactiveConfiguration.Flavors) > 0 {
			reactiveVMConfig.Flavor = cfg.ReactiveConfiguration.Flavors[0].Name
		}

		consumerCfg := reactive.Config{
			SupportedLabels: cfg.SupportedLabels(),
			VMConfig:        reactiveVMConfig,
		}
		if cfg.JobManagerConfig != nil {
			consumerCfg.JobManagerHost = hostOf(cfg.JobManagerConfig.BaseURL)
		}

		supervisor = reactive.NewSupervisor(func() *reactive.Consumer {
			return reactive.NewConsumer(queue, manager, mux, consumerCfg, log)
		}, log)

		reactiveTarget = &scaler.ReactiveTarget{
			MaxTotalVirtualMachines: cfg.ReactiveConfiguration.MaxTotalVirtualMachines,
			Supervisor:              supervisor,
		}
	}

	scalerInstance := scaler.New(manager, nonReactiveTargets, reactiveTarget, eventLog, collect, log)

	if cfg.PlannerConfig != nil {
		plannerClient := planner.New(cfg.PlannerConfig.BaseURL)
		interval := time.Duration(cfg.PlannerConfig.ReconcileInterval) * time.Minute
		for _, combo := range cfg.NonReactiveConfiguration.Combinations {
			rec := reconciler.New(
				combo.Flavor.Name,
				models.RunnerMetadata{PlatformName: primaryPlatform},
				models.VMConfig{Image: combo.Image.Name, Flavor: combo.Flavor.Name},
				append(append([]string{}, combo.Image.Labels...), combo.Flavor.Labels...),
				interval,
				plannerClient,
				manager,
				log,
			)
			go rec.Run(ctx)
		}
	}

	return &application{
		runnerManager:      manager,
		scaler:             scalerInstance,
		collect:            collect,
		reactiveSupervisor: supervisor,
	}, nil
}

// hostOf extracts the host:port portion of a base URL, used by the
// reactive consumer to recognize job-manager job URLs.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
