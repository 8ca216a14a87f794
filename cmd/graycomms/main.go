// graycomms - device communications service for Gray Logic.
//
// graycomms drives the serial, TCP, UDP and SSH controlled equipment of a
// site: projectors, matrix switchers, DSPs and the like. Each device gets its
// own prioritised command queue; commands arrive over MQTT or the REST API and
// results flow back the same way.
//
// Usage:
//
//	graycomms run        # start the service
//	graycomms devices    # list configured devices
//	graycomms version    # print build information
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-comms/internal/api"
	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-comms/internal/manager"
	"github.com/nerrad567/gray-logic-comms/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configFlag is set by --config and takes precedence over GRAYCOMMS_CONFIG.
var configFlag string

func main() {
	// Cancel on Ctrl+C and SIGTERM so run can shut down cleanly
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "graycomms",
		Short:         "Gray Logic device communications service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to config.yaml (default $GRAYCOMMS_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the service and run until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context())
			},
		},
		newDevicesCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "graycomms %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting graycomms",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", applied)

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("device"))

	if _, seedErr := device.Seed(ctx, registry, cfg.Devices); seedErr != nil {
		return fmt.Errorf("seeding devices: %w", seedErr)
	}
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.GetDeviceCount())

	checks := map[string]api.HealthChecker{"database": db}
	opts := manager.Options{
		Comms:  cfg.Comms.ProcessorConfig(),
		Logger: log.Component("manager"),
	}

	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := connectMQTT(cfg.MQTT, log)
		if mqttErr != nil {
			return mqttErr
		}
		defer func() {
			stats := mqttClient.Stats()
			log.Info("closing MQTT connection", "connects", stats.Connects, "drops", stats.Drops)
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		opts.Publisher = mqttClient
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		influxClient.SetOnError(func(writeErr error) {
			log.Error("InfluxDB write error", "error", writeErr)
		})
		defer func() {
			stats := influxClient.Stats()
			log.Info("closing InfluxDB connection", "points", stats.Points, "failures", stats.Failures)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("connected to InfluxDB", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		opts.Telemetry = influxClient
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics, metricsErr := manager.NewMetrics(reg)
		if metricsErr != nil {
			return fmt.Errorf("registering metrics: %w", metricsErr)
		}
		opts.Metrics = metrics
		gatherer = reg
	}

	supervisor := manager.NewSupervisor(registry, opts)
	started, err := supervisor.Start(ctx)
	if err != nil {
		stopSupervisor(supervisor, cfg.Comms.StopTimeout, log)
		return fmt.Errorf("starting devices: %w", err)
	}
	defer stopSupervisor(supervisor, cfg.Comms.StopTimeout, log)
	log.Info("device managers running", "started", started)

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			Metrics:  cfg.Metrics,
			Logger:   log.Component("api"),
			Devices:  registry,
			Runner:   supervisor,
			Gatherer: gatherer,
			Checks:   checks,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server listening", "addr", server.Addr())
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

func connectMQTT(cfg config.MQTTConfig, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	client.SetOnDisconnect(func(disconnectErr error) {
		log.Warn("MQTT disconnected", "error", disconnectErr)
	})
	log.Info("connected to MQTT broker",
		"host", cfg.Broker.Host,
		"port", cfg.Broker.Port,
	)
	return client, nil
}

// stopSupervisor stops every device. The signal context is already done by
// now, so shutdown gets its own deadline.
func stopSupervisor(s *manager.Supervisor, timeout time.Duration, log *logging.Logger) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("stopping device managers")
	if err := s.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("error stopping device managers", "error", err)
	} else if err != nil {
		log.Warn("device managers did not stop in time", "timeout", timeout)
	}
}

func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if path := os.Getenv("GRAYCOMMS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
