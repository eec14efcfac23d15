// Purifier Core - Air Purifier Actuation Service
//
// This is the main entry point for the Purifier Core daemon. It
// coordinates three control surfaces over a fleet of MQTT-connected air
// purifiers:
//   - Recurring schedules (run windows in the site timezone)
//   - Pre-clean overrides (stacked, with save/restore semantics)
//   - Manual commands via the REST API
//
// Commands flow through a single dispatcher that retries until the
// device acknowledges, and every dispatch lands in the audit trail.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/aerolink/purifier-core/migrations"

	"github.com/aerolink/purifier-core/internal/api"
	"github.com/aerolink/purifier-core/internal/audit"
	"github.com/aerolink/purifier-core/internal/command"
	"github.com/aerolink/purifier-core/internal/device"
	"github.com/aerolink/purifier-core/internal/infrastructure/config"
	"github.com/aerolink/purifier-core/internal/infrastructure/database"
	"github.com/aerolink/purifier-core/internal/infrastructure/influxdb"
	"github.com/aerolink/purifier-core/internal/infrastructure/logging"
	"github.com/aerolink/purifier-core/internal/infrastructure/mqtt"
	"github.com/aerolink/purifier-core/internal/override"
	"github.com/aerolink/purifier-core/internal/policy"
	"github.com/aerolink/purifier-core/internal/schedule"
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

// offlineSweepInterval is how often silent devices are checked for the
// offline transition.
const offlineSweepInterval = 30 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Purifier Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	deviceRegistry := device.NewRegistry(deviceRepo)
	deviceRegistry.SetLogger(log)

	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var metrics device.MetricsWriter
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		metrics = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Command dispatcher: the single path every speed change takes to
	// the broker, with retry and ack correlation.
	auditRepo := audit.NewSQLiteRepository(db.DB)
	dispatcher := command.NewDispatcher(mqttClient, deviceRegistry, auditRepo, command.Config{
		AckTimeout: cfg.GetAckTimeout(),
		MaxRetries: cfg.Dispatch.MaxRetries,
		QoS:        byte(cfg.MQTT.QoS),
	}, log.With("component", "dispatcher"))

	// Telemetry ingestion keeps the registry mirroring reported state.
	ingestor := device.NewIngestor(deviceRegistry, metrics, log.With("component", "ingest"))

	// Override manager and schedule arbiter reference each other through
	// narrow interfaces; the schedule source is attached after both exist.
	overrideRepo := override.NewSQLiteRepository(db.DB)
	overrideMgr := override.NewManager(overrideRepo, deviceRegistry, dispatcher,
		log.With("component", "override"))
	defer overrideMgr.Close()

	loc := cfg.Location()
	admission := policy.New(overrideMgr)
	scheduleRepo := schedule.NewSQLiteRepository(db.DB)
	arbiter := schedule.NewArbiter(scheduleRepo, dispatcher, admission, overrideMgr, loc,
		log.With("component", "schedule"))
	overrideMgr.SetScheduleSource(arbiter)

	// Subscribe message handlers before rearming anything so no ack or
	// telemetry published during startup is lost.
	topics := mqtt.Topics{}
	if err := mqttClient.Subscribe(topics.AllAcks(), byte(cfg.MQTT.QoS), dispatcher.HandleAck); err != nil {
		return fmt.Errorf("subscribing to acks: %w", err)
	}
	if err := mqttClient.Subscribe(topics.AllTelemetry(), byte(cfg.MQTT.QoS), ingestor.HandleTelemetry); err != nil {
		return fmt.Errorf("subscribing to telemetry: %w", err)
	}
	log.Info("MQTT subscriptions established")

	// Re-arm overrides that were active when the process last stopped.
	if cfg.Overrides.RearmOnStart {
		if rearmErr := overrideMgr.Rearm(ctx); rearmErr != nil {
			return fmt.Errorf("rearming overrides: %w", rearmErr)
		}
	}

	// Arm schedule boundary timers.
	timers := schedule.NewTimers(scheduleRepo, arbiter, loc, log.With("component", "schedule"))
	if err := timers.Start(ctx); err != nil {
		return fmt.Errorf("starting schedule timers: %w", err)
	}
	defer timers.Wait()

	// Background sweep marking silent devices offline.
	go ingestor.RunOfflineSweeper(ctx, offlineSweepInterval, cfg.GetOfflineAfter())

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:    cfg.API,
		Logger:    log.With("component", "api"),
		Registry:  deviceRegistry,
		Commands:  dispatcher,
		Audits:    auditRepo,
		Overrides: overrideMgr,
		Schedules: scheduleRepo,
		Remover:   arbiter,
		Timers:    timers,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Schedule timers (wait for in-flight boundaries)
	// 3. Override manager
	// 4. InfluxDB (if enabled)
	// 5. MQTT
	// 6. Database

	log.Info("Purifier Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PURIFIER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PURIFIER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
