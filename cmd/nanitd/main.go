// nanitd is a persistent client daemon for the Nanit Sound + Light.
//
// It keeps an authenticated cloud session alive, holds a WebSocket
// connection per speaker, and republishes device state over a local
// REST API, MQTT (Home Assistant discovery) and InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/com6056/nanit-sound-light/internal/api"
	"github.com/com6056/nanit-sound-light/internal/conn"
	"github.com/com6056/nanit-sound-light/internal/coordinator"
	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/history"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/database"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
	"github.com/com6056/nanit-sound-light/internal/mqtt"
	"github.com/com6056/nanit-sound-light/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main so exit
// codes are handled in one place.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting nanitd",
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

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

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
	log.Info("database opened", "path", cfg.Database.Path)

	// Cloud session
	sess := session.NewManager(cfg, log, session.NewTokenStore(db))
	sess.OnTokenUpdate(func(string) {
		log.Info("refresh token rotated")
	})
	sess.OnMFARequired(func() {
		log.Warn("sign-in paused: submit the emailed verification code via POST /api/v1/auth/mfa")
	})

	// Per-device relay connections
	conns := conn.NewManager(cfg, log, sess)
	defer func() {
		log.Info("closing device connections")
		if closeErr := conns.Close(); closeErr != nil {
			log.Error("error closing connections", "error", closeErr)
		}
	}()

	// Coordinator owns device state and drives the poll loop
	coord, err := coordinator.New(cfg, log, sess, conns, device.NewColorRepository(db))
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	// MQTT bridge (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
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

		bridge, bridgeErr := mqtt.NewBridge(cfg.MQTT, log, mqttClient, coord)
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		coord.OnSnapshot(bridge.HandleSnapshot)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB history recorder (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := history.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		coord.OnSnapshot(history.NewRecorder(log, influxClient).HandleSnapshot)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Local REST API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			Logger:     log,
			Controller: coord,
			Version:    version,
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
		log.Info("API listening", "host", cfg.API.Host, "port", cfg.API.Port)
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, polling")

	// Blocks until the context is cancelled.
	coord.Run(ctx)

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, InfluxDB, MQTT, connections, database.

	log.Info("nanitd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses the NANIT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("NANIT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
