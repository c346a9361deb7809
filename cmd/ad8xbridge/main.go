// ad8x-bridge connects RTI AD-8x multi-zone amplifiers to MQTT.
//
// Each configured amplifier gets a session that polls its eight zones,
// publishes their state and executes commands received on MQTT or the HTTP
// API. Optional extras: InfluxDB telemetry, a SQLite command audit log and
// a WebSocket feed of state changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/ad8x-bridge/internal/api"
	"github.com/nerrad567/ad8x-bridge/internal/audit"
	"github.com/nerrad567/ad8x-bridge/internal/bridges/ad8x"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/database"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/ad8x-bridge/migrations"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const pruneInterval = 24 * time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, blocks until ctx is cancelled and tears down
// in reverse order.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear start-up sequence
	log := logging.Default()
	log.Info("starting ad8x-bridge", "version", version, "commit", commit, "build_date", date)

	configPath := config.PathFromEnv()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "amps", len(cfg.Amps))

	topics := ad8x.Topics{Base: cfg.Bridge.BaseTopic, DiscoveryPrefix: cfg.Bridge.DiscoveryPrefix}
	var auditors multiAuditor

	// Command audit log (optional)
	var recorder *audit.Recorder
	var auditRepo audit.Repository
	if cfg.Database.Enabled {
		db, dbErr := database.Open(cfg.Database)
		if dbErr != nil {
			return fmt.Errorf("opening database: %w", dbErr)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("audit database ready", "path", db.Path())

		repo := audit.NewSQLiteRepository(db.DB)
		auditRepo = repo
		recorder = audit.NewRecorder(repo, 0, log.Component("audit"))
		defer recorder.Close()
		auditors = append(auditors, recorder)

		if cfg.Database.RetentionDays > 0 {
			go pruneLoop(ctx, repo, time.Duration(cfg.Database.RetentionDays)*24*time.Hour, log)
		}
	}

	// InfluxDB telemetry (optional)
	var observers []ad8x.Observer
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)

		t := &telemetry{influx: influxClient}
		observers = append(observers, t)
		auditors = append(auditors, t)
	}

	// WebSocket hub (created up front so sessions can notify it)
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
		observers = append(observers, hub)
	}

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.StatusConfig{
		Topic:   topics.BridgeStatus(),
		Online:  ad8x.PayloadOnline,
		Offline: ad8x.PayloadOffline,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	adapter := &mqttBridgeAdapter{client: mqttClient}

	// Amplifier sessions
	router, err := buildRouter(cfg, topics, adapter, observers, log)
	if err != nil {
		return err
	}
	if len(auditors) > 0 {
		router.SetAuditor(auditors)
	}

	bridge, err := ad8x.NewBridge(ad8x.BridgeOptions{
		ID:               cfg.Bridge.ID,
		Version:          version,
		Topics:           topics,
		DiscoveryEnabled: cfg.Bridge.DiscoveryEnabled,
		HealthInterval:   cfg.Bridge.HealthInterval,
		QoS:              byte(cfg.MQTT.QoS), //nolint:gosec // validated 0..2
		MQTTClient:       adapter,
		Router:           router,
		Logger:           log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.OnReconnect()
	})

	if err := router.StartAll(ctx); err != nil {
		router.StopAll()
		return err
	}
	defer func() {
		log.Info("stopping amplifier sessions")
		router.StopAll()
	}()

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer bridge.Stop()

	// HTTP API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Amps:     router,
			Health:   bridge,
			Audit:    auditRepo,
			Hub:      hub,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// buildRouter creates one session per configured amplifier.
func buildRouter(cfg *config.Config, topics ad8x.Topics, pub ad8x.Publisher, observers []ad8x.Observer, log *logging.Logger) (*ad8x.Router, error) {
	timing := timingFromConfig(cfg.Timing)
	sessions := make([]*ad8x.Session, 0, len(cfg.Amps))

	for _, amp := range cfg.Amps {
		s, err := ad8x.NewSession(ad8x.SessionOptions{
			Endpoint:             endpointFromConfig(amp),
			Timing:               timing,
			DefaultPowerOnVolume: cfg.Bridge.DefaultPowerOnVolume,
			Publisher:            pub,
			Topics:               topics,
			QoS:                  byte(cfg.MQTT.QoS), //nolint:gosec // validated 0..2
			Observers:            observers,
			Logger:               log.Component("ad8x").With("amp", amp.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("amp %s: %w", amp.ID, err)
		}
		sessions = append(sessions, s)
	}

	router, err := ad8x.NewRouter(sessions...)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	router.SetLogger(log.Component("router"))
	return router, nil
}

func timingFromConfig(t config.TimingConfig) ad8x.Timing {
	return ad8x.Timing{
		ConnectTimeout:    t.ConnectTimeout,
		CommandTimeout:    t.CommandTimeout,
		PostSendSettle:    t.PostSendSettle,
		InterCommandDelay: t.InterCommandDelay,
		CommandRetries:    t.CommandRetries,
		RetryDelay:        t.RetryDelay,
		PollInterval:      t.PollInterval,
		CoalesceWindow:    t.CoalesceWindow,
		EchoSuppress:      t.EchoSuppress,
		BackoffBase:       t.BackoffBase,
		BackoffMax:        t.BackoffMax,
	}
}

func endpointFromConfig(a config.AmpConfig) ad8x.Endpoint {
	return ad8x.Endpoint{
		ID:         a.ID,
		Host:       a.Host,
		Port:       a.Port,
		Transport:  a.Transport,
		SerialPort: a.SerialPort,
		BaudRate:   a.BaudRate,
		ZoneNames:  a.ZoneNames,
	}
}

// pruneLoop deletes audit entries older than retention once a day.
func pruneLoop(ctx context.Context, repo audit.Repository, retention time.Duration, log *logging.Logger) {
	prune := func() {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			log.Warn("audit prune failed", "error", err)
		case n > 0:
			log.Info("audit entries pruned", "count", n)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
