// Device Monitor - realtime identity, health and registration engine for
// escape-room controllers.
//
// This is the main entry point. The process subscribes to the venue MQTT
// broker, tracks every controller and device it hears from, persists
// registrations, heartbeats and sensor data, and serves an HTTP/WebSocket
// API for game-master dashboards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/device-monitor/migrations"

	"github.com/nerrad567/device-monitor/internal/alert"
	"github.com/nerrad567/device-monitor/internal/api"
	"github.com/nerrad567/device-monitor/internal/audit"
	"github.com/nerrad567/device-monitor/internal/device"
	"github.com/nerrad567/device-monitor/internal/heartbeat"
	"github.com/nerrad567/device-monitor/internal/infrastructure/config"
	"github.com/nerrad567/device-monitor/internal/infrastructure/database"
	"github.com/nerrad567/device-monitor/internal/infrastructure/influxdb"
	"github.com/nerrad567/device-monitor/internal/infrastructure/logging"
	"github.com/nerrad567/device-monitor/internal/infrastructure/metrics"
	"github.com/nerrad567/device-monitor/internal/infrastructure/mqtt"
	"github.com/nerrad567/device-monitor/internal/infrastructure/tsdb"
	"github.com/nerrad567/device-monitor/internal/ingest"
	"github.com/nerrad567/device-monitor/internal/registration"
	"github.com/nerrad567/device-monitor/internal/state"
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

// drainTimeout bounds the state write queue drain at shutdown.
const drainTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Infrastructure (database, time-series clients, MQTT) is released by
// deferred calls in reverse order of opening. Everything in between is
// stopped explicitly by shutdown so inbound traffic stops before the stores
// it writes to are flushed.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting device monitor",
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

	// Database
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
	log.Info("database connected", "path", db.Path())

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	if status, statusErr := db.SchemaStatus(ctx); statusErr == nil {
		log.Info("database migrations complete", "schema_version", status.Current(), "applied", len(status.Applied))
	}

	// Time-series stores (optional)
	influxClient, err := connectInflux(ctx, cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	tsdbClient, err := connectTSDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	if tsdbClient != nil {
		defer func() {
			log.Info("closing time-series client")
			if closeErr := tsdbClient.Close(); closeErr != nil {
				log.Error("error closing time-series client", "error", closeErr)
			}
		}()
	}

	// MQTT
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
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	if err := healthCheck(ctx, db, mqttClient, influxClient, tsdbClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	app, err := buildApp(cfg, log, db, mqttClient, influxClient, tsdbClient)
	if err != nil {
		return err
	}
	if err := app.start(ctx); err != nil {
		app.shutdown()
		return err
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	app.shutdown()

	log.Info("device monitor stopped")
	return nil
}

// app holds the components built on top of the infrastructure clients.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	mqtt   *mqtt.Client
	mqttOn bool

	registry     *device.Registry
	aggregator   *registration.Aggregator
	states       *state.Manager
	heartbeats   *heartbeat.Writer
	alerts       *alert.Manager
	hub          *api.Hub
	dispatcher   *ingest.Dispatcher
	server       *api.Server
	metrics      *metrics.Metrics
	sweepCancel  context.CancelFunc
	sweepStopped chan struct{}
}

// buildApp constructs and wires every component. Nothing is started.
func buildApp(cfg *config.Config, log *logging.Logger, db *database.DB, mqttClient *mqtt.Client,
	influxClient *influxdb.Client, tsdbClient *tsdb.Client) (*app, error) {
	a := &app{cfg: cfg, log: log, mqtt: mqttClient, metrics: metrics.New()}

	// Device registry
	a.registry = device.NewRegistry(device.Options{
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		RateLimit:        cfg.Monitor.RateLimitPerSecond,
		Namespaces:       cfg.MQTT.Namespaces,
	})
	a.registry.SetLogger(log.Component("registry"))

	// Registration handshake
	regStore := registration.NewSQLiteStore(db)
	regStore.SetLogger(log.Component("registration"))
	a.aggregator = registration.NewAggregator(regStore, cfg.RegistrationTimeout())
	a.aggregator.SetLogger(log.Component("registration"))

	// Sensor and state cache
	stateStore := state.NewSQLiteStore(db)
	resolver := state.NewCachingResolver(stateStore)
	resolver.SetLogger(log.Component("state"))
	a.aggregator.OnFinalize(func(o registration.Outcome) {
		a.metrics.RegistrationFinalized(string(o.Trigger), o.Err)
		if o.Err == nil {
			// Newly registered devices must not wait out the negative TTL.
			resolver.Forget()
		}
	})
	a.states = state.NewManager(state.Options{
		Namespaces: cfg.MQTT.Namespaces,
		CacheSize:  cfg.State.SensorCacheSize,
		QueueSize:  cfg.State.WriteQueueSize,
		Workers:    cfg.State.WriteWorkers,
		Resolver:   resolver,
	})
	a.states.SetLogger(log.Component("state"))
	a.states.AddSensorSink(stateStore)
	a.states.AddStateSink(stateStore)
	if influxClient != nil {
		a.states.AddSensorSink(state.SensorSinkFunc(func(_ context.Context, r state.SensorReading) error {
			influxClient.WriteSensorReading(r.DeviceID, r.SensorName, r.Field, r.Value, r.ReceivedAt)
			return nil
		}))
	}
	if tsdbClient != nil {
		a.states.AddSensorSink(state.SensorSinkFunc(func(_ context.Context, r state.SensorReading) error {
			tsdbClient.WriteSensorReading(r.DeviceID, r.SensorName, r.Field, r.Value, r.ReceivedAt)
			return nil
		}))
	}

	// Heartbeat persistence
	hbStore := heartbeat.NewSQLiteStore(db)
	hbStore.SetLogger(log.Component("heartbeat"))
	a.heartbeats = heartbeat.NewWriter(hbStore, heartbeat.Options{
		BatchSize:     cfg.Heartbeat.BatchSize,
		FlushInterval: cfg.HeartbeatFlushInterval(),
	})
	a.heartbeats.SetLogger(log.Component("heartbeat"))

	// Alerts and realtime broadcast
	a.alerts = alert.NewManager(cfg.Alerts.Capacity)
	a.alerts.SetLogger(log.Component("alerts"))
	a.hub = api.NewHub(cfg.WebSocket, log.Component("websocket"), a.registry, a.states)
	a.states.OnEvent(a.hub.BroadcastStateEvent)
	a.alerts.OnEvent(a.hub.BroadcastAlertEvent)

	// Ingest
	var recorders []ingest.HeartbeatRecorder
	if influxClient != nil {
		recorders = append(recorders, influxClient)
	}
	if tsdbClient != nil {
		recorders = append(recorders, tsdbClient)
	}
	dispatcher, err := ingest.New(ingest.Deps{
		Registry:    a.registry,
		State:       a.states,
		Registrar:   a.aggregator,
		Alerts:      a.alerts,
		Heartbeats:  a.heartbeats,
		Recorders:   recorders,
		Broadcaster: a.hub,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ingest dispatcher: %w", err)
	}
	dispatcher.SetLogger(log.Component("ingest"))
	a.dispatcher = dispatcher
	a.registry.OnEvent(dispatcher.HandleDeviceEvent)

	// HTTP API
	apiDeps := api.Deps{
		Config:           cfg.API,
		WS:               cfg.WebSocket,
		Security:         cfg.Security,
		Logger:           log.Component("api"),
		Devices:          a.registry,
		Publisher:        mqttClient,
		Sensors:          a.states,
		Alerts:           a.alerts,
		Registrations:    a.aggregator,
		Audit:            audit.NewSQLiteRepository(db),
		Metrics:          a.metrics,
		Hub:              a.hub,
		CommandNamespace: cfg.MQTT.CommandNamespace,
		Version:          version,
	}
	if tsdbClient != nil {
		apiDeps.History = tsdbClient
	}
	a.server, err = api.New(apiDeps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	a.registerGauges()
	registerBackendCounters(a.metrics, influxClient, tsdbClient)
	return a, nil
}

// registerGauges exposes component internals on /metrics.
func (a *app) registerGauges() {
	m := a.metrics
	m.LabeledGaugeFunc("devices", "Tracked devices by status.", "status", func() map[string]float64 {
		s := a.registry.Summary()
		return map[string]float64{
			string(device.StatusOnline):   float64(s.Online),
			string(device.StatusOffline):  float64(s.Offline),
			string(device.StatusDegraded): float64(s.Degraded),
			string(device.StatusUnknown):  float64(s.Total - s.Online - s.Offline - s.Degraded),
		}
	})
	m.GaugeFunc("pending_registrations", "Registrations waiting for their devices.", func() float64 {
		return float64(len(a.aggregator.Pending()))
	})
	m.GaugeFunc("heartbeat_queue_depth", "Heartbeats waiting to be flushed.", func() float64 {
		return float64(a.heartbeats.Pending())
	})
	m.CounterFunc("heartbeat_rows_written_total", "Heartbeat rows written to the database.", func() float64 {
		written, _ := a.heartbeats.Stats()
		return float64(written)
	})
	m.CounterFunc("heartbeat_rows_dropped_total", "Heartbeat rows dropped after a failed flush.", func() float64 {
		_, dropped := a.heartbeats.Stats()
		return float64(dropped)
	})
	m.GaugeFunc("state_write_queue_depth", "State and sensor writes waiting for a worker.", func() float64 {
		return float64(a.states.QueueDepth())
	})
	m.CounterFunc("state_writes_dropped_total", "State and sensor writes dropped on a full queue.", func() float64 {
		return float64(a.states.Dropped())
	})
	m.GaugeFunc("websocket_clients", "Connected realtime clients.", func() float64 {
		return float64(a.hub.ClientCount())
	})
	m.CounterFunc("websocket_messages_dropped_total", "Realtime messages skipped for slow clients.", func() float64 {
		return float64(a.hub.Dropped())
	})
	m.GaugeFunc("mqtt_connected", "1 when the broker connection is up.", func() float64 {
		if a.mqtt.IsConnected() {
			return 1
		}
		return 0
	})
	m.CounterFunc("mqtt_messages_received_total", "Inbound MQTT messages delivered to the dispatcher.", func() float64 {
		return float64(a.mqtt.Stats().Received)
	})
	m.CounterFunc("mqtt_handler_failures_total", "Inbound messages whose handler errored or panicked.", func() float64 {
		st := a.mqtt.Stats()
		return float64(st.HandlerErrors + st.Panics)
	})
	m.CounterFunc("mqtt_reconnects_total", "Broker reconnect attempts.", func() float64 {
		return float64(a.mqtt.Stats().Reconnects)
	})
}

// registerBackendCounters exposes time-series write statistics for the
// enabled backends.
func registerBackendCounters(m *metrics.Metrics, influxClient *influxdb.Client, tsdbClient *tsdb.Client) {
	if influxClient != nil {
		m.CounterFunc("influxdb_points_total", "Points queued for InfluxDB.", func() float64 {
			points, _ := influxClient.Stats()
			return float64(points)
		})
		m.CounterFunc("influxdb_write_failures_total", "Failed InfluxDB batch writes.", func() float64 {
			_, failures := influxClient.Stats()
			return float64(failures)
		})
	}
	if tsdbClient != nil {
		m.CounterFunc("tsdb_lines_total", "Lines buffered for the time-series store.", func() float64 {
			lines, _, _ := tsdbClient.Stats()
			return float64(lines)
		})
		m.CounterFunc("tsdb_lines_dropped_total", "Lines dropped on a full buffer or failed batch.", func() float64 {
			_, dropped, _ := tsdbClient.Stats()
			return float64(dropped)
		})
		m.CounterFunc("tsdb_write_failures_total", "Failed time-series batch writes.", func() float64 {
			_, _, failed := tsdbClient.Stats()
			return float64(failed)
		})
	}
}

// start launches background work and opens the inbound paths: the HTTP
// listener first, then the MQTT subscription.
func (a *app) start(ctx context.Context) error {
	a.heartbeats.Start()

	sweepCtx, cancel := context.WithCancel(ctx)
	a.sweepCancel = cancel
	a.sweepStopped = make(chan struct{})
	go func() {
		defer close(a.sweepStopped)
		a.registry.RunHealthSweep(sweepCtx, a.cfg.SweepInterval())
	}()

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	if err := a.mqtt.Subscribe(a.cfg.MQTT.TopicFilter, byte(a.cfg.MQTT.QoS), a.dispatcher.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to %s: %w", a.cfg.MQTT.TopicFilter, err)
	}
	a.mqttOn = true
	a.log.Info("subscribed to controller traffic", "topic", a.cfg.MQTT.TopicFilter)
	return nil
}

// shutdown stops components in dependency order: inbound HTTP and MQTT,
// the health sweep, registration timers, then flushes heartbeats and state
// writes before disconnecting realtime clients.
func (a *app) shutdown() {
	if err := a.server.Close(); err != nil {
		a.log.Error("error closing API server", "error", err)
	}

	if a.mqttOn {
		if err := a.mqtt.Unsubscribe(a.cfg.MQTT.TopicFilter); err != nil {
			a.log.Warn("error unsubscribing from controller traffic", "error", err)
		}
	}

	if a.sweepCancel != nil {
		a.sweepCancel()
		<-a.sweepStopped
	}

	a.aggregator.Close()
	a.dispatcher.Close()

	a.heartbeats.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.states.Close(ctx); err != nil {
		a.log.Error("error draining state writes", "error", err)
	}

	a.hub.Close()
}

// connectInflux connects to InfluxDB when enabled. It returns nil when
// disabled.
func connectInflux(ctx context.Context, cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// connectTSDB connects to VictoriaMetrics when enabled. It returns nil when
// disabled.
func connectTSDB(ctx context.Context, cfg *config.Config, log *logging.Logger) (*tsdb.Client, error) {
	if !cfg.TSDB.Enabled {
		log.Info("time-series store disabled")
		return nil, nil
	}
	client, err := tsdb.Connect(ctx, cfg.TSDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to time-series store: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("time-series write error", "error", err)
	})
	log.Info("time-series store connected", "url", cfg.TSDB.URL)
	return client, nil
}

// getConfigPath returns the configuration file path.
// Uses DEVICE_MONITOR_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVICE_MONITOR_CONFIG"); path != "" {
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
//   - tsdbClient: time-series client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, tsdbClient *tsdb.Client) error {
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

	if tsdbClient != nil {
		if err := tsdbClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("tsdb: %w", err)
		}
	}

	return nil
}
