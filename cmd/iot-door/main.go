package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"iot-door/internal/auth"
	"iot-door/internal/door"
	"iot-door/internal/serialport"
	"iot-door/internal/settings"
	"iot-door/internal/store"
	"iot-door/internal/store/sqlite"
	"iot-door/internal/telemetry"
	"iot-door/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		ID             string `yaml:"id"`
		ControlTopic   string `yaml:"control_topic"`
		StatusTopic    string `yaml:"status_topic"`
		CommandTimeout string `yaml:"command_timeout"`
	} `yaml:"device"`
	Transport struct {
		Type string `yaml:"type"` // "mqtt" or "serial"
	} `yaml:"transport"`
	MQTT struct {
		Broker    string `yaml:"broker"`
		ClientID  string `yaml:"client_id"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		QoS       byte   `yaml:"qos"`
		Reconnect struct {
			InitialDelay string `yaml:"initial_delay"`
			MaxDelay     string `yaml:"max_delay"`
		} `yaml:"reconnect"`
		Discovery       bool   `yaml:"discovery"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Store struct {
		Path        string `yaml:"path"`
		AuditDriver string `yaml:"audit_driver"` // "bolt" or "sqlite"
		SQLitePath  string `yaml:"sqlite_path"`
	} `yaml:"store"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		SessionTTL       string `yaml:"session_ttl"`
		MagicLinkTTL     string `yaml:"magic_link_ttl"`
		MagicLinkBaseURL string `yaml:"magic_link_base_url"`
	} `yaml:"auth"`
	Web struct {
		Listen         string   `yaml:"listen"`
		DeviceAPIKey   string   `yaml:"device_api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	InfluxDB struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		BatchSize     uint   `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"influxdb"`
	Automation struct {
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Device.ID == "" || c.Device.ControlTopic == "" || c.Device.StatusTopic == "" {
		return fmt.Errorf("device.id, device.control_topic and device.status_topic must not be empty")
	}
	switch c.Transport.Type {
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0-2, got %d", c.MQTT.QoS)
		}
	case "serial":
		if c.Serial.Port == "" {
			return fmt.Errorf("serial.port is required")
		}
	default:
		return fmt.Errorf("unknown transport.type: %q (supported: mqtt, serial)", c.Transport.Type)
	}
	switch c.Store.AuditDriver {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("unknown store.audit_driver: %q (supported: bolt, sqlite)", c.Store.AuditDriver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set IOT_DOOR_JWT_SECRET)")
	}
	durations := map[string]string{
		"device.command_timeout":       c.Device.CommandTimeout,
		"mqtt.reconnect.initial_delay": c.MQTT.Reconnect.InitialDelay,
		"mqtt.reconnect.max_delay":     c.MQTT.Reconnect.MaxDelay,
		"auth.session_ttl":             c.Auth.SessionTTL,
		"auth.magic_link_ttl":          c.Auth.MagicLinkTTL,
		"influxdb.flush_interval":      c.InfluxDB.FlushInterval,
	}
	for key, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	return nil
}

// parseDuration treats an empty string as zero.
func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}

func mustDuration(v string) time.Duration {
	d, _ := parseDuration(v)
	return d
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("iot-door starting", "version", version, "device", cfg.Device.ID, "transport", cfg.Transport.Type)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	backend, closeAudit, err := openAuditStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeAudit()
	accessLog := store.NewAccessLog(backend)

	events := door.NewEventBus(logger)
	device := door.Device{
		ID:           cfg.Device.ID,
		ControlTopic: cfg.Device.ControlTopic,
		StatusTopic:  cfg.Device.StatusTopic,
	}

	transport, err := createTransport(cfg, device, events, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	rec := door.New(door.Config{
		Devices:        []door.Device{device},
		CommandTimeout: mustDuration(cfg.Device.CommandTimeout),
	}, transport, db, accessLog, events, logger.With("component", "door"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recDone := make(chan error, 1)
	go func() {
		recDone <- rec.Run(ctx)
	}()

	authSvc, err := auth.NewService(db, auth.Config{
		Secret:           cfg.Auth.JWTSecret,
		SessionTTL:       mustDuration(cfg.Auth.SessionTTL),
		MagicLinkTTL:     mustDuration(cfg.Auth.MagicLinkTTL),
		MagicLinkBaseURL: cfg.Auth.MagicLinkBaseURL,
	}, nil, logger)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}
	settingsSvc := settings.NewService(db, events, logger)

	sink := initTelemetry(cfg, events, logger)
	defer sink.stop()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(rec, events, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithDeviceAPIKey(cfg.Web.DeviceAPIKey),
		web.WithVersion(version),
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	if cfg.Web.DeviceAPIKey == "" {
		logger.Warn("web.device_api_key not set, device endpoints will reject every request")
	}

	webServer := web.NewServer(rec, authSvc, settingsSvc, accessLog, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-recDone:
		runErr = fmt.Errorf("reconciler stopped: %w", err)
		recDone <- nil
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	if err := <-recDone; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// openAuditStore returns the access log backend selected by
// store.audit_driver and a func releasing it.
func openAuditStore(cfg *Config, db *store.BoltStore) (store.AccessLogStore, func(), error) {
	if cfg.Store.AuditDriver != "sqlite" {
		return db, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite audit store: %w", err)
	}
	return sqlite.NewAccessLogStore(sqlDB), func() { sqlDB.Close() }, nil
}

// createTransport builds the configured device link. Connection changes are
// published as transport events so dashboards see the link go down.
func createTransport(cfg *Config, device door.Device, events *door.EventBus, logger *slog.Logger) (door.Transport, error) {
	onChange := func(name string) func(bool, error) {
		return func(connected bool, err error) {
			st := door.TransportState{Transport: name, Connected: connected}
			if err != nil {
				st.Error = err.Error()
			}
			events.Emit(door.Event{Type: door.EventTransport, Data: st})
		}
	}

	switch cfg.Transport.Type {
	case "serial":
		logger.Info("using serial transport", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)
		return serialport.Open(serialport.Config{
			Port:               cfg.Serial.Port,
			Baud:               cfg.Serial.Baud,
			Device:             device,
			OnConnectionChange: onChange("serial"),
		}, logger)
	default:
		logger.Info("using MQTT transport", "broker", cfg.MQTT.Broker)
		return newMQTTTransport(cfg, device, onChange("mqtt"), logger)
	}
}

type telemetryStopper struct {
	sink  *telemetry.Sink
	unsub func()
}

func (t *telemetryStopper) stop() {
	if t.unsub != nil {
		t.unsub()
	}
	if t.sink != nil {
		t.sink.Close()
	}
}

func initTelemetry(cfg *Config, events *door.EventBus, logger *slog.Logger) *telemetryStopper {
	sink, err := telemetry.Connect(telemetry.Config{
		Enabled:       cfg.InfluxDB.Enabled,
		URL:           cfg.InfluxDB.URL,
		Token:         cfg.InfluxDB.Token,
		Org:           cfg.InfluxDB.Org,
		Bucket:        cfg.InfluxDB.Bucket,
		BatchSize:     cfg.InfluxDB.BatchSize,
		FlushInterval: mustDuration(cfg.InfluxDB.FlushInterval),
	}, logger)
	if err != nil {
		if !errors.Is(err, telemetry.ErrDisabled) {
			logger.Error("influxdb telemetry unavailable", "err", err)
		}
		return &telemetryStopper{}
	}
	return &telemetryStopper{sink: sink, unsub: sink.Attach(events)}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Device.ID == "" {
		cfg.Device.ID = "door1"
	}
	if cfg.Device.ControlTopic == "" {
		cfg.Device.ControlTopic = "esp32/door1/control"
	}
	if cfg.Device.StatusTopic == "" {
		cfg.Device.StatusTopic = "esp32/door/status"
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "mqtt"
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "wss://broker.hivemq.com:8884/mqtt"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "iot-door.db"
	}
	if cfg.Store.AuditDriver == "" {
		cfg.Store.AuditDriver = "bolt"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "audit.db"
	}
	if cfg.Auth.SessionTTL == "" {
		cfg.Auth.SessionTTL = "12h"
	}
	if cfg.Auth.MagicLinkTTL == "" {
		cfg.Auth.MagicLinkTTL = "15m"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// applyEnv lets deployments keep secrets out of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("IOT_DOOR_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("IOT_DOOR_DEVICE_API_KEY"); v != "" {
		cfg.Web.DeviceAPIKey = v
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
