// Package config loads the cloud-mapper's runtime configuration from
// environment variables, following the same envStr/envInt/envBool +
// nested-struct shape the teacher repo uses for its own config package.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the cloud-mapper process.
type Config struct {
	Mqtt        MqttConfig
	C8y         C8yConfig
	EntityStore EntityStoreConfig
	Operations  OperationsConfig
	Batcher     BatcherConfig
	Telemetry   TelemetryConfig
}

type MqttConfig struct {
	Host      string
	Port      int
	ClientID  string
	TopicRoot string // default "te"
}

type C8yConfig struct {
	Host          string // cloud MQTT/HTTPS host, e.g. "example.cumulocity.com"
	DeviceID      string // main device external id (c8y_Serial)
	TopicPrefix   string // default "c8y"
	ProxyBindAddr string // local address the auth proxy listens on
	ProxyPrefix   string // default "c8y" (served at /<prefix>/<path>)
	HTTPTimeout   time.Duration
	TokenTimeout  time.Duration
	AutoRegister  bool
	AvailabilityInterval time.Duration // 0 disables the heartbeat timer
}

type EntityStoreConfig struct {
	Backend            string // "file" (default) or "postgres"
	DataDir            string
	PostgresURL        string
	TelemetryCacheSize int
	CleanStart         bool
}

type OperationsConfig struct {
	AutoLogUpload    string // never|on_failure|always
	BackoffInitial   time.Duration
	BackoffCeiling   time.Duration
	OperationTimeout time.Duration
	ConfigUpdateDir  string // where config_update writes downloads named only by "type"
}

type BatcherConfig struct {
	MeasurementBatchSize int           // max messages per batch before an early flush
	MeasurementBatchAge  time.Duration // max time a batch stays open
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Mqtt: MqttConfig{
			Host:      envStr("TEDGE_MQTT_HOST", "127.0.0.1"),
			Port:      envInt("TEDGE_MQTT_PORT", 1883),
			ClientID:  envStr("TEDGE_MQTT_CLIENT_ID", "tedge-mapper-c8y"),
			TopicRoot: envStr("TEDGE_MQTT_TOPIC_ROOT", "te"),
		},
		C8y: C8yConfig{
			Host:          envStr("C8Y_HOST", ""),
			DeviceID:      envStr("C8Y_DEVICE_ID", "tedge-device"),
			TopicPrefix:   envStr("C8Y_TOPIC_PREFIX", "c8y"),
			ProxyBindAddr: envStr("C8Y_PROXY_BIND_ADDR", "127.0.0.1:8001"),
			ProxyPrefix:   envStr("C8Y_PROXY_PREFIX", "c8y"),
			HTTPTimeout:   envDuration("C8Y_HTTP_TIMEOUT", 10*time.Second),
			TokenTimeout:  envDuration("C8Y_TOKEN_TIMEOUT", 10*time.Second),
			AutoRegister:  envBool("TEDGE_AUTO_REGISTER", true),
			AvailabilityInterval: envDuration("C8Y_AVAILABILITY_INTERVAL", 15*time.Minute),
		},
		EntityStore: EntityStoreConfig{
			Backend:            envStr("TEDGE_ENTITY_STORE_BACKEND", "file"),
			DataDir:            envStr("TEDGE_DATA_DIR", "/etc/tedge/.tedge-mapper-c8y"),
			PostgresURL:        envStr("TEDGE_ENTITY_STORE_POSTGRES_URL", ""),
			TelemetryCacheSize: envInt("TEDGE_PENDING_TELEMETRY_CACHE_SIZE", 100),
			CleanStart:         envBool("TEDGE_CLEAN_START", true),
		},
		Operations: OperationsConfig{
			AutoLogUpload:    envStr("TEDGE_AUTO_LOG_UPLOAD", "on_failure"),
			BackoffInitial:   envDuration("TEDGE_BACKOFF_INITIAL", 30*time.Second),
			BackoffCeiling:   envDuration("TEDGE_BACKOFF_CEILING", 5*time.Minute),
			OperationTimeout: envDuration("TEDGE_OPERATION_TIMEOUT", 10*time.Second),
			ConfigUpdateDir:  envStr("TEDGE_CONFIG_UPDATE_DIR", "/etc/tedge/config-update"),
		},
		Batcher: BatcherConfig{
			MeasurementBatchSize: envInt("TEDGE_C8Y_MEASUREMENT_BATCH_SIZE", 100),
			MeasurementBatchAge:  envDuration("TEDGE_C8Y_MEASUREMENT_BATCH_AGE", 500*time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tedge-mapper-c8y"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
