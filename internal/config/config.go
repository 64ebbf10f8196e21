package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Carrier    CarrierConfig    `mapstructure:"carrier"`
	CallBridge CallBridgeConfig `mapstructure:"call_bridge"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	ClientID       string   `mapstructure:"client_id"`
	OutcomeTopic   string   `mapstructure:"outcome_topic"`
	LifecycleTopic string   `mapstructure:"lifecycle_topic"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// QueueConfig tunes the run claim, heartbeat and recovery machinery.
// HeartbeatInterval must stay well below LockTimeout so a slow but live
// worker is never mistaken for a dead one.
type QueueConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout"`
	InterCallDelay       time.Duration `mapstructure:"inter_call_delay"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	DefaultMaxConcurrent int           `mapstructure:"default_max_concurrent"`
}

// WorkerConfig assigns tenants to a worker process. Every query the
// worker issues is scoped to one of these tenant ids.
type WorkerConfig struct {
	Tenants      []string      `mapstructure:"tenants"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// TenantIDs parses the configured tenant list.
func (w WorkerConfig) TenantIDs() ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(w.Tenants))
	for _, raw := range w.Tenants {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid tenant id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CarrierConfig caps in-flight calls towards the carrier per tenant,
// across all runs and worker processes.
type CarrierConfig struct {
	TenantConcurrency int           `mapstructure:"tenant_concurrency"`
	SlotTTL           time.Duration `mapstructure:"slot_ttl"`
}

type CallBridgeConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.Queue.ApplyDefaults()
	if err := cfg.Queue.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (q *QueueConfig) ApplyDefaults() {
	if q.HeartbeatInterval <= 0 {
		q.HeartbeatInterval = 30 * time.Second
	}
	if q.LockTimeout <= 0 {
		q.LockTimeout = 5 * time.Minute
	}
	if q.InterCallDelay <= 0 {
		q.InterCallDelay = 2 * time.Second
	}
	if q.SweepInterval <= 0 {
		q.SweepInterval = time.Minute
	}
	if q.DefaultMaxConcurrent <= 0 {
		q.DefaultMaxConcurrent = 1
	}
}

// Validate rejects settings the queue cannot run safely with. A lease
// that can expire between two on-time heartbeats makes every worker look
// dead to the recovery sweep.
func (q QueueConfig) Validate() error {
	if q.HeartbeatInterval >= q.LockTimeout {
		return fmt.Errorf("config: heartbeat_interval (%s) must be below lock_timeout (%s)",
			q.HeartbeatInterval, q.LockTimeout)
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
