package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full bootstrap configuration surface for the
// application. Provider settings themselves live in the versioned provider
// store; values here only seed it on first run and wire infrastructure.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Scylla        ScyllaConfig        `mapstructure:"scylla"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	ProviderStore ProviderStoreConfig `mapstructure:"provider_store"`
	Plugins       PluginsConfig       `mapstructure:"plugins"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	Poller        PollerConfig        `mapstructure:"poller"`
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
	APIKey       string        `mapstructure:"api_key"`
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
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	AuditTopic     string        `mapstructure:"audit_topic"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ProviderStoreConfig locates the versioned provider configuration file
// and governs its backup retention.
type ProviderStoreConfig struct {
	Path            string        `mapstructure:"path"`
	BackupDir       string        `mapstructure:"backup_dir"`
	BackupRetention int           `mapstructure:"backup_retention"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`

	// Seed values for the default config synthesized when no provider
	// configuration file exists yet. Once a file exists it is
	// authoritative and these are ignored.
	DefaultOutboundPlugin   string            `mapstructure:"default_outbound_plugin"`
	DefaultOutboundSettings map[string]string `mapstructure:"default_outbound_settings"`
}

// PluginsConfig governs discovery of externally supplied plugins.
type PluginsConfig struct {
	ExternalDir string `mapstructure:"external_dir"`
}

type DispatchConfig struct {
	CallbackBaseURL string        `mapstructure:"callback_base_url"`
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	DedupTTL        time.Duration `mapstructure:"dedup_ttl"`
}

type PollerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	QueuedExpiry time.Duration `mapstructure:"queued_expiry"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("FAXDISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider_store.backup_retention", 10)
	v.SetDefault("provider_store.cache_ttl", time.Second)
	v.SetDefault("dispatch.webhook_timeout", 10*time.Second)
	v.SetDefault("dispatch.send_timeout", 30*time.Second)
	v.SetDefault("dispatch.dedup_ttl", 24*time.Hour)
	v.SetDefault("poller.tick_interval", 30*time.Second)
	v.SetDefault("poller.batch_size", 50)
	v.SetDefault("poller.queued_expiry", 10*time.Minute)
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
