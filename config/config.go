package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Log          LogConfig          `yaml:"log"`
	Relay        RelayConfig        `yaml:"relay"`
	Registration RegistrationConfig `yaml:"registration"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Hub          HubConfig          `yaml:"hub"`
	Backend      BackendConfig      `yaml:"backend"`
	Push         PushConfig         `yaml:"push"`
	WorkerPool   WorkerPoolConfig   `yaml:"worker_pool"`
}

// ServerConfig holds the local HTTP API configuration.
type ServerConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the durable store connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // sqlite or postgres
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// LogConfig selects the zap configuration.
type LogConfig struct {
	Environment string `yaml:"environment"`
	Level       string `yaml:"level"`
}

// RelayConfig tunes the replay engine and dispatcher.
type RelayConfig struct {
	RetryIntervalS            int     `yaml:"retry_interval_s"`
	ConnectivityPollIntervalS float64 `yaml:"connectivity_poll_interval_s"`
	ReplayBatchSize           int     `yaml:"replay_batch_size"`
	MaxRetryBackoffS          int     `yaml:"max_retry_backoff_s"`
	BaseBackoffS              int     `yaml:"base_backoff_s"`
	LeaseSeconds              int     `yaml:"lease_seconds"`
	DispatchTimeoutS          int     `yaml:"dispatch_timeout_s"`
	StuckRetryThreshold       int     `yaml:"stuck_retry_threshold"`

	RetryInterval            time.Duration `yaml:"-"`
	ConnectivityPollInterval time.Duration `yaml:"-"`
	MaxRetryBackoff          time.Duration `yaml:"-"`
	BaseBackoff              time.Duration `yaml:"-"`
	Lease                    time.Duration `yaml:"-"`
	DispatchTimeout          time.Duration `yaml:"-"`
}

// RegistrationConfig controls how barcodes are classified.
type RegistrationConfig struct {
	Prefix        string `yaml:"prefix"`
	Method        string `yaml:"method"`
	AllowRefresh  bool   `yaml:"allow_refresh"`
	MinBarcodeLen int    `yaml:"min_barcode_len"`
	MaxBarcodeLen int    `yaml:"max_barcode_len"`
}

// ConnectivityConfig selects the network probe.
type ConnectivityConfig struct {
	Probe            string   `yaml:"probe"` // interfaces or static
	IgnorePrefixes   []string `yaml:"ignore_prefixes"`
	HubProbeAddr     string   `yaml:"hub_probe_addr"`
	HubProbeTimeoutS float64  `yaml:"hub_probe_timeout_s"`

	HubProbeTimeout time.Duration `yaml:"-"`
}

// HubConfig describes the message hub and how device credentials are obtained.
type HubConfig struct {
	Transport             string      `yaml:"transport"`   // mqtt or kafka
	Credentials           string      `yaml:"credentials"` // registry or derived
	OwnerConnectionString string      `yaml:"owner_connection_string"`
	RegistryURL           string      `yaml:"registry_url"`
	APIVersion            string      `yaml:"api_version"`
	GroupKey              string      `yaml:"group_key"`
	HostName              string      `yaml:"host_name"`
	CredentialTTLSeconds  int         `yaml:"credential_ttl_seconds"`
	TokenTTLSeconds       int         `yaml:"token_ttl_seconds"`
	MQTT                  MQTTConfig  `yaml:"mqtt"`
	Kafka                 KafkaConfig `yaml:"kafka"`

	CredentialTTL time.Duration `yaml:"-"`
	TokenTTL      time.Duration `yaml:"-"`
}

// MQTTConfig holds the MQTT hub transport parameters.
type MQTTConfig struct {
	BrokerURL       string `yaml:"broker_url"`
	TopicTemplate   string `yaml:"topic_template"`
	QoS             byte   `yaml:"qos"`
	KeepAliveS      int    `yaml:"keep_alive_s"`
	ConnectTimeoutS int    `yaml:"connect_timeout_s"`
}

// KafkaConfig holds the Kafka hub transport parameters.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// BackendConfig holds the vendor REST backend configuration.
type BackendConfig struct {
	BaseURL          string            `yaml:"base_url"`
	RegistrationPath string            `yaml:"registration_path"`
	QuantityPath     string            `yaml:"quantity_path"`
	NotifyQuantity   bool              `yaml:"notify_quantity"`
	Headers          map[string]string `yaml:"headers"`
	RateLimitPerSec  float64           `yaml:"rate_limit_per_sec"`
	TimeoutS         int               `yaml:"timeout_s"`

	Timeout time.Duration `yaml:"-"`
}

// PushConfig holds the VAPID keys for operator web push alerts.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields and derives the duration fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 2
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "./data/relay.db"
	}

	if cfg.Log.Environment == "" {
		cfg.Log.Environment = "production"
	}

	r := &cfg.Relay
	if r.RetryIntervalS <= 0 {
		r.RetryIntervalS = 5
	}
	if r.ConnectivityPollIntervalS <= 0 {
		r.ConnectivityPollIntervalS = 0.5
	}
	if r.ReplayBatchSize <= 0 {
		r.ReplayBatchSize = 20
	}
	if r.MaxRetryBackoffS <= 0 {
		r.MaxRetryBackoffS = 300
	}
	if r.BaseBackoffS <= 0 {
		r.BaseBackoffS = r.RetryIntervalS
	}
	if r.LeaseSeconds <= 0 {
		r.LeaseSeconds = 60
	}
	if r.DispatchTimeoutS <= 0 {
		r.DispatchTimeoutS = 10
	}
	if r.StuckRetryThreshold <= 0 {
		r.StuckRetryThreshold = 10
	}
	r.RetryInterval = time.Duration(r.RetryIntervalS) * time.Second
	r.ConnectivityPollInterval = time.Duration(r.ConnectivityPollIntervalS * float64(time.Second))
	r.MaxRetryBackoff = time.Duration(r.MaxRetryBackoffS) * time.Second
	r.BaseBackoff = time.Duration(r.BaseBackoffS) * time.Second
	r.Lease = time.Duration(r.LeaseSeconds) * time.Second
	r.DispatchTimeout = time.Duration(r.DispatchTimeoutS) * time.Second

	if cfg.Registration.Prefix == "" {
		cfg.Registration.Prefix = "REG-"
	}
	if cfg.Registration.Method == "" {
		cfg.Registration.Method = "barcode_scan"
	}
	if cfg.Registration.MinBarcodeLen <= 0 {
		cfg.Registration.MinBarcodeLen = 1
	}
	if cfg.Registration.MaxBarcodeLen <= 0 {
		cfg.Registration.MaxBarcodeLen = 128
	}

	if cfg.Connectivity.Probe == "" {
		cfg.Connectivity.Probe = "interfaces"
	}
	if cfg.Connectivity.IgnorePrefixes == nil {
		cfg.Connectivity.IgnorePrefixes = []string{"lo", "docker", "br-", "veth"}
	}
	if cfg.Connectivity.HubProbeTimeoutS <= 0 {
		cfg.Connectivity.HubProbeTimeoutS = 1
	}
	cfg.Connectivity.HubProbeTimeout = time.Duration(cfg.Connectivity.HubProbeTimeoutS * float64(time.Second))

	h := &cfg.Hub
	if h.Transport == "" {
		h.Transport = "mqtt"
	}
	if h.Credentials == "" {
		h.Credentials = "registry"
	}
	if h.APIVersion == "" {
		h.APIVersion = "2021-04-12"
	}
	if h.CredentialTTLSeconds <= 0 {
		h.CredentialTTLSeconds = 3600
	}
	if h.TokenTTLSeconds <= 0 {
		h.TokenTTLSeconds = 3600
	}
	h.CredentialTTL = time.Duration(h.CredentialTTLSeconds) * time.Second
	h.TokenTTL = time.Duration(h.TokenTTLSeconds) * time.Second
	if h.MQTT.TopicTemplate == "" {
		h.MQTT.TopicTemplate = "devices/{device_id}/messages/events/"
	}
	if h.MQTT.KeepAliveS <= 0 {
		h.MQTT.KeepAliveS = 60
	}
	if h.MQTT.ConnectTimeoutS <= 0 {
		h.MQTT.ConnectTimeoutS = 5
	}
	if h.Kafka.Topic == "" {
		h.Kafka.Topic = "scanner-events"
	}

	b := &cfg.Backend
	if b.RegistrationPath == "" {
		b.RegistrationPath = "/api/devices/register"
	}
	if b.QuantityPath == "" {
		b.QuantityPath = "/api/devices/quantity"
	}
	if b.RateLimitPerSec <= 0 {
		b.RateLimitPerSec = 5
	}
	if b.TimeoutS <= 0 {
		b.TimeoutS = 5
	}
	b.Timeout = time.Duration(b.TimeoutS) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}
}

// Validate rejects combinations the daemon cannot start with.
func (cfg *Config) Validate() error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %q", cfg.Database.Driver)
	}

	// A lease that can expire mid-send lets another drain claim the same message.
	if cfg.Relay.Lease < 2*cfg.Relay.DispatchTimeout {
		return fmt.Errorf("relay.lease_seconds (%d) must be at least twice relay.dispatch_timeout_s (%d)",
			cfg.Relay.LeaseSeconds, cfg.Relay.DispatchTimeoutS)
	}

	switch cfg.Connectivity.Probe {
	case "interfaces", "static":
	default:
		return fmt.Errorf("connectivity.probe %q is not supported", cfg.Connectivity.Probe)
	}

	switch cfg.Hub.Transport {
	case "mqtt":
		if cfg.Hub.MQTT.QoS > 1 {
			return fmt.Errorf("hub.mqtt.qos %d is not supported; use 0 or 1", cfg.Hub.MQTT.QoS)
		}
		if cfg.Hub.MQTT.BrokerURL == "" && cfg.Hub.HostName == "" && cfg.Hub.OwnerConnectionString == "" {
			return fmt.Errorf("hub.mqtt.broker_url or a hub host name is required for the mqtt transport")
		}
	case "kafka":
		if len(cfg.Hub.Kafka.Brokers) == 0 {
			return fmt.Errorf("hub.kafka.brokers is required for the kafka transport")
		}
	default:
		return fmt.Errorf("hub.transport %q is not supported", cfg.Hub.Transport)
	}

	switch cfg.Hub.Credentials {
	case "registry":
		if cfg.Hub.OwnerConnectionString == "" {
			return fmt.Errorf("hub.owner_connection_string is required for registry credentials")
		}
	case "derived":
		if cfg.Hub.GroupKey == "" || cfg.Hub.HostName == "" {
			return fmt.Errorf("hub.group_key and hub.host_name are required for derived credentials")
		}
	default:
		return fmt.Errorf("hub.credentials %q is not supported", cfg.Hub.Credentials)
	}
	return nil
}
