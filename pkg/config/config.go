package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SerializationType defines the wire envelope serialization format
type SerializationType string

const (
	SerializationCBOR    SerializationType = "cbor"
	SerializationJSON    SerializationType = "json"
	SerializationMsgPack SerializationType = "msgpack"
)

// CompressionType defines the gossip payload compression algorithm
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionZstd CompressionType = "zstd"
	CompressionLZ4  CompressionType = "lz4"
	CompressionGzip CompressionType = "gzip"
)

// SerializationConfig holds serialization settings
type SerializationConfig struct {
	Type       SerializationType `mapstructure:"type" yaml:"type" json:"type"`
	JSONConfig JSONConfig        `mapstructure:"json" yaml:"json" json:"json"`
	CBORConfig CBORConfig        `mapstructure:"cbor" yaml:"cbor" json:"cbor"`
}

// JSONConfig holds JSON-specific settings
type JSONConfig struct {
	Library    string `mapstructure:"library" yaml:"library" json:"library"` // "standard" or "sonic"
	Compact    bool   `mapstructure:"compact" yaml:"compact" json:"compact"`
	EscapeHTML bool   `mapstructure:"escape_html" yaml:"escape_html" json:"escape_html"`
}

// CBORConfig holds CBOR-specific settings
type CBORConfig struct {
	DeterministicMode bool `mapstructure:"deterministic" yaml:"deterministic" json:"deterministic"`
}

// CompressionConfig holds gossip payload compression settings
type CompressionConfig struct {
	Type           CompressionType `mapstructure:"type" yaml:"type" json:"type"`
	Level          int             `mapstructure:"level" yaml:"level" json:"level"`
	ThresholdBytes int             `mapstructure:"threshold_bytes" yaml:"threshold_bytes" json:"threshold_bytes"`
}

// NodeConfig identifies this node and its initial contacts
type NodeConfig struct {
	BindHost      string   `mapstructure:"bind_host" yaml:"bind_host" json:"bind_host"`
	BindPort      int      `mapstructure:"bind_port" yaml:"bind_port" json:"bind_port"`
	AdvertiseHost string   `mapstructure:"advertise_host" yaml:"advertise_host" json:"advertise_host"`
	Join          []string `mapstructure:"join" yaml:"join" json:"join"`
}

// SwimConfig holds the failure detector protocol parameters
type SwimConfig struct {
	// ProbeInterval is the base interval between periodic probes. The
	// effective interval is scaled by (1 + LHM).
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" json:"probe_interval"`

	// PingTimeout is the base direct-probe timeout, scaled by (1 + LHM).
	PingTimeout time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout" json:"ping_timeout"`

	// IndirectChecks is the number of helper members asked to probe an
	// unresponsive target on our behalf (k in the SWIM paper).
	IndirectChecks int `mapstructure:"indirect_checks" yaml:"indirect_checks" json:"indirect_checks"`

	// RetransmitMult bounds gossip fact retransmission at
	// ceil(RetransmitMult * log(N+1)) inclusions.
	RetransmitMult int `mapstructure:"retransmit_mult" yaml:"retransmit_mult" json:"retransmit_mult"`

	// MaxGossipBytes caps the encoded size of a piggybacked payload.
	MaxGossipBytes int `mapstructure:"max_gossip_bytes" yaml:"max_gossip_bytes" json:"max_gossip_bytes"`

	// MaxGossipFacts caps the number of facts in a piggybacked payload.
	MaxGossipFacts int `mapstructure:"max_gossip_facts" yaml:"max_gossip_facts" json:"max_gossip_facts"`

	// LHMMax caps the local health multiplier.
	LHMMax int `mapstructure:"lhm_max" yaml:"lhm_max" json:"lhm_max"`

	// MinSuspicionTimeoutMult and MaxSuspicionTimeoutMult bound the
	// suspicion window in units of ProbeInterval.
	MinSuspicionTimeoutMult int `mapstructure:"min_suspicion_timeout_mult" yaml:"min_suspicion_timeout_mult" json:"min_suspicion_timeout_mult"`
	MaxSuspicionTimeoutMult int `mapstructure:"max_suspicion_timeout_mult" yaml:"max_suspicion_timeout_mult" json:"max_suspicion_timeout_mult"`

	// MaxIndependentSuspicions caps how many distinct suspecters shorten
	// the suspicion window.
	MaxIndependentSuspicions int `mapstructure:"suspicion_max_independent_suspicions" yaml:"suspicion_max_independent_suspicions" json:"suspicion_max_independent_suspicions"`

	// TombstoneTTL is how long dead members are remembered.
	TombstoneTTL time.Duration `mapstructure:"tombstone_ttl" yaml:"tombstone_ttl" json:"tombstone_ttl"`

	// Seed seeds member shuffling and gossip tie-breaking. Zero selects a
	// random seed; tests pin it for reproducible runs.
	Seed int64 `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// MinSuspicionTimeout returns the lower bound of the suspicion window.
func (s SwimConfig) MinSuspicionTimeout() time.Duration {
	return time.Duration(s.MinSuspicionTimeoutMult) * s.ProbeInterval
}

// MaxSuspicionTimeout returns the upper bound of the suspicion window.
func (s SwimConfig) MaxSuspicionTimeout() time.Duration {
	return time.Duration(s.MaxSuspicionTimeoutMult) * s.ProbeInterval
}

// StorageConfig holds tombstone store settings
type StorageConfig struct {
	Type              string        `mapstructure:"type" yaml:"type" json:"type"` // "memory" or "redis"
	RedisConfig       RedisConfig   `mapstructure:"redis" yaml:"redis" json:"redis"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout" json:"connection_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	PoolSize          int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
}

// RedisConfig holds Redis-specific settings
type RedisConfig struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses" json:"addresses"`
	Password  string   `mapstructure:"password" yaml:"password" json:"password"`
	DB        int      `mapstructure:"db" yaml:"db" json:"db"`
}

// APIConfig holds the admin HTTP server settings
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host         string        `mapstructure:"host" yaml:"host" json:"host"`
	Port         int           `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
}

// MonitoringConfig holds metrics settings
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path" json:"metrics_path"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`

	// StrictInvariants aborts the process on invariant violations instead
	// of logging and continuing.
	StrictInvariants bool `mapstructure:"strict_invariants" yaml:"strict_invariants" json:"strict_invariants"`
}

// Config represents the main configuration structure
type Config struct {
	Node          NodeConfig          `mapstructure:"node" yaml:"node" json:"node"`
	Swim          SwimConfig          `mapstructure:"swim" yaml:"swim" json:"swim"`
	Serialization SerializationConfig `mapstructure:"serialization" yaml:"serialization" json:"serialization"`
	Compression   CompressionConfig   `mapstructure:"compression" yaml:"compression" json:"compression"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage" json:"storage"`
	API           APIConfig           `mapstructure:"api" yaml:"api" json:"api"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging" json:"logging"`
}

// DefaultConfig returns a configuration with the protocol defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			BindHost: "0.0.0.0",
			BindPort: 7946,
		},
		Swim: SwimConfig{
			ProbeInterval:            1 * time.Second,
			PingTimeout:              300 * time.Millisecond,
			IndirectChecks:           3,
			RetransmitMult:           3,
			MaxGossipBytes:           512,
			MaxGossipFacts:           20,
			LHMMax:                   8,
			MinSuspicionTimeoutMult:  3,
			MaxSuspicionTimeoutMult:  10,
			MaxIndependentSuspicions: 3,
			TombstoneTTL:             24 * time.Hour,
		},
		Serialization: SerializationConfig{
			Type: SerializationCBOR,
			JSONConfig: JSONConfig{
				Library:    "standard",
				Compact:    true,
				EscapeHTML: false,
			},
			CBORConfig: CBORConfig{
				DeterministicMode: true,
			},
		},
		Compression: CompressionConfig{
			Type:           CompressionNone,
			Level:          3,
			ThresholdBytes: 256,
		},
		Storage: StorageConfig{
			Type: "memory",
			RedisConfig: RedisConfig{
				Addresses: []string{"localhost:6379"},
				DB:        0,
			},
			ConnectionTimeout: 5 * time.Second,
			ReadTimeout:       3 * time.Second,
			WriteTimeout:      3 * time.Second,
			PoolSize:          10,
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Namespace:   "lifeguard",
		},
		Logging: LoggingConfig{
			Level:            "info",
			Format:           "json",
			StrictInvariants: false,
		},
	}
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	config := DefaultConfig()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lifeguard")
	}

	// Enable reading from environment variables
	v.SetEnvPrefix("LIFEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal on top of defaults
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Serialization.Type {
	case SerializationCBOR, SerializationJSON, SerializationMsgPack:
		// Valid
	default:
		return fmt.Errorf("invalid serialization type: %s", c.Serialization.Type)
	}

	switch c.Compression.Type {
	case CompressionNone, CompressionZstd, CompressionLZ4, CompressionGzip:
		// Valid
	default:
		return fmt.Errorf("invalid compression type: %s", c.Compression.Type)
	}

	if c.Node.BindPort <= 0 || c.Node.BindPort > 65535 {
		return fmt.Errorf("invalid bind port: %d", c.Node.BindPort)
	}

	if c.Swim.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive, got %s", c.Swim.ProbeInterval)
	}
	if c.Swim.PingTimeout <= 0 {
		return fmt.Errorf("ping_timeout must be positive, got %s", c.Swim.PingTimeout)
	}
	if c.Swim.PingTimeout >= c.Swim.ProbeInterval {
		return fmt.Errorf("ping_timeout (%s) must be shorter than probe_interval (%s)",
			c.Swim.PingTimeout, c.Swim.ProbeInterval)
	}
	if c.Swim.IndirectChecks < 0 {
		return fmt.Errorf("indirect_checks must be non-negative, got %d", c.Swim.IndirectChecks)
	}
	if c.Swim.LHMMax < 0 {
		return fmt.Errorf("lhm_max must be non-negative, got %d", c.Swim.LHMMax)
	}
	if c.Swim.MinSuspicionTimeoutMult > c.Swim.MaxSuspicionTimeoutMult {
		return fmt.Errorf("min_suspicion_timeout_mult (%d) must not exceed max_suspicion_timeout_mult (%d)",
			c.Swim.MinSuspicionTimeoutMult, c.Swim.MaxSuspicionTimeoutMult)
	}
	if c.Swim.MaxIndependentSuspicions < 1 {
		return fmt.Errorf("suspicion_max_independent_suspicions must be at least 1, got %d",
			c.Swim.MaxIndependentSuspicions)
	}
	if c.Swim.MaxGossipBytes <= 0 {
		return fmt.Errorf("max_gossip_bytes must be positive, got %d", c.Swim.MaxGossipBytes)
	}
	if c.Swim.TombstoneTTL <= 0 {
		return fmt.Errorf("tombstone_ttl must be positive, got %s", c.Swim.TombstoneTTL)
	}

	switch c.Storage.Type {
	case "memory", "redis":
		// Valid
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}
	if c.Storage.Type == "redis" && len(c.Storage.RedisConfig.Addresses) == 0 {
		return fmt.Errorf("redis storage requires at least one address")
	}

	return nil
}

// IsCompressionEnabled returns true if payload compression is active
func (c *Config) IsCompressionEnabled() bool {
	return c.Compression.Type != CompressionNone
}

// ShouldCompress determines if a payload of the given size should be
// compressed
func (c *Config) ShouldCompress(payloadSize int) bool {
	if !c.IsCompressionEnabled() {
		return false
	}
	return payloadSize >= c.Compression.ThresholdBytes
}
