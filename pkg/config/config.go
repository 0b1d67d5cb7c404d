package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Metadata      MetadataConfig      `json:"metadata"`
	Sharding      ShardingConfig      `json:"sharding"`
	Shard         ShardConfig         `json:"shard"`
	Security      SecurityConfig      `json:"security"`
	Observability ObservabilityConfig `json:"observability"`
	Discovery     DiscoveryConfig     `json:"discovery"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"-"`
	WriteTimeout    time.Duration `json:"-"`
	IdleTimeout     time.Duration `json:"-"`
	ReadTimeoutStr  string        `json:"read_timeout"`
	WriteTimeoutStr string        `json:"write_timeout"`
	IdleTimeoutStr  string        `json:"idle_timeout"`
}

// MetadataConfig holds the catalog's etcd connection configuration
type MetadataConfig struct {
	Endpoints  []string      `json:"endpoints"`
	Username   string        `json:"username"`
	Password   string        `json:"password"`
	Timeout    time.Duration `json:"-"`
	TimeoutStr string        `json:"timeout"`
}

// ShardingConfig holds router-side sharding configuration: connection
// pooling to shards and the routing cache's retry behavior.
type ShardingConfig struct {
	MaxConnections       int           `json:"max_connections"`
	ConnectionTTL        time.Duration `json:"-"`
	ConnectionTTLStr     string        `json:"connection_ttl"`
	StaleConfigRetries   int           `json:"stale_config_retries"`
	DefaultChunkSizeBytes int64        `json:"default_chunk_size_bytes"`
}

// ShardConfig holds per-node configuration for a shard process: its
// identity, storage limits, and replication factor for migration
// durability (pkg/migration's slaveCount rule).
type ShardConfig struct {
	ID           string   `json:"id"`
	ListenAddr   string   `json:"listen_addr"`
	DataDir      string   `json:"data_dir"`
	MemoryCapMB  int64    `json:"memory_cap_mb"`
	ReplicaCount int      `json:"replica_count"`
	Collections  []string `json:"collections"`
}

// DiscoveryConfig controls the config server's optional Kubernetes shard
// pod discovery, which auto-registers newly scheduled shard replicas with
// the catalog instead of requiring a manual RegisterShard call per pod.
type DiscoveryConfig struct {
	Enabled       bool   `json:"enabled"`
	Namespace     string `json:"namespace"`
	LabelSelector string `json:"label_selector"`
	PortName      string `json:"port_name"`
}

// SecurityConfig holds transport security configuration.
type SecurityConfig struct {
	EnableTLS   bool   `json:"enable_tls"`
	TLSCertPath string `json:"tls_cert_path"`
	TLSKeyPath  string `json:"tls_key_path"`
}

// ObservabilityConfig holds observability configuration
type ObservabilityConfig struct {
	MetricsPort     int    `json:"metrics_port"`
	EnableTracing   bool   `json:"enable_tracing"`
	TracingEndpoint string `json:"tracing_endpoint"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	LogFilePath     string `json:"log_file_path,omitempty"`
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := parseDurations(&config); err != nil {
		return nil, fmt.Errorf("failed to parse durations: %w", err)
	}

	setDefaults(&config)

	return &config, nil
}

// parseDurations parses duration strings into time.Duration
func parseDurations(c *Config) error {
	var err error

	if c.Server.ReadTimeoutStr != "" {
		c.Server.ReadTimeout, err = time.ParseDuration(c.Server.ReadTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid read_timeout: %w", err)
		}
	}
	if c.Server.WriteTimeoutStr != "" {
		c.Server.WriteTimeout, err = time.ParseDuration(c.Server.WriteTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid write_timeout: %w", err)
		}
	}
	if c.Server.IdleTimeoutStr != "" {
		c.Server.IdleTimeout, err = time.ParseDuration(c.Server.IdleTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid idle_timeout: %w", err)
		}
	}

	if c.Metadata.TimeoutStr != "" {
		c.Metadata.Timeout, err = time.ParseDuration(c.Metadata.TimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid metadata timeout: %w", err)
		}
	}

	if c.Sharding.ConnectionTTLStr != "" {
		c.Sharding.ConnectionTTL, err = time.ParseDuration(c.Sharding.ConnectionTTLStr)
		if err != nil {
			return fmt.Errorf("invalid connection_ttl: %w", err)
		}
	}

	return nil
}

func setDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Metadata.Timeout == 0 {
		c.Metadata.Timeout = 5 * time.Second
	}
	if c.Sharding.MaxConnections == 0 {
		c.Sharding.MaxConnections = 100
	}
	if c.Sharding.ConnectionTTL == 0 {
		c.Sharding.ConnectionTTL = 5 * time.Minute
	}
	if c.Sharding.StaleConfigRetries == 0 {
		c.Sharding.StaleConfigRetries = 10
	}
	if c.Sharding.DefaultChunkSizeBytes == 0 {
		c.Sharding.DefaultChunkSizeBytes = 64 * 1024 * 1024
	}
	if c.Shard.ReplicaCount == 0 {
		c.Shard.ReplicaCount = 3
	}
	if c.Observability.MetricsPort == 0 {
		c.Observability.MetricsPort = 9090
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
}
