// Package config provides configuration for the devicestore daemon and tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for devicestore.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Log LogConfig `json:"log" yaml:"log"`

	// Store selects the wide-column backend
	Store StoreConfig `json:"store" yaml:"store"`

	Codec CodecConfig `json:"codec" yaml:"codec"`

	// Buffer configures asynchronous event writes
	Buffer BufferConfig `json:"buffer" yaml:"buffer"`

	Cache CacheConfig `json:"cache" yaml:"cache"`

	Events EventsConfig `json:"events" yaml:"events"`

	// Delivery configures command delivery to devices
	Delivery DeliveryConfig `json:"delivery" yaml:"delivery"`

	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// StoreConfig holds wide-column store configuration.
type StoreConfig struct {
	// Type is the backend: memory, sqlite
	Type string `json:"type" yaml:"type"`

	// Path is the SQLite database file (for sqlite type)
	Path string `json:"path" yaml:"path"`

	// ReadPoolSize is the number of read-only SQLite connections
	ReadPoolSize int `json:"read_pool_size" yaml:"read_pool_size"`
}

// CodecConfig holds payload codec configuration.
type CodecConfig struct {
	// WriteEncoding is the encoding for new payloads: json, protobuf, snappy
	WriteEncoding string `json:"write_encoding" yaml:"write_encoding"`
}

// BufferConfig holds write buffer configuration.
type BufferConfig struct {
	// Workers is the number of flush workers
	Workers int `json:"workers" yaml:"workers"`

	// QueueSize is the per-worker queue capacity
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// BatchSize is the number of mutations applied per flush
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// FlushInterval bounds how long a partial batch waits
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// Durable journals queued mutations so they survive a crash
	Durable bool `json:"durable" yaml:"durable"`

	// WALDir is the journal directory (for durable mode)
	WALDir string `json:"wal_dir" yaml:"wal_dir"`

	// MaxSegmentSize is the journal segment size in bytes
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size"`
}

// CacheConfig holds token cache configuration.
type CacheConfig struct {
	// Type is none, memory, or redis
	Type string `json:"type" yaml:"type"`

	// MaxEntries bounds the memory cache
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// EventsConfig holds event store configuration.
type EventsConfig struct {
	// UpdateAssignmentState maintains the assignment state snapshot on append
	UpdateAssignmentState bool `json:"update_assignment_state" yaml:"update_assignment_state"`
}

// DeliveryConfig holds command delivery configuration.
type DeliveryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt"`
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	QoS         byte   `json:"qos" yaml:"qos"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

// SnapshotConfig holds snapshot storage configuration.
type SnapshotConfig struct {
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/devicestore",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Type:         "sqlite",
			ReadPoolSize: 8,
		},
		Codec: CodecConfig{
			WriteEncoding: "protobuf",
		},
		Buffer: BufferConfig{
			Workers:        4,
			QueueSize:      4096,
			BatchSize:      256,
			FlushInterval:  100 * time.Millisecond,
			MaxSegmentSize: 16 * 1024 * 1024,
		},
		Cache: CacheConfig{
			Type:       "memory",
			MaxEntries: 100000,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "devicestore:",
				TTL:    10 * time.Minute,
			},
		},
		Delivery: DeliveryConfig{
			MQTT: MQTTConfig{
				Broker:      "tcp://localhost:1883",
				ClientID:    "devicestore",
				QoS:         1,
				TopicPrefix: "devicestore",
			},
		},
		Snapshot: SnapshotConfig{
			Storage: StorageConfig{Type: "local"},
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/devicestore"
	}

	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "devicestore.db")
	}

	if c.Buffer.WALDir == "" {
		c.Buffer.WALDir = filepath.Join(c.DataDir, "wal")
	}

	if c.Snapshot.Storage.Path == "" {
		c.Snapshot.Storage.Path = filepath.Join(c.DataDir, "snapshots")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Log.Format)
	}

	if c.Store.Type != "memory" && c.Store.Type != "sqlite" {
		return fmt.Errorf("invalid store type: %s (must be memory or sqlite)", c.Store.Type)
	}

	switch c.Codec.WriteEncoding {
	case "json", "protobuf", "snappy":
	default:
		return fmt.Errorf("invalid codec.write_encoding: %s (must be json, protobuf, or snappy)", c.Codec.WriteEncoding)
	}

	if c.Buffer.Workers < 1 {
		return fmt.Errorf("buffer.workers must be at least 1, got %d", c.Buffer.Workers)
	}
	if c.Buffer.QueueSize < 1 || c.Buffer.BatchSize < 1 {
		return fmt.Errorf("buffer.queue_size and buffer.batch_size must be positive")
	}
	if c.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("buffer.flush_interval must be positive")
	}

	switch c.Cache.Type {
	case "none":
	case "memory":
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache.max_entries must be positive")
		}
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when cache type is redis")
		}
	default:
		return fmt.Errorf("invalid cache type: %s (must be none, memory, or redis)", c.Cache.Type)
	}

	if c.Delivery.Enabled && c.Delivery.MQTT.Broker == "" {
		return fmt.Errorf("delivery.mqtt.broker is required when delivery is enabled")
	}
	if c.Delivery.MQTT.QoS > 2 {
		return fmt.Errorf("delivery.mqtt.qos must be 0, 1, or 2, got %d", c.Delivery.MQTT.QoS)
	}

	st := c.Snapshot.Storage
	if st.Type != "local" && st.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", st.Type)
	}
	if st.Type == "s3" && st.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DEVICESTORE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DEVICESTORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DEVICESTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DEVICESTORE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Store configuration
	if v := os.Getenv("DEVICESTORE_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("DEVICESTORE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DEVICESTORE_CODEC_WRITE_ENCODING"); v != "" {
		cfg.Codec.WriteEncoding = v
	}

	// Buffer configuration
	if v := os.Getenv("DEVICESTORE_BUFFER_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Buffer.Workers)
	}
	if v := os.Getenv("DEVICESTORE_BUFFER_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Buffer.BatchSize)
	}
	if v := os.Getenv("DEVICESTORE_BUFFER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Buffer.FlushInterval = d
		}
	}
	if v := os.Getenv("DEVICESTORE_BUFFER_DURABLE"); v != "" {
		cfg.Buffer.Durable = v == "true" || v == "1"
	}

	// Cache configuration
	if v := os.Getenv("DEVICESTORE_CACHE_TYPE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := os.Getenv("DEVICESTORE_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("DEVICESTORE_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}

	if v := os.Getenv("DEVICESTORE_EVENTS_UPDATE_ASSIGNMENT_STATE"); v != "" {
		cfg.Events.UpdateAssignmentState = v == "true" || v == "1"
	}

	// Delivery configuration
	if v := os.Getenv("DEVICESTORE_DELIVERY_ENABLED"); v != "" {
		cfg.Delivery.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DEVICESTORE_MQTT_BROKER"); v != "" {
		cfg.Delivery.MQTT.Broker = v
	}
	if v := os.Getenv("DEVICESTORE_MQTT_USERNAME"); v != "" {
		cfg.Delivery.MQTT.Username = v
	}
	if v := os.Getenv("DEVICESTORE_MQTT_PASSWORD"); v != "" {
		cfg.Delivery.MQTT.Password = v
	}

	// gRPC configuration
	if v := os.Getenv("DEVICESTORE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("DEVICESTORE_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Snapshot storage configuration
	if v := os.Getenv("DEVICESTORE_STORAGE_TYPE"); v != "" {
		cfg.Snapshot.Storage.Type = v
	}
	if v := os.Getenv("DEVICESTORE_STORAGE_PATH"); v != "" {
		cfg.Snapshot.Storage.Path = v
	}
	if v := os.Getenv("DEVICESTORE_S3_BUCKET"); v != "" {
		cfg.Snapshot.Storage.S3.Bucket = v
	}
	if v := os.Getenv("DEVICESTORE_S3_REGION"); v != "" {
		cfg.Snapshot.Storage.S3.Region = v
	}
	if v := os.Getenv("DEVICESTORE_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Store.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	if c.Buffer.Durable {
		dirs = append(dirs, c.Buffer.WALDir)
	}
	if c.Snapshot.Storage.Type == "local" {
		dirs = append(dirs, c.Snapshot.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
