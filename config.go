package sessionkeeper

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ggoodman/sessionkeeper/connection"
	"github.com/ggoodman/sessionkeeper/leader"
	"github.com/ggoodman/sessionkeeper/recovery"
	"github.com/ggoodman/sessionkeeper/refresh"
	"github.com/ggoodman/sessionkeeper/session"
	"github.com/ggoodman/sessionkeeper/state"
	"github.com/ggoodman/sessionkeeper/store/filestore"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Bus drivers. BusNone yields a single-instance client unless a transport
// is passed with WithTransport.
const (
	BusNone  = "none"
	BusRedis = "redis"
)

// Config aggregates the configuration of every component. The zero value
// is usable: an in-memory store, no cross-instance bus and the component
// defaults.
type Config struct {
	// InstanceID identifies this instance on the bus. Default: a random
	// UUID. ENV: SESSIONKEEPER_INSTANCE_ID
	InstanceID string `yaml:"instance_id" env:"SESSIONKEEPER_INSTANCE_ID"`

	Store StoreConfig `yaml:"store"`
	Bus   BusConfig   `yaml:"bus"`
	Redis RedisConfig `yaml:"redis"`

	Connection connection.Config `yaml:"connection"`
	Recovery   recovery.Config   `yaml:"recovery"`
	Refresh    refresh.Config    `yaml:"refresh"`
	Leader     leader.Config     `yaml:"leader"`
	State      state.Config      `yaml:"state"`
	Session    session.Config    `yaml:"session"`
}

// StoreConfig selects and configures the persistent store backend.
type StoreConfig struct {
	// Driver is one of memory, file or redis. Default: memory.
	// ENV: SESSIONKEEPER_STORE_DRIVER
	Driver string            `yaml:"driver" env:"SESSIONKEEPER_STORE_DRIVER"`
	Memory MemoryStoreConfig `yaml:"memory"`
	File   filestore.Config  `yaml:"file"`
}

// MemoryStoreConfig mirrors memorystore.Config for file and env loading.
type MemoryStoreConfig struct {
	MaxItems    int  `yaml:"max_items" env:"SESSIONKEEPER_STORE_MEMORY_MAX_ITEMS"`
	MaxBytes    int  `yaml:"max_bytes" env:"SESSIONKEEPER_STORE_MEMORY_MAX_BYTES"`
	EvictOnFull bool `yaml:"evict_on_full" env:"SESSIONKEEPER_STORE_MEMORY_EVICT_ON_FULL"`
}

// BusConfig selects the cross-instance transport.
type BusConfig struct {
	// Driver is one of none or redis. Default: none.
	// ENV: SESSIONKEEPER_BUS_DRIVER
	Driver string `yaml:"driver" env:"SESSIONKEEPER_BUS_DRIVER"`
}

// RedisConfig is shared by the redis store and bus drivers.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `yaml:"addr" env:"REDIS_ADDR"`
	// StorePrefix namespaces store keys. Default: "sessionkeeper:store:".
	StorePrefix string `yaml:"store_prefix" env:"SESSIONKEEPER_STORE_PREFIX"`
	// BusChannel carries bus frames. Default: "sessionkeeper:bus".
	BusChannel string `yaml:"bus_channel" env:"SESSIONKEEPER_BUS_CHANNEL"`
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = BusNone
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.StorePrefix == "" {
		c.Redis.StorePrefix = "sessionkeeper:store:"
	}
	if c.Redis.BusChannel == "" {
		c.Redis.BusChannel = "sessionkeeper:bus"
	}
}

// Validate reports configuration errors that defaults cannot repair.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "", StoreMemory, StoreRedis:
	case StoreFile:
		if c.Store.File.Dir == "" {
			errs = append(errs, errors.New("store.file.dir is required for the file driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Bus.Driver {
	case "", BusNone, BusRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.Bus.Driver))
	}
	if c.Store.Memory.MaxBytes < 0 {
		errs = append(errs, errors.New("store.memory.max_bytes must not be negative"))
	}
	if c.Session.RefreshThreshold > 0 && c.Session.ValidateInterval > 0 &&
		c.Session.RefreshThreshold < c.Session.ValidateInterval {
		errs = append(errs, fmt.Errorf("session.refresh_threshold (%s) is shorter than session.validate_interval (%s)",
			c.Session.RefreshThreshold, c.Session.ValidateInterval))
	}
	if c.Leader.HeartbeatInterval > 0 && c.Leader.HeartbeatTimeout > 0 &&
		c.Leader.HeartbeatTimeout <= c.Leader.HeartbeatInterval {
		errs = append(errs, errors.New("leader.heartbeat_timeout must exceed leader.heartbeat_interval"))
	}
	if c.Refresh.LockTTL > 0 && c.Refresh.LockTTL < time.Second {
		errs = append(errs, errors.New("refresh.lock_ttl must be at least 1s"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads the YAML file at path when path is not empty, overlays
// environment variables and applies defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
