// Package config holds the node configuration. A Config is built once at
// startup and handed to each component's constructor; nothing reads
// configuration from package-level state.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ryandielhenn/zephyrmesh/pkg/idgen"
)

// Default configuration values.
const (
	DefaultLogLevel      = "info"
	DefaultBindAddr      = "127.0.0.1:4001"
	DefaultAdminAddr     = "127.0.0.1:8080"
	DefaultTopic         = "chat"
	DefaultBusCapacity   = 32
	DefaultWorkerID      = 1
	DefaultCacheCapacity = 64 << 20 // 64MB
	DefaultEtcdPrefix    = "/zephyrmesh/peers/"
	DefaultLeaseTTL      = 10
	DefaultDialTimeout   = 5 * time.Second
)

// Config contains all the configuration properties of a node.
type Config struct {
	// DataDir is searched for an optional zephyrmesh.{yaml,toml,json}.
	DataDir string `mapstructure:"datadir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port of the gossip transport.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is registered with discovery. Defaults to BindAddr.
	AdvertiseAddr string `mapstructure:"advertise"`

	// AdminAddr serves /healthz, /info, /metrics and /command. Empty
	// disables the admin server.
	AdminAddr string `mapstructure:"admin-listen"`

	// Topic is the one topic this node subscribes to.
	Topic string `mapstructure:"topic"`

	// BusCapacity bounds how many unread commands a subscriber may fall
	// behind before it starts losing the oldest ones.
	BusCapacity int `mapstructure:"bus-capacity"`

	// WorkerID is the node tag mixed into every generated id.
	WorkerID int64 `mapstructure:"worker-id"`

	CacheCapacity int `mapstructure:"cache-capacity"`

	// CacheSeed holds key=value pairs written to the cache at startup.
	CacheSeed []string `mapstructure:"cache-seed"`

	EtcdEndpoints []string      `mapstructure:"etcd"`
	EtcdPrefix    string        `mapstructure:"etcd-prefix"`
	LeaseTTL      int64         `mapstructure:"lease-ttl"`
	DialTimeout   time.Duration `mapstructure:"dial-timeout"`

	// NoConsole runs headless, without reading commands from stdin.
	NoConsole bool `mapstructure:"no-console"`

	// Dial is the optional remote address given on the command line.
	Dial string `mapstructure:"-"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:      DefaultLogLevel,
		BindAddr:      DefaultBindAddr,
		AdminAddr:     DefaultAdminAddr,
		Topic:         DefaultTopic,
		BusCapacity:   DefaultBusCapacity,
		WorkerID:      DefaultWorkerID,
		CacheCapacity: DefaultCacheCapacity,
		EtcdPrefix:    DefaultEtcdPrefix,
		LeaseTTL:      DefaultLeaseTTL,
		DialTimeout:   DefaultDialTimeout,
	}
}

// Load overlays v onto the defaults and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	c := Default()
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if c.BusCapacity <= 0 {
		return fmt.Errorf("bus-capacity must be positive, got %d", c.BusCapacity)
	}
	if c.WorkerID < 0 || c.WorkerID > idgen.MaxWorker {
		return fmt.Errorf("worker-id must be in [0,%d], got %d", idgen.MaxWorker, c.WorkerID)
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache-capacity must be positive, got %d", c.CacheCapacity)
	}
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("listen address %q: %w", c.BindAddr, err)
	}
	if len(c.EtcdEndpoints) > 0 {
		if c.LeaseTTL <= 0 {
			return fmt.Errorf("lease-ttl must be positive, got %d", c.LeaseTTL)
		}
		// peers dial what we register
		host, _, err := net.SplitHostPort(c.Advertise())
		if err != nil {
			return fmt.Errorf("advertise address %q: %w", c.Advertise(), err)
		}
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			return fmt.Errorf("advertise address %q is not dialable, set --advertise", c.Advertise())
		}
	}
	seeds, err := c.Seeds()
	if err != nil {
		return err
	}
	need := 0
	for k, v := range seeds {
		need += len(k) + len(v)
	}
	if need > c.CacheCapacity {
		return fmt.Errorf("cache-seed needs %d bytes, cache-capacity is %d", need, c.CacheCapacity)
	}
	return nil
}

// Seeds parses CacheSeed.
func (c *Config) Seeds() (map[string]string, error) {
	out := make(map[string]string, len(c.CacheSeed))
	for _, kv := range c.CacheSeed {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("cache-seed %q: want key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

// Advertise is the address peers should dial.
func (c *Config) Advertise() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.BindAddr
}
