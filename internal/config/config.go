// Package config loads node settings from an optional YAML file and the
// environment. Node identity and topology never come from here; they arrive
// in the init and topology messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ryandielhenn/glomer/pkg/gossip"
	"github.com/ryandielhenn/glomer/pkg/kv"
	"github.com/ryandielhenn/glomer/pkg/node"
)

// EnvFile names the YAML file to load, if any.
const EnvFile = "GLOMER_CONFIG"

type Config struct {
	Workload        string        `yaml:"workload"`         // broadcast | counter; decides the read_ok shape
	StoreAddr       string        `yaml:"store_addr"`       // address of the key-value service
	CounterKey      string        `yaml:"counter_key"`      // key holding the counter
	ResendInterval  time.Duration `yaml:"resend_interval"`  // period of the unacked resend pass
	RefreshInterval time.Duration `yaml:"refresh_interval"` // period of the background counter read
	ResendOnRead    bool          `yaml:"resend_on_read"`   // run a resend pass before answering a broadcast read

	Topology   string `yaml:"topology"`    // given | mesh | ring
	RingFanout int    `yaml:"ring_fanout"` // successors per node in ring mode

	Backend       string        `yaml:"backend"` // maelstrom | memory | etcd | redis | sqlite
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	RedisAddr     string        `yaml:"redis_addr"`
	SQLitePath    string        `yaml:"sqlite_path"`
	StorePrefix   string        `yaml:"store_prefix"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`

	MetricsAddr    string `yaml:"metrics_addr"` // empty disables the HTTP server
	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Workload:        node.WorkloadBroadcast,
		StoreAddr:       "seq-kv",
		CounterKey:      "counter",
		ResendInterval:  1900 * time.Millisecond,
		RefreshInterval: time.Second,
		ResendOnRead:    true,
		Topology:        string(gossip.ModeGiven),
		RingFanout:      2,
		Backend:         kv.BackendMaelstrom,
		EtcdEndpoints:   []string{"http://127.0.0.1:2379"},
		RedisAddr:       "127.0.0.1:6379",
		SQLitePath:      "glomer.db",
		StorePrefix:     "/glomer/",
		StoreTimeout:    5 * time.Second,
		LogLevel:        "info",
	}
}

// Load reads the file named by GLOMER_CONFIG (if set), applies environment
// overrides, and validates the result.
func Load() (Config, error) {
	c := Default()
	if fn := os.Getenv(EnvFile); fn != "" {
		if err := c.LoadFile(fn); err != nil {
			return c, err
		}
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// LoadFile overlays the YAML file fn onto c.
func (c *Config) LoadFile(fn string) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return fmt.Errorf("read config %s: %w", fn, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", fn, err)
	}
	return nil
}

// ApplyEnv overlays GLOMER_* variables looked up through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}
	boolean := func(name string, dst *bool) error {
		if v := getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = b
		}
		return nil
	}

	str("GLOMER_WORKLOAD", &c.Workload)
	str("GLOMER_STORE_ADDR", &c.StoreAddr)
	str("GLOMER_COUNTER_KEY", &c.CounterKey)
	str("GLOMER_TOPOLOGY", &c.Topology)
	str("GLOMER_BACKEND", &c.Backend)
	str("GLOMER_REDIS_ADDR", &c.RedisAddr)
	str("GLOMER_SQLITE_PATH", &c.SQLitePath)
	str("GLOMER_STORE_PREFIX", &c.StorePrefix)
	str("GLOMER_METRICS_ADDR", &c.MetricsAddr)
	str("GLOMER_LOG_LEVEL", &c.LogLevel)
	if v := getenv("GLOMER_ETCD_ENDPOINTS"); v != "" {
		c.EtcdEndpoints = strings.Split(v, ",")
	}
	if v := getenv("GLOMER_RING_FANOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GLOMER_RING_FANOUT: %w", err)
		}
		c.RingFanout = n
	}
	for name, dst := range map[string]*time.Duration{
		"GLOMER_RESEND_INTERVAL":  &c.ResendInterval,
		"GLOMER_REFRESH_INTERVAL": &c.RefreshInterval,
		"GLOMER_STORE_TIMEOUT":    &c.StoreTimeout,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	if err := boolean("GLOMER_RESEND_ON_READ", &c.ResendOnRead); err != nil {
		return err
	}
	return boolean("GLOMER_LOG_DEVELOPMENT", &c.LogDevelopment)
}

func (c Config) Validate() error {
	switch c.Workload {
	case node.WorkloadBroadcast, node.WorkloadCounter:
	default:
		return fmt.Errorf("config: unknown workload %q", c.Workload)
	}
	if _, err := gossip.ParseMode(c.Topology); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Backend {
	case kv.BackendMaelstrom, kv.BackendMemory, kv.BackendEtcd, kv.BackendRedis, kv.BackendSQLite:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.ResendInterval <= 0 || c.RefreshInterval <= 0 {
		return fmt.Errorf("config: intervals must be positive (resend=%s refresh=%s)", c.ResendInterval, c.RefreshInterval)
	}
	if c.RingFanout <= 0 {
		return fmt.Errorf("config: ring_fanout must be positive, got %d", c.RingFanout)
	}
	if c.StoreAddr == "" || c.CounterKey == "" {
		return fmt.Errorf("config: store_addr and counter_key are required")
	}
	return nil
}

// StoreOptions translates the backend settings for kv.Open.
func (c Config) StoreOptions() kv.Options {
	return kv.Options{
		Backend:       c.Backend,
		EtcdEndpoints: c.EtcdEndpoints,
		RedisAddr:     c.RedisAddr,
		SQLitePath:    c.SQLitePath,
		Prefix:        c.StorePrefix,
	}
}
