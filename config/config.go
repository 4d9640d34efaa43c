// Package config loads the lock service configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rusanoph/clastor-distributed-lock/coordination"
	"gopkg.in/yaml.v3"
)

// Coordination backends.
const (
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
)

// Configuration is not valid.
var ErrInvalidConfig = errors.New("invalid configuration")

// ZooKeeper configuration.
type ZooKeeperConfig struct {
	// Comma separated host:port pairs.
	ConnectionString  string        `yaml:"connectionString"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	SessionTimeout    time.Duration `yaml:"sessionTimeout"`
}

// Servers of the connection string.
func (c ZooKeeperConfig) Servers() []string {
	servers := make([]string, 0)
	for _, s := range strings.Split(c.ConnectionString, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

// etcd configuration.
type EtcdConfig struct {
	Endpoints      []string      `yaml:"endpoints"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	SessionTTL     time.Duration `yaml:"sessionTTL"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// Lock configuration.
type LocksConfig struct {
	Root              string        `yaml:"root"`
	AcquireRetryDelay time.Duration `yaml:"acquireRetryDelay"`
	MaxRetryDelay     time.Duration `yaml:"maxRetryDelay"`
	MaxRetries        uint          `yaml:"maxRetries"`
	CleanupTimeout    time.Duration `yaml:"cleanupTimeout"`
}

// Logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Metrics configuration.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Configuration.
type Config struct {
	Backend   string          `yaml:"backend"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Locks     LocksConfig     `yaml:"locks"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default configuration.
func Default() Config {
	return Config{
		Backend: BackendZooKeeper,
		ZooKeeper: ZooKeeperConfig{
			ConnectionString:  "127.0.0.1:2181",
			ConnectionTimeout: 10 * time.Second,
			SessionTimeout:    15 * time.Second,
		},
		Etcd: EtcdConfig{
			Endpoints:      []string{"127.0.0.1:2379"},
			DialTimeout:    5 * time.Second,
			SessionTTL:     15 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Locks: LocksConfig{
			Root:              "/locks",
			AcquireRetryDelay: 200 * time.Millisecond,
			MaxRetryDelay:     2 * time.Second,
			MaxRetries:        8,
			CleanupTimeout:    10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "clastor",
		},
	}
}

// Parse a configuration.
//
// Values not present in the document keep their defaults. Unknown keys are
// rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Validate the configuration.
func (c Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendZooKeeper:
		if len(c.ZooKeeper.Servers()) == 0 {
			errs = append(errs, errors.New("zookeeper.connectionString is empty"))
		}
		if c.ZooKeeper.SessionTimeout <= 0 {
			errs = append(errs, errors.New("zookeeper.sessionTimeout must be positive"))
		}

	case BackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("etcd.endpoints is empty"))
		}
		if c.Etcd.SessionTTL < time.Second {
			errs = append(errs, errors.New("etcd.sessionTTL must be at least 1s"))
		}

	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if !strings.HasPrefix(c.Locks.Root, "/") {
		errs = append(errs, fmt.Errorf("locks.root %q is not an absolute path", c.Locks.Root))
	}
	if c.Locks.AcquireRetryDelay <= 0 {
		errs = append(errs, errors.New("locks.acquireRetryDelay must be positive"))
	}
	if c.Locks.CleanupTimeout <= 0 {
		errs = append(errs, errors.New("locks.cleanupTimeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Retry policy for transient faults.
func (c Config) RetryPolicy() coordination.RetryPolicy {
	return coordination.RetryPolicy{
		InitialInterval: c.Locks.AcquireRetryDelay,
		MaxInterval:     c.Locks.MaxRetryDelay,
		MaxTries:        c.Locks.MaxRetries,
	}
}
