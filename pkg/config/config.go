package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cloudesk/brokerd/pkg/types"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "30m" or "8h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Thresholds is the single source of truth for every stuck/hang/cleanup
// window and for the maintenance job cadences. Nothing else in the engine
// hard-codes a timeout.
type Thresholds struct {
	// How long a resource may sit in PREPARING before the hang sweep
	// force-releases it.
	InitializingTimeout Duration `yaml:"initializingTimeout"`
	// How long a removal or cancelation may run before its queue is
	// restarted.
	RemovalTimeout Duration `yaml:"removalTimeout"`
	// Last-resort window: anything non-terminal and not usable for this
	// long is hard-deleted.
	StuckTimeout Duration `yaml:"stuckTimeout"`
	// Assigned but idle resources past this window are released.
	UnusedTimeout Duration `yaml:"unusedTimeout"`
	// Grace period before removed rows are purged from the store.
	KeepInfoTime Duration `yaml:"keepInfoTime"`
	// Cap on removal queues dispatched per remover run.
	RemovalBatchSize int `yaml:"removalBatchSize"`

	HangedCheckFrequency Duration `yaml:"hangedCheckFrequency"`
	StuckCheckFrequency  Duration `yaml:"stuckCheckFrequency"`
	UnusedCheckFrequency Duration `yaml:"unusedCheckFrequency"`
	RemoverFrequency     Duration `yaml:"removerFrequency"`
	CleanupFrequency     Duration `yaml:"cleanupFrequency"`
	PoolLevelFrequency   Duration `yaml:"poolLevelFrequency"`
}

// PoolSpec declares one pool in the config file.
type PoolSpec struct {
	Name            string           `yaml:"name"`
	Provider        string           `yaml:"provider"`
	Policy          types.PoolPolicy `yaml:"policy"`
	RecycleOnLogout bool             `yaml:"recycleOnLogout"`
	// Machines lists the pre-existing backend handles for fixed pools.
	Machines []string `yaml:"machines,omitempty"`
}

// Config is the broker process configuration.
type Config struct {
	Node        string     `yaml:"node"` // defaults to the hostname
	DataDir     string     `yaml:"dataDir"`
	Workers     int        `yaml:"workers"`
	Granularity Duration   `yaml:"granularity"`
	Lease       Duration   `yaml:"lease"`
	MetricsAddr string     `yaml:"metricsAddr"`
	LogLevel    string     `yaml:"logLevel"`
	Thresholds  Thresholds `yaml:"thresholds"`
	Pools       []PoolSpec `yaml:"pools,omitempty"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "brokerd"
	}
	return &Config{
		Node:        hostname,
		DataDir:     "/var/lib/brokerd",
		Workers:     2,
		Granularity: Duration(time.Second),
		Lease:       Duration(15 * time.Minute),
		MetricsAddr: ":9090",
		LogLevel:    "info",
		Thresholds: Thresholds{
			InitializingTimeout:  Duration(30 * time.Minute),
			RemovalTimeout:       Duration(30 * time.Minute),
			StuckTimeout:         Duration(24 * time.Hour),
			UnusedTimeout:        Duration(15 * time.Minute),
			KeepInfoTime:         Duration(72 * time.Hour),
			RemovalBatchSize:     10,
			HangedCheckFrequency: Duration(5 * time.Minute),
			StuckCheckFrequency:  Duration(8 * time.Hour),
			UnusedCheckFrequency: Duration(10 * time.Minute),
			RemoverFrequency:     Duration(30 * time.Second),
			CleanupFrequency:     Duration(time.Hour),
			PoolLevelFrequency:   Duration(time.Minute),
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not an
// error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Node == "" {
		return fmt.Errorf("node name must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Thresholds.RemovalBatchSize <= 0 {
		return fmt.Errorf("removalBatchSize must be positive, got %d", c.Thresholds.RemovalBatchSize)
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"granularity", c.Granularity},
		{"lease", c.Lease},
		{"thresholds.initializingTimeout", c.Thresholds.InitializingTimeout},
		{"thresholds.removalTimeout", c.Thresholds.RemovalTimeout},
		{"thresholds.stuckTimeout", c.Thresholds.StuckTimeout},
		{"thresholds.unusedTimeout", c.Thresholds.UnusedTimeout},
		{"thresholds.keepInfoTime", c.Thresholds.KeepInfoTime},
	} {
		if d.value.D() <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pool name must not be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pool %q", p.Name)
		}
		seen[p.Name] = true
		if p.Provider == "" {
			return fmt.Errorf("pool %s: provider must not be empty", p.Name)
		}
		if p.Policy.MaxCount <= 0 {
			return fmt.Errorf("pool %s: policy max must be positive", p.Name)
		}
	}
	return nil
}
