package hotswap

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can write durations as
// strings ("30s", "2m") in both TOML and YAML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// QuotaConfig sets the default resource bounds applied to any module
// whose manifest does not declare its own limit capabilities.
type QuotaConfig struct {
	MemoryLimit string   `toml:"memory_limit" yaml:"memoryLimit" env:"QUOTA_MEMORY"`
	CPULimit    Duration `toml:"cpu_limit" yaml:"cpuLimit" env:"QUOTA_CPU"`
	WallClock   Duration `toml:"wall_clock" yaml:"wallClock" env:"QUOTA_WALL_CLOCK"`
	CallDepth   int      `toml:"call_depth" yaml:"callDepth" env:"QUOTA_CALL_DEPTH"`
}

// RuntimeConfig configures the runtime. Zero values take documented
// defaults in ApplyDefaults; environment variables prefixed HOTSWAP_
// override file values.
type RuntimeConfig struct {
	// DataDir roots durable storage (checkpoint chain, audit log).
	// Empty keeps everything in memory.
	DataDir string `toml:"data_dir" yaml:"dataDir" env:"DATA_DIR"`

	// WatchDir, when set, is watched for dropped descriptor files that
	// become load/reload change requests.
	WatchDir string `toml:"watch_dir" yaml:"watchDir" env:"WATCH_DIR"`

	// AdminAddr, when set, serves the read-only admin HTTP surface.
	AdminAddr string `toml:"admin_addr" yaml:"adminAddr" env:"ADMIN_ADDR"`

	DrainTimeout  Duration `toml:"drain_timeout" yaml:"drainTimeout" env:"DRAIN_TIMEOUT"`
	VerifyTimeout Duration `toml:"verify_timeout" yaml:"verifyTimeout" env:"VERIFY_TIMEOUT"`
	BackoffBase   Duration `toml:"backoff_base" yaml:"backoffBase" env:"BACKOFF_BASE"`
	BackoffCap    Duration `toml:"backoff_cap" yaml:"backoffCap" env:"BACKOFF_CAP"`

	// CheckpointRetain is how many checkpoints each module's chain
	// keeps; older entries are pruned on the PruneSchedule.
	CheckpointRetain int    `toml:"checkpoint_retain" yaml:"checkpointRetain" env:"CHECKPOINT_RETAIN"`
	PruneSchedule    string `toml:"prune_schedule" yaml:"pruneSchedule" env:"PRUNE_SCHEDULE"`

	// PerfRegressionPct is the gatekeeper's tolerated mean-latency
	// regression, percent.
	PerfRegressionPct float64 `toml:"perf_regression_pct" yaml:"perfRegressionPct" env:"PERF_REGRESSION_PCT"`
	BenchmarkSamples  int     `toml:"benchmark_samples" yaml:"benchmarkSamples" env:"BENCHMARK_SAMPLES"`

	// CapabilityCeilings is the maximum capability surface any module
	// may request; the security gate refuses anything beyond it.
	CapabilityCeilings []string `toml:"capability_ceilings" yaml:"capabilityCeilings"`

	// DeniedPatterns fail the security gate when found in portable
	// module source.
	DeniedPatterns []string `toml:"denied_patterns" yaml:"deniedPatterns"`

	Quota QuotaConfig `toml:"quota" yaml:"quota"`
}

// envPrefix is prepended to every env override variable.
const envPrefix = "HOTSWAP_"

// DefaultConfig returns the runtime defaults used when no config file
// is given.
func DefaultConfig() RuntimeConfig {
	cfg := RuntimeConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields with production defaults.
func (c *RuntimeConfig) ApplyDefaults() {
	if c.DrainTimeout == 0 {
		c.DrainTimeout = Duration(30 * time.Second)
	}
	if c.VerifyTimeout == 0 {
		c.VerifyTimeout = Duration(10 * time.Second)
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = Duration(2 * time.Second)
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = Duration(2 * time.Minute)
	}
	if c.CheckpointRetain == 0 {
		c.CheckpointRetain = 10
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "@hourly"
	}
	if c.PerfRegressionPct == 0 {
		c.PerfRegressionPct = 25
	}
	if c.BenchmarkSamples == 0 {
		c.BenchmarkSamples = 16
	}
	if len(c.CapabilityCeilings) == 0 {
		c.CapabilityCeilings = []string{
			"filesystem:read:/",
			"filesystem:write:/tmp",
			"network:connect:localhost:*",
			"module:call:*",
			"memory:limit:256MB",
			"cpu:limit:30s",
			"clock:limit:30s",
			"calls:depth:8",
		}
	}
	if len(c.DeniedPatterns) == 0 {
		c.DeniedPatterns = []string{"syscall.", "os/exec", "unsafe.", "cgo"}
	}
	if c.Quota.MemoryLimit == "" {
		c.Quota.MemoryLimit = "64MB"
	}
	if c.Quota.CPULimit == 0 {
		c.Quota.CPULimit = Duration(10 * time.Second)
	}
	if c.Quota.WallClock == 0 {
		c.Quota.WallClock = Duration(5 * time.Second)
	}
	if c.Quota.CallDepth == 0 {
		c.Quota.CallDepth = 4
	}
}

// DefaultQuota converts the quota section into a ResourceQuota.
func (c *RuntimeConfig) DefaultQuota() (ResourceQuota, error) {
	mem, err := parseByteSize(c.Quota.MemoryLimit)
	if err != nil {
		return ResourceQuota{}, fmt.Errorf("%w: quota memory limit: %w", ErrConfigInvalid, err)
	}
	return ResourceQuota{
		MaxMemoryBytes: mem,
		MaxCPUTime:     c.Quota.CPULimit.Std(),
		MaxWallClock:   c.Quota.WallClock.Std(),
		MaxCallDepth:   c.Quota.CallDepth,
	}, nil
}

// LoadConfig reads a config file (TOML or YAML by extension), applies
// HOTSWAP_ environment overrides and fills defaults.
func LoadConfig(path string) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if err := toml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
			}
		default:
			return cfg, fmt.Errorf("%w: %s", ErrConfigUnknownFormat, path)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the parts of the config that can fail lazily later:
// the capability ceiling grammar and the default quota sizes.
func (c *RuntimeConfig) Validate() error {
	if _, err := ParseCapabilitySet(c.CapabilityCeilings); err != nil {
		return fmt.Errorf("%w: capability ceilings: %w", ErrConfigInvalid, err)
	}
	if _, err := c.DefaultQuota(); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides walks struct fields tagged env:"NAME" and, when
// HOTSWAP_NAME is set, converts and assigns the value.
func applyEnvOverrides(cfg *RuntimeConfig) error {
	return overrideStruct(reflect.ValueOf(cfg).Elem())
}

func overrideStruct(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		fieldVal := rv.Field(i)
		if fieldVal.Kind() == reflect.Struct && field.Type != reflect.TypeOf(Duration(0)) {
			if err := overrideStruct(fieldVal); err != nil {
				return err
			}
			continue
		}
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(envPrefix + tag)
		if !ok {
			continue
		}
		if field.Type == reflect.TypeOf(Duration(0)) {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %w", ErrConfigInvalid, envPrefix, tag, err)
			}
			fieldVal.Set(reflect.ValueOf(Duration(parsed)))
			continue
		}
		converted, err := cast.FromType(raw, field.Type)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrConfigInvalid, envPrefix, tag, err)
		}
		fieldVal.Set(reflect.ValueOf(converted))
	}
	return nil
}
