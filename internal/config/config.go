package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are mapped
// onto config keys. A double underscore separates nested keys, so
// PBH_RULESYNC__ENDPOINT sets rulesync.endpoint.
const EnvPrefix = "PBH_"

// ConfigPathEnvVar overrides the YAML config file location.
const ConfigPathEnvVar = "PBH_CONFIG"

// DefaultConfigPaths are searched in order when PBH_CONFIG is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	filepath.Join("data", "config.yaml"),
}

// Config captures runtime configuration for the whole engine.
type Config struct {
	Environment string `koanf:"environment"`
	HTTPPort    string `koanf:"http_port"`
	DataDir     string `koanf:"data_dir"`
	// DatabasePath defaults to <data_dir>/pbh.db when empty.
	DatabasePath string `koanf:"database_path"`
	LogDir       string `koanf:"log_dir"`
	Debug        bool   `koanf:"debug"`
	// APITokenHash is a bcrypt hash of the operator token. Empty disables auth.
	APITokenHash string `koanf:"api_token_hash"`

	RuleSync RuleSyncConfig `koanf:"rulesync"`
	Matcher  MatcherConfig  `koanf:"matcher"`
	Detector DetectorConfig `koanf:"detector"`
	Alerts   AlertsConfig   `koanf:"alerts"`
}

// RuleSyncConfig controls how the remote ruleset is fetched.
type RuleSyncConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Endpoint           string        `koanf:"endpoint"`
	Interval           time.Duration `koanf:"interval"`
	RandomInitialDelay time.Duration `koanf:"random_initial_delay"`
	FetchTimeout       time.Duration `koanf:"fetch_timeout"`
	// CacheFile defaults to <data_dir>/btn.cache when empty.
	CacheFile string `koanf:"cache_file"`
	// BreakerFailures consecutive failures open the circuit for BreakerCooldown.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
}

// MatcherConfig controls rule compilation and the match result cache.
type MatcherConfig struct {
	ScriptExecute bool          `koanf:"script_execute"`
	ScriptTimeout time.Duration `koanf:"script_timeout"`
	CacheSize     int64         `koanf:"cache_size"`
}

// DetectorConfig holds the progress-cheat tuning parameters.
type DetectorConfig struct {
	Enabled bool `koanf:"enabled"`

	RewindTolerance        float64 `koanf:"rewind_tolerance"`
	CompletedRewindEpsilon float64 `koanf:"completed_rewind_epsilon"`

	UploadMultiplier float64 `koanf:"upload_multiplier"`
	UploadGraceBytes int64   `koanf:"upload_grace_bytes"`
	MinTorrentSize   int64   `koanf:"min_torrent_size"`

	SuddenCompletionFloor float64 `koanf:"sudden_completion_floor"`
	MaxPlausibleRate      int64   `koanf:"max_plausible_rate"`
	RateHeadroom          float64 `koanf:"rate_headroom"`

	SuspectThreshold int `koanf:"suspect_threshold"`
	BanThreshold     int `koanf:"ban_threshold"`
	DecayStep        int `koanf:"decay_step"`
	MinCleanStreak   int `koanf:"min_clean_streak"`

	BanDelay            time.Duration `koanf:"ban_delay"`
	FastRecheckInterval time.Duration `koanf:"fast_recheck_interval"`
	IdleDecayWindow     time.Duration `koanf:"idle_decay_window"`
	Retention           time.Duration `koanf:"retention"`
}

// AlertsConfig controls the operator alert channel.
type AlertsConfig struct {
	PushEnabled bool          `koanf:"push_enabled"`
	Retention   time.Duration `koanf:"retention"`
}

// Defaults returns the configuration used when nothing else is supplied.
func Defaults() Config {
	return Config{
		Environment: "development",
		HTTPPort:    "9898",
		DataDir:     "data",
		LogDir:      filepath.Join("data", "logs"),
		RuleSync: RuleSyncConfig{
			Enabled:            true,
			Endpoint:           "https://btn-prod.ghostchu-services.top/ping/rules",
			Interval:           time.Hour,
			RandomInitialDelay: 5 * time.Minute,
			FetchTimeout:       30 * time.Second,
			BreakerFailures:    5,
			BreakerCooldown:    10 * time.Minute,
		},
		Matcher: MatcherConfig{
			ScriptExecute: false,
			ScriptTimeout: 50 * time.Millisecond,
			CacheSize:     100_000,
		},
		Detector: DefaultDetectorConfig(),
		Alerts: AlertsConfig{
			PushEnabled: true,
			Retention:   14 * 24 * time.Hour,
		},
	}
}

// DefaultDetectorConfig returns the detector tuning defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Enabled:                true,
		RewindTolerance:        0.07,
		CompletedRewindEpsilon: 0.001,
		UploadMultiplier:       1.5,
		UploadGraceBytes:       8 << 20,
		MinTorrentSize:         50 << 20,
		SuddenCompletionFloor:  0.5,
		MaxPlausibleRate:       100 << 20,
		RateHeadroom:           4,
		SuspectThreshold:       1,
		BanThreshold:           3,
		DecayStep:              1,
		MinCleanStreak:         3,
		BanDelay:               10 * time.Minute,
		FastRecheckInterval:    15 * time.Second,
		IdleDecayWindow:        time.Hour,
		Retention:              14 * 24 * time.Hour,
	}
}

// Load builds the config from defaults, an optional YAML file and PBH_*
// environment variables, in that order of precedence.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// envKey maps PBH_RULESYNC__FETCH_TIMEOUT to rulesync.fetch_timeout.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	if s == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) applyDerived() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "pbh.db")
	}
	if c.RuleSync.CacheFile == "" {
		c.RuleSync.CacheFile = filepath.Join(c.DataDir, "btn.cache")
	}
}

// Validate rejects combinations the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.RuleSync.Enabled {
		if c.RuleSync.Endpoint == "" {
			errs = append(errs, errors.New("rulesync.endpoint is required when rule sync is enabled"))
		}
		if c.RuleSync.Interval <= 0 {
			errs = append(errs, errors.New("rulesync.interval must be positive"))
		}
		if c.RuleSync.RandomInitialDelay < 0 {
			errs = append(errs, errors.New("rulesync.random_initial_delay must not be negative"))
		}
	}
	if err := c.Detector.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks detector thresholds for internal consistency.
func (d DetectorConfig) Validate() error {
	switch {
	case d.RewindTolerance < 0 || d.RewindTolerance >= 1:
		return fmt.Errorf("detector.rewind_tolerance must be in [0,1), got %v", d.RewindTolerance)
	case d.UploadMultiplier < 1:
		return fmt.Errorf("detector.upload_multiplier must be >= 1, got %v", d.UploadMultiplier)
	case d.SuspectThreshold < 1:
		return fmt.Errorf("detector.suspect_threshold must be >= 1, got %d", d.SuspectThreshold)
	case d.BanThreshold < d.SuspectThreshold:
		return fmt.Errorf("detector.ban_threshold (%d) must be >= suspect_threshold (%d)", d.BanThreshold, d.SuspectThreshold)
	case d.DecayStep < 1:
		return fmt.Errorf("detector.decay_step must be >= 1, got %d", d.DecayStep)
	case d.BanDelay < 0:
		return fmt.Errorf("detector.ban_delay must not be negative")
	case d.Retention <= 0:
		return fmt.Errorf("detector.retention must be positive")
	}
	return nil
}
