package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds resolved broker settings.
type Config struct {
	StateDir    string
	KeyFile     string
	LockTimeout time.Duration
	GrantTTL    time.Duration
	TOTPIssuer  string
	TOTPAccount string
	LogLevel    string
	MetricsFile string // empty disables export
}

// fileConfig is the YAML shape. Durations are strings like "5s" or "90m".
type fileConfig struct {
	StateDir    string `yaml:"state_dir"`
	KeyFile     string `yaml:"key_file"`
	LockTimeout string `yaml:"lock_timeout"`
	GrantTTL    string `yaml:"grant_ttl"`
	TOTPIssuer  string `yaml:"totp_issuer"`
	TOTPAccount string `yaml:"totp_account"`
	LogLevel    string `yaml:"log_level"`
	MetricsFile string `yaml:"metrics_file"`
}

const (
	defaultLockTimeout = 5 * time.Second
	defaultGrantTTL    = time.Hour

	// metricsOff disables the textfile export when given as metrics_file.
	metricsOff = "off"
)

// Load resolves configuration in layers: defaults, then the YAML file,
// then a .env file in the working directory, then CREDBROKER_* variables.
// path may be empty, in which case CREDBROKER_CONFIG or
// <state dir>/config.yaml is consulted. A missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var fc fileConfig
	if path == "" {
		path = os.Getenv("CREDBROKER_CONFIG")
	}
	if path == "" {
		path = filepath.Join(defaultStateDir(), "config.yaml")
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	overrides := map[string]*string{
		"CREDBROKER_STATE_DIR":    &fc.StateDir,
		"CREDBROKER_KEY_FILE":     &fc.KeyFile,
		"CREDBROKER_LOCK_TIMEOUT": &fc.LockTimeout,
		"CREDBROKER_GRANT_TTL":    &fc.GrantTTL,
		"CREDBROKER_TOTP_ISSUER":  &fc.TOTPIssuer,
		"CREDBROKER_TOTP_ACCOUNT": &fc.TOTPAccount,
		"CREDBROKER_LOG_LEVEL":    &fc.LogLevel,
		"CREDBROKER_METRICS_FILE": &fc.MetricsFile,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	cfg := &Config{
		StateDir:    fc.StateDir,
		TOTPIssuer:  fc.TOTPIssuer,
		TOTPAccount: fc.TOTPAccount,
		LogLevel:    fc.LogLevel,
	}
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "credbroker"
	}
	if cfg.TOTPAccount == "" {
		cfg.TOTPAccount = "local"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var err error
	cfg.LockTimeout, err = parseWait("lock_timeout", fc.LockTimeout, defaultLockTimeout)
	if err != nil {
		return nil, err
	}
	cfg.GrantTTL, err = parseWait("grant_ttl", fc.GrantTTL, defaultGrantTTL)
	if err != nil {
		return nil, err
	}

	cfg.KeyFile = fc.KeyFile
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(cfg.StateDir, "master.key")
	}

	switch fc.MetricsFile {
	case "":
		cfg.MetricsFile = filepath.Join(cfg.StateDir, "metrics.prom")
	case metricsOff:
		cfg.MetricsFile = ""
	default:
		cfg.MetricsFile = fc.MetricsFile
	}

	return cfg, nil
}

func parseWait(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	return d, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".credbroker"
	}
	return filepath.Join(home, ".credbroker")
}
