package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Storage
	DataDir        string `koanf:"data_dir"`
	SessionBaseDir string `koanf:"session_base_dir"`
	UserAgentsFile string `koanf:"user_agents_file"`

	// IP Pool
	FailureThreshold int           `koanf:"failure_threshold"`
	CandidateLimit   int           `koanf:"candidate_limit"`
	ClaimRounds      int           `koanf:"claim_rounds"`
	ClaimBackoff     time.Duration `koanf:"claim_backoff"`
	MaxUsersPerIP    int           `koanf:"max_users_per_ip"`

	// Housekeeping
	SessionMaxAge   time.Duration `koanf:"session_max_age"`
	IPMaxAge        time.Duration `koanf:"ip_max_age"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// API
	APIAddr  string `koanf:"api_addr"`
	APIToken string `koanf:"api_token"`

	// Browser
	BrowserHeadless bool   `koanf:"browser_headless"`
	BrowserBin      string `koanf:"browser_bin"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.SessionBaseDir = stripEnvQuotes(c.SessionBaseDir)
	c.UserAgentsFile = stripEnvQuotes(c.UserAgentsFile)
	c.APIAddr = stripEnvQuotes(c.APIAddr)
	c.APIToken = stripEnvQuotes(c.APIToken)
	c.BrowserBin = stripEnvQuotes(c.BrowserBin)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":          "/data",
		"session_base_dir":  "",
		"failure_threshold": 5,
		"candidate_limit":   10,
		"claim_rounds":      3,
		"claim_backoff":     "50ms",
		"max_users_per_ip":  1,
		"session_max_age":   "24h",
		"ip_max_age":        "24h",
		"janitor_interval":  "1h",
		"pool_workers":      2,
		"pool_queue_depth":  1024,
		"pool_max_retries":  3,
		"pool_retry_base":   "1s",
		"api_addr":          ":8080",
		"browser_headless":  true,
		"log_level":         "info",
		"log_format":        "json",
		"metrics_enabled":   true,
		"metrics_addr":      ":9090",
		"health_addr":       ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." delimiter keeps SESSION_MAX_AGE → "session_max_age" flat.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.sanitise()

	// Session directories live under the data dir unless placed elsewhere.
	if cfg.SessionBaseDir == "" {
		cfg.SessionBaseDir = filepath.Join(cfg.DataDir, "sessions")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.SessionBaseDir == "" {
		return fmt.Errorf("SESSION_BASE_DIR is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("FAILURE_THRESHOLD must be >= 1; got %d", c.FailureThreshold)
	}
	if c.CandidateLimit < 1 {
		return fmt.Errorf("CANDIDATE_LIMIT must be >= 1; got %d", c.CandidateLimit)
	}
	if c.ClaimRounds < 1 {
		return fmt.Errorf("CLAIM_ROUNDS must be >= 1; got %d", c.ClaimRounds)
	}
	if c.ClaimBackoff < 0 {
		return fmt.Errorf("CLAIM_BACKOFF must be >= 0; got %s", c.ClaimBackoff)
	}
	if c.MaxUsersPerIP < 1 {
		return fmt.Errorf("MAX_USERS_PER_IP must be >= 1; got %d", c.MaxUsersPerIP)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("POOL_MAX_RETRIES must be >= 0; got %d", c.PoolMaxRetries)
	}

	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be > 0; got %s", c.SessionMaxAge)
	}
	if c.IPMaxAge < 0 {
		return fmt.Errorf("IP_MAX_AGE must be >= 0; got %s", c.IPMaxAge)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

var fileSecretKeys = []string{
	"api_token",
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
