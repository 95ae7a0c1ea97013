package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

func validConfig() *Config {
	return &Config{
		DataDir:          "/data",
		SessionBaseDir:   "/data/sessions",
		FailureThreshold: 5,
		CandidateLimit:   10,
		ClaimRounds:      3,
		ClaimBackoff:     50 * time.Millisecond,
		MaxUsersPerIP:    1,
		SessionMaxAge:    24 * time.Hour,
		IPMaxAge:         24 * time.Hour,
		JanitorInterval:  time.Hour,
		PoolWorkers:      2,
		PoolQueueDepth:   16,
		PoolMaxRetries:   3,
		PoolRetryBase:    time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

func TestDefaults(t *testing.T) {
	setEnv(t, "DATA_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold: got %d", cfg.FailureThreshold)
	}
	if cfg.CandidateLimit != 10 {
		t.Errorf("CandidateLimit: got %d", cfg.CandidateLimit)
	}
	if cfg.MaxUsersPerIP != 1 {
		t.Errorf("MaxUsersPerIP: got %d", cfg.MaxUsersPerIP)
	}
	if cfg.SessionMaxAge != 24*time.Hour {
		t.Errorf("SessionMaxAge: got %s", cfg.SessionMaxAge)
	}
	if cfg.IPMaxAge != 24*time.Hour {
		t.Errorf("IPMaxAge: got %s", cfg.IPMaxAge)
	}
	if !cfg.BrowserHeadless {
		t.Error("BrowserHeadless should default to true")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat: got %q", cfg.LogFormat)
	}
}

func TestSessionBaseDirDerived(t *testing.T) {
	dir := t.TempDir()
	setEnv(t, "DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionBaseDir != filepath.Join(dir, "sessions") {
		t.Errorf("SessionBaseDir: got %q", cfg.SessionBaseDir)
	}

	setEnv(t, "SESSION_BASE_DIR", "/srv/profiles")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionBaseDir != "/srv/profiles" {
		t.Errorf("explicit SessionBaseDir: got %q", cfg.SessionBaseDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	setEnv(t, "DATA_DIR", t.TempDir())
	setEnv(t, "MAX_USERS_PER_IP", "3")
	setEnv(t, "IP_MAX_AGE", "0s")
	setEnv(t, "CLAIM_BACKOFF", "10ms")
	setEnv(t, "BROWSER_HEADLESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxUsersPerIP != 3 {
		t.Errorf("MaxUsersPerIP: got %d", cfg.MaxUsersPerIP)
	}
	if cfg.IPMaxAge != 0 {
		t.Errorf("IPMaxAge: got %s", cfg.IPMaxAge)
	}
	if cfg.ClaimBackoff != 10*time.Millisecond {
		t.Errorf("ClaimBackoff: got %s", cfg.ClaimBackoff)
	}
	if cfg.BrowserHeadless {
		t.Error("BrowserHeadless should be false")
	}
}

func TestFileSecretInjection(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token.txt")
	if err := os.WriteFile(tokenFile, []byte("  secret-from-file  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	setEnv(t, "DATA_DIR", dir)
	setEnv(t, "API_TOKEN_FILE", tokenFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.APIToken != "secret-from-file" {
		t.Errorf("APIToken: got %q", cfg.APIToken)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	setEnv(t, "DATA_DIR", t.TempDir())
	setEnv(t, "API_TOKEN_FILE", "/nonexistent/token")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unreadable secret file")
	}
}

func TestQuotedEnvValues(t *testing.T) {
	setEnv(t, "DATA_DIR", `"/var/lib/isolator"`)
	setEnv(t, "LOG_LEVEL", "'debug'")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/isolator" {
		t.Errorf("DataDir: got %q", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q", cfg.LogLevel)
	}
}

func TestStripEnvQuotes(t *testing.T) {
	tests := []struct{ in, want string }{
		{`"x"`, "x"},
		{`'x'`, "x"},
		{`"x'`, `"x'`},
		{`"`, `"`},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := stripEnvQuotes(tt.in); got != tt.want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "DATA_DIR"},
		{"zero threshold", func(c *Config) { c.FailureThreshold = 0 }, "FAILURE_THRESHOLD"},
		{"zero candidates", func(c *Config) { c.CandidateLimit = 0 }, "CANDIDATE_LIMIT"},
		{"zero rounds", func(c *Config) { c.ClaimRounds = 0 }, "CLAIM_ROUNDS"},
		{"zero sharing", func(c *Config) { c.MaxUsersPerIP = 0 }, "MAX_USERS_PER_IP"},
		{"too many workers", func(c *Config) { c.PoolWorkers = 65 }, "POOL_WORKERS"},
		{"zero queue", func(c *Config) { c.PoolQueueDepth = 0 }, "POOL_QUEUE_DEPTH"},
		{"zero session age", func(c *Config) { c.SessionMaxAge = 0 }, "SESSION_MAX_AGE"},
		{"negative ip age", func(c *Config) { c.IPMaxAge = -time.Second }, "IP_MAX_AGE"},
		{"ip age disabled", func(c *Config) { c.IPMaxAge = 0 }, ""},
		{"zero janitor", func(c *Config) { c.JanitorInterval = 0 }, "JANITOR_INTERVAL"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
