package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/developingchet/identity-isolator/internal/config"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// isolatedEnv points the service at a fresh data directory.
func isolatedEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("SESSION_BASE_DIR", "")
	t.Setenv("USER_AGENTS_FILE", "")
	t.Setenv("LOG_LEVEL", "error")
}

// TestRootSubcommands verifies all expected subcommands are registered.
func TestRootSubcommands(t *testing.T) {
	root := newRoot()

	registered := make(map[string]bool)
	for _, cmd := range root.Commands() {
		registered[cmd.Name()] = true
	}
	for _, want := range []string{"run", "version", "healthcheck", "ip", "sessions", "browser"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}

	ip, _, err := root.Find([]string{"ip"})
	if err != nil {
		t.Fatal(err)
	}
	sub := make(map[string]bool)
	for _, c := range ip.Commands() {
		sub[c.Name()] = true
	}
	for _, want := range []string{"add", "list", "remove", "ban", "stats"} {
		if !sub[want] {
			t.Errorf("ip subcommand %q missing", want)
		}
	}
}

// TestVersionOutput verifies the version subcommand prints the binary name.
func TestVersionOutput(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version command returned error: %v", err)
	}
	if !strings.Contains(out, "identity-isolator") {
		t.Errorf("version output %q does not contain expected string", out)
	}
}

// TestRunDaemonInvalidConfig verifies runDaemon returns an error (not panics)
// when configuration is invalid.
func TestRunDaemonInvalidConfig(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("POOL_WORKERS", "0")

	if err := runDaemon(); err == nil {
		t.Fatal("expected runDaemon() to return an error for POOL_WORKERS=0")
	}
}

// TestLoadInvalidConfig verifies config.Load names the offending variable.
func TestLoadInvalidConfig(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("FAILURE_THRESHOLD", "0")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected config.Load() to fail")
	}
	if !strings.Contains(err.Error(), "FAILURE_THRESHOLD") {
		t.Errorf("expected error message to mention FAILURE_THRESHOLD; got: %v", err)
	}
}

func TestIPCommands(t *testing.T) {
	isolatedEnv(t)

	id, err := execute(t, "ip", "add", "203.0.113.5", "3128", "--provider", "acme")
	if err != nil {
		t.Fatalf("ip add: %v", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		t.Fatal("ip add printed no id")
	}

	out, err := execute(t, "ip", "list", "--provider", "acme")
	if err != nil {
		t.Fatalf("ip list: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "available") {
		t.Errorf("list output missing ip: %q", out)
	}

	out, err = execute(t, "ip", "stats")
	if err != nil || !strings.Contains(out, "total=1 available=1") {
		t.Errorf("stats = %q, %v", out, err)
	}

	out, err = execute(t, "ip", "ban", id, "--reason", "flagged")
	if err != nil || !strings.Contains(out, "203.0.***.***") {
		t.Errorf("ban = %q, %v", out, err)
	}

	out, err = execute(t, "ip", "remove", id)
	if err != nil || !strings.Contains(out, "removed "+id) {
		t.Errorf("remove = %q, %v", out, err)
	}

	if _, err := execute(t, "ip", "remove", id); err == nil {
		t.Error("removing an unknown ip should fail")
	}
}

func TestIPAddValidation(t *testing.T) {
	isolatedEnv(t)
	if _, err := execute(t, "ip", "add", "203.0.113.5", "notaport"); err == nil {
		t.Error("expected error for bad port")
	}
	if _, err := execute(t, "ip", "add", "bogus", "3128"); err == nil {
		t.Error("expected error for bad address")
	}
	if _, err := execute(t, "ip", "list", "--status", "weird"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestSessionsClean(t *testing.T) {
	isolatedEnv(t)
	out, err := execute(t, "sessions", "clean", "--max-age", "1h")
	if err != nil {
		t.Fatalf("sessions clean: %v", err)
	}
	if !strings.Contains(out, "cleaned 0 sessions") {
		t.Errorf("unexpected output %q", out)
	}
}
