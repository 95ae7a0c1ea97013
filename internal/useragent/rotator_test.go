package useragent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestDefaults(t *testing.T) {
	if len(Defaults) != 10 {
		t.Fatalf("expected 10 built-in agents, got %d", len(Defaults))
	}
	seen := make(map[string]bool)
	for _, a := range Defaults {
		if seen[a] {
			t.Errorf("duplicate agent %q", a)
		}
		seen[a] = true
	}
}

func TestGetUserAgentForUser_Stable(t *testing.T) {
	r := New(zerolog.Nop())
	first := r.GetUserAgentForUser("alice")
	for i := 0; i < 20; i++ {
		if got := r.GetUserAgentForUser("alice"); got != first {
			t.Fatalf("agent changed without rotation: %q -> %q", first, got)
		}
	}
	if !contains(r.Agents(), first) {
		t.Errorf("agent %q not from pool", first)
	}
}

func TestRotateUserAgent_Changes(t *testing.T) {
	r := New(zerolog.Nop())
	before := testutil.ToFloat64(metrics.UserAgentRotations)

	current := r.GetUserAgentForUser("alice")
	for i := 0; i < 50; i++ {
		next := r.RotateUserAgent("alice")
		if next == current {
			t.Fatalf("rotation %d returned the current agent", i)
		}
		if got := r.GetUserAgentForUser("alice"); got != next {
			t.Fatalf("rotation not persisted: %q != %q", got, next)
		}
		current = next
	}
	if got := testutil.ToFloat64(metrics.UserAgentRotations) - before; got != 50 {
		t.Errorf("rotation counter advanced by %v, want 50", got)
	}
}

func TestRotateUserAgent_WithoutCurrent(t *testing.T) {
	r := New(zerolog.Nop())
	r.intn = func(int) int { return 0 }
	if got := r.RotateUserAgent("bob"); got != Defaults[0] {
		t.Errorf("got %q, want first agent", got)
	}
}

func TestRotateUserAgent_SingleEntryPool(t *testing.T) {
	path := writeAgents(t, "OnlyAgent/1.0\n")
	r := New(zerolog.Nop())
	if err := r.LoadAgents(path); err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	r.GetUserAgentForUser("alice")
	if got := r.RotateUserAgent("alice"); got != "OnlyAgent/1.0" {
		t.Errorf("got %q", got)
	}
}

func TestLoadAgents(t *testing.T) {
	path := writeAgents(t, "AgentA/1.0\n\n   \n  AgentB/2.0  \n")
	r := New(zerolog.Nop())
	if err := r.LoadAgents(path); err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	got := r.Agents()
	if len(got) != 2 || got[0] != "AgentA/1.0" || got[1] != "AgentB/2.0" {
		t.Errorf("unexpected pool %q", got)
	}
}

func TestLoadAgents_FallsBack(t *testing.T) {
	cases := map[string]string{
		"missing": filepath.Join(t.TempDir(), "absent.txt"),
		"empty":   writeAgents(t, "\n  \n"),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			r := New(zerolog.Nop())
			if err := r.LoadAgents(path); err == nil {
				t.Fatal("expected error")
			}
			if len(r.Agents()) != len(Defaults) {
				t.Errorf("built-in pool should remain, got %d agents", len(r.Agents()))
			}
		})
	}
}

func writeAgents(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user_agents.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
