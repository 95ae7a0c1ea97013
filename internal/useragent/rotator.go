// Package useragent hands out a stable browser user-agent string per user and
// rotates it on demand.
package useragent

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"

	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/rs/zerolog"
)

// Defaults is the built-in agent pool used when no override file is loaded.
var Defaults = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.107 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.114 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.107 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:90.0) Gecko/20100101 Firefox/90.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:90.0) Gecko/20100101 Firefox/90.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36 Edg/91.0.864.59",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.107 Safari/537.36 Edg/92.0.902.55",
}

// Rotator maps users to agents. Assignments are in-memory only and are
// replaced, never removed.
type Rotator struct {
	mu       sync.Mutex
	agents   []string
	assigned map[string]string
	log      zerolog.Logger
	intn     func(int) int
}

// New returns a Rotator over the built-in pool.
func New(log zerolog.Logger) *Rotator {
	return &Rotator{
		agents:   append([]string(nil), Defaults...),
		assigned: make(map[string]string),
		log:      log.With().Str("component", "useragent").Logger(),
		intn:     rand.IntN,
	}
}

// LoadAgents replaces the pool with the non-blank lines of path. Read errors
// and empty files leave the built-in pool in place and are returned so the
// caller can log them.
func (r *Rotator) LoadAgents(path string) error {
	agents, err := readAgents(path)
	if err == nil && len(agents) == 0 {
		err = fmt.Errorf("user agents file %s has no entries", path)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("using built-in user agents")
		return err
	}

	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()
	r.log.Info().Int("count", len(agents)).Str("path", path).Msg("loaded user agents")
	return nil
}

func readAgents(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open user agents file: %w", err)
	}
	defer f.Close()

	var agents []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			agents = append(agents, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read user agents file: %w", err)
	}
	return agents, nil
}

// Agents returns a copy of the active pool.
func (r *Rotator) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.agents...)
}

// GetUserAgentForUser returns the user's agent, picking one at random on first use.
func (r *Rotator) GetUserAgentForUser(userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ua, ok := r.assigned[userID]; ok {
		return ua
	}
	ua := r.agents[r.intn(len(r.agents))]
	r.assigned[userID] = ua
	return ua
}

// RotateUserAgent assigns an agent different from the current one. With a
// single-entry pool that entry is returned.
func (r *Rotator) RotateUserAgent(userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, had := r.assigned[userID]
	choices := r.agents
	if had {
		choices = make([]string, 0, len(r.agents))
		for _, a := range r.agents {
			if a != current {
				choices = append(choices, a)
			}
		}
		if len(choices) == 0 {
			choices = r.agents
		}
	}

	ua := choices[r.intn(len(choices))]
	r.assigned[userID] = ua
	metrics.UserAgentRotations.Inc()
	r.log.Debug().Str("user_id", userID).Msg("rotated user agent")
	return ua
}
