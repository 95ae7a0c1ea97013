// Package isolation composes a user's browser identity from the IP pool, the
// session directories and the user-agent rotator, and escalates rotation when
// the automation layer reports detection risk.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/identity-isolator/internal/ippool"
	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/developingchet/identity-isolator/internal/storage"
	"github.com/rs/zerolog"
)

// Risk levels reported by the automation layer.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Actions taken in response to a risk report.
const (
	ActionUserAgentRotation = "user_agent_rotation"
	ActionIPRotation        = "ip_rotation"
	ActionIdentityRotation  = "identity_rotation"
)

// IPAllocator is the slice of the IP manager the coordinator needs.
type IPAllocator interface {
	GetIPForUser(ctx context.Context, userID string) (*storage.IPRecord, error)
	CurrentIPForUser(ctx context.Context, userID string) (*storage.IPRecord, error)
	RotateIPForUser(ctx context.Context, userID string) (*storage.IPRecord, error)
	ReportIPFailure(ctx context.Context, ipID, failureType, details string) (*storage.IPRecord, error)
}

// SessionDirs is the slice of the session manager the coordinator needs.
type SessionDirs interface {
	GetSessionForUser(userID string, create bool) (string, error)
	RotateUserSession(userID string) (string, error)
	CleanOldSessions(maxAge time.Duration) (int, error)
}

// AgentRotator hands out user-agent strings.
type AgentRotator interface {
	GetUserAgentForUser(userID string) string
	RotateUserAgent(userID string) string
}

// ProxySettings is what a browser needs to route through the user's IP.
type ProxySettings struct {
	Type     string `json:"proxy_type"`
	URL      string `json:"proxy_url"`
	Address  string `json:"proxy_address"`
	Port     int    `json:"proxy_port"`
	Username string `json:"proxy_username,omitempty"`
	Password string `json:"proxy_password,omitempty"`
}

// BrowserConfig is a composed identity. Any part may be missing when its
// allocation failed.
type BrowserConfig struct {
	UserDataDir   string            `json:"user_data_dir"`
	UserAgent     string            `json:"user_agent"`
	IP            *storage.IPRecord `json:"ip_info"`
	Proxy         *ProxySettings    `json:"proxy_settings"`
	PoolExhausted bool              `json:"pool_exhausted,omitempty"`
}

// RiskResult reports what HandleDetectionRisk did.
type RiskResult struct {
	Level     string            `json:"level"`
	Action    string            `json:"action"`
	Message   string            `json:"message"`
	Config    *BrowserConfig    `json:"config,omitempty"`
	IP        *storage.IPRecord `json:"ip_info,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

// Coordinator never fails a caller because a sub-manager did; it logs and
// returns whatever it could compose.
type Coordinator struct {
	ips           IPAllocator
	sessions      SessionDirs
	agents        AgentRotator
	sessionMaxAge time.Duration
	log           zerolog.Logger
}

// NewCoordinator wires the three identity sources together.
func NewCoordinator(ips IPAllocator, sessions SessionDirs, agents AgentRotator, sessionMaxAge time.Duration, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		ips:           ips,
		sessions:      sessions,
		agents:        agents,
		sessionMaxAge: sessionMaxAge,
		log:           log.With().Str("component", "isolation").Logger(),
	}
}

// GetBrowserConfigForUser returns the user's identity, allocating an IP and a
// session directory when the user has none.
func (c *Coordinator) GetBrowserConfigForUser(ctx context.Context, userID string) *BrowserConfig {
	cfg := &BrowserConfig{}

	ip, err := c.ips.GetIPForUser(ctx, userID)
	switch {
	case errors.Is(err, ippool.ErrPoolExhausted):
		cfg.PoolExhausted = true
		c.log.Warn().Str("user_id", userID).Msg("no proxy ip available")
	case err != nil:
		c.log.Error().Err(err).Str("user_id", userID).Msg("ip lookup failed")
	default:
		cfg.IP = ip
	}

	path, err := c.sessions.GetSessionForUser(userID, true)
	if err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Msg("session lookup failed")
	}
	cfg.UserDataDir = path
	cfg.UserAgent = c.agents.GetUserAgentForUser(userID)

	if cfg.IP != nil && cfg.IP.ProxyURL != "" {
		cfg.Proxy = &ProxySettings{
			Type:     cfg.IP.Protocol,
			URL:      cfg.IP.ProxyURL,
			Address:  cfg.IP.Address,
			Port:     cfg.IP.Port,
			Username: cfg.IP.Username,
			Password: cfg.IP.Password,
		}
	}
	return cfg
}

// RotateUserIdentity replaces the session directory, the IP and the user
// agent, in that order. Returns nil when the session or IP could not be
// replaced; the user agent always rotates.
func (c *Coordinator) RotateUserIdentity(ctx context.Context, userID string) *BrowserConfig {
	path, sessErr := c.sessions.RotateUserSession(userID)
	if sessErr != nil {
		c.log.Error().Err(sessErr).Str("user_id", userID).Msg("session rotation failed")
	}
	ip, ipErr := c.ips.RotateIPForUser(ctx, userID)
	if ipErr != nil {
		c.log.Error().Err(ipErr).Str("user_id", userID).Msg("ip rotation failed")
	}
	c.agents.RotateUserAgent(userID)

	if sessErr != nil || ipErr != nil || path == "" || ip == nil {
		metrics.IdentityRotations.WithLabelValues("failed").Inc()
		c.log.Error().Str("user_id", userID).Msg("failed to rotate identity")
		return nil
	}
	metrics.IdentityRotations.WithLabelValues("success").Inc()
	c.log.Info().Str("user_id", userID).Str("session", path).
		Str("ip", ippool.MaskAddress(ip.Address)).Msg("rotated identity")
	return c.GetBrowserConfigForUser(ctx, userID)
}

// HandleDetectionRisk applies the rotation matching level. Unknown levels are
// handled as low. details is free-form audit context; its "reason" entry is
// recorded against the IP on critical reports.
func (c *Coordinator) HandleDetectionRisk(ctx context.Context, userID, level string, details map[string]string) RiskResult {
	c.log.Warn().Str("user_id", userID).Str("level", level).
		Interface("context", details).Msg("detection risk reported")

	var res RiskResult
	switch level {
	case RiskCritical:
		c.reportSuspectedBan(ctx, userID, details["reason"])
		res = RiskResult{
			Action:  ActionIdentityRotation,
			Message: "Critical detection risk - rotated entire identity",
			Config:  c.RotateUserIdentity(ctx, userID),
		}
	case RiskHigh:
		res = RiskResult{
			Action:  ActionIdentityRotation,
			Message: "High detection risk - rotated identity",
			Config:  c.RotateUserIdentity(ctx, userID),
		}
	case RiskMedium:
		ip, err := c.ips.RotateIPForUser(ctx, userID)
		if err != nil {
			c.log.Error().Err(err).Str("user_id", userID).Msg("ip rotation failed")
		}
		res = RiskResult{
			Action:  ActionIPRotation,
			Message: "Medium detection risk - rotated IP address",
			IP:      ip,
		}
	default:
		level = RiskLow
		res = RiskResult{
			Action:    ActionUserAgentRotation,
			Message:   "Low detection risk - rotated user agent",
			UserAgent: c.agents.RotateUserAgent(userID),
		}
	}
	res.Level = level
	metrics.RiskEvents.WithLabelValues(level, res.Action).Inc()
	return res
}

func (c *Coordinator) reportSuspectedBan(ctx context.Context, userID, reason string) {
	ip, err := c.ips.CurrentIPForUser(ctx, userID)
	if err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Msg("cannot look up ip to report")
		return
	}
	if ip == nil {
		return
	}
	if reason == "" {
		reason = "Unknown"
	}
	details := fmt.Sprintf("Critical detection risk: %s", reason)
	if _, err := c.ips.ReportIPFailure(ctx, ip.ID, ippool.FailureSuspectedBan, details); err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Str("ip_id", ip.ID).Msg("failed to report suspected ban")
	}
}

// Cleanup ages out old session directories. Errors are logged, not returned.
func (c *Coordinator) Cleanup() bool {
	n, err := c.sessions.CleanOldSessions(c.sessionMaxAge)
	if err != nil {
		c.log.Error().Err(err).Msg("session cleanup failed")
		return false
	}
	c.log.Debug().Int("cleaned", n).Msg("session cleanup complete")
	return true
}
