// Package browser turns a composed identity into a Chrome process: launch
// flags, proxy authentication and a stealth page.
package browser

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/developingchet/identity-isolator/internal/isolation"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
)

// LaunchOptions are process-level settings that do not depend on the user.
type LaunchOptions struct {
	Headless bool
	// Bin overrides the Chrome binary. Empty lets the launcher find or download one.
	Bin string
}

// NewLauncher returns a launcher carrying the user's profile directory, user
// agent and proxy plus the fixed hardening flags.
func NewLauncher(cfg *isolation.BrowserConfig, opts LaunchOptions) *launcher.Launcher {
	l := launcher.New().
		Headless(opts.Headless).
		NoSandbox(true).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("window-size", "1920,1080").
		Set("disable-blink-features", "AutomationControlled").
		Set("blink-settings", "imagesEnabled=false").
		Set("disable-extensions").
		Delete("enable-automation")

	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if cfg == nil {
		return l
	}
	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}
	if cfg.UserAgent != "" {
		l = l.Set("user-agent", cfg.UserAgent)
	}
	if server := ProxyServer(cfg); server != "" {
		l = l.Proxy(server)
	}
	return l
}

// ChromeArgs renders the command-line flags NewLauncher would start Chrome with.
func ChromeArgs(cfg *isolation.BrowserConfig, opts LaunchOptions) []string {
	return NewLauncher(cfg, opts).FormatArgs()
}

// ProxyServer is the --proxy-server value for cfg. Chrome ignores credentials
// in this flag, so they are answered through HandleAuth instead.
func ProxyServer(cfg *isolation.BrowserConfig) string {
	if cfg == nil || cfg.Proxy == nil || cfg.Proxy.Address == "" {
		return ""
	}
	scheme := cfg.Proxy.Type
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(cfg.Proxy.Address, strconv.Itoa(cfg.Proxy.Port))
}

// Session is a running Chrome bound to one identity.
type Session struct {
	Browser *rod.Browser
	Page    *rod.Page

	launcher *launcher.Launcher
	log      zerolog.Logger
}

// Open launches Chrome for cfg and returns a stealth page with the user agent
// applied. The caller must Close the session.
func Open(ctx context.Context, cfg *isolation.BrowserConfig, opts LaunchOptions, log zerolog.Logger) (*Session, error) {
	log = log.With().Str("component", "browser").Logger()
	l := NewLauncher(cfg, opts).Context(ctx)

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().Context(ctx).ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	s := &Session{Browser: b, launcher: l, log: log}

	if cfg != nil && cfg.Proxy != nil && cfg.Proxy.Username != "" {
		wait := b.HandleAuth(cfg.Proxy.Username, cfg.Proxy.Password)
		go func() {
			if err := wait(); err != nil {
				log.Debug().Err(err).Msg("proxy auth handler exited")
			}
		}()
	}

	page, err := stealth.Page(b)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	if cfg != nil && cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
			s.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	s.Page = page
	return s, nil
}

// Close shuts Chrome down. The profile directory is left in place; it belongs
// to the session manager.
func (s *Session) Close() {
	if s.Browser != nil {
		if err := s.Browser.Close(); err != nil {
			s.log.Debug().Err(err).Msg("browser close")
		}
	}
	if s.launcher != nil {
		s.launcher.Kill()
	}
}
