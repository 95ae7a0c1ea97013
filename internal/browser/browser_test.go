package browser

import (
	"slices"
	"testing"

	"github.com/developingchet/identity-isolator/internal/isolation"
	"github.com/go-rod/rod/lib/launcher/flags"
)

func testConfig() *isolation.BrowserConfig {
	return &isolation.BrowserConfig{
		UserDataDir: "/data/sessions/session_alice_1_abcdefgh",
		UserAgent:   "Agent/1.0",
		Proxy: &isolation.ProxySettings{
			Type:     "socks5",
			URL:      "socks5://user:pw@203.0.113.7:1080",
			Address:  "203.0.113.7",
			Port:     1080,
			Username: "user",
			Password: "pw",
		},
	}
}

func TestNewLauncher_IdentityFlags(t *testing.T) {
	l := NewLauncher(testConfig(), LaunchOptions{Headless: true})

	checks := map[string]string{
		"user-data-dir":          "/data/sessions/session_alice_1_abcdefgh",
		"user-agent":             "Agent/1.0",
		"proxy-server":           "socks5://203.0.113.7:1080",
		"window-size":            "1920,1080",
		"disable-blink-features": "AutomationControlled",
		"blink-settings":         "imagesEnabled=false",
	}
	for flag, want := range checks {
		if got := l.Get(flags.Flag(flag)); got != want {
			t.Errorf("--%s = %q, want %q", flag, got, want)
		}
	}
	for _, flag := range []string{"headless", "no-sandbox", "disable-dev-shm-usage", "disable-gpu", "disable-extensions"} {
		if !l.Has(flags.Flag(flag)) {
			t.Errorf("missing --%s", flag)
		}
	}
	if l.Has(flags.Flag("enable-automation")) {
		t.Error("--enable-automation must not be set")
	}
}

func TestNewLauncher_Headful(t *testing.T) {
	l := NewLauncher(testConfig(), LaunchOptions{Headless: false})
	if l.Has(flags.Flag("headless")) {
		t.Error("headless flag set for headful launch")
	}
}

func TestNewLauncher_PartialConfig(t *testing.T) {
	l := NewLauncher(&isolation.BrowserConfig{UserAgent: "Agent/1.0"}, LaunchOptions{Headless: true})
	if l.Has(flags.Flag("proxy-server")) {
		t.Error("proxy flag set without proxy settings")
	}
	if got := l.Get(flags.Flag("user-agent")); got != "Agent/1.0" {
		t.Errorf("user-agent = %q", got)
	}

	if NewLauncher(nil, LaunchOptions{}) == nil {
		t.Error("nil config should still yield a launcher")
	}
}

func TestProxyServer(t *testing.T) {
	cases := []struct {
		name string
		cfg  *isolation.BrowserConfig
		want string
	}{
		{"nil", nil, ""},
		{"no proxy", &isolation.BrowserConfig{}, ""},
		{"default scheme", &isolation.BrowserConfig{Proxy: &isolation.ProxySettings{Address: "10.0.0.1", Port: 3128}}, "http://10.0.0.1:3128"},
		{"ipv6", &isolation.BrowserConfig{Proxy: &isolation.ProxySettings{Type: "http", Address: "2001:db8::1", Port: 8080}}, "http://[2001:db8::1]:8080"},
		{"credentials dropped", testConfig(), "socks5://203.0.113.7:1080"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ProxyServer(c.cfg); got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestChromeArgs(t *testing.T) {
	args := ChromeArgs(testConfig(), LaunchOptions{Headless: true})
	for _, want := range []string{"--user-agent=Agent/1.0", "--disable-extensions", "--proxy-server=socks5://203.0.113.7:1080"} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	for _, a := range args {
		if a == "--proxy-server=socks5://user:pw@203.0.113.7:1080" {
			t.Error("proxy credentials leaked into flags")
		}
	}
}
