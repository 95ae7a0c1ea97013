package ippool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var validProtocols = map[string]bool{
	"http":   true,
	"https":  true,
	"socks4": true,
	"socks5": true,
}

// ParseAddress parses a proxy host IP and returns its canonical form.
// IPv4-mapped IPv6 addresses are normalised to IPv4.
func ParseAddress(value string) (string, error) {
	value = strings.TrimSpace(value)
	ip := net.ParseIP(value)
	if ip == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, value)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String(), nil
	}
	return ip.String(), nil
}

// MaskAddress hides the host part of an address for display: 203.0.113.9 becomes
// 203.0.***.***, and an IPv6 address keeps only its first two groups.
func MaskAddress(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	if ip4 := ip.To4(); ip4 != nil {
		parts := strings.Split(ip4.String(), ".")
		return parts[0] + "." + parts[1] + ".***.***"
	}
	groups := strings.SplitN(ip.String(), ":", 3)
	if len(groups) < 3 || groups[1] == "" {
		return groups[0] + "::***"
	}
	return groups[0] + ":" + groups[1] + ":***"
}

// BuildProxyURL derives the connection URL for a proxy endpoint, embedding
// credentials when a username is set.
func BuildProxyURL(protocol, username, password, address string, port int) string {
	u := url.URL{
		Scheme: protocol,
		Host:   net.JoinHostPort(address, strconv.Itoa(port)),
	}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String()
}

func normaliseProtocol(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "http", nil
	}
	if !validProtocols[p] {
		return "", fmt.Errorf("%w: unsupported protocol %q", ErrInvalidAddress, p)
	}
	return p, nil
}
