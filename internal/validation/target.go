package validation

import (
	"net"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
)

// ValidateURL checks that raw is an absolute http(s) URL with a plausible host.
func ValidateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, core.Errorf(core.ErrInvalidTarget, "Target URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, core.Errorf(core.ErrInvalidTarget,
			"Invalid URL format: %v. URL must start with http:// or https://", err)
	}
	if u.Scheme == "" {
		return nil, core.Errorf(core.ErrInvalidTarget,
			"Invalid URL format: missing scheme. URL must start with http:// or https://")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, core.Errorf(core.ErrInvalidTarget,
			"Invalid protocol '%s'. Only http:// and https:// URLs are supported", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, core.Errorf(core.ErrInvalidTarget, "URL must contain a valid host/domain")
	}

	if !strings.Contains(host, ".") && !isLoopbackName(host) && net.ParseIP(host) == nil {
		return nil, core.Errorf(core.ErrInvalidTarget,
			"Invalid domain '%s'. Domain must contain a valid TLD (e.g., .com, .org)", host)
	}

	return u, nil
}

// HostOf returns the lower-cased host of raw, accepting bare domains as well as URLs.
func HostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
}

// IsLocalTarget reports whether host is the local machine or a reserved
// development suffix, which are always scannable.
func IsLocalTarget(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if isLoopbackName(host) {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".test")
}

func isLoopbackName(host string) bool {
	return strings.EqualFold(host, "localhost")
}
