package validation

import (
	"context"
	"strings"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
)

// DomainChecker answers whether ownership of a domain has been proven.
type DomainChecker interface {
	IsVerified(domain string) bool
}

type DomainCheckerFunc func(domain string) bool

func (f DomainCheckerFunc) IsVerified(domain string) bool { return f(domain) }

// Gate decides whether a target may be scanned or exploited.
type Gate struct {
	cfg      *config.Store
	verified DomainChecker
	logger   *logger.Logger
}

func NewGate(cfg *config.Store, verified DomainChecker, log *logger.Logger) *Gate {
	return &Gate{
		cfg:      cfg,
		verified: verified,
		logger:   log.WithComponent("ethical-gate"),
	}
}

// CheckEthicalCompliance fails closed unless ethical mode is off, the host is
// local, the target is allow-listed, or the domain is verified. Hosts listed as
// excluded are refused whenever ethical mode is on.
func (g *Gate) CheckEthicalCompliance(ctx context.Context, rawURL string) error {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return err
	}

	lab := g.cfg.Get()
	if !lab.EthicalMode {
		return nil
	}

	host := strings.ToLower(u.Hostname())

	if matchesDomain(host, lab.ExcludedTargets) {
		g.deny(ctx, host, "excluded")
		return core.Errorf(core.ErrNotAuthorized,
			"Domain '%s' is explicitly out of scope", host)
	}

	if IsLocalTarget(host) {
		return nil
	}

	if matchesAny(host, rawURL, lab.AllowedTargets) {
		return nil
	}

	if g.verified != nil && g.verified.IsVerified(host) {
		return nil
	}

	g.deny(ctx, host, "unverified")
	return core.Errorf(core.ErrNotAuthorized,
		"Domain '%s' not verified. Options: 1) Add to allowed targets in config, 2) Verify domain ownership, 3) Disable ethical mode for testing.",
		host)
}

func (g *Gate) deny(ctx context.Context, host, reason string) {
	g.logger.LogSecurityEvent(ctx, "ethical_gate_denied", "medium", map[string]interface{}{
		"host":   host,
		"reason": reason,
	})
}

// matchesAny uses substring matching against both host and full URL.
func matchesAny(host, rawURL string, entries []string) bool {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(host, strings.ToLower(entry)) || strings.Contains(rawURL, entry) {
			return true
		}
	}
	return false
}

// matchesDomain is true when host equals an entry or is a subdomain of it.
func matchesDomain(host string, entries []string) bool {
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(entry), "*."))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
