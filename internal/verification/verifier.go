// Package verification proves ownership of a domain before it may be scanned.
package verification

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/validation"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

const (
	tokenPrefix   = "cube-verify="
	wellKnownPath = "/.well-known/cube-verify.txt"
	metaName      = "cube-verify"
	maxBodyBytes  = 1 << 20
)

// Required is the payload of verification_required events.
type Required struct {
	Domain       string                   `json:"domain"`
	Method       types.VerificationMethod `json:"method"`
	Token        string                   `json:"token"`
	Instructions string                   `json:"instructions"`
}

type pendingKey struct {
	domain string
	method types.VerificationMethod
}

type Verifier struct {
	cfg       *config.Store
	scheme    string
	ttl       time.Duration
	client    *http.Client
	dns       TXTResolver
	publisher core.Publisher
	logger    *logger.Logger
	now       func() time.Time

	mu       sync.RWMutex
	pending  map[pendingKey]types.DomainVerification
	verified map[string]types.VerifiedDomain
}

type Option func(*Verifier)

func WithHTTPClient(c *http.Client) Option { return func(v *Verifier) { v.client = c } }

func WithResolver(r TXTResolver) Option { return func(v *Verifier) { v.dns = r } }

func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

func New(cfg *config.Store, vcfg config.VerificationConfig, publisher core.Publisher, log *logger.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		cfg:       cfg,
		scheme:    vcfg.Scheme,
		ttl:       vcfg.TokenTTL,
		publisher: publisher,
		logger:    log.WithComponent("domain-verifier"),
		now:       func() time.Time { return time.Now().UTC() },
		pending:   make(map[pendingKey]types.DomainVerification),
		verified:  make(map[string]types.VerifiedDomain),
	}
	if v.scheme == "" {
		v.scheme = "https"
	}
	if v.ttl <= 0 {
		v.ttl = 30 * 24 * time.Hour
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.client == nil {
		v.client = httpclient.New(httpclient.Config{
			Timeout:         vcfg.Timeout,
			FollowRedirects: true,
			MaxRedirects:    3,
		})
	}
	if v.dns == nil {
		v.dns = NewDNSResolver(vcfg.DNSResolvers, vcfg.Timeout)
	}
	return v
}

// Issue starts a verification attempt for domain. When the lab does not require
// verification the domain is trusted immediately.
func (v *Verifier) Issue(ctx context.Context, domain string, method types.VerificationMethod) (*types.DomainVerification, error) {
	domain, err := normalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	if !method.IsValid() {
		return nil, core.Errorf(core.ErrInvalidInput, "Unknown verification method '%s'", method)
	}

	now := v.now()

	if !v.cfg.Get().RequireDomainVerification {
		entry := v.markVerified(domain, method, now)
		return &types.DomainVerification{
			Domain:     domain,
			Method:     method,
			Verified:   true,
			VerifiedAt: &entry.VerifiedAt,
			ExpiresAt:  entry.ExpiresAt,
		}, nil
	}

	token := uuid.NewString()
	dv := types.DomainVerification{
		Domain:       domain,
		Method:       method,
		Token:        token,
		ExpiresAt:    now.Add(v.ttl),
		Instructions: Instructions(domain, method, token),
	}

	v.mu.Lock()
	v.pending[pendingKey{domain, method}] = dv
	v.mu.Unlock()

	v.logger.Infow("Domain verification issued", "domain", domain, "method", method, "expires_at", dv.ExpiresAt)
	v.publisher.Publish(core.TopicVerificationRequired, Required{
		Domain:       domain,
		Method:       method,
		Token:        token,
		Instructions: dv.Instructions,
	})

	return &dv, nil
}

// Instructions tells the operator how to publish the token.
func Instructions(domain string, method types.VerificationMethod, token string) string {
	switch method {
	case types.VerificationDNSTXT:
		return fmt.Sprintf("Add TXT record to %s: %s%s", domain, tokenPrefix, token)
	case types.VerificationHTTPFile:
		return fmt.Sprintf("Place file at https://%s%s containing: %s", domain, wellKnownPath, token)
	case types.VerificationMetaTag:
		return fmt.Sprintf("Add meta tag to homepage: %s", metaTag(token))
	default:
		return ""
	}
}

func metaTag(token string) string {
	return fmt.Sprintf(`<meta name="%s" content="%s">`, metaName, token)
}

// Check performs the out-of-band proof for a previously issued token. A proof
// that is not in place yet returns false without error so the operator can retry.
func (v *Verifier) Check(ctx context.Context, domain, token string, method types.VerificationMethod) (bool, error) {
	domain, err := normalizeDomain(domain)
	if err != nil {
		return false, err
	}
	token = strings.TrimSpace(token)

	key := pendingKey{domain, method}
	v.mu.RLock()
	dv, ok := v.pending[key]
	v.mu.RUnlock()
	if !ok || dv.Token != token {
		return false, core.Errorf(core.ErrNotFound, "No pending verification for '%s' with that token", domain)
	}
	if v.now().After(dv.ExpiresAt) {
		v.mu.Lock()
		delete(v.pending, key)
		v.mu.Unlock()
		return false, core.Errorf(core.ErrNotFound, "Verification token for '%s' has expired", domain)
	}

	var passed bool
	switch method {
	case types.VerificationDNSTXT:
		passed, err = v.checkDNS(ctx, domain, token)
	case types.VerificationHTTPFile:
		passed, err = v.checkHTTPFile(ctx, domain, token)
	case types.VerificationMetaTag:
		passed, err = v.checkMetaTag(ctx, domain, token)
	default:
		return false, core.Errorf(core.ErrInvalidInput, "Unknown verification method '%s'", method)
	}
	if err != nil {
		v.logger.Warnw("Verification probe failed", "domain", domain, "method", method, "error", err)
		return false, nil
	}
	if !passed {
		v.logger.Infow("Verification proof not found", "domain", domain, "method", method)
		return false, nil
	}

	v.mu.Lock()
	current, stillPending := v.pending[key]
	if stillPending && current.Token == token {
		delete(v.pending, key)
	}
	v.mu.Unlock()
	if !stillPending || current.Token != token {
		// A concurrent check already consumed the token.
		return v.IsVerified(domain), nil
	}

	v.markVerified(domain, method, v.now())
	v.logger.LogSecurityEvent(ctx, "domain_verified", "info", map[string]interface{}{
		"domain": domain,
		"method": string(method),
	})
	return true, nil
}

func (v *Verifier) markVerified(domain string, method types.VerificationMethod, at time.Time) types.VerifiedDomain {
	entry := types.VerifiedDomain{
		Domain:     domain,
		Method:     method,
		VerifiedAt: at,
		ExpiresAt:  at.Add(v.ttl),
	}
	v.mu.Lock()
	v.verified[domain] = entry
	v.mu.Unlock()

	v.publisher.Publish(core.TopicDomainVerified, domain)
	return entry
}

// IsVerified reports whether domain contains an unexpired verified domain.
func (v *Verifier) IsVerified(domain string) bool {
	if !v.cfg.Get().RequireDomainVerification {
		return true
	}
	domain = strings.ToLower(domain)
	now := v.now()

	v.mu.RLock()
	defer v.mu.RUnlock()
	for d, entry := range v.verified {
		if now.After(entry.ExpiresAt) {
			continue
		}
		if strings.Contains(domain, hostOnly(d)) {
			return true
		}
	}
	return false
}

// hostOnly drops the port a domain was proven on. The gate matches on the
// target's hostname.
func hostOnly(domain string) string {
	if h, _, err := net.SplitHostPort(domain); err == nil {
		return h
	}
	return domain
}

// Verified lists unexpired verified domains.
func (v *Verifier) Verified() []types.VerifiedDomain {
	now := v.now()
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]types.VerifiedDomain, 0, len(v.verified))
	for _, entry := range v.verified {
		if !now.After(entry.ExpiresAt) {
			out = append(out, entry)
		}
	}
	return out
}

// Revoke removes domain from the verified set. It reports whether it was present.
func (v *Verifier) Revoke(domain string) bool {
	domain, err := normalizeDomain(domain)
	if err != nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.verified[domain]
	delete(v.verified, domain)
	return ok
}

func (v *Verifier) checkDNS(ctx context.Context, domain, token string) (bool, error) {
	host := domain
	if h, _, err := net.SplitHostPort(domain); err == nil {
		host = h
	}
	records, err := v.dns.LookupTXT(ctx, host)
	if err != nil {
		return false, err
	}
	want := tokenPrefix + token
	for _, rec := range records {
		if strings.TrimSpace(strings.Trim(rec, `"`)) == want {
			return true, nil
		}
	}
	return false, nil
}

func (v *Verifier) checkHTTPFile(ctx context.Context, domain, token string) (bool, error) {
	body, ok, err := v.fetch(ctx, v.scheme+"://"+domain+wellKnownPath)
	if err != nil || !ok {
		return false, err
	}
	return strings.TrimSpace(string(body)) == token, nil
}

func (v *Verifier) checkMetaTag(ctx context.Context, domain, token string) (bool, error) {
	body, ok, err := v.fetch(ctx, v.scheme+"://"+domain+"/")
	if err != nil || !ok {
		return false, err
	}
	if bytes.Contains(body, []byte(metaTag(token))) {
		return true, nil
	}

	// Attribute order and quoting vary between templates and minifiers.
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false, nil
	}
	found := false
	doc.Find(`meta[name="` + metaName + `"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if content, _ := s.Attr("content"); strings.TrimSpace(content) == token {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

// fetch returns the body and whether the status was 2xx.
func (v *Verifier) fetch(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := httpclient.DoWithContext(ctx, v.client, req)
	if err != nil {
		return nil, false, err
	}
	defer httpclient.CloseBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, nil
	}
	body, err := httpclient.ReadBody(resp, maxBodyBytes)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// normalizeDomain lower-cases domain and strips any scheme or path. A port is kept.
func normalizeDomain(raw string) (string, error) {
	host := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", core.Errorf(core.ErrInvalidInput, "Domain cannot be empty")
	}

	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	if net.ParseIP(name) == nil && !validation.IsLocalTarget(name) {
		if suffix, _ := publicsuffix.PublicSuffix(name); suffix == name {
			return "", core.Errorf(core.ErrInvalidInput,
				"Domain '%s' is a public suffix and cannot be verified", name)
		}
	}
	return host, nil
}
