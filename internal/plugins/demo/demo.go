// Package demo produces a fixed set of realistic findings without touching the
// target, for training and UI work.
package demo

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type Adapter struct {
	cfg    *config.Store
	logger *logger.Logger
}

func New(cfg *config.Store, log *logger.Logger) *Adapter {
	return &Adapter{cfg: cfg, logger: log.WithTool("demo")}
}

// Name reports zap because demo findings stand in for whichever scanner was
// selected; the orchestrator runs this adapter directly rather than via the
// registry.
func (a *Adapter) Name() types.Scanner { return types.ScannerZAP }

func (a *Adapter) Run(ctx context.Context, req core.ScanRequest, sink core.Sink) error {
	dc := a.cfg.Get().Demo
	a.logger.WithScanID(req.ScanID).Infow("Running demo scan", "target", req.TargetURL, "scan_type", req.ScanType)

	for _, p := range []float64{0.2, 0.4, 0.6, 0.8} {
		if err := sleep(ctx, dc.StepDelay); err != nil {
			return err
		}
		sink.Progress(p)
	}

	scanner := req.Scanner
	if scanner == "" {
		scanner = types.ScannerZAP
	}
	for i, f := range Findings(req.TargetURL, req.ScanType, scanner) {
		if i > 0 {
			if err := sleep(ctx, dc.FindingDelay); err != nil {
				return err
			}
		}
		sink.Finding(f)
	}
	sink.Progress(1)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cvss(v float64) *float64 { return &v }

// Findings returns the demo fixture for a scan type: two findings for quick,
// four for standard and custom, six for full. Paths are appended to target
// verbatim, so a trailing slash is kept.
func Findings(target string, scanType types.ScanType, scanner types.Scanner) []types.Finding {
	base := target

	out := []types.Finding{
		{
			Name:              "SQL Injection",
			Description:       "The application appears to be vulnerable to SQL injection attacks. User input is not properly sanitized before being used in SQL queries.",
			Severity:          types.SeverityCritical,
			CVSSScore:         cvss(9.8),
			CWEID:             "CWE-89",
			AffectedURL:       base + "/api/users?id=1",
			AffectedParameter: "id",
			Evidence:          "Error: You have an error in your SQL syntax",
			Solution:          "Use parameterized queries or prepared statements. Never concatenate user input directly into SQL queries.",
			References:        []string{"https://owasp.org/www-community/attacks/SQL_Injection"},
		},
		{
			Name:              "Cross-Site Scripting (XSS)",
			Description:       "Reflected XSS vulnerability found. User input is reflected in the response without proper encoding.",
			Severity:          types.SeverityHigh,
			CVSSScore:         cvss(7.1),
			CWEID:             "CWE-79",
			AffectedURL:       base + "/search",
			AffectedParameter: "q",
			Evidence:          "<script>alert(1)</script> was reflected",
			Solution:          "Implement proper output encoding. Use Content-Security-Policy headers.",
			References:        []string{"https://owasp.org/www-community/attacks/xss/"},
		},
	}

	if scanType != types.ScanTypeQuick {
		out = append(out,
			types.Finding{
				Name:        "Missing Security Headers",
				Description: "Several important security headers are missing from the HTTP response.",
				Severity:    types.SeverityMedium,
				CVSSScore:   cvss(5.3),
				CWEID:       "CWE-693",
				AffectedURL: target,
				Evidence:    "Missing: X-Frame-Options, X-Content-Type-Options, Strict-Transport-Security",
				Solution:    "Add security headers: X-Frame-Options: DENY, X-Content-Type-Options: nosniff, Strict-Transport-Security: max-age=31536000",
				References:  []string{"https://owasp.org/www-project-secure-headers/"},
			},
			types.Finding{
				Name:        "Sensitive Data Exposure",
				Description: "Application may be exposing sensitive information in error messages.",
				Severity:    types.SeverityMedium,
				CVSSScore:   cvss(5.5),
				CWEID:       "CWE-200",
				AffectedURL: base + "/api/debug",
				Evidence:    "Stack trace and database connection string visible",
				Solution:    "Disable debug mode in production. Implement custom error pages.",
				References:  []string{},
			},
		)
	}

	if scanType == types.ScanTypeFull {
		out = append(out,
			types.Finding{
				Name:              "Cookie Without Secure Flag",
				Description:       "Session cookie is set without the Secure flag.",
				Severity:          types.SeverityLow,
				CVSSScore:         cvss(3.1),
				CWEID:             "CWE-614",
				AffectedURL:       target,
				AffectedParameter: "session_id",
				Evidence:          "Set-Cookie: session_id=abc123; HttpOnly",
				Solution:          "Add Secure flag to all cookies: Set-Cookie: session_id=abc123; Secure; HttpOnly",
				References:        []string{},
			},
			types.Finding{
				Name:        "Server Version Disclosure",
				Description: "The server is disclosing version information in HTTP headers.",
				Severity:    types.SeverityInfo,
				CWEID:       "CWE-200",
				AffectedURL: target,
				Evidence:    "Server: nginx/1.18.0",
				Solution:    "Configure server to hide version information.",
				References:  []string{},
			},
		)
	}

	for i := range out {
		out[i].Scanner = scanner
	}
	return out
}
