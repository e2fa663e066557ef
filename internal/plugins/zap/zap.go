// Package zap drives an OWASP ZAP daemon over its JSON REST API.
package zap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

// Local progress milestones.
const (
	spiderDone = 0.25
	ascanDone  = 0.9
)

type Adapter struct {
	cfg    *config.Store
	client *http.Client
	logger *logger.Logger
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option { return func(a *Adapter) { a.client = c } }

func New(cfg *config.Store, log *logger.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		logger: log.WithTool("zap"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() types.Scanner { return types.ScannerZAP }

// activeScanPolls caps how long the active scan is polled for each scan type.
func activeScanPolls(t types.ScanType) int {
	switch t {
	case types.ScanTypeQuick:
		return 24
	case types.ScanTypeFull:
		return 720
	default:
		return 120
	}
}

func (a *Adapter) Run(ctx context.Context, req core.ScanRequest, sink core.Sink) error {
	zc := a.cfg.Get().ZAP
	log := a.logger.WithScanID(req.ScanID).WithTarget(req.TargetURL)
	if !zc.Enabled {
		log.Infow("ZAP scanning disabled in config")
		return nil
	}

	c := &apiClient{
		base:   "http://" + net.JoinHostPort(zc.Host, strconv.Itoa(zc.Port)),
		apiKey: zc.APIKey,
		client: a.client,
	}
	if c.client == nil {
		c.client = httpclient.New(httpclient.Config{Timeout: zc.RequestTimeout})
	}

	var version struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/JSON/core/view/version/", nil, &version); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnw("ZAP is not reachable, skipping ZAP scan",
			"zap", c.base,
			"error", err,
			"hint", "start ZAP with: zap.sh -daemon -port "+strconv.Itoa(zc.Port),
		)
		return nil
	}
	log.Infow("ZAP is running, starting scan", "zap_version", version.Version)

	spiderID, err := c.start(ctx, "/JSON/spider/action/scan/", url.Values{"url": {req.TargetURL}})
	if err != nil {
		return fmt.Errorf("ZAP spider failed: %w", err)
	}
	log.Infow("Spider started", "spider_id", spiderID)

	done, err := a.poll(ctx, c, "/JSON/spider/view/status/", spiderID, zc.MaxSpiderPolls, zc.PollInterval,
		func(pct int) { sink.Progress(spiderDone * float64(pct) / 100) })
	if err != nil {
		return err
	}
	if !done {
		log.Warnw("Spider timed out, continuing with active scan", "polls", zc.MaxSpiderPolls)
	}
	sink.Progress(spiderDone)

	ascanID, err := c.start(ctx, "/JSON/ascan/action/scan/", url.Values{
		"url":     {req.TargetURL},
		"recurse": {"true"},
	})
	if err != nil {
		return fmt.Errorf("ZAP active scan failed: %w", err)
	}
	log.Infow("Active scan started", "ascan_id", ascanID)

	polls := activeScanPolls(req.ScanType)
	done, err = a.poll(ctx, c, "/JSON/ascan/view/status/", ascanID, polls, zc.PollInterval,
		func(pct int) {
			sink.Progress(spiderDone + (ascanDone-spiderDone)*float64(pct)/100)
		})
	if err != nil {
		return err
	}
	if !done {
		log.Warnw("Active scan did not finish in time, collecting partial alerts", "polls", polls)
	}
	sink.Progress(ascanDone)

	var alerts struct {
		Alerts []alert `json:"alerts"`
	}
	if err := c.get(ctx, "/JSON/core/view/alerts/", url.Values{"baseurl": {req.TargetURL}}, &alerts); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ZAP alerts request failed: %w", err)
	}

	for _, al := range alerts.Alerts {
		sink.Finding(al.toFinding(req.TargetURL))
	}
	log.Infow("ZAP scan finished", "alerts", len(alerts.Alerts))
	sink.Progress(1)
	return nil
}

// poll reads a status endpoint until it reports 100 or max polls elapse. Failed
// polls are skipped.
func (a *Adapter) poll(ctx context.Context, c *apiClient, path, id string, limit int, every time.Duration, report func(int)) (bool, error) {
	for i := 0; i < limit; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(every):
		}

		var status struct {
			Status flexInt `json:"status"`
		}
		if err := c.get(ctx, path, url.Values{"scanId": {id}}, &status); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			a.logger.Debugw("Status poll failed", "path", path, "error", err)
			continue
		}

		pct := int(status.Status)
		if pct > 100 {
			pct = 100
		}
		report(pct)
		if pct >= 100 {
			return true, nil
		}
		if i%10 == 0 {
			a.logger.Debugw("Scan progress", "path", path, "percent", pct)
		}
	}
	return false, nil
}

type apiClient struct {
	base   string
	apiKey string
	client *http.Client
}

func (c *apiClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithContext(ctx, c.client, req)
	if err != nil {
		return err
	}
	defer httpclient.CloseBody(resp)

	body, err := httpclient.ReadBody(resp, 32<<20)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) start(ctx context.Context, path string, params url.Values) (string, error) {
	var resp struct {
		Scan string `json:"scan"`
	}
	if err := c.get(ctx, path, params, &resp); err != nil {
		return "", err
	}
	if resp.Scan == "" {
		return "", fmt.Errorf("%s returned no scan id", path)
	}
	return resp.Scan, nil
}

// flexInt accepts ZAP's quoted numbers as well as bare ones.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type alert struct {
	Alert       string `json:"alert"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Risk        string `json:"risk"`
	CWEID       string `json:"cweid"`
	URL         string `json:"url"`
	Param       string `json:"param"`
	Method      string `json:"method"`
	Attack      string `json:"attack"`
	Evidence    string `json:"evidence"`
	Solution    string `json:"solution"`
	Reference   string `json:"reference"`
}

func (al alert) toFinding(target string) types.Finding {
	f := types.Finding{
		Name:              al.Alert,
		Description:       al.Description,
		Severity:          riskToSeverity(al.Risk),
		AffectedURL:       al.URL,
		AffectedParameter: al.Param,
		Method:            al.Method,
		Attack:            al.Attack,
		Evidence:          al.Evidence,
		Solution:          al.Solution,
		References:        splitReferences(al.Reference),
		Scanner:           types.ScannerZAP,
	}
	if f.Name == "" {
		f.Name = al.Name
	}
	if f.Name == "" {
		f.Name = "Unknown"
	}
	if f.AffectedURL == "" {
		f.AffectedURL = target
	}
	if id := strings.TrimSpace(al.CWEID); id != "" && id != "-1" && id != "0" {
		f.CWEID = "CWE-" + id
	}
	return f
}

func riskToSeverity(risk string) types.Severity {
	switch strings.ToLower(strings.TrimSpace(risk)) {
	case "high":
		return types.SeverityHigh
	case "medium":
		return types.SeverityMedium
	case "informational", "info":
		return types.SeverityInfo
	default:
		return types.SeverityLow
	}
}

func splitReferences(s string) []string {
	refs := []string{}
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			refs = append(refs, line)
		}
	}
	return refs
}
