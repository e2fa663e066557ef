package zap

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type recordingSink struct {
	mu       sync.Mutex
	progress []float64
	findings []types.Finding
}

func (s *recordingSink) Progress(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *recordingSink) Finding(f types.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
}

type fakeZAP struct {
	mu          sync.Mutex
	spiderPolls int
	apiKeys     []string
	failSpider  bool
	alerts      []map[string]string
}

func (z *fakeZAP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.apiKeys = append(z.apiKeys, r.URL.Query().Get("apikey"))

	reply := func(v interface{}) { _ = json.NewEncoder(w).Encode(v) }
	switch r.URL.Path {
	case "/JSON/core/view/version/":
		reply(map[string]string{"version": "2.14.0"})
	case "/JSON/spider/action/scan/":
		if z.failSpider {
			http.Error(w, `{"code":"url_not_found"}`, http.StatusBadRequest)
			return
		}
		reply(map[string]string{"scan": "3"})
	case "/JSON/spider/view/status/":
		z.spiderPolls++
		status := "50"
		if z.spiderPolls > 1 {
			status = "100"
		}
		reply(map[string]string{"status": status})
	case "/JSON/ascan/action/scan/":
		if r.URL.Query().Get("recurse") != "true" {
			http.Error(w, "recurse missing", http.StatusBadRequest)
			return
		}
		reply(map[string]string{"scan": "7"})
	case "/JSON/ascan/view/status/":
		reply(map[string]interface{}{"status": 100})
	case "/JSON/core/view/alerts/":
		reply(map[string]interface{}{"alerts": z.alerts})
	default:
		http.NotFound(w, r)
	}
}

func newAdapter(t *testing.T, srv *httptest.Server, mutate func(*config.ZAPConfig)) *Adapter {
	t.Helper()
	lab := config.DefaultLabConfig()
	lab.ZAP.PollInterval = time.Millisecond
	if srv != nil {
		host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
		require.NoError(t, err)
		lab.ZAP.Host = host
		lab.ZAP.Port, _ = strconv.Atoi(port)
	}
	if mutate != nil {
		mutate(&lab.ZAP)
	}
	return New(config.NewStore(lab), logger.NewNop())
}

func TestRunCollectsAlerts(t *testing.T) {
	fake := &fakeZAP{alerts: []map[string]string{
		{
			"alert":     "Cross Site Scripting (Reflected)",
			"risk":      "High",
			"cweid":     "79",
			"url":       "http://target.test/search?q=x",
			"param":     "q",
			"method":    "GET",
			"attack":    "<script>alert(1)</script>",
			"evidence":  "<script>alert(1)</script>",
			"solution":  "Encode output",
			"reference": "https://owasp.org/xss\n\nhttps://cwe.mitre.org/data/definitions/79.html\n",
		},
		{"risk": "Informational", "cweid": "-1"},
		{"alert": "Odd", "risk": "Unrated"},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newAdapter(t, srv, func(c *config.ZAPConfig) { c.APIKey = "secret" })
	sink := &recordingSink{}

	err := a.Run(context.Background(), core.ScanRequest{
		ScanID:    "scan-1",
		TargetURL: "http://target.test",
		ScanType:  types.ScanTypeQuick,
	}, sink)
	require.NoError(t, err)

	require.Len(t, sink.findings, 3)
	xss := sink.findings[0]
	assert.Equal(t, "Cross Site Scripting (Reflected)", xss.Name)
	assert.Equal(t, types.SeverityHigh, xss.Severity)
	assert.Equal(t, "CWE-79", xss.CWEID)
	assert.Equal(t, "q", xss.AffectedParameter)
	assert.Equal(t, "GET", xss.Method)
	assert.Equal(t, "<script>alert(1)</script>", xss.Attack)
	assert.Equal(t, []string{"https://owasp.org/xss", "https://cwe.mitre.org/data/definitions/79.html"}, xss.References)
	assert.Equal(t, types.ScannerZAP, xss.Scanner)

	info := sink.findings[1]
	assert.Equal(t, "Unknown", info.Name)
	assert.Equal(t, types.SeverityInfo, info.Severity)
	assert.Empty(t, info.CWEID)
	assert.Equal(t, "http://target.test", info.AffectedURL)

	assert.Equal(t, types.SeverityLow, sink.findings[2].Severity)

	for i := 1; i < len(sink.progress); i++ {
		assert.GreaterOrEqual(t, sink.progress[i], sink.progress[i-1])
	}
	assert.Equal(t, 1.0, sink.progress[len(sink.progress)-1])
	assert.Contains(t, sink.progress, 0.125, "spider at 50% maps to half of its share")

	for _, key := range fake.apiKeys {
		assert.Equal(t, "secret", key)
	}
}

func TestRunSkipsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	a := newAdapter(t, srv, nil)
	sink := &recordingSink{}
	err := a.Run(context.Background(), core.ScanRequest{TargetURL: "http://target.test"}, sink)
	assert.NoError(t, err)
	assert.Empty(t, sink.findings)
}

func TestRunSkipsWhenDisabled(t *testing.T) {
	a := newAdapter(t, nil, func(c *config.ZAPConfig) { c.Enabled = false })
	assert.NoError(t, a.Run(context.Background(), core.ScanRequest{TargetURL: "http://target.test"}, &recordingSink{}))
}

func TestRunSpiderFailureIsHardError(t *testing.T) {
	srv := httptest.NewServer(&fakeZAP{failSpider: true})
	defer srv.Close()

	a := newAdapter(t, srv, nil)
	err := a.Run(context.Background(), core.ScanRequest{TargetURL: "http://target.test"}, &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ZAP spider failed")
}

func TestRunHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/JSON/spider/view/status/":
			_, _ = w.Write([]byte(`{"status":"10"}`))
		default:
			_, _ = w.Write([]byte(`{"version":"2.14.0","scan":"1"}`))
		}
	}))
	defer srv.Close()

	a := newAdapter(t, srv, func(c *config.ZAPConfig) {
		c.PollInterval = 10 * time.Millisecond
		c.MaxSpiderPolls = 10000
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := a.Run(ctx, core.ScanRequest{TargetURL: "http://target.test"}, &recordingSink{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestActiveScanPolls(t *testing.T) {
	assert.Equal(t, 24, activeScanPolls(types.ScanTypeQuick))
	assert.Equal(t, 120, activeScanPolls(types.ScanTypeStandard))
	assert.Equal(t, 720, activeScanPolls(types.ScanTypeFull))
	assert.Equal(t, 120, activeScanPolls(types.ScanTypeCustom))
}
