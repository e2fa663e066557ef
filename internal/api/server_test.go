package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/events"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/lab"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, mutate func(*config.Config)) (*gin.Engine, *lab.Service) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Lab.DemoMode = true
	cfg.Lab.Demo = config.DemoConfig{StepDelay: time.Millisecond, FindingDelay: time.Millisecond}
	cfg.Server.RequestsPerSecond = 0
	if mutate != nil {
		mutate(cfg)
	}

	rec, err := metrics.NewRecorder()
	require.NoError(t, err)
	svc, err := lab.New(lab.Options{Config: cfg, Telemetry: rec, Logger: logger.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return NewRouter(svc, cfg.Server, rec.Handler(), logger.NewNop()), svc
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func waitCompleted(t *testing.T, router http.Handler, id string) types.Scan {
	t.Helper()
	var scan types.Scan
	require.Eventually(t, func() bool {
		w := do(t, router, http.MethodGet, "/api/v1/scans/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		scan = types.Scan{}
		decode(t, w, &scan)
		return scan.Status == types.ScanStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	return scan
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := setupRouter(t, nil)

	w := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = do(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	router, _ := setupRouter(t, nil)

	w := do(t, router, http.MethodPost, "/api/v1/scans", map[string]string{
		"target_url": "http://localhost:3000",
		"scan_type":  "full",
		"scanner":    "ZAP",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var scan types.Scan
	decode(t, w, &scan)
	assert.Equal(t, types.ScannerZAP, scan.Scanner)

	done := waitCompleted(t, router, scan.ID)
	assert.Equal(t, 6, done.FindingsCount)

	w = do(t, router, http.MethodGet, "/api/v1/scans/"+scan.ID+"/findings?min_severity=medium", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []types.Finding
	decode(t, w, &list)
	require.Len(t, list, 4)
	assert.Equal(t, types.SeverityCritical, list[0].Severity)

	w = do(t, router, http.MethodPost, "/api/v1/findings/"+list[3].ID+"/false-positive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var marked types.Finding
	decode(t, w, &marked)
	assert.True(t, marked.FalsePositive)

	w = do(t, router, http.MethodGet, "/api/v1/scans/"+scan.ID+"/findings?min_severity=medium&exclude_false_positives=true", nil)
	list = nil
	decode(t, w, &list)
	assert.Len(t, list, 3)

	w = do(t, router, http.MethodGet, "/api/v1/scans", nil)
	var scans []types.Scan
	decode(t, w, &scans)
	assert.Len(t, scans, 1)

	w = do(t, router, http.MethodPost, "/api/v1/scans/"+scan.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &scan)
	assert.Equal(t, types.ScanStatusCompleted, scan.Status, "cancelling a finished scan changes nothing")
}

func TestErrorStatusMapping(t *testing.T) {
	router, _ := setupRouter(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		errMsg string
	}{
		{"invalid url", http.MethodPost, "/api/v1/scans",
			map[string]string{"target_url": "ftp://x", "scan_type": "quick", "scanner": "zap"}, http.StatusBadRequest, ""},
		{"unknown scanner", http.MethodPost, "/api/v1/scans",
			map[string]string{"target_url": "http://localhost", "scan_type": "quick", "scanner": "burp"}, http.StatusBadRequest, ""},
		{"missing fields", http.MethodPost, "/api/v1/scans", map[string]string{}, http.StatusBadRequest, "Invalid request body"},
		{"unverified domain", http.MethodPost, "/api/v1/scans",
			map[string]string{"target_url": "https://example.com", "scan_type": "quick", "scanner": "zap"}, http.StatusForbidden, ""},
		{"unknown scan", http.MethodGet, "/api/v1/scans/nope", nil, http.StatusNotFound, "Scan not found"},
		{"unknown finding", http.MethodGet, "/api/v1/findings/nope", nil, http.StatusNotFound, "Finding not found"},
		{"unknown session", http.MethodGet, "/api/v1/exploits/nope", nil, http.StatusNotFound, "Session not found"},
		{"bad severity", http.MethodGet, "/api/v1/scans/x/findings?min_severity=urgent", nil, http.StatusBadRequest, ""},
		{"bad exploit type", http.MethodPost, "/api/v1/exploits",
			map[string]interface{}{"finding_id": "x", "exploit_type": "magic"}, http.StatusBadRequest, ""},
		{"unknown domain", http.MethodDelete, "/api/v1/domains/example.com", nil, http.StatusNotFound, "Domain not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.errMsg != "" {
				var body map[string]string
				decode(t, w, &body)
				assert.Equal(t, tt.errMsg, body["error"])
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(core.Errorf(core.ErrGuardrail, "blocked")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(core.Errorf(core.ErrNotConfigured, "no key")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestExploitFlowOverHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer target.Close()
	router, _ := setupRouter(t, nil)

	w := do(t, router, http.MethodPost, "/api/v1/scans", map[string]string{
		"target_url": target.URL, "scan_type": "quick", "scanner": "zap",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var scan types.Scan
	decode(t, w, &scan)
	waitCompleted(t, router, scan.ID)

	w = do(t, router, http.MethodGet, "/api/v1/scans/"+scan.ID+"/findings", nil)
	var list []types.Finding
	decode(t, w, &list)
	require.NotEmpty(t, list)

	w = do(t, router, http.MethodPost, "/api/v1/exploits", map[string]interface{}{
		"finding_id": list[0].ID, "exploit_type": "sqli", "ai_assistance": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session types.ExploitSession
	decode(t, w, &session)

	w = do(t, router, http.MethodPost, "/api/v1/exploits/"+session.ID+"/commands", map[string]string{
		"command": "probe", "payload": "id=1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var cmd types.ExploitCommand
	decode(t, w, &cmd)
	assert.Equal(t, "HTTP 200 OK - ok", cmd.Response)

	w = do(t, router, http.MethodPost, "/api/v1/exploits/"+session.ID+"/commands", map[string]string{
		"command": "run", "payload": "rm -rf /",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/exploits/"+session.ID+"/suggestions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "OpenAI API key not configured")

	w = do(t, router, http.MethodPost, "/api/v1/exploits/"+session.ID+"/close", map[string]bool{"success": true})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/exploits/"+session.ID, nil)
	decode(t, w, &session)
	assert.Equal(t, types.ExploitStatusSuccess, session.Status)
	assert.Len(t, session.Commands, 1)
}

func TestConfigRoundTripKeepsSecrets(t *testing.T) {
	router, svc := setupRouter(t, func(c *config.Config) { c.Lab.OpenAIAPIKey = "sk-real-secret" })

	w := do(t, router, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-real-secret")

	var shown config.LabConfig
	decode(t, w, &shown)
	shown.AllowedTargets = []string{"staging.example.com"}

	w = do(t, router, http.MethodPut, "/api/v1/config", shown)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "sk-real-secret", svc.GetConfig().OpenAIAPIKey)
	assert.Equal(t, []string{"staging.example.com"}, svc.GetConfig().AllowedTargets)

	shown.MaxScanThreads = 0
	w = do(t, router, http.MethodPut, "/api/v1/config", shown)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerificationEndpoints(t *testing.T) {
	router, _ := setupRouter(t, nil)

	w := do(t, router, http.MethodPost, "/api/v1/domains/verify", map[string]string{
		"domain": "example.com", "method": "http_file",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v types.DomainVerification
	decode(t, w, &v)
	assert.Equal(t, types.VerificationHTTPFile, v.Method)
	assert.Contains(t, v.Instructions, v.Token)

	w = do(t, router, http.MethodPost, "/api/v1/domains/check", map[string]string{
		"domain": "example.com", "method": "http_file", "token": "wrong",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/domains/verify", map[string]string{
		"domain": "example.com", "method": "carrier-pigeon",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/domains", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestCORS(t *testing.T) {
	router, _ := setupRouter(t, func(c *config.Config) {
		c.Server.AllowedOrigins = []string{"http://localhost:5173"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/scans", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func withOrigin(t *testing.T, router http.Handler, method, path, origin string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDefaultOriginsProtectEthicalMode(t *testing.T) {
	router, svc := setupRouter(t, nil)

	w := withOrigin(t, router, http.MethodOptions, "/api/v1/config", "https://evil.example", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	unsafe := svc.GetConfig()
	unsafe.EthicalMode = false
	w = withOrigin(t, router, http.MethodPut, "/api/v1/config", "https://evil.example", unsafe)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, svc.GetConfig().EthicalMode)

	w = withOrigin(t, router, http.MethodPost, "/api/v1/scans", "http://localhost.evil.example",
		map[string]string{"target_url": "http://localhost:3000", "scan_type": "quick", "scanner": "zap"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, svc.ListScans())

	// Reads stay open; the browser withholds the response without CORS headers.
	w = withOrigin(t, router, http.MethodGet, "/health", "https://evil.example", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = withOrigin(t, router, http.MethodOptions, "/api/v1/config", "http://localhost:5173", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	w = withOrigin(t, router, http.MethodPut, "/api/v1/config", "http://localhost:5173", svc.GetConfig())
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPut, "/api/v1/config", svc.GetConfig())
	assert.Equal(t, http.StatusOK, w.Code, "clients without an Origin header")
}

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy(config.DefaultAllowedOrigins())

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost", true},
		{"http://localhost:5173", true},
		{"https://127.0.0.1:8443", true},
		{"http://[::1]:3000", true},
		{"chrome-extension://abcdefghijklmnop", true},
		{"moz-extension://1234-5678", true},
		{"https://evil.example", false},
		{"http://localhost.evil.example", false},
		{"http://localhost.evil.example:80", false},
		{"http://127.0.0.1.nip.io", false},
		{"null", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, p.allows(tt.origin))
		})
	}

	exact := newOriginPolicy([]string{"https://lab.example.com/"})
	assert.True(t, exact.allows("https://lab.example.com"))
	assert.False(t, exact.allows("https://lab.example.com:8443"))
	assert.True(t, newOriginPolicy([]string{"*"}).allows("https://anything.example"))
}

func TestEventStreamChecksOrigin(t *testing.T) {
	router, _ := setupRouter(t, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:5173"}})
	require.NoError(t, err)
	conn.Close()
}

func TestRateLimit(t *testing.T) {
	router, _ := setupRouter(t, func(c *config.Config) {
		c.Server.RequestsPerSecond = 1
		c.Server.BurstSize = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, router, http.MethodGet, "/health", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestEventStream(t *testing.T) {
	router, _ := setupRouter(t, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/v1/scans", "application/json",
		strings.NewReader(`{"target_url":"http://localhost:3000","scan_type":"quick","scanner":"zap"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seen []string
	for {
		var msg events.Message
		require.NoError(t, conn.ReadJSON(&msg))
		seen = append(seen, msg.Topic)
		if msg.Topic == core.TopicScanCompleted {
			break
		}
	}
	assert.Equal(t, core.TopicScanStarted, seen[0])
	assert.Contains(t, seen, core.TopicFindingDiscovered)
	assert.Contains(t, seen, core.TopicScanProgress)
}
