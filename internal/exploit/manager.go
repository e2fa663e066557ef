// Package exploit runs operator-driven exploitation sessions against confirmed findings.
//
// Every command passes a destructive-pattern filter before anything is sent, and
// dispatch to the target is throttled per host.
package exploit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/ai"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

// SuggestionCommand is recorded as the command of AI-suggested payloads.
const SuggestionCommand = "ai-suggestion"

// Matched case-sensitively against both command and payload.
var forbidden = []string{
	"rm -rf",
	"DROP DATABASE",
	"DELETE FROM",
	"shutdown",
	"format",
}

var methods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

type FindingSource interface {
	Get(findingID string) (types.Finding, error)
}

type Gate interface {
	CheckEthicalCompliance(ctx context.Context, rawURL string) error
}

type Deps struct {
	Config    *config.Store
	Exploit   config.ExploitConfig
	Gate      Gate
	Findings  FindingSource
	Suggester core.Suggester
	// Limiter and Client are built from Exploit when nil.
	Limiter   *ratelimit.Limiter
	Client    *http.Client
	Publisher core.Publisher
	Telemetry core.Telemetry
	Logger    *logger.Logger
}

type Manager struct {
	cfg       *config.Store
	gate      Gate
	findings  FindingSource
	suggester core.Suggester
	limiter   *ratelimit.Limiter
	client    *http.Client
	maxBody   int64
	publisher core.Publisher
	telemetry core.Telemetry
	logger    *logger.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*types.ExploitSession
}

func NewManager(d Deps) *Manager {
	limiter := d.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.FromExploitConfig(d.Exploit))
	}
	client := d.Client
	if client == nil {
		hc := httpclient.DefaultConfig()
		if d.Exploit.RequestTimeout > 0 {
			hc.Timeout = d.Exploit.RequestTimeout
		}
		hc.BlockPrivateIPs = d.Exploit.BlockPrivateIPs
		client = httpclient.New(hc)
	}
	maxBody := d.Exploit.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	return &Manager{
		cfg:       d.Config,
		gate:      d.Gate,
		findings:  d.Findings,
		suggester: d.Suggester,
		limiter:   limiter,
		client:    client,
		maxBody:   maxBody,
		publisher: d.Publisher,
		telemetry: d.Telemetry,
		logger:    d.Logger.WithComponent("exploit"),
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*types.ExploitSession),
	}
}

// StartSession opens an Active session against a finding's affected URL. The
// target must pass the same ethical gate a scan would.
func (m *Manager) StartSession(ctx context.Context, findingID string, exploitType types.ExploitType, aiAssistance bool) (types.ExploitSession, error) {
	if !exploitType.IsValid() {
		return types.ExploitSession{}, core.Errorf(core.ErrInvalidInput, "Unknown exploit type '%s'", exploitType)
	}
	finding, err := m.findings.Get(findingID)
	if err != nil {
		return types.ExploitSession{}, err
	}
	if err := m.gate.CheckEthicalCompliance(ctx, finding.AffectedURL); err != nil {
		return types.ExploitSession{}, err
	}

	now := m.now()
	session := &types.ExploitSession{
		ID:                  uuid.NewString(),
		FindingID:           findingID,
		TargetURL:           finding.AffectedURL,
		ExploitType:         exploitType,
		Status:              types.ExploitStatusActive,
		Commands:            []types.ExploitCommand{},
		AIAssistanceEnabled: aiAssistance,
		CreatedAt:           now,
		LastActivity:        now,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	snapshot := cloneSession(session)
	m.mu.Unlock()

	m.logger.WithSessionID(session.ID).WithTarget(session.TargetURL).Infow("Exploit session started",
		"finding_id", findingID,
		"exploit_type", exploitType,
		"ai_assistance", aiAssistance,
	)
	m.publisher.Publish(core.TopicExploitSessionStarted, snapshot)
	return snapshot, nil
}

// Execute dispatches payload to the session's target. The HTTP method is taken
// from a leading verb in command and defaults to POST.
func (m *Manager) Execute(ctx context.Context, sessionID, command, payload string) (types.ExploitCommand, error) {
	return m.execute(ctx, sessionID, command, payload, false)
}

// ExecuteSuggestion runs a payload that came from Suggestions.
func (m *Manager) ExecuteSuggestion(ctx context.Context, sessionID, payload string) (types.ExploitCommand, error) {
	return m.execute(ctx, sessionID, SuggestionCommand, payload, true)
}

func (m *Manager) execute(ctx context.Context, sessionID, command, payload string, aiSuggested bool) (types.ExploitCommand, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return types.ExploitCommand{}, core.NotFound("Session")
	}
	status, target, exploitType := session.Status, session.TargetURL, session.ExploitType
	m.mu.RUnlock()

	if status != types.ExploitStatusActive {
		return types.ExploitCommand{}, core.Errorf(core.ErrInvalidInput, "Session is not active")
	}

	log := m.logger.WithSessionID(sessionID).WithTarget(target)
	if pattern, blocked := destructive(command, payload); blocked {
		m.telemetry.RecordExploitCommand(exploitType, "blocked")
		log.LogSecurityEvent(ctx, "exploit_command_blocked", "high", map[string]interface{}{
			"session_id": sessionID,
			"pattern":    pattern,
			"command":    command,
		})
		return types.ExploitCommand{}, core.Errorf(core.ErrGuardrail, "Destructive command blocked by ethical guardrails")
	}

	u, err := url.Parse(target)
	if err != nil {
		return types.ExploitCommand{}, core.Errorf(core.ErrInvalidTarget, "Invalid session target: %v", err)
	}
	if err := m.limiter.WaitForHost(ctx, u.Hostname()); err != nil {
		return types.ExploitCommand{}, fmt.Errorf("waiting for rate limit: %w", err)
	}

	method := methodOf(command)
	start := time.Now()
	response, statusCode, sendErr := m.dispatch(ctx, method, u, payload)

	cmd := types.ExploitCommand{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Command:     command,
		Payload:     payload,
		StatusCode:  statusCode,
		Timestamp:   m.now(),
		AISuggested: aiSuggested,
	}
	if sendErr != nil {
		cmd.Response = "Request failed: " + sendErr.Error()
		log.LogError(ctx, sendErr, "exploit.dispatch", "method", method)
	} else {
		cmd.Response = response
		cmd.Success = !strings.Contains(response, "error")
		log.LogHTTPRequest(ctx, method, target, statusCode, time.Since(start), "ai_suggested", aiSuggested)
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Commands = append(s.Commands, cmd)
		s.LastActivity = cmd.Timestamp
	}
	m.mu.Unlock()

	outcome := "failed"
	if cmd.Success {
		outcome = "success"
	}
	m.telemetry.RecordExploitCommand(exploitType, outcome)
	m.publisher.Publish(core.TopicExploitCommandExecuted, cmd)
	return cmd, nil
}

func (m *Manager) dispatch(ctx context.Context, method string, target *url.URL, payload string) (string, int, error) {
	u := *target
	var body *strings.Reader
	if method == http.MethodGet || method == http.MethodHead {
		if payload != "" {
			if u.RawQuery != "" {
				u.RawQuery += "&" + payload
			} else {
				u.RawQuery = payload
			}
		}
		body = strings.NewReader("")
	} else {
		body = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return "", 0, err
	}
	resp, err := httpclient.DoWithContext(ctx, m.client, req)
	if err != nil {
		return "", 0, err
	}
	defer httpclient.CloseBody(resp)

	data, err := httpclient.ReadBody(resp, m.maxBody)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return fmt.Sprintf("HTTP %s - %s", resp.Status, data), resp.StatusCode, nil
}

func destructive(command, payload string) (string, bool) {
	for _, pattern := range forbidden {
		if strings.Contains(command, pattern) || strings.Contains(payload, pattern) {
			return pattern, true
		}
	}
	return "", false
}

func methodOf(command string) string {
	fields := strings.Fields(command)
	if len(fields) > 0 {
		if verb := strings.ToUpper(fields[0]); methods[verb] {
			return verb
		}
	}
	return http.MethodPost
}

// Suggestions asks the AI backend for candidate payloads for the session's finding.
func (m *Manager) Suggestions(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return nil, core.NotFound("Session")
	}
	enabled, findingID := session.AIAssistanceEnabled, session.FindingID
	m.mu.RUnlock()

	if !enabled {
		return nil, core.Errorf(core.ErrInvalidInput, "AI assistance not enabled for this session")
	}
	apiKey := m.cfg.Get().OpenAIAPIKey
	if apiKey == "" || m.suggester == nil {
		return nil, core.Errorf(core.ErrNotConfigured, "OpenAI API key not configured")
	}

	finding, err := m.findings.Get(findingID)
	if err != nil {
		return nil, err
	}
	text, err := m.suggester.Suggest(ctx, apiKey, Context(finding))
	if err != nil {
		m.logger.WithSessionID(sessionID).LogError(ctx, err, "exploit.suggestions")
		return nil, err
	}
	out := ai.ParseSuggestions(text)
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// Context is the prompt describing a finding to the AI backend.
func Context(f types.Finding) string {
	return fmt.Sprintf("Vulnerability: %s\nDescription: %s\nAffected URL: %s\nParameter: %s\nEvidence: %s",
		f.Name, f.Description, f.AffectedURL, f.AffectedParameter, f.Evidence)
}

func (m *Manager) GetSession(sessionID string) (types.ExploitSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return types.ExploitSession{}, core.NotFound("Session")
	}
	return cloneSession(s), nil
}

// ListSessions returns every session, newest first.
func (m *Manager) ListSessions() []types.ExploitSession {
	m.mu.RLock()
	out := make([]types.ExploitSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CloseSession ends an Active session as Success or Failed. Unknown or already
// closed sessions are left alone.
func (m *Manager) CloseSession(sessionID string, succeeded bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != types.ExploitStatusActive {
		m.mu.Unlock()
		return nil
	}
	s.Status = types.ExploitStatusFailed
	if succeeded {
		s.Status = types.ExploitStatusSuccess
	}
	s.LastActivity = m.now()
	snapshot := cloneSession(s)
	m.mu.Unlock()

	m.logger.WithSessionID(sessionID).Infow("Exploit session closed",
		"status", snapshot.Status,
		"commands", len(snapshot.Commands),
	)
	m.publisher.Publish(core.TopicExploitSessionClosed, snapshot)
	return nil
}

func cloneSession(s *types.ExploitSession) types.ExploitSession {
	out := *s
	out.Commands = append([]types.ExploitCommand{}, s.Commands...)
	return out
}
