// Package lab assembles the security lab: configuration, ownership verification,
// scanning, findings and exploit sessions behind one service object.
package lab

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/events"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/exploit"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/findings"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/plugins"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/plugins/demo"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/validation"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/verification"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/worker"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/ai"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type Options struct {
	Config *config.Config
	Logger *logger.Logger
	// Publisher receives every event in addition to the in-process broker.
	Publisher core.Publisher
	Telemetry core.Telemetry
	// Suggester defaults to the OpenAI client built from Config.AI.
	Suggester core.Suggester
	// Adapters defaults to the ZAP and Nuclei adapters.
	Adapters orchestrator.AdapterResolver

	VerifierOptions []verification.Option
	ExploitClient   *http.Client
}

// Service is the single entry point a host application talks to.
type Service struct {
	store        *config.Store
	broker       *events.Broker
	publisher    core.Publisher
	logger       *logger.Logger
	verifier     *verification.Verifier
	findings     *findings.Store
	orchestrator *orchestrator.Orchestrator
	exploits     *exploit.Manager
}

func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	log := opts.Logger.WithComponent("lab")

	store := config.NewStore(opts.Config.Lab)
	broker := events.NewBroker()
	publisher := core.Publisher(broker)
	if opts.Publisher != nil {
		publisher = events.Multi{broker, opts.Publisher}
	}

	adapters := opts.Adapters
	if adapters == nil {
		registry, err := plugins.NewDefaultRegistry(store, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to register scanners: %w", err)
		}
		adapters = registry
	}
	suggester := opts.Suggester
	if suggester == nil {
		suggester = ai.NewClient(opts.Config.AI, opts.Logger)
	}

	verifier := verification.New(store, opts.Config.Verification, publisher, opts.Logger, opts.VerifierOptions...)
	gate := validation.NewGate(store, verifier, opts.Logger)
	found := findings.NewStore()

	s := &Service{
		store:     store,
		broker:    broker,
		publisher: publisher,
		logger:    log,
		verifier:  verifier,
		findings:  found,
		orchestrator: orchestrator.New(orchestrator.Deps{
			Config:    store,
			Gate:      gate,
			Adapters:  adapters,
			Demo:      demo.New(store, opts.Logger),
			Findings:  found,
			Pool:      worker.NewPool(opts.Config.Lab.MaxScanThreads, opts.Logger),
			Publisher: publisher,
			Telemetry: opts.Telemetry,
			Logger:    opts.Logger,
		}),
		exploits: exploit.NewManager(exploit.Deps{
			Config:    store,
			Exploit:   opts.Config.Exploit,
			Gate:      gate,
			Findings:  found,
			Suggester: suggester,
			Client:    opts.ExploitClient,
			Publisher: publisher,
			Telemetry: opts.Telemetry,
			Logger:    opts.Logger,
		}),
	}

	lab := store.Get()
	log.Infow("Security lab initialized",
		"ethical_mode", lab.EthicalMode,
		"require_domain_verification", lab.RequireDomainVerification,
		"demo_mode", lab.DemoMode,
		"max_scan_threads", lab.MaxScanThreads,
	)
	return s, nil
}

// Events is the in-process broker every event is published to.
func (s *Service) Events() *events.Broker { return s.broker }

func (s *Service) GetConfig() config.LabConfig { return s.store.Get() }

// UpdateConfig replaces the lab settings. The worker pool keeps the size it was
// started with.
func (s *Service) UpdateConfig(lab config.LabConfig) error {
	if err := s.store.Update(lab); err != nil {
		return core.Errorf(core.ErrInvalidInput, "Invalid configuration: %v", err)
	}
	current := s.store.Get()
	s.logger.Infow("Lab configuration updated",
		"ethical_mode", current.EthicalMode,
		"demo_mode", current.DemoMode,
		"allowed_targets", len(current.AllowedTargets),
	)
	masked := config.Config{Lab: current}.Masked()
	s.publisher.Publish(core.TopicConfigUpdated, masked.Lab)
	return nil
}

func (s *Service) RequestVerification(ctx context.Context, domain string, method types.VerificationMethod) (*types.DomainVerification, error) {
	return s.verifier.Issue(ctx, domain, method)
}

func (s *Service) CheckVerification(ctx context.Context, domain, token string, method types.VerificationMethod) (bool, error) {
	return s.verifier.Check(ctx, domain, token, method)
}

func (s *Service) VerifiedDomains() []types.VerifiedDomain { return s.verifier.Verified() }

func (s *Service) RevokeDomain(domain string) bool { return s.verifier.Revoke(domain) }

func (s *Service) StartScan(ctx context.Context, targetURL string, scanType types.ScanType, scanner types.Scanner) (types.Scan, error) {
	return s.orchestrator.StartScan(ctx, targetURL, scanType, scanner)
}

func (s *Service) GetScan(id string) (types.Scan, error) { return s.orchestrator.GetScan(id) }

func (s *Service) ListScans() []types.Scan { return s.orchestrator.ListScans() }

func (s *Service) CancelScan(id string) error { return s.orchestrator.CancelScan(id) }

// ScanFindings lists a scan's findings, highest severity first.
func (s *Service) ScanFindings(scanID string, filter findings.Filter) ([]types.Finding, error) {
	if _, err := s.orchestrator.GetScan(scanID); err != nil {
		return nil, err
	}
	return s.findings.Query(scanID, filter)
}

func (s *Service) GetFinding(id string) (types.Finding, error) { return s.findings.Get(id) }

func (s *Service) MarkFalsePositive(id string) error { return s.findings.MarkFalsePositive(id) }

func (s *Service) VerifyFinding(id string) error { return s.findings.Verify(id) }

func (s *Service) StartExploitSession(ctx context.Context, findingID string, exploitType types.ExploitType, aiAssistance bool) (types.ExploitSession, error) {
	return s.exploits.StartSession(ctx, findingID, exploitType, aiAssistance)
}

// ExecuteExploitCommand runs an operator command, or an AI suggestion when
// aiSuggested is set.
func (s *Service) ExecuteExploitCommand(ctx context.Context, sessionID, command, payload string, aiSuggested bool) (types.ExploitCommand, error) {
	if aiSuggested {
		return s.exploits.ExecuteSuggestion(ctx, sessionID, payload)
	}
	return s.exploits.Execute(ctx, sessionID, command, payload)
}

func (s *Service) Suggestions(ctx context.Context, sessionID string) ([]string, error) {
	return s.exploits.Suggestions(ctx, sessionID)
}

func (s *Service) GetExploitSession(id string) (types.ExploitSession, error) {
	return s.exploits.GetSession(id)
}

func (s *Service) ListExploitSessions() []types.ExploitSession { return s.exploits.ListSessions() }

func (s *Service) CloseExploitSession(id string, succeeded bool) error {
	return s.exploits.CloseSession(id, succeeded)
}

// Shutdown cancels running scans and waits for them to stop.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.orchestrator.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warnw("Shutdown did not drain cleanly", "error", err)
	}
	return err
}
