package core

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

// ScanRequest is what an adapter needs to run against one target.
type ScanRequest struct {
	ScanID    string
	TargetURL string
	ScanType  types.ScanType
	// Scanner is the selection the scan was started with, not the adapter's own name.
	Scanner types.Scanner
}

// Sink receives an adapter's output. Progress is local to the adapter, in [0,1].
type Sink interface {
	Progress(fraction float64)
	Finding(f types.Finding)
}

// Adapter drives one scanner backend. Returning nil with no findings means the
// backend was unavailable and the scan should carry on without it.
type Adapter interface {
	Name() types.Scanner
	Run(ctx context.Context, req ScanRequest, sink Sink) error
}

// Publisher delivers named events to whatever host application embeds the lab.
type Publisher interface {
	Publish(topic string, payload interface{})
}

type PublisherFunc func(topic string, payload interface{})

func (f PublisherFunc) Publish(topic string, payload interface{}) { f(topic, payload) }

// Suggester produces free-form text from a prompt.
type Suggester interface {
	Suggest(ctx context.Context, apiKey, prompt string) (string, error)
}

type Telemetry interface {
	RecordScan(scanType types.ScanType, status types.ScanStatus, duration float64)
	RecordFinding(scanner types.Scanner, severity types.Severity)
	RecordExploitCommand(exploitType types.ExploitType, outcome string)
	RecordActiveScans(delta int)
	Close() error
}

// Event topics.
const (
	TopicScanStarted            = "scan_started"
	TopicScanProgress           = "scan_progress"
	TopicFindingDiscovered      = "finding_discovered"
	TopicScanCompleted          = "scan_completed"
	TopicScanFailed             = "scan_failed"
	TopicScanCancelled          = "scan_cancelled"
	TopicVerificationRequired   = "verification_required"
	TopicDomainVerified         = "domain_verified"
	TopicExploitSessionStarted  = "exploit_session_started"
	TopicExploitCommandExecuted = "exploit_command_executed"
	TopicExploitSessionClosed   = "exploit_session_closed"
	TopicConfigUpdated          = "config_updated"
)
