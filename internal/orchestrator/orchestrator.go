// Package orchestrator runs scans in the background and owns their lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/findings"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/validation"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/worker"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type Gate interface {
	CheckEthicalCompliance(ctx context.Context, rawURL string) error
}

type AdapterResolver interface {
	Resolve(sel types.Scanner) ([]core.Adapter, error)
}

type Deps struct {
	Config    *config.Store
	Gate      Gate
	Adapters  AdapterResolver
	Demo      core.Adapter
	Findings  *findings.Store
	Pool      *worker.Pool
	Publisher core.Publisher
	Telemetry core.Telemetry
	Logger    *logger.Logger
}

type scanState struct {
	scan   types.Scan
	counts types.SeverityCounts
	cancel context.CancelFunc

	// emit serializes state changes with their events so a scan's events
	// are published in order and nothing follows its terminal event.
	emit sync.Mutex
}

type Orchestrator struct {
	cfg       *config.Store
	gate      Gate
	adapters  AdapterResolver
	demo      core.Adapter
	findings  *findings.Store
	pool      *worker.Pool
	publisher core.Publisher
	telemetry core.Telemetry
	logger    *logger.Logger
	now       func() time.Time

	base context.Context
	stop context.CancelFunc

	mu    sync.RWMutex
	scans map[string]*scanState
}

func New(d Deps) *Orchestrator {
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       d.Config,
		gate:      d.Gate,
		adapters:  d.Adapters,
		demo:      d.Demo,
		findings:  d.Findings,
		pool:      d.Pool,
		publisher: d.Publisher,
		telemetry: d.Telemetry,
		logger:    d.Logger.WithComponent("orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
		base:      base,
		stop:      stop,
		scans:     make(map[string]*scanState),
	}
}

// StartScan validates and authorizes the target, registers a pending scan and
// queues it. It returns without waiting for the scan to run.
func (o *Orchestrator) StartScan(ctx context.Context, targetURL string, scanType types.ScanType, scanner types.Scanner) (types.Scan, error) {
	if _, err := validation.ValidateURL(targetURL); err != nil {
		return types.Scan{}, err
	}
	if !scanType.IsValid() {
		return types.Scan{}, core.Errorf(core.ErrInvalidInput, "Unknown scan type '%s'", scanType)
	}
	if !scanner.IsValid() {
		return types.Scan{}, core.Errorf(core.ErrInvalidInput, "Unknown scanner '%s'", scanner)
	}
	if err := o.gate.CheckEthicalCompliance(ctx, targetURL); err != nil {
		return types.Scan{}, err
	}

	scanCtx, cancel := context.WithCancel(o.base)
	st := &scanState{
		scan: types.Scan{
			ID:        uuid.NewString(),
			TargetURL: targetURL,
			ScanType:  scanType,
			Scanner:   scanner,
			Status:    types.ScanStatusPending,
			StartedAt: o.now(),
		},
		counts: types.SeverityCounts{},
		cancel: cancel,
	}
	st.scan.SetCounts(st.counts)
	id := st.scan.ID

	o.mu.Lock()
	o.scans[id] = st
	o.findings.Create(id)
	snapshot := st.scan
	o.mu.Unlock()

	o.logger.WithContext(ctx).Infow("Scan queued",
		"scan_id", id,
		"target", targetURL,
		"scan_type", scanType,
		"scanner", scanner,
	)
	o.publisher.Publish(core.TopicScanStarted, snapshot)

	req := core.ScanRequest{ScanID: id, TargetURL: targetURL, ScanType: scanType, Scanner: scanner}
	if err := o.pool.Submit(scanCtx, "scan:"+id, func(ctx context.Context) { o.run(ctx, req) }); err != nil {
		o.finish(id, types.ScanStatusFailed, err.Error())
		cancel()
		return o.GetScan(id)
	}
	return snapshot, nil
}

func (o *Orchestrator) run(ctx context.Context, req core.ScanRequest) {
	lab := o.cfg.Get()
	ctx, cancel := context.WithTimeout(ctx, lab.ScanTimeout)
	defer cancel()

	if !o.markRunning(req.ScanID) {
		return
	}
	log := o.logger.WithScanID(req.ScanID).WithTarget(req.TargetURL)
	ctx, span := log.StartOperation(ctx, "orchestrator.run", "scan_type", req.ScanType, "scanner", req.Scanner)
	start := time.Now()
	var runErr error
	defer func() { log.FinishOperation(ctx, span, "orchestrator.run", start, runErr) }()

	o.setProgress(req.ScanID, 0.1)

	var adapters []core.Adapter
	if lab.DemoMode {
		adapters = []core.Adapter{o.demo}
	} else {
		var err error
		adapters, err = o.adapters.Resolve(req.Scanner)
		if err != nil {
			runErr = err
			o.finish(req.ScanID, types.ScanStatusFailed, err.Error())
			return
		}
	}

	agg := &adapterErrors{}
	ranges := subRanges(len(adapters))
	for i, a := range adapters {
		sink := &scanSink{o: o, scanID: req.ScanID, rng: ranges[i]}
		err := a.Run(ctx, req, sink)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.LogError(ctx, err, "adapter.run", "adapter", a.Name())
			agg.add(string(a.Name()), err)
			continue
		}
		sink.Progress(1)
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		runErr = ctx.Err()
		o.finish(req.ScanID, types.ScanStatusFailed, fmt.Sprintf("Scan exceeded timeout of %s", lab.ScanTimeout))
	case ctx.Err() != nil:
		// Cancelled by CancelScan or Shutdown, which record the terminal state.
		runErr = ctx.Err()
	case agg.allFailed(len(adapters)):
		runErr = agg
		o.finish(req.ScanID, types.ScanStatusFailed, agg.Error())
	default:
		if agg.count() > 0 {
			log.Warnw("Scan completed with adapter errors", "summary", agg.summary(len(adapters)), "errors", agg.Error())
		}
		o.setProgress(req.ScanID, 1)
		o.finish(req.ScanID, types.ScanStatusCompleted, "")
	}
}

func (o *Orchestrator) state(id string) *scanState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.scans[id]
}

func (o *Orchestrator) markRunning(id string) bool {
	st := o.state(id)
	if st == nil {
		return false
	}
	st.emit.Lock()
	defer st.emit.Unlock()

	o.mu.Lock()
	if st.scan.Status != types.ScanStatusPending {
		o.mu.Unlock()
		return false
	}
	st.scan.Status = types.ScanStatusRunning
	o.mu.Unlock()

	o.telemetry.RecordActiveScans(1)
	o.logger.Infow("Scan running", "scan_id", id)
	return true
}

// setProgress records p if the scan is running and p is not below the current value.
func (o *Orchestrator) setProgress(id string, p float64) {
	st := o.state(id)
	if st == nil {
		return
	}
	st.emit.Lock()
	defer st.emit.Unlock()

	o.mu.Lock()
	if st.scan.Status != types.ScanStatusRunning || p <= st.scan.Progress {
		o.mu.Unlock()
		return
	}
	st.scan.Progress = p
	o.mu.Unlock()

	o.publisher.Publish(core.TopicScanProgress, types.ScanProgress{ScanID: id, Progress: p})
	o.logger.LogScanProgress(context.Background(), id, p, string(types.ScanStatusRunning))
}

func (o *Orchestrator) addFinding(id string, f types.Finding) {
	st := o.state(id)
	if st == nil {
		return
	}
	st.emit.Lock()
	defer st.emit.Unlock()

	o.mu.Lock()
	if st.scan.Status != types.ScanStatusRunning {
		o.mu.Unlock()
		return
	}
	f.ScanID = id
	stored, ok := o.findings.Append(f)
	if ok {
		st.counts.Add(stored.Severity)
		st.scan.SetCounts(st.counts)
	}
	o.mu.Unlock()

	if !ok {
		o.logger.Debugw("Dropped duplicate finding", "scan_id", id, "name", f.Name, "url", f.AffectedURL)
		return
	}
	o.publisher.Publish(core.TopicFindingDiscovered, stored)
	o.telemetry.RecordFinding(stored.Scanner, stored.Severity)
	o.logger.LogVulnerability(context.Background(), stored)
}

// finish moves a scan to a terminal status once. Later calls are no-ops.
func (o *Orchestrator) finish(id string, status types.ScanStatus, msg string) bool {
	st := o.state(id)
	if st == nil {
		return false
	}
	st.emit.Lock()
	defer st.emit.Unlock()

	o.mu.Lock()
	if st.scan.Status.IsTerminal() {
		o.mu.Unlock()
		return false
	}
	wasRunning := st.scan.Status == types.ScanStatusRunning
	now := o.now()
	st.scan.Status = status
	st.scan.CompletedAt = &now
	st.scan.ErrorMessage = msg
	if status == types.ScanStatusCompleted {
		st.scan.SetCounts(o.findings.Counts(id))
		st.scan.Progress = 1
	}
	snapshot := st.scan
	o.mu.Unlock()

	// Releases the scan context; adapters still running see it as cancelled.
	st.cancel()

	if wasRunning {
		o.telemetry.RecordActiveScans(-1)
	}
	o.telemetry.RecordScan(snapshot.ScanType, status, now.Sub(snapshot.StartedAt).Seconds())

	log := o.logger.WithScanID(id)
	switch status {
	case types.ScanStatusCompleted:
		log.Infow("Scan completed",
			"findings", snapshot.FindingsCount,
			"critical", snapshot.CriticalCount,
			"high", snapshot.HighCount,
			"duration", now.Sub(snapshot.StartedAt).String(),
		)
		o.publisher.Publish(core.TopicScanCompleted, snapshot)
	case types.ScanStatusFailed:
		log.Errorw("Scan failed", "error", msg)
		o.publisher.Publish(core.TopicScanFailed, snapshot)
	case types.ScanStatusCancelled:
		log.Infow("Scan cancelled", "reason", msg)
		o.publisher.Publish(core.TopicScanCancelled, snapshot)
	}
	return true
}

func (o *Orchestrator) GetScan(id string) (types.Scan, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st, ok := o.scans[id]
	if !ok {
		return types.Scan{}, core.NotFound("Scan")
	}
	return st.scan, nil
}

// ListScans returns every scan, most recently started first.
func (o *Orchestrator) ListScans() []types.Scan {
	o.mu.RLock()
	out := make([]types.Scan, 0, len(o.scans))
	for _, st := range o.scans {
		out = append(out, st.scan)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// CancelScan stops a pending or running scan. Cancelling a finished scan is a no-op.
func (o *Orchestrator) CancelScan(id string) error {
	st := o.state(id)
	if st == nil {
		return core.NotFound("Scan")
	}
	o.finish(id, types.ScanStatusCancelled, "Cancelled by operator")
	st.cancel()
	return nil
}

// Shutdown cancels every unfinished scan and waits for their goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.scans))
	for id, st := range o.scans {
		if !st.scan.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	o.mu.RUnlock()

	for _, id := range ids {
		o.finish(id, types.ScanStatusCancelled, "Lab shutting down")
	}
	o.stop()
	return o.pool.Close(ctx)
}
