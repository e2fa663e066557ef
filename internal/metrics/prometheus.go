// Package metrics exposes lab activity for Prometheus scraping.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ core.Telemetry = (*Recorder)(nil)

// Recorder keeps its own registry so nothing leaks into the global default.
type Recorder struct {
	registry *prometheus.Registry

	scansTotal      *prometheus.CounterVec
	scanDuration    *prometheus.HistogramVec
	findingsTotal   *prometheus.CounterVec
	exploitCommands *prometheus.CounterVec
	activeScans     prometheus.Gauge
}

func NewRecorder() (*Recorder, error) {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclab_scans_total",
			Help: "Scans that reached a terminal state",
		},
		[]string{"scan_type", "status"},
	)
	r.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seclab_scan_duration_seconds",
			Help:    "Scan duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"scan_type"},
	)
	r.findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclab_findings_total",
			Help: "Findings recorded by scanner and severity",
		},
		[]string{"scanner", "severity"},
	)
	r.exploitCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclab_exploit_commands_total",
			Help: "Exploit commands by type and outcome",
		},
		[]string{"exploit_type", "outcome"},
	)
	r.activeScans = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seclab_active_scans",
		Help: "Scans currently running",
	})

	collectors := []prometheus.Collector{
		r.scansTotal,
		r.scanDuration,
		r.findingsTotal,
		r.exploitCommands,
		r.activeScans,
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return r, nil
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) RecordScan(scanType types.ScanType, status types.ScanStatus, duration float64) {
	r.scansTotal.WithLabelValues(string(scanType), string(status)).Inc()
	r.scanDuration.WithLabelValues(string(scanType)).Observe(duration)
}

func (r *Recorder) RecordFinding(scanner types.Scanner, severity types.Severity) {
	r.findingsTotal.WithLabelValues(string(scanner), string(severity)).Inc()
}

func (r *Recorder) RecordExploitCommand(exploitType types.ExploitType, outcome string) {
	r.exploitCommands.WithLabelValues(string(exploitType), outcome).Inc()
}

func (r *Recorder) RecordActiveScans(delta int) {
	r.activeScans.Add(float64(delta))
}

func (r *Recorder) Close() error { return nil }
