package orchestrator

import (
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type progressRange struct{ lo, hi float64 }

// subRanges splits the running part of a scan between n adapters. ZAP and
// Nuclei together get [0.1,0.5] and [0.5,0.95].
func subRanges(n int) []progressRange {
	const start, end = 0.1, 0.95
	if n == 2 {
		return []progressRange{{start, 0.5}, {0.5, end}}
	}
	out := make([]progressRange, n)
	step := (end - start) / float64(n)
	for i := range out {
		out[i] = progressRange{start + step*float64(i), start + step*float64(i+1)}
	}
	out[n-1].hi = end
	return out
}

// scanSink maps an adapter's local progress into its share of the scan.
type scanSink struct {
	o      *Orchestrator
	scanID string
	rng    progressRange
}

func (s *scanSink) Progress(local float64) {
	if local < 0 {
		local = 0
	}
	if local > 1 {
		local = 1
	}
	s.o.setProgress(s.scanID, s.rng.lo+(s.rng.hi-s.rng.lo)*local)
}

func (s *scanSink) Finding(f types.Finding) {
	s.o.addFinding(s.scanID, f)
}
