package orchestrator

import (
	"fmt"
	"strings"
)

// adapterErrors records which adapters of a scan failed, in run order.
// Adapters run one after another, so it needs no locking.
type adapterErrors struct {
	names []string
	errs  []error
}

func (a *adapterErrors) add(adapter string, err error) {
	if err == nil {
		return
	}
	a.names = append(a.names, adapter)
	a.errs = append(a.errs, err)
}

func (a *adapterErrors) count() int { return len(a.errs) }

// allFailed reports whether every one of total adapters failed.
func (a *adapterErrors) allFailed(total int) bool {
	return total > 0 && len(a.errs) >= total
}

// Error is the scan's failure message: "zap: ...; nuclei: ...".
func (a *adapterErrors) Error() string {
	parts := make([]string, len(a.errs))
	for i, err := range a.errs {
		parts[i] = a.names[i] + ": " + err.Error()
	}
	return strings.Join(parts, "; ")
}

func (a *adapterErrors) Unwrap() []error { return a.errs }

func (a *adapterErrors) summary(total int) string {
	return fmt.Sprintf("%d/%d adapters failed (%s)", len(a.errs), total, strings.Join(a.names, ", "))
}
