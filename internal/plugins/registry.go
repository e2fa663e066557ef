// Package plugins holds the scanner adapters and the registry the orchestrator
// resolves them from.
package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/plugins/nuclei"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/plugins/zap"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type Registry struct {
	mu       sync.RWMutex
	adapters map[types.Scanner]core.Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.Scanner]core.Adapter)}
}

// NewDefaultRegistry registers the ZAP and Nuclei adapters.
func NewDefaultRegistry(cfg *config.Store, log *logger.Logger) (*Registry, error) {
	r := NewRegistry()
	if err := r.Register(zap.New(cfg, log)); err != nil {
		return nil, fmt.Errorf("failed to register ZAP adapter: %w", err)
	}
	if err := r.Register(nuclei.New(cfg, log)); err != nil {
		return nil, fmt.Errorf("failed to register Nuclei adapter: %w", err)
	}
	return r, nil
}

func (r *Registry) Register(a core.Adapter) error {
	name := a.Name()
	if name == types.ScannerBoth || !name.IsValid() {
		return fmt.Errorf("adapter name %q is not a concrete scanner", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	r.adapters[name] = a
	return nil
}

func (r *Registry) Get(name types.Scanner) (core.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("adapter %s not registered", name)
	}
	return a, nil
}

// Resolve expands a scanner selection into the adapters to run, in order.
func (r *Registry) Resolve(sel types.Scanner) ([]core.Adapter, error) {
	names := []types.Scanner{sel}
	if sel == types.ScannerBoth {
		names = []types.Scanner{types.ScannerZAP, types.ScannerNuclei}
	}

	out := make([]core.Adapter, 0, len(names))
	for _, name := range names {
		a, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *Registry) List() []types.Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]types.Scanner, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
