package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type namedAdapter types.Scanner

func (n namedAdapter) Name() types.Scanner { return types.Scanner(n) }

func (n namedAdapter) Run(context.Context, core.ScanRequest, core.Sink) error { return nil }

func TestDefaultRegistry(t *testing.T) {
	r, err := NewDefaultRegistry(config.NewStore(config.DefaultLabConfig()), logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []types.Scanner{types.ScannerNuclei, types.ScannerZAP}, r.List())

	tests := []struct {
		sel  types.Scanner
		want []types.Scanner
	}{
		{types.ScannerZAP, []types.Scanner{types.ScannerZAP}},
		{types.ScannerNuclei, []types.Scanner{types.ScannerNuclei}},
		{types.ScannerBoth, []types.Scanner{types.ScannerZAP, types.ScannerNuclei}},
	}
	for _, tt := range tests {
		t.Run(string(tt.sel), func(t *testing.T) {
			adapters, err := r.Resolve(tt.sel)
			require.NoError(t, err)
			var names []types.Scanner
			for _, a := range adapters {
				names = append(names, a.Name())
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestRegisterRejects(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedAdapter(types.ScannerZAP)))

	assert.Error(t, r.Register(namedAdapter(types.ScannerZAP)), "duplicate")
	assert.Error(t, r.Register(namedAdapter(types.ScannerBoth)), "selection, not a scanner")
	assert.Error(t, r.Register(namedAdapter("burp")), "unknown")

	_, err := r.Resolve(types.ScannerBoth)
	assert.Error(t, err, "nuclei missing")

	_, err = r.Get(types.ScannerNuclei)
	assert.Error(t, err)
}
