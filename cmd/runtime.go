package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/events"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/lab"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/telemetry"
)

// runtime is everything a command needs to drive the lab in-process.
type runtime struct {
	svc     *lab.Service
	metrics *metrics.Recorder
	closers []func() error
}

func newRuntime(ctx context.Context, c *config.Config, log *logger.Logger) (*runtime, error) {
	tel, err := telemetry.New(ctx, c.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rec, err := metrics.NewRecorder()
	if err != nil {
		_ = tel.Close()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	tee := telemetry.Tee{tel, rec}
	rt := &runtime{metrics: rec, closers: []func() error{tee.Close}}

	opts := lab.Options{Config: c, Logger: log, Telemetry: tee}
	if c.Redis.Enabled {
		pub, err := events.NewRedisPublisher(c.Redis, log)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis events: %w", err)
		}
		opts.Publisher = pub
		rt.closers = append(rt.closers, pub.Close)
	}

	rt.svc, err = lab.New(opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases exporters and connections. The service itself is shut down
// by the caller, which knows how long to wait.
func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
