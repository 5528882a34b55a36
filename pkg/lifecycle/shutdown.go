// Package lifecycle coordinates shutdown for long-running commands.
// The first SIGINT or SIGTERM cancels the run context so workers drain
// and finish their current match; a second signal, or an exhausted
// drain budget, abandons the run.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Config controls drain behavior.
type Config struct {
	// DrainTimeout bounds how long the run may keep going after the
	// first signal. Zero means 30 seconds.
	DrainTimeout time.Duration

	// OnDrain is called when the first signal arrives.
	OnDrain func(sig os.Signal)

	// OnForce is called when a second signal or the drain timeout
	// abandons the run.
	OnForce func(reason string)
}

func (c Config) drainTimeout() time.Duration {
	if c.DrainTimeout <= 0 {
		return 30 * time.Second
	}
	return c.DrainTimeout
}

// ErrForced is returned when a run was abandoned rather than drained.
var ErrForced = fmt.Errorf("shutdown forced before drain completed")

// Run executes fn under signal management and returns its error. On the
// first signal the context passed to fn is cancelled and Run keeps
// waiting for fn to drain; on a second signal or after the drain budget
// Run returns ErrForced without waiting further. fn must treat context
// cancellation as "stop taking new work".
func Run(parent context.Context, cfg Config, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Parent cancelled; wait for fn to notice.
		return <-done
	case sig := <-sigs:
		if cfg.OnDrain != nil {
			cfg.OnDrain(sig)
		}
		cancel()
	}

	timer := time.NewTimer(cfg.drainTimeout())
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case sig := <-sigs:
		if cfg.OnForce != nil {
			cfg.OnForce(fmt.Sprintf("second signal (%v)", sig))
		}
		return ErrForced
	case <-timer.C:
		if cfg.OnForce != nil {
			cfg.OnForce(fmt.Sprintf("drain budget (%s) exhausted", cfg.drainTimeout()))
		}
		return ErrForced
	}
}
