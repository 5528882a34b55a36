// Package source abstracts the replay engine behind a stepper
// interface. The engine replays a match and reports complete state
// snapshots; it is strictly sequential, each advance mutates hidden
// engine state, so nothing here is safe for concurrent use. Workers own
// their engine instance outright and never share it.
package source

import (
	"context"

	"github.com/replayflow/replayflow/internal/model"
)

// ReplayExtension is the file extension of engine replay files.
const ReplayExtension = ".SC2Replay"

// Source steps one loaded match forward and reports its state. Advance
// and Snapshot must not overlap; callers drive the source from a single
// goroutine in tick order.
type Source interface {
	// Advance steps the match forward by the given number of game loops
	// and reports whether the match ended before reaching the target.
	Advance(ctx context.Context, ticks int) (ended bool, err error)

	// CurrentTick returns the game loop the source is positioned at.
	CurrentTick() model.Tick

	// Snapshot returns the complete observable state at the current
	// tick. A hung snapshot call is broken by killing the engine, not
	// by context cancellation.
	Snapshot() (*model.Snapshot, error)

	// Close releases the match. The owning Engine stays usable.
	Close() error
}

// Engine owns one replay engine instance. A batch worker holds exactly
// one Engine and loads matches through it sequentially. Restart tears
// the instance down and brings up a fresh one; it is the only recovery
// path for a hung or poisoned engine.
type Engine interface {
	Load(ctx context.Context, replayPath string) (Source, error)
	Restart(ctx context.Context) error
	Close() error
}

// Factory creates one Engine per batch worker.
type Factory func() (Engine, error)
