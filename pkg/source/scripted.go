package source

import (
	"context"
	"sync"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/errors"
)

// Script is one canned match: a pre-sampled snapshot sequence plus
// optional fault injection. Tests and the demo command use Scripts in
// place of a real engine.
type Script struct {
	// Snapshots in strictly increasing tick order. The sequence is
	// treated as already sampled: each Advance positions the source at
	// the next entry regardless of the requested loop count.
	Snapshots []model.Snapshot

	// LoadErr fails Load with this error instead of opening the match.
	LoadErr error

	// HangFromTick makes Advance block until the context is done once
	// the next snapshot's tick reaches this value. Zero disables.
	HangFromTick model.Tick

	// SnapshotErrAtTick makes Snapshot fail at this tick with
	// SnapshotErr. Zero disables.
	SnapshotErrAtTick model.Tick
	SnapshotErr       error
}

// ScriptedSource replays one Script.
type ScriptedSource struct {
	script *Script
	pos    int // index of the current snapshot; -1 before the first Advance
}

var _ Source = (*ScriptedSource)(nil)

// NewScriptedSource positions a source before the script's first
// snapshot.
func NewScriptedSource(script *Script) *ScriptedSource {
	return &ScriptedSource{script: script, pos: -1}
}

// Advance moves to the next scripted snapshot. The loop count is
// accepted for interface compatibility; the script is already sampled.
func (s *ScriptedSource) Advance(ctx context.Context, ticks int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Wrap(err, errors.CodeCanceled, "advance interrupted")
	}
	next := s.pos + 1
	if next >= len(s.script.Snapshots) {
		return true, nil
	}
	if h := s.script.HangFromTick; h > 0 && s.script.Snapshots[next].Tick >= h {
		<-ctx.Done()
		return false, errors.Wrap(ctx.Err(), errors.CodeCanceled, "advance interrupted")
	}
	s.pos = next
	return false, nil
}

// CurrentTick returns the tick of the current snapshot, 0 before the
// first Advance.
func (s *ScriptedSource) CurrentTick() model.Tick {
	if s.pos < 0 {
		return 0
	}
	return s.script.Snapshots[s.pos].Tick
}

// Snapshot returns the current scripted snapshot.
func (s *ScriptedSource) Snapshot() (*model.Snapshot, error) {
	if s.pos < 0 || s.pos >= len(s.script.Snapshots) {
		return nil, errors.New(errors.CodeEngineProtocol, "snapshot requested before a successful advance")
	}
	snap := s.script.Snapshots[s.pos]
	if t := s.script.SnapshotErrAtTick; t > 0 && snap.Tick == t {
		if s.script.SnapshotErr != nil {
			return nil, s.script.SnapshotErr
		}
		return nil, errors.New(errors.CodeSnapshotDecode, "scripted snapshot failure").
			WithContext("tick", snap.Tick)
	}
	return &snap, nil
}

// Close is a no-op.
func (s *ScriptedSource) Close() error { return nil }

// ScriptedEngine serves registered Scripts by replay path. Restart and
// Close only count calls, which tests inspect to verify engine lifecycle
// handling in the orchestrator.
type ScriptedEngine struct {
	mu       sync.Mutex
	scripts  map[string]*Script
	loads    int
	restarts int
}

var _ Engine = (*ScriptedEngine)(nil)

// NewScriptedEngine creates an engine with no registered matches.
func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{scripts: make(map[string]*Script)}
}

// Register adds a match under the given replay path.
func (e *ScriptedEngine) Register(path string, script *Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[path] = script
}

// Load opens a registered match. Unregistered paths fail the way a
// missing replay file would.
func (e *ScriptedEngine) Load(ctx context.Context, replayPath string) (Source, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads++
	script, ok := e.scripts[replayPath]
	if !ok {
		return nil, errors.ReplayNotFound(replayPath)
	}
	if script.LoadErr != nil {
		return nil, script.LoadErr
	}
	return NewScriptedSource(script), nil
}

// Restart counts the restart and keeps all registered matches.
func (e *ScriptedEngine) Restart(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restarts++
	return nil
}

// Close is a no-op.
func (e *ScriptedEngine) Close() error { return nil }

// Loads returns how many Load calls the engine served.
func (e *ScriptedEngine) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// Restarts returns how many times the engine was restarted.
func (e *ScriptedEngine) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}
