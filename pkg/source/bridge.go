package source

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/errors"
)

// The bridge protocol is one JSON object per line on the subprocess's
// stdin and stdout. Every request gets exactly one response line. The
// bridge executable wraps the actual game engine; its internals are out
// of scope here.
const (
	opLoad     = "load"
	opAdvance  = "advance"
	opSnapshot = "snapshot"
	opQuit     = "quit"
)

type bridgeRequest struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Ticks int    `json:"ticks,omitempty"`
}

type bridgeResponse struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Ended    bool            `json:"ended,omitempty"`
	Tick     int64           `json:"tick,omitempty"`
	Snapshot *bridgeSnapshot `json:"snapshot,omitempty"`
}

type bridgeSnapshot struct {
	Tick     int64           `json:"tick"`
	Players  []bridgePlayer  `json:"players"`
	Entities []bridgeEntity  `json:"entities"`
	Removed  []uint64        `json:"removed,omitempty"`
	Messages []bridgeMessage `json:"messages,omitempty"`
}

type bridgePlayer struct {
	Side                   uint8              `json:"side"`
	Minerals               int64              `json:"minerals"`
	Vespene                int64              `json:"vespene"`
	FoodUsed               int64              `json:"food_used"`
	FoodCap                int64              `json:"food_cap"`
	FoodArmy               int64              `json:"food_army"`
	FoodWorkers            int64              `json:"food_workers"`
	IdleWorkerCount        int64              `json:"idle_worker_count"`
	ArmyCount              int64              `json:"army_count"`
	CollectedMinerals      int64              `json:"collected_minerals"`
	CollectedVespene       int64              `json:"collected_vespene"`
	CollectionRateMinerals float64            `json:"collection_rate_minerals"`
	CollectionRateVespene  float64            `json:"collection_rate_vespene"`
	Upgrades               []bridgeUpgradeRef `json:"upgrades,omitempty"`
}

type bridgeUpgradeRef struct {
	ID   uint32 `json:"id"`
	Name string `json:"name,omitempty"`
}

type bridgeEntity struct {
	Key           uint64  `json:"key"`
	Side          uint8   `json:"side"`
	Kind          string  `json:"kind"` // "unit" or "building"
	Category      string  `json:"category"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Z             float64 `json:"z"`
	Health        float64 `json:"health"`
	HealthMax     float64 `json:"health_max"`
	Shields       float64 `json:"shields"`
	ShieldsMax    float64 `json:"shields_max"`
	Energy        float64 `json:"energy"`
	EnergyMax     float64 `json:"energy_max"`
	BuildProgress float64 `json:"build_progress"`
}

type bridgeMessage struct {
	Tick int64  `json:"tick"`
	Side uint8  `json:"side"`
	Text string `json:"text"`
}

func (b *bridgeSnapshot) toModel() *model.Snapshot {
	snap := &model.Snapshot{
		Tick:    b.Tick,
		Players: make(map[model.Side]model.PlayerState, len(b.Players)),
		Removed: b.Removed,
	}
	for _, p := range b.Players {
		ps := model.PlayerState{
			Minerals:               p.Minerals,
			Vespene:                p.Vespene,
			FoodUsed:               p.FoodUsed,
			FoodCap:                p.FoodCap,
			FoodArmy:               p.FoodArmy,
			FoodWorkers:            p.FoodWorkers,
			IdleWorkerCount:        p.IdleWorkerCount,
			ArmyCount:              p.ArmyCount,
			CollectedMinerals:      p.CollectedMinerals,
			CollectedVespene:       p.CollectedVespene,
			CollectionRateMinerals: p.CollectionRateMinerals,
			CollectionRateVespene:  p.CollectionRateVespene,
		}
		for _, u := range p.Upgrades {
			ps.Upgrades = append(ps.Upgrades, model.UpgradeRef{ID: u.ID, Name: u.Name})
		}
		snap.Players[model.Side(p.Side)] = ps
	}
	for _, e := range b.Entities {
		class := model.ClassUnit
		if e.Kind == "building" {
			class = model.ClassBuilding
		}
		snap.Entities = append(snap.Entities, model.RawEntity{
			Key:           e.Key,
			Side:          model.Side(e.Side),
			Class:         class,
			Category:      e.Category,
			Pos:           model.Position{X: e.X, Y: e.Y, Z: e.Z},
			Health:        e.Health,
			HealthMax:     e.HealthMax,
			Shields:       e.Shields,
			ShieldsMax:    e.ShieldsMax,
			Energy:        e.Energy,
			EnergyMax:     e.EnergyMax,
			BuildProgress: e.BuildProgress,
		})
	}
	for _, m := range b.Messages {
		snap.Messages = append(snap.Messages, model.ChatMessage{
			Tick: m.Tick,
			Side: model.Side(m.Side),
			Text: m.Text,
		})
	}
	return snap
}

// BridgeEngine runs the engine bridge executable as a subprocess. The
// process starts lazily on the first Load and is killed outright by
// Restart; a blocked protocol read unblocks when the process dies, which
// is how the orchestrator breaks a hung match.
type BridgeEngine struct {
	path string
	args []string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *bufio.Scanner
}

var _ Engine = (*BridgeEngine)(nil)

// NewBridgeEngine configures an engine around the bridge executable. The
// subprocess is not started until the first Load.
func NewBridgeEngine(path string, args ...string) *BridgeEngine {
	return &BridgeEngine{path: path, args: args}
}

func (e *BridgeEngine) start() error {
	cmd := exec.Command(e.path, e.args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, errors.CodeEngineStart, "bridge stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, errors.CodeEngineStart, "bridge stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, errors.CodeEngineStart, "starting engine bridge %s", e.path)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024) // snapshots of large matches are wide

	e.cmd, e.stdin, e.out = cmd, stdin, scanner
	return nil
}

// stop kills the subprocess. Any goroutine blocked reading its stdout
// gets EOF.
func (e *BridgeEngine) stop() {
	if e.cmd == nil {
		return
	}
	e.stdin.Close()
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
	e.cmd.Wait()
	e.cmd, e.stdin, e.out = nil, nil, nil
}

// do sends one request and waits for its response line. On context
// expiry the subprocess is killed so the pending read unblocks; the
// engine must be Restarted before further use.
func (e *BridgeEngine) do(ctx context.Context, req bridgeRequest) (*bridgeResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		if err := e.start(); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeEngineProtocol, "encoding %s request", req.Op)
	}
	if _, err := e.stdin.Write(append(payload, '\n')); err != nil {
		return nil, errors.Wrapf(err, errors.CodeEngineProtocol, "writing %s request", req.Op)
	}

	type scanResult struct {
		line []byte
		err  error
	}
	ch := make(chan scanResult, 1)
	scanner := e.out
	go func() {
		if !scanner.Scan() {
			err := scanner.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			ch <- scanResult{err: err}
			return
		}
		ch <- scanResult{line: append([]byte(nil), scanner.Bytes()...)}
	}()

	select {
	case <-ctx.Done():
		e.stop()
		return nil, errors.Wrapf(ctx.Err(), errors.CodeEngineProtocol, "%s interrupted", req.Op)
	case res := <-ch:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, errors.CodeEngineProtocol, "reading %s response", req.Op)
		}
		var resp bridgeResponse
		if err := json.Unmarshal(res.line, &resp); err != nil {
			return nil, errors.Wrapf(err, errors.CodeEngineProtocol, "decoding %s response", req.Op)
		}
		return &resp, nil
	}
}

// Load checks the replay exists, then asks the bridge to open it.
func (e *BridgeEngine) Load(ctx context.Context, replayPath string) (Source, error) {
	if _, err := os.Stat(replayPath); err != nil {
		return nil, errors.ReplayNotFound(replayPath)
	}
	resp, err := e.do(ctx, bridgeRequest{Op: opLoad, Path: replayPath})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New(errors.CodeReplayCorrupt, resp.Error).
			WithContext("replay", replayPath)
	}
	return &BridgeSource{engine: e, tick: resp.Tick}, nil
}

// Restart kills the subprocess and starts a fresh one.
func (e *BridgeEngine) Restart(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stop()
	return e.start()
}

// Close asks the bridge to quit and kills it if it lingers.
func (e *BridgeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return nil
	}
	if payload, err := json.Marshal(bridgeRequest{Op: opQuit}); err == nil {
		e.stdin.Write(append(payload, '\n'))
	}
	e.stdin.Close()

	done := make(chan struct{})
	cmd := e.cmd
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
	}
	e.cmd, e.stdin, e.out = nil, nil, nil
	return nil
}

// BridgeSource is one loaded match on a BridgeEngine.
type BridgeSource struct {
	engine *BridgeEngine
	tick   model.Tick
}

var _ Source = (*BridgeSource)(nil)

// Advance steps the engine forward.
func (s *BridgeSource) Advance(ctx context.Context, ticks int) (bool, error) {
	resp, err := s.engine.do(ctx, bridgeRequest{Op: opAdvance, Ticks: ticks})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		return false, errors.New(errors.CodeEngineProtocol, resp.Error).
			WithContext("op", opAdvance)
	}
	s.tick = resp.Tick
	return resp.Ended, nil
}

// CurrentTick returns the last tick reported by the bridge.
func (s *BridgeSource) CurrentTick() model.Tick {
	return s.tick
}

// Snapshot fetches and decodes the current state.
func (s *BridgeSource) Snapshot() (*model.Snapshot, error) {
	resp, err := s.engine.do(context.Background(), bridgeRequest{Op: opSnapshot})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New(errors.CodeEngineProtocol, resp.Error).
			WithContext("op", opSnapshot)
	}
	if resp.Snapshot == nil {
		return nil, errors.New(errors.CodeSnapshotDecode, "bridge response carried no snapshot")
	}
	return resp.Snapshot.toModel(), nil
}

// Close is a no-op; matches end when the engine loads the next one or
// restarts.
func (s *BridgeSource) Close() error { return nil }
