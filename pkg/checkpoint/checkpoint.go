// Package checkpoint records which replays a batch run already finished,
// so an interrupted run can resume without redoing completed matches.
//
// The default store is a directory of small JSON files, one per replay
// stem. A Redis store is available for fleets where several batch hosts
// share one completion log.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/replayflow/replayflow/pkg/errors"
)

// Entry is one replay's completion record.
type Entry struct {
	Replay      string    `json:"replay"`
	Path        string    `json:"path"`
	RunID       string    `json:"run_id"`
	Rows        int64     `json:"rows"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store is the completion log consulted when resume is enabled. Keys are
// replay stems, which the batch guarantees never collide within a run.
type Store interface {
	// IsDone reports whether the replay already has complete artifacts.
	IsDone(ctx context.Context, replay string) (bool, error)

	// MarkDone records a successful match.
	MarkDone(ctx context.Context, e Entry) error

	// Done lists all recorded completions, sorted by replay stem.
	Done(ctx context.Context) ([]Entry, error)

	// Clear forgets every completion record.
	Clear(ctx context.Context) error

	Close() error
}

const fileSuffix = ".done"

// FileStore keeps one JSON file per completed replay under a directory.
// Safe for concurrent workers: stems are unique, so writers never touch
// the same file.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeCheckpoint, "creating checkpoint directory")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(replay string) string {
	return filepath.Join(s.dir, replay+fileSuffix)
}

// IsDone reports whether a completion file exists for the replay.
func (s *FileStore) IsDone(ctx context.Context, replay string) (bool, error) {
	_, err := os.Stat(s.path(replay))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, errors.CodeCheckpoint, "checking completion record")
}

// MarkDone writes the record atomically.
func (s *FileStore) MarkDone(ctx context.Context, e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CodeCheckpoint, "encoding completion record")
	}
	path := s.path(e.Replay)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, errors.CodeCheckpoint, "writing completion record")
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, errors.CodeCheckpoint, "renaming completion record")
	}
	return nil
}

// Done lists every completion record, sorted by replay stem. Unreadable
// files are skipped rather than failing the listing.
func (s *FileStore) Done(ctx context.Context) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCheckpoint, "listing completion records")
	}

	var out []Entry
	for _, de := range dirEntries {
		if !strings.HasSuffix(de.Name(), fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, de.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Replay < entries[j].Replay })
}

// Clear removes every completion record.
func (s *FileStore) Clear(ctx context.Context) error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, errors.CodeCheckpoint, "listing completion records")
	}
	for _, de := range dirEntries {
		if !strings.HasSuffix(de.Name(), fileSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil {
			return errors.Wrap(err, errors.CodeCheckpoint, "removing completion record")
		}
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
