package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/galaxy-org/galaxy/internal/eventbus"
)

// Recorder appends every bus event to trajectory.jsonl, one JSON document per
// line. The trajectory is the audit trail of a run: every dispatch, outcome,
// device change and plan revision in delivery order.
type Recorder struct {
	mu    sync.Mutex
	file  *os.File
	enc   *json.Encoder
	unsub func()
}

type trajectoryRecord struct {
	Format string         `json:"format"`
	Kind   core.EventKind `json:"kind"`
	At     time.Time      `json:"at"`
	Event  core.Event     `json:"event"`
}

// NewRecorder opens the trajectory file for the run and subscribes to all
// events on the bus. Call Close to flush and detach.
func NewRecorder(dir, constellationID string, bus *eventbus.Bus) (*Recorder, error) {
	runDir := filepath.Join(dir, constellationID)
	if err := os.MkdirAll(runDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(runDir, "trajectory.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open trajectory: %w", err)
	}

	r := &Recorder{file: file, enc: json.NewEncoder(file)}
	r.unsub = bus.Subscribe("trajectory-recorder", r.record)
	return r, nil
}

func (r *Recorder) record(_ context.Context, event core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	_ = r.enc.Encode(trajectoryRecord{
		Format: FormatTag,
		Kind:   event.Kind(),
		At:     event.OccurredAt(),
		Event:  event,
	})
}

// Close detaches from the bus and closes the file.
func (r *Recorder) Close() error {
	if r.unsub != nil {
		r.unsub()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
