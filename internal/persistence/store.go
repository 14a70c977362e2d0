// Package persistence writes run artifacts to disk: the terminal result of a
// run and the event trajectory that led to it. Artifacts are plain JSON so
// they can be inspected and replayed without the orchestrator.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/galaxy-org/galaxy/internal/orchestrator"
)

// FormatTag versions the on-disk layout.
const FormatTag = "galaxy/v1"

// Store writes artifacts under <dir>/<constellation_id>/.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

type resultEnvelope struct {
	Format  string               `json:"format"`
	SavedAt time.Time            `json:"saved_at"`
	Result  *orchestrator.Result `json:"result"`
}

// SaveResult writes the run result as result.json. The file is written to a
// temp name and renamed so readers never observe a partial document.
func (s *Store) SaveResult(res *orchestrator.Result) error {
	runDir := filepath.Join(s.dir, res.ConstellationID)
	if err := os.MkdirAll(runDir, 0750); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(resultEnvelope{
		Format:  FormatTag,
		SavedAt: time.Now(),
		Result:  res,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	target := filepath.Join(runDir, "result.json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to finalize result: %w", err)
	}
	return nil
}

// LoadResult reads a previously saved result.
func (s *Store) LoadResult(constellationID string) (*orchestrator.Result, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, constellationID, "result.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var env resultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	if env.Format != FormatTag {
		return nil, fmt.Errorf("unsupported result format %q", env.Format)
	}
	return env.Result, nil
}
