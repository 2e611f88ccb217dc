package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Workspace is the private scratch directory of one job. Nothing outside the
// job reads or writes it and it is removed when the job ends.
type Workspace struct {
	JobID string
	Root  string
}

// NewWorkspace creates <base>/<jobID>. An empty jobID gets a fresh UUID.
func NewWorkspace(base, jobID string) (*Workspace, error) {
	if strings.TrimSpace(jobID) == "" {
		jobID = uuid.NewString()
	}
	if filepath.Base(jobID) != jobID || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	root := filepath.Join(base, jobID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	// Mkdir rather than MkdirAll so a colliding id fails instead of sharing.
	if err := os.Mkdir(root, 0o700); err != nil {
		return nil, err
	}
	return &Workspace{JobID: jobID, Root: root}, nil
}

// CombinedPath is the assembled transport stream.
func (w *Workspace) CombinedPath() string {
	return filepath.Join(w.Root, combinedFileName)
}

// OutputPath is the remuxed MP4.
func (w *Workspace) OutputPath() string {
	return filepath.Join(w.Root, outputFileName)
}

// Remove deletes the workspace and everything in it. Safe to call repeatedly.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Root)
}
