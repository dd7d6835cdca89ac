package log

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gosimple/slug"
)

// runLogPath names the log file of one run: the slugged base name followed by
// the run ID, so concurrent runs never share a file.
func runLogPath(dir, name, runID string) string {
	base := slug.Make(name)
	if base == "" {
		base = "run"
	}
	if runID != "" {
		base += "-" + runID
	}
	return filepath.Join(dir, base+".log")
}

func openRunLog(dir, name, runID string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := runLogPath(dir, name, runID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	return f, nil
}
