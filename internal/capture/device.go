package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Device is the external capture capability. Capture returns the local paths
// of captured pages in arrival order, or an empty slice when the user backed
// out without capturing anything. The core places no timeout on the call; an
// unresponsive device is an environment concern for the caller's context.
type Device interface {
	Capture(ctx context.Context, maxPages int) ([]string, error)
}

// DirDevice captures pages from a spool directory: every supported file in
// the directory, ordered by name, counts as one captured page. Scanners and
// phone sync tools that drop numbered files into a folder fit this contract
// directly.
type DirDevice struct {
	dir string
}

// NewDirDevice constructs a DirDevice reading from dir.
func NewDirDevice(dir string) *DirDevice {
	return &DirDevice{dir: dir}
}

var pageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
	".pdf":  true,
}

// Capture lists spool files in name order, stopping at maxPages. An empty
// spool means the user has not scanned anything, which the orchestrator
// treats as cancellation.
func (d *DirDevice) Capture(ctx context.Context, maxPages int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !pageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(d.dir, entry.Name()))
	}
	sort.Strings(paths)
	if maxPages > 0 && len(paths) > maxPages {
		paths = paths[:maxPages]
	}
	return paths, nil
}
