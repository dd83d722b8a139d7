package capture

import (
	"context"
	"errors"
	"os"
)

// Access is the outcome of a permission check against the capture source.
type Access int

const (
	// AccessGranted means the capture source may be used.
	AccessGranted Access = iota
	// AccessDenied means access was refused but a later request may succeed.
	AccessDenied
	// AccessPermanentlyDenied means access was refused and asking again will
	// not help; the user has to change settings out of band.
	AccessPermanentlyDenied
)

var (
	// ErrPermissionDenied is returned when the capture source refused access.
	ErrPermissionDenied = errors.New("capture access denied")
	// ErrPermissionPermanentlyDenied is returned when access was refused and
	// re-prompting is pointless.
	ErrPermissionPermanentlyDenied = errors.New("capture access permanently denied")
)

// Gate checks whether the capture source may be used. Implementations must
// request access at most once per call and never re-prompt in a loop.
type Gate interface {
	EnsureAccess(ctx context.Context) (Access, error)
}

// SpoolGate gates capture on a spool directory where a scanner (or any
// producer) drops page files. A missing directory is treated as undetermined:
// the gate requests access once by creating it. A directory that exists but
// cannot be read maps to permanent denial since only an operator can fix the
// permission bits.
type SpoolGate struct {
	dir string
}

// NewSpoolGate constructs a SpoolGate for dir.
func NewSpoolGate(dir string) *SpoolGate {
	return &SpoolGate{dir: dir}
}

// EnsureAccess reports whether the spool directory is usable.
func (g *SpoolGate) EnsureAccess(ctx context.Context) (Access, error) {
	if err := ctx.Err(); err != nil {
		return AccessDenied, err
	}
	info, err := os.Stat(g.dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Undetermined: request access once by creating the directory.
		if mkErr := os.MkdirAll(g.dir, 0o750); mkErr != nil {
			return AccessDenied, nil
		}
		return AccessGranted, nil
	case err != nil:
		if errors.Is(err, os.ErrPermission) {
			return AccessPermanentlyDenied, nil
		}
		return AccessDenied, nil
	case !info.IsDir():
		return AccessDenied, nil
	}
	f, err := os.Open(g.dir)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return AccessPermanentlyDenied, nil
		}
		return AccessDenied, nil
	}
	f.Close()
	return AccessGranted, nil
}
