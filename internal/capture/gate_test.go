package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSpoolGateCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	gate := NewSpoolGate(dir)

	access, err := gate.EnsureAccess(context.Background())
	if err != nil {
		t.Fatalf("ensure access: %v", err)
	}
	if access != AccessGranted {
		t.Fatalf("expected granted, got %v", access)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("spool dir not created: %v", err)
	}

	// A second check against the now-existing directory stays granted and
	// does not error.
	access, err = gate.EnsureAccess(context.Background())
	if err != nil || access != AccessGranted {
		t.Fatalf("expected granted on recheck, got %v, %v", access, err)
	}
}

func TestSpoolGateDeniesFileInPlaceOfDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	gate := NewSpoolGate(path)
	access, err := gate.EnsureAccess(context.Background())
	if err != nil {
		t.Fatalf("ensure access: %v", err)
	}
	if access != AccessDenied {
		t.Fatalf("expected denied, got %v", access)
	}
}

func TestDirDeviceOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002.jpg", "001.jpg", "notes.txt", ".hidden.jpg", "003.pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	device := NewDirDevice(dir)
	paths, err := device.Capture(context.Background(), 10)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	want := []string{
		filepath.Join(dir, "001.jpg"),
		filepath.Join(dir, "002.jpg"),
		filepath.Join(dir, "003.pdf"),
	}
	if len(paths) != len(want) {
		t.Fatalf("expected %d paths, got %d: %v", len(want), len(paths), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("path %d: expected %s, got %s", i, want[i], paths[i])
		}
	}
}

func TestDirDeviceHonorsPageLimit(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"001.jpg", "002.jpg", "003.jpg", "004.jpg", "005.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	device := NewDirDevice(dir)
	paths, err := device.Capture(context.Background(), 3)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 paths, got %d: %v", len(paths), paths)
	}
	// The first files in name order win; the overflow is left in the spool.
	if paths[2] != filepath.Join(dir, "003.jpg") {
		t.Fatalf("unexpected last path: %s", paths[2])
	}
}
