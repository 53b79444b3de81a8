// Package testdevice builds throwaway backend.Device instances backed by a
// temp file, for use by other packages' tests.
package testdevice

import (
	"path/filepath"
	"testing"

	"github.com/opsys/gofilesys/backend"
	"github.com/opsys/gofilesys/backend/file"
	"github.com/opsys/gofilesys/layout"
)

// New creates a sectorCount-sector device in a temp file that is cleaned up
// automatically when the test completes.
func New(t *testing.T, sectorCount int) *backend.Device {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")
	size := int64(sectorCount) * layout.SectorSize
	storage, err := file.CreateFromPath(path, size)
	if err != nil {
		t.Fatalf("creating backing file: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	dev, err := backend.NewDevice(storage, layout.SectorSize, size)
	if err != nil {
		t.Fatalf("creating device: %v", err)
	}
	return dev
}
