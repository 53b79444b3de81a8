package freemap

import (
	"testing"

	"github.com/opsys/gofilesys/internal/testdevice"
	"github.com/opsys/gofilesys/layout"
)

func TestCreateReservesHeaderAndRoot(t *testing.T) {
	dev := testdevice.New(t, 64)
	fm, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, sec := range []layout.SectorNumber{layout.FreeMapSector, layout.RootDirSector} {
		free, err := fm.IsFree(sec)
		if err != nil {
			t.Fatalf("IsFree(%d): %v", sec, err)
		}
		if free {
			t.Errorf("sector %d should be reserved, reports free", sec)
		}
	}
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	dev := testdevice.New(t, 64)
	fm, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sec, err := fm.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate(3): %v", err)
	}
	for i := 0; i < 3; i++ {
		free, _ := fm.IsFree(sec + layout.SectorNumber(i))
		if free {
			t.Errorf("sector %d should be allocated", sec+layout.SectorNumber(i))
		}
	}
	if err := fm.Release(sec, 3); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for i := 0; i < 3; i++ {
		free, _ := fm.IsFree(sec + layout.SectorNumber(i))
		if !free {
			t.Errorf("sector %d should be free after release", sec+layout.SectorNumber(i))
		}
	}
}

func TestAllocateNoSpace(t *testing.T) {
	dev := testdevice.New(t, 16)
	fm, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Device has 16 sectors; a handful are already reserved by Create.
	if _, err := fm.Allocate(1000); err != ErrNoSpace {
		t.Errorf("Allocate(1000) = %v, want ErrNoSpace", err)
	}
}

func TestCloseOpenPersists(t *testing.T) {
	dev := testdevice.New(t, 64)
	fm, err := Create(dev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sec, err := fm.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	volID := fm.VolumeID()
	if err := fm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.VolumeID() != volID {
		t.Errorf("VolumeID changed across Close/Open: %v != %v", reopened.VolumeID(), volID)
	}
	free, err := reopened.IsFree(sec)
	if err != nil {
		t.Fatalf("IsFree: %v", err)
	}
	if free {
		t.Errorf("sector %d allocated before close, reports free after reopen", sec)
	}
}
