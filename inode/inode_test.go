package inode

import (
	"bytes"
	"testing"

	"github.com/opsys/gofilesys/freemap"
	"github.com/opsys/gofilesys/internal/testdevice"
	"github.com/opsys/gofilesys/layout"
)

func newStore(t *testing.T, sectors int) (*Store, *freemap.FreeMap) {
	t.Helper()
	dev := testdevice.New(t, sectors)
	fm, err := freemap.Create(dev)
	if err != nil {
		t.Fatalf("freemap.Create: %v", err)
	}
	return NewStore(dev, fm, nil), fm
}

func TestCreateOpenReadWrite(t *testing.T) {
	store, fm := newStore(t, 256)

	sector, err := fm.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := store.Create(sector, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	in, err := store.Open(sector)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close(in)

	data := []byte("hello, file system")
	if n, err := in.WriteAt(data, 0); err != nil || n != len(data) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	if got := in.Length(); got != int64(len(data)) {
		t.Fatalf("Length() = %d, want %d", got, len(data))
	}

	buf := make([]byte, len(data))
	if n, err := in.ReadAt(buf, 0); err != nil || n != len(data) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("ReadAt = %q, want %q", buf, data)
	}
}

func TestReadPastEndReturnsZero(t *testing.T) {
	store, fm := newStore(t, 64)
	sector, _ := fm.Allocate(1)
	if err := store.Create(sector, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	in, err := store.Open(sector)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close(in)

	buf := make([]byte, 10)
	n, err := in.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 0 {
		t.Fatalf("ReadAt at EOF returned n=%d, want 0", n)
	}
}

func TestWriteGrowsPastDirectBlocks(t *testing.T) {
	// Enough sectors for the data plus one single-indirect block.
	store, fm := newStore(t, layout.DirectCount+layout.IndirectCount+16)
	sector, err := fm.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := store.Create(sector, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	in, err := store.Open(sector)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close(in)

	// Write one sector's worth of data starting just past the direct
	// blocks, forcing allocation of the single-indirect block.
	offset := int64(layout.DirectCount) * layout.SectorSize
	data := bytes.Repeat([]byte{0xAB}, layout.SectorSize)
	if n, err := in.WriteAt(data, offset); err != nil || n != len(data) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	buf := make([]byte, len(data))
	if n, err := in.ReadAt(buf, offset); err != nil || n != len(data) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("single-indirect round trip mismatch")
	}

	// Bytes before the write offset were never written; they must read
	// back as zero (sparse growth).
	head := make([]byte, layout.SectorSize)
	if _, err := in.ReadAt(head, 0); err != nil {
		t.Fatalf("ReadAt head: %v", err)
	}
	for i, b := range head {
		if b != 0 {
			t.Fatalf("sparse byte %d = %#x, want 0", i, b)
		}
	}
}

func TestCreateTooLargeFails(t *testing.T) {
	store, fm := newStore(t, 8)
	sector, err := fm.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	err = store.Create(sector, layout.MaxFileSize+1)
	if err != ErrFileTooLarge {
		t.Fatalf("Create(oversize) = %v, want ErrFileTooLarge", err)
	}
}

func TestCreateRollsBackOnExhaustion(t *testing.T) {
	// Only a handful of sectors are free: far fewer than a multi-sector
	// file needs, so Create must fail and release everything it grabbed.
	store, fm := newStore(t, 32)
	sector, err := fm.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	before := countFree(t, fm, 32)
	if err := store.Create(sector, 64*layout.SectorSize); err == nil {
		t.Fatalf("expected Create to fail when device is too small")
	}
	after := countFree(t, fm, 32)
	if before != after {
		t.Fatalf("rollback leaked sectors: free before=%d after=%d", before, after)
	}
}

func countFree(t *testing.T, fm *freemap.FreeMap, total int) int {
	t.Helper()
	count := 0
	for i := 0; i < total; i++ {
		free, err := fm.IsFree(layout.SectorNumber(i))
		if err != nil {
			t.Fatalf("IsFree(%d): %v", i, err)
		}
		if free {
			count++
		}
	}
	return count
}

func TestRemoveReclaimsOnLastClose(t *testing.T) {
	store, fm := newStore(t, 64)
	sector, err := fm.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := store.Create(sector, layout.SectorSize); err != nil {
		t.Fatalf("Create: %v", err)
	}

	in1, err := store.Open(sector)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	in2 := store.Reopen(in1)
	if in1 != in2 {
		t.Fatalf("Reopen returned a different pointer than Open")
	}

	store.Remove(in1)
	if err := store.Close(in1); err != nil {
		t.Fatalf("Close (1st): %v", err)
	}
	if free, _ := fm.IsFree(sector); free {
		t.Fatalf("inode reclaimed while still open once more")
	}

	if err := store.Close(in2); err != nil {
		t.Fatalf("Close (2nd): %v", err)
	}
	if free, err := fm.IsFree(sector); err != nil || !free {
		t.Fatalf("inode sector not reclaimed after last close: free=%v err=%v", free, err)
	}
}

func TestDenyWriteBlocksWrites(t *testing.T) {
	store, fm := newStore(t, 64)
	sector, err := fm.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := store.Create(sector, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	in, err := store.Open(sector)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close(in)

	in.DenyWrite()
	n, err := in.WriteAt([]byte("nope"), 0)
	if err != nil || n != 0 {
		t.Fatalf("WriteAt while denied: n=%d err=%v, want 0, nil", n, err)
	}
	in.AllowWrite()
	n, err = in.WriteAt([]byte("ok"), 0)
	if err != nil || n != 2 {
		t.Fatalf("WriteAt after AllowWrite: n=%d err=%v", n, err)
	}
}
