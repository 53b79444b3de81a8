package directory

import (
	"errors"
	"testing"

	"github.com/opsys/gofilesys/freemap"
	"github.com/opsys/gofilesys/inode"
	"github.com/opsys/gofilesys/internal/testdevice"
	"github.com/opsys/gofilesys/layout"
)

func newRoot(t *testing.T) (*inode.Store, *freemap.FreeMap, *Directory) {
	t.Helper()
	dev := testdevice.New(t, 128)
	fm, err := freemap.Create(dev)
	if err != nil {
		t.Fatalf("freemap.Create: %v", err)
	}
	store := inode.NewStore(dev, fm, nil)
	if err := store.Create(layout.RootDirSector, 0); err != nil {
		t.Fatalf("inode Create: %v", err)
	}
	rootIn, err := store.Open(layout.RootDirSector)
	if err != nil {
		t.Fatalf("inode Open: %v", err)
	}
	if err := Create(rootIn, layout.RootDirSector); err != nil {
		t.Fatalf("directory Create: %v", err)
	}
	return store, fm, Open(rootIn)
}

func TestCreateWritesDotAndDotDot(t *testing.T) {
	_, _, root := newRoot(t)

	sec, err := root.Lookup(".")
	if err != nil || sec != layout.RootDirSector {
		t.Fatalf(`Lookup(".") = %v, %v; want %d, nil`, sec, err, layout.RootDirSector)
	}
	sec, err = root.Lookup("..")
	if err != nil || sec != layout.RootDirSector {
		t.Fatalf(`Lookup("..") = %v, %v; want %d, nil`, sec, err, layout.RootDirSector)
	}
	if !root.Empty() {
		t.Fatalf("freshly created directory should be Empty()")
	}
}

func TestAddLookupRemove(t *testing.T) {
	store, fm, root := newRoot(t)

	childSec, err := fm.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := store.Create(childSec, 0); err != nil {
		t.Fatalf("inode Create: %v", err)
	}

	if err := root.Add("hello.txt", childSec); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if root.Empty() {
		t.Fatalf("directory with one entry reports Empty()")
	}

	got, err := root.Lookup("hello.txt")
	if err != nil || got != childSec {
		t.Fatalf("Lookup(hello.txt) = %v, %v; want %d, nil", got, err, childSec)
	}

	if err := root.Remove("hello.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := root.Lookup("hello.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after Remove = %v, want ErrNotFound", err)
	}
	if !root.Empty() {
		t.Fatalf("directory should be Empty() again after Remove")
	}
}

func TestAddRejectsCollisionAndBadNames(t *testing.T) {
	store, fm, root := newRoot(t)
	sec, _ := fm.Allocate(1)
	if err := store.Create(sec, 0); err != nil {
		t.Fatalf("inode Create: %v", err)
	}
	if err := root.Add("a", sec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	other, _ := fm.Allocate(1)
	if err := store.Create(other, 0); err != nil {
		t.Fatalf("inode Create: %v", err)
	}
	if err := root.Add("a", other); !errors.Is(err, ErrNameCollision) {
		t.Fatalf("Add duplicate name = %v, want ErrNameCollision", err)
	}
	if err := root.Add("", other); !errors.Is(err, ErrNameEmpty) {
		t.Fatalf("Add empty name = %v, want ErrNameEmpty", err)
	}
	if err := root.Add("..", other); !errors.Is(err, ErrNameReserved) {
		t.Fatalf("Add \"..\" = %v, want ErrNameReserved", err)
	}
	longName := "this-name-is-too-long"
	if err := root.Add(longName, other); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("Add long name = %v, want ErrNameTooLong", err)
	}
}

func TestReaddirSkipsDotEntries(t *testing.T) {
	store, fm, root := newRoot(t)
	names := []string{"a", "b", "c"}
	for _, name := range names {
		sec, err := fm.Allocate(1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := store.Create(sec, 0); err != nil {
			t.Fatalf("inode Create: %v", err)
		}
		if err := root.Add(name, sec); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}

	var pos int64
	var got []string
	for {
		name, ok, err := root.Readdir(&pos)
		if err != nil {
			t.Fatalf("Readdir: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, name)
	}
	if len(got) != len(names) {
		t.Fatalf("Readdir returned %v, want %d entries", got, len(names))
	}
	seen := make(map[string]bool)
	for _, n := range got {
		if n == "." || n == ".." {
			t.Fatalf("Readdir leaked a dot entry: %q", n)
		}
		seen[n] = true
	}
	for _, n := range names {
		if !seen[n] {
			t.Fatalf("Readdir missing entry %q", n)
		}
	}
}

func TestEntryCountMatchesSlotScan(t *testing.T) {
	store, fm, root := newRoot(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		sec, err := fm.Allocate(1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := store.Create(sec, 0); err != nil {
			t.Fatalf("inode Create: %v", err)
		}
		if err := root.Add(name, sec); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}
	if err := root.Remove("b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	var pos int64
	scanned := 0 // entry_count excludes "." and "..", matching Readdir's filter
	for {
		_, ok, err := root.Readdir(&pos)
		if err != nil {
			t.Fatalf("Readdir: %v", err)
		}
		if !ok {
			break
		}
		scanned++
	}
	if got := root.Inode().EntryCount(); int(got) != scanned {
		t.Fatalf("EntryCount() = %d, slot scan counted %d", got, scanned)
	}
}

func TestRemoveReusesFreedSlot(t *testing.T) {
	store, fm, root := newRoot(t)
	secA, _ := fm.Allocate(1)
	if err := store.Create(secA, 0); err != nil {
		t.Fatalf("inode Create: %v", err)
	}
	if err := root.Add("a", secA); err != nil {
		t.Fatalf("Add: %v", err)
	}
	lengthAfterAdd := root.Inode().Length()

	if err := root.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	secB, _ := fm.Allocate(1)
	if err := store.Create(secB, 0); err != nil {
		t.Fatalf("inode Create: %v", err)
	}
	if err := root.Add("b", secB); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := root.Inode().Length(); got != lengthAfterAdd {
		t.Fatalf("directory grew instead of reusing the freed slot: length %d, want %d", got, lengthAfterAdd)
	}
}
