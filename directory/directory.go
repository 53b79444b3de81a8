// Package directory implements C3: directories as regular inodes holding a
// flat sequence of fixed-width entry records. It is grounded on
// original_source/src/filesys/directory.c (struct dir_entry, dir_lookup,
// dir_add, dir_remove, dir_readdir), adapted so "." and ".." are ordinary
// entries written at creation time rather than special-cased, and so the
// live-entry count is tracked incrementally on the backing inode (§3 I2)
// instead of being recomputed by a full scan on every query.
package directory

import (
	"errors"
	"fmt"

	"github.com/opsys/gofilesys/inode"
	"github.com/opsys/gofilesys/layout"
)

var (
	// ErrNameTooLong is returned when a name exceeds layout.NameMax bytes.
	ErrNameTooLong = errors.New("directory: name too long")
	// ErrNameEmpty is returned for the empty name.
	ErrNameEmpty = errors.New("directory: name is empty")
	// ErrNameReserved is returned for an attempt to add or remove "." or
	// ".." as if they were ordinary names. Lookup accepts them.
	ErrNameReserved = errors.New("directory: \".\" and \"..\" are reserved")
	// ErrNameCollision is returned by Add when name already exists.
	ErrNameCollision = errors.New("directory: name already exists")
	// ErrNotFound is returned by Lookup/Remove when name does not exist.
	ErrNotFound = errors.New("directory: entry not found")
)

// entrySize is the fixed width, in bytes, of one directory entry record: a
// 4-byte in-use flag, a 4-byte sector number and a NameMax+1-byte name
// field (room for a NUL terminator, mirroring struct dir_entry).
const entrySize = 4 + 4 + (layout.NameMax + 1)

// entry is the decoded form of one fixed-width record.
type entry struct {
	inUse  bool
	sector layout.SectorNumber
	name   string
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, entrySize)
	if e.inUse {
		buf[0] = 1
	}
	putU32(buf[4:8], uint32(e.sector))
	nameBytes := []byte(e.name)
	copy(buf[8:8+layout.NameMax], nameBytes)
	return buf
}

func decodeEntry(buf []byte) entry {
	inUse := buf[0] != 0
	sector := layout.SectorNumber(getU32(buf[4:8]))
	nameField := buf[8 : 8+layout.NameMax+1]
	n := 0
	for n < len(nameField) && nameField[n] != 0 {
		n++
	}
	return entry{inUse: inUse, sector: sector, name: string(nameField[:n])}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Directory is a view over an inode known to hold directory contents.
type Directory struct {
	in *inode.Inode
}

// Open wraps an already-open directory inode.
func Open(in *inode.Inode) *Directory {
	return &Directory{in: in}
}

// Inode returns the backing inode.
func (d *Directory) Inode() *inode.Inode { return d.in }

// Create initializes a freshly created, empty inode as a directory: marks
// it as a directory and writes its "." and ".." entries (§3 I1). parent is
// the sector of the enclosing directory; for the root directory, parent
// equals the root's own sector. "." and ".." are not counted in
// entry_count (§3 I2 — entry_count excludes them), so a freshly created
// directory reports EntryCount() == 0.
func Create(in *inode.Inode, parent layout.SectorNumber) error {
	if err := in.SetDirectory(true); err != nil {
		return err
	}
	d := &Directory{in: in}
	if err := d.writeAt(0, entry{inUse: true, sector: in.Sector(), name: "."}); err != nil {
		return err
	}
	return d.writeAt(1, entry{inUse: true, sector: parent, name: ".."})
}

func validateName(name string) error {
	if name == "" {
		return ErrNameEmpty
	}
	if name == "." || name == ".." {
		return ErrNameReserved
	}
	if len(name) > layout.NameMax {
		return ErrNameTooLong
	}
	return nil
}

// Lookup finds name among the directory's entries (§4.3.1). "." and ".."
// resolve like any other stored entry, since they are written as real
// records by Create.
func (d *Directory) Lookup(name string) (layout.SectorNumber, error) {
	if name == "" {
		return layout.InvalidSector, ErrNameEmpty
	}
	_, e, err := d.find(name)
	if err != nil {
		return layout.InvalidSector, err
	}
	return e.sector, nil
}

// ParentInode returns the sector of the directory's parent, i.e. its ".."
// entry.
func (d *Directory) ParentInode() (layout.SectorNumber, error) {
	_, e, err := d.find("..")
	if err != nil {
		return layout.InvalidSector, err
	}
	return e.sector, nil
}

// Add creates a new entry named name pointing at sector (§4.3.2). It
// rejects empty names, reserved names, names over layout.NameMax, and
// collisions with an existing entry.
func (d *Directory) Add(name string, sector layout.SectorNumber) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, _, err := d.find(name); err == nil {
		return ErrNameCollision
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	slot, err := d.freeSlot()
	if err != nil {
		return err
	}
	if err := d.writeAt(slot, entry{inUse: true, sector: sector, name: name}); err != nil {
		return err
	}
	return d.in.IncrementEntries()
}

// Remove deletes the entry named name (§4.3.3). Callers (the fs facade) are
// responsible for the cross-directory invariants — refusing to remove a
// non-empty directory or the current working directory — since those
// require inspecting the target inode, not just this directory's records.
func (d *Directory) Remove(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	slot, e, err := d.find(name)
	if err != nil {
		return err
	}
	e.inUse = false
	e.sector = layout.InvalidSector
	if err := d.writeAt(slot, e); err != nil {
		return err
	}
	return d.in.DecrementEntries()
}

// Empty reports whether the directory holds only its "." and ".." entries
// (§4.3.3's not-empty precondition for rmdir). It trusts the inode's
// maintained entry count (§3 I2, which excludes "." and "..") rather than
// rescanning.
func (d *Directory) Empty() bool {
	return d.in.EntryCount() == 0
}

// Equal reports whether a and b are views over the same inode.
func Equal(a, b *Directory) bool {
	return a.in.Sector() == b.in.Sector()
}

// Readdir advances pos (a byte offset into the directory file, initially 0)
// to the next live, non-"."/".." entry and returns its name. ok is false
// once the directory is exhausted. (§4.3.4)
func (d *Directory) Readdir(pos *int64) (name string, ok bool, err error) {
	for {
		buf := make([]byte, entrySize)
		n, rerr := d.in.ReadAt(buf, *pos)
		if rerr != nil {
			return "", false, rerr
		}
		if n < entrySize {
			return "", false, nil
		}
		*pos += entrySize
		e := decodeEntry(buf)
		if !e.inUse || e.name == "." || e.name == ".." {
			continue
		}
		return e.name, true, nil
	}
}

// find scans every record (live or not) for name, returning its slot index.
func (d *Directory) find(name string) (int64, entry, error) {
	count := d.in.Length() / entrySize
	for slot := int64(0); slot < count; slot++ {
		buf := make([]byte, entrySize)
		n, err := d.in.ReadAt(buf, slot*entrySize)
		if err != nil {
			return 0, entry{}, err
		}
		if n < entrySize {
			break
		}
		e := decodeEntry(buf)
		if e.inUse && e.name == name {
			return slot, e, nil
		}
	}
	return 0, entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// freeSlot returns the index of the first not-in-use record, reusing
// deleted entries before the directory is allowed to grow (mirrors
// dir_add's scan-before-append).
func (d *Directory) freeSlot() (int64, error) {
	count := d.in.Length() / entrySize
	for slot := int64(0); slot < count; slot++ {
		buf := make([]byte, entrySize)
		n, err := d.in.ReadAt(buf, slot*entrySize)
		if err != nil {
			return 0, err
		}
		if n < entrySize {
			break
		}
		if !decodeEntry(buf).inUse {
			return slot, nil
		}
	}
	return count, nil
}

func (d *Directory) writeAt(slot int64, e entry) error {
	buf := encodeEntry(e)
	_, err := d.in.WriteAt(buf, slot*entrySize)
	return err
}
