// Package inode implements C2: the on-disk inode layout, the offset-to-
// sector indexed-allocation scheme (direct + single-indirect +
// double-indirect), sparse growth on write, and a process-wide open-inode
// table with reference counting and deferred deletion.
//
// It is grounded on original_source/src/filesys/inode.c (struct inode_disk,
// byte_to_sector, inode_create/inode_read_at/inode_write_at/
// inode_create_failure/allocate_sector) and, for the open-table shape, on
// the Design Notes' recommendation to use a sector-keyed map rather than an
// intrusive list. On-disk (de)serialization follows the same
// encoding/binary approach go-diskfs's ext4 inode.go uses for its own
// on-disk inode struct.
package inode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opsys/gofilesys/backend"
	"github.com/opsys/gofilesys/freemap"
	"github.com/opsys/gofilesys/layout"
)

var (
	// ErrCorrupt is returned when a sector read as an inode does not carry
	// the expected magic number.
	ErrCorrupt = errors.New("inode: corrupt on-disk inode (bad magic)")
	// ErrFileTooLarge is returned when a create or a write-growth would
	// exceed layout.MaxFileSize.
	ErrFileTooLarge = errors.New("inode: file size exceeds maximum addressable size")
)

// onDiskInode is the exact one-sector on-disk layout (§3). Field order and
// widths are chosen so the struct serializes to exactly layout.SectorSize
// bytes: 6 uint32 fields (24 bytes) plus DirectCount uint32 pointers
// (488 bytes) = 512.
type onDiskInode struct {
	Length         uint32
	IsDirectory    uint32
	EntryCount     uint32
	Magic          uint32
	Direct         [layout.DirectCount]uint32
	SingleIndirect uint32
	DoubleIndirect uint32
}

func blankOnDiskInode() onDiskInode {
	var d onDiskInode
	d.Magic = layout.InodeMagic
	d.SingleIndirect = uint32(layout.InvalidSector)
	d.DoubleIndirect = uint32(layout.InvalidSector)
	for i := range d.Direct {
		d.Direct[i] = uint32(layout.InvalidSector)
	}
	return d
}

// Inode is the in-memory, shared-by-sector inode record (§3 "in-memory
// inode"). At most one Inode exists per sector at a time; every Open of the
// same sector returns the same pointer with its open count bumped.
type Inode struct {
	store          *Store
	sector         layout.SectorNumber
	disk           onDiskInode
	openCount      int
	denyWriteCount int
	pendingRemoval bool
}

// Sector returns the inode's sector number (its inumber).
func (in *Inode) Sector() layout.SectorNumber { return in.sector }

// Length returns the current byte length of the inode's data.
func (in *Inode) Length() int64 { return int64(in.disk.Length) }

// IsDirectory reports whether the inode is marked as a directory.
func (in *Inode) IsDirectory() bool { return in.disk.IsDirectory != 0 }

// SetDirectory marks the inode as a directory and persists the change.
func (in *Inode) SetDirectory(isDir bool) error {
	if isDir {
		in.disk.IsDirectory = 1
	} else {
		in.disk.IsDirectory = 0
	}
	return in.store.writeDisk(in.sector, &in.disk)
}

// EntryCount returns the directory's live-entry count (§3 I2); meaningless
// for non-directory inodes.
func (in *Inode) EntryCount() uint32 { return in.disk.EntryCount }

// IncrementEntries bumps the entry count and persists it.
func (in *Inode) IncrementEntries() error {
	in.disk.EntryCount++
	return in.store.writeDisk(in.sector, &in.disk)
}

// DecrementEntries decrements the entry count and persists it.
func (in *Inode) DecrementEntries() error {
	if in.disk.EntryCount > 0 {
		in.disk.EntryCount--
	}
	return in.store.writeDisk(in.sector, &in.disk)
}

// DenyWrite increments the deny-write count (§4.2.1). Precondition: the
// caller already holds the inode open.
func (in *Inode) DenyWrite() {
	in.denyWriteCount++
}

// AllowWrite decrements the deny-write count.
func (in *Inode) AllowWrite() {
	if in.denyWriteCount > 0 {
		in.denyWriteCount--
	}
}

// IsDenied reports whether writes are currently disallowed.
func (in *Inode) IsDenied() bool { return in.denyWriteCount > 0 }

// Store is the process-wide open-inode table plus the inode create/read/
// write/delete operations (§4.2). It is the unit of concurrency: callers
// (the fs facade) are expected to serialize access with their own coarse
// lock, per §5 — Store itself only protects its table map against
// unsynchronized internal use.
type Store struct {
	device  *backend.Device
	freeMap *freemap.FreeMap
	log     *logrus.Entry

	mu    sync.Mutex
	table map[layout.SectorNumber]*Inode
}

// NewStore constructs an inode store over device, allocating sectors from
// freeMap.
func NewStore(device *backend.Device, freeMap *freemap.FreeMap, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		device:  device,
		freeMap: freeMap,
		log:     log,
		table:   make(map[layout.SectorNumber]*Inode),
	}
}

// Create writes a fresh inode at sector with the given length, allocating
// and zeroing enough data sectors to back it (§4.2.2). On any allocation
// failure it rolls back every sector it allocated, in reverse order, and
// returns the failure. It does not open the inode.
func (s *Store) Create(sector layout.SectorNumber, length int64) error {
	if length < 0 {
		return fmt.Errorf("inode: invalid length %d", length)
	}
	if length > layout.MaxFileSize {
		return ErrFileTooLarge
	}

	disk := blankOnDiskInode()
	disk.Length = uint32(length)

	needed := layout.SectorsForLength(length)
	var allocated []layout.SectorNumber
	rollback := func(cause error) error {
		for i := len(allocated) - 1; i >= 0; i-- {
			if err := s.freeMap.Release(allocated[i], 1); err != nil {
				s.log.WithError(err).Warn("inode create rollback: failed to release sector")
			}
		}
		return cause
	}

	remaining := needed

	for i := 0; i < layout.DirectCount && remaining > 0; i++ {
		sec, err := s.allocateZeroed()
		if err != nil {
			return rollback(err)
		}
		allocated = append(allocated, sec)
		disk.Direct[i] = uint32(sec)
		remaining--
	}

	if remaining > 0 {
		singleSec, err := s.allocateZeroed()
		if err != nil {
			return rollback(err)
		}
		allocated = append(allocated, singleSec)
		disk.SingleIndirect = uint32(singleSec)

		singleBlock := invalidArray()
		for i := 0; i < layout.IndirectCount && remaining > 0; i++ {
			sec, err := s.allocateZeroed()
			if err != nil {
				return rollback(err)
			}
			allocated = append(allocated, sec)
			singleBlock[i] = uint32(sec)
			remaining--
		}
		if err := s.writeSectorArray(singleSec, singleBlock); err != nil {
			return rollback(err)
		}
	}

	if remaining > 0 {
		doubleSec, err := s.allocateZeroed()
		if err != nil {
			return rollback(err)
		}
		allocated = append(allocated, doubleSec)
		disk.DoubleIndirect = uint32(doubleSec)

		doubleBlock := invalidArray()
		for c := 0; c < layout.IndirectCount && remaining > 0; c++ {
			childSec, err := s.allocateZeroed()
			if err != nil {
				return rollback(err)
			}
			allocated = append(allocated, childSec)
			doubleBlock[c] = uint32(childSec)

			childBlock := invalidArray()
			for i := 0; i < layout.IndirectCount && remaining > 0; i++ {
				sec, err := s.allocateZeroed()
				if err != nil {
					return rollback(err)
				}
				allocated = append(allocated, sec)
				childBlock[i] = uint32(sec)
				remaining--
			}
			if err := s.writeSectorArray(childSec, childBlock); err != nil {
				return rollback(err)
			}
		}
		if err := s.writeSectorArray(doubleSec, doubleBlock); err != nil {
			return rollback(err)
		}
	}

	if remaining > 0 {
		return rollback(ErrFileTooLarge)
	}

	if err := s.writeDisk(sector, &disk); err != nil {
		return rollback(err)
	}
	s.log.WithFields(logrus.Fields{"sector": sector, "length": length}).Debug("inode created")
	return nil
}

// Open returns the shared in-memory inode for sector, loading it from disk
// the first time and bumping its open count on every subsequent call
// (§4.2.1).
func (s *Store) Open(sector layout.SectorNumber) (*Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in, ok := s.table[sector]; ok {
		in.openCount++
		return in, nil
	}

	disk, err := s.readDisk(sector)
	if err != nil {
		return nil, err
	}
	in := &Inode{store: s, sector: sector, disk: disk, openCount: 1}
	s.table[sector] = in
	return in, nil
}

// Reopen increments in's open count and returns it (§4.2.1).
func (s *Store) Reopen(in *Inode) *Inode {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.openCount++
	return in
}

// Close decrements in's open count. At zero, if the inode was marked
// Remove()d, its data sectors, indirection blocks and inode sector are
// released, and the table entry is destroyed (§4.2.1, §4.2.5).
func (s *Store) Close(in *Inode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in.openCount--
	if in.openCount > 0 {
		return nil
	}
	delete(s.table, in.sector)

	if !in.removed() {
		return nil
	}
	return s.reclaim(in)
}

// Remove marks in for deletion; reclamation happens on the last Close
// (§4.2.1).
func (s *Store) Remove(in *Inode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.pendingRemoval = true
}

func (in *Inode) removed() bool { return in.pendingRemoval }

// reclaim releases every sector reachable from in's on-disk data (§4.2.5)
// followed by the inode sector itself. Caller holds s.mu.
func (s *Store) reclaim(in *Inode) error {
	needed := layout.SectorsForLength(int64(in.disk.Length))

	idx := int64(0)
	for ; idx < needed && idx < layout.DirectCount; idx++ {
		sec := layout.SectorNumber(in.disk.Direct[idx])
		if sec != layout.InvalidSector {
			_ = s.freeMap.Release(sec, 1)
		}
	}
	if idx >= needed {
		return s.freeMap.Release(in.sector, 1)
	}

	if in.disk.SingleIndirect != uint32(layout.InvalidSector) {
		single := layout.SectorNumber(in.disk.SingleIndirect)
		arr, err := s.readSectorArray(single)
		if err == nil {
			for ; idx < needed && idx < layout.DirectCount+layout.IndirectCount; idx++ {
				sec := layout.SectorNumber(arr[idx-layout.DirectCount])
				if sec != layout.InvalidSector {
					_ = s.freeMap.Release(sec, 1)
				}
			}
		}
		_ = s.freeMap.Release(single, 1)
	}
	if idx >= needed {
		return s.freeMap.Release(in.sector, 1)
	}

	if in.disk.DoubleIndirect != uint32(layout.InvalidSector) {
		double := layout.SectorNumber(in.disk.DoubleIndirect)
		doubleArr, err := s.readSectorArray(double)
		if err == nil {
			base := layout.DirectCount + layout.IndirectCount
			for ; idx < needed && idx < int64(layout.MaxFileSize/layout.SectorSize); idx++ {
				rel := idx - int64(base)
				childIdx := rel / layout.IndirectCount
				slot := rel % layout.IndirectCount
				childSec := layout.SectorNumber(doubleArr[childIdx])
				if childSec == layout.InvalidSector {
					continue
				}
				if slot == 0 {
					childArr, err := s.readSectorArray(childSec)
					if err != nil {
						continue
					}
					for s2 := int64(0); s2 < layout.IndirectCount && idx+s2 < needed; s2++ {
						sec := layout.SectorNumber(childArr[s2])
						if sec != layout.InvalidSector {
							_ = s.freeMap.Release(sec, 1)
						}
					}
					_ = s.freeMap.Release(childSec, 1)
					idx += layout.IndirectCount - 1
				}
			}
		}
		_ = s.freeMap.Release(double, 1)
	}

	return s.freeMap.Release(in.sector, 1)
}

// ReadAt reads up to len(buf) bytes starting at offset, capped by the
// inode's length (§4.2.3). It returns the number of bytes actually read.
func (in *Inode) ReadAt(buf []byte, offset int64) (int, error) {
	read := 0
	size := len(buf)
	var bounce []byte

	for size > 0 {
		sector, err := in.offsetToSector(offset)
		if err != nil {
			return read, err
		}
		sectorOfs := int(offset % layout.SectorSize)
		inodeLeft := int64(in.disk.Length) - offset
		sectorLeft := layout.SectorSize - sectorOfs
		minLeft := inodeLeft
		if int64(sectorLeft) < minLeft {
			minLeft = int64(sectorLeft)
		}
		chunk := int64(size)
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk <= 0 {
			break
		}

		if sector == layout.InvalidSector {
			// sparse gap: defined as zero-filled (§4.2.4 sparse-growth note)
			for i := int64(0); i < chunk; i++ {
				buf[int64(read)+i] = 0
			}
		} else if sectorOfs == 0 && chunk == layout.SectorSize {
			if err := in.store.device.ReadSector(uint32(sector), buf[read:read+int(chunk)]); err != nil {
				return read, err
			}
		} else {
			if bounce == nil {
				bounce = make([]byte, layout.SectorSize)
			}
			if err := in.store.device.ReadSector(uint32(sector), bounce); err != nil {
				return read, err
			}
			copy(buf[read:read+int(chunk)], bounce[sectorOfs:int64(sectorOfs)+chunk])
		}

		size -= int(chunk)
		offset += chunk
		read += int(chunk)
	}
	return read, nil
}

// WriteAt writes len(buf) bytes starting at offset, growing the inode if
// the write extends past its current length (§4.2.4). It returns the
// number of bytes written; if the inode is deny-write, it writes nothing
// and returns (0, nil) per §7's Denied category.
func (in *Inode) WriteAt(buf []byte, offset int64) (int, error) {
	if in.IsDenied() {
		return 0, nil
	}
	size := len(buf)
	if offset < 0 || size < 0 {
		return 0, fmt.Errorf("inode: invalid write at offset %d size %d", offset, size)
	}

	end := offset + int64(size)
	if end > int64(in.disk.Length) {
		grown, err := in.store.grow(in.disk, int64(in.disk.Length), end)
		if err != nil {
			return 0, err
		}
		in.disk = grown
		in.disk.Length = uint32(end)
		if err := in.store.writeDisk(in.sector, &in.disk); err != nil {
			return 0, err
		}
	}

	written := 0
	var bounce []byte
	for size > 0 {
		sector, err := in.offsetToSector(offset)
		if err != nil {
			return written, err
		}
		if sector == layout.InvalidSector {
			return written, fmt.Errorf("inode: write target sector at offset %d was not allocated", offset)
		}
		sectorOfs := int(offset % layout.SectorSize)
		inodeLeft := int64(in.disk.Length) - offset
		sectorLeft := layout.SectorSize - sectorOfs
		minLeft := inodeLeft
		if int64(sectorLeft) < minLeft {
			minLeft = int64(sectorLeft)
		}
		chunk := int64(size)
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk <= 0 {
			break
		}

		if sectorOfs == 0 && chunk == layout.SectorSize {
			if err := in.store.device.WriteSector(uint32(sector), buf[written:written+int(chunk)]); err != nil {
				return written, err
			}
		} else {
			if bounce == nil {
				bounce = make([]byte, layout.SectorSize)
			}
			if sectorOfs > 0 || chunk < int64(sectorLeft) {
				if err := in.store.device.ReadSector(uint32(sector), bounce); err != nil {
					return written, err
				}
			} else {
				for i := range bounce {
					bounce[i] = 0
				}
			}
			copy(bounce[sectorOfs:int64(sectorOfs)+chunk], buf[written:written+int(chunk)])
			if err := in.store.device.WriteSector(uint32(sector), bounce); err != nil {
				return written, err
			}
		}

		size -= int(chunk)
		offset += chunk
		written += int(chunk)
	}
	return written, nil
}

// offsetToSector maps a byte offset to its backing sector, per §3's
// offset->sector mapping. It returns layout.InvalidSector (no error) for an
// offset that falls in an as-yet-unallocated (sparse) region within the
// addressable range.
func (in *Inode) offsetToSector(offset int64) (layout.SectorNumber, error) {
	b := offset / layout.SectorSize
	switch {
	case b < layout.DirectCount:
		return layout.SectorNumber(in.disk.Direct[b]), nil
	case b < layout.DirectCount+layout.IndirectCount:
		if in.disk.SingleIndirect == uint32(layout.InvalidSector) {
			return layout.InvalidSector, nil
		}
		arr, err := in.store.readSectorArray(layout.SectorNumber(in.disk.SingleIndirect))
		if err != nil {
			return layout.InvalidSector, err
		}
		return layout.SectorNumber(arr[b-layout.DirectCount]), nil
	case b < layout.DirectCount+layout.IndirectCount+layout.IndirectCount*layout.IndirectCount:
		if in.disk.DoubleIndirect == uint32(layout.InvalidSector) {
			return layout.InvalidSector, nil
		}
		doubleArr, err := in.store.readSectorArray(layout.SectorNumber(in.disk.DoubleIndirect))
		if err != nil {
			return layout.InvalidSector, err
		}
		rel := b - layout.DirectCount - layout.IndirectCount
		childSec := layout.SectorNumber(doubleArr[rel/layout.IndirectCount])
		if childSec == layout.InvalidSector {
			return layout.InvalidSector, nil
		}
		childArr, err := in.store.readSectorArray(childSec)
		if err != nil {
			return layout.InvalidSector, err
		}
		return layout.SectorNumber(childArr[rel%layout.IndirectCount]), nil
	default:
		return layout.InvalidSector, fmt.Errorf("inode: offset %d out of range", offset)
	}
}

// grow extends a copy of disk so that every logical sector index in
// [SectorsForLength(oldLength), SectorsForLength(newEnd)) is backed by a
// freshly allocated, zeroed data sector, allocating index blocks on demand
// (§4.2.4's allocate_sector). On failure it releases every sector it
// allocated during this call and returns a zero onDiskInode with the error;
// the caller's own copy of disk is left untouched.
func (s *Store) grow(disk onDiskInode, oldLength, newEnd int64) (onDiskInode, error) {
	oldSectors := layout.SectorsForLength(oldLength)
	newSectors := layout.SectorsForLength(newEnd)
	if newSectors > int64(layout.MaxFileSize/layout.SectorSize) {
		return onDiskInode{}, ErrFileTooLarge
	}

	var allocated []layout.SectorNumber
	rollback := func(cause error) (onDiskInode, error) {
		for i := len(allocated) - 1; i >= 0; i-- {
			if err := s.freeMap.Release(allocated[i], 1); err != nil {
				s.log.WithError(err).Warn("write growth rollback: failed to release sector")
			}
		}
		return onDiskInode{}, cause
	}

	for idx := oldSectors; idx < newSectors; idx++ {
		data, err := s.allocateZeroed()
		if err != nil {
			return rollback(err)
		}
		allocated = append(allocated, data)

		switch {
		case idx < layout.DirectCount:
			disk.Direct[idx] = uint32(data)
		case idx < layout.DirectCount+layout.IndirectCount:
			if disk.SingleIndirect == uint32(layout.InvalidSector) {
				sec, err := s.allocateZeroed()
				if err != nil {
					return rollback(err)
				}
				allocated = append(allocated, sec)
				disk.SingleIndirect = uint32(sec)
				if err := s.writeSectorArray(sec, invalidArray()); err != nil {
					return rollback(err)
				}
			}
			single := layout.SectorNumber(disk.SingleIndirect)
			arr, err := s.readSectorArray(single)
			if err != nil {
				return rollback(err)
			}
			arr[idx-layout.DirectCount] = uint32(data)
			if err := s.writeSectorArray(single, arr); err != nil {
				return rollback(err)
			}
		case idx < layout.DirectCount+layout.IndirectCount+layout.IndirectCount*layout.IndirectCount:
			if disk.DoubleIndirect == uint32(layout.InvalidSector) {
				sec, err := s.allocateZeroed()
				if err != nil {
					return rollback(err)
				}
				allocated = append(allocated, sec)
				disk.DoubleIndirect = uint32(sec)
				if err := s.writeSectorArray(sec, invalidArray()); err != nil {
					return rollback(err)
				}
			}
			double := layout.SectorNumber(disk.DoubleIndirect)
			doubleArr, err := s.readSectorArray(double)
			if err != nil {
				return rollback(err)
			}
			rel := idx - layout.DirectCount - layout.IndirectCount
			childIdx := rel / layout.IndirectCount
			slot := rel % layout.IndirectCount
			childSec := layout.SectorNumber(doubleArr[childIdx])
			if childSec == layout.InvalidSector {
				sec, err := s.allocateZeroed()
				if err != nil {
					return rollback(err)
				}
				allocated = append(allocated, sec)
				childSec = sec
				doubleArr[childIdx] = uint32(sec)
				if err := s.writeSectorArray(sec, invalidArray()); err != nil {
					return rollback(err)
				}
				if err := s.writeSectorArray(double, doubleArr); err != nil {
					return rollback(err)
				}
			}
			childArr, err := s.readSectorArray(childSec)
			if err != nil {
				return rollback(err)
			}
			childArr[slot] = uint32(data)
			if err := s.writeSectorArray(childSec, childArr); err != nil {
				return rollback(err)
			}
		default:
			return rollback(ErrFileTooLarge)
		}
	}
	return disk, nil
}

func (s *Store) allocateZeroed() (layout.SectorNumber, error) {
	sec, err := s.freeMap.Allocate(1)
	if err != nil {
		return layout.InvalidSector, err
	}
	zeros := make([]byte, layout.SectorSize)
	if err := s.device.WriteSector(uint32(sec), zeros); err != nil {
		_ = s.freeMap.Release(sec, 1)
		return layout.InvalidSector, err
	}
	return sec, nil
}

func (s *Store) readSectorArray(sector layout.SectorNumber) ([]uint32, error) {
	buf := make([]byte, layout.SectorSize)
	if err := s.device.ReadSector(uint32(sector), buf); err != nil {
		return nil, err
	}
	arr := make([]uint32, layout.IndirectCount)
	for i := range arr {
		arr[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return arr, nil
}

func (s *Store) writeSectorArray(sector layout.SectorNumber, arr []uint32) error {
	buf := make([]byte, layout.SectorSize)
	for i, v := range arr {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return s.device.WriteSector(uint32(sector), buf)
}

func (s *Store) readDisk(sector layout.SectorNumber) (onDiskInode, error) {
	buf := make([]byte, layout.SectorSize)
	if err := s.device.ReadSector(uint32(sector), buf); err != nil {
		return onDiskInode{}, err
	}
	var disk onDiskInode
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &disk); err != nil {
		return onDiskInode{}, fmt.Errorf("decoding inode at sector %d: %w", sector, err)
	}
	if disk.Magic != layout.InodeMagic {
		return onDiskInode{}, ErrCorrupt
	}
	return disk, nil
}

func (s *Store) writeDisk(sector layout.SectorNumber, disk *onDiskInode) error {
	var buf bytes.Buffer
	buf.Grow(layout.SectorSize)
	if err := binary.Write(&buf, binary.LittleEndian, disk); err != nil {
		return fmt.Errorf("encoding inode for sector %d: %w", sector, err)
	}
	out := make([]byte, layout.SectorSize)
	copy(out, buf.Bytes())
	return s.device.WriteSector(uint32(sector), out)
}

func invalidArray() []uint32 {
	arr := make([]uint32, layout.IndirectCount)
	for i := range arr {
		arr[i] = uint32(layout.InvalidSector)
	}
	return arr
}
