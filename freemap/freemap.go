// Package freemap implements C1: the persistent free-sector bitmap ("free
// map") that every other component allocates data and metadata sectors
// from. It is grounded on go-diskfs's ext4 group-bitmap handling
// (filesystem/ext4/ext4.go's readBlockBitmap/writeBlockBitmap), generalized
// from ext4's per-block-group bitmaps to a single whole-device bitmap
// rooted at layout.FreeMapSector, and on util/bitmap's bit-vector (adapted
// as the bitmap package).
package freemap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opsys/gofilesys/backend"
	"github.com/opsys/gofilesys/bitmap"
	"github.com/opsys/gofilesys/layout"
)

// ErrNoSpace is returned by Allocate when no run of the requested size is
// free on the device.
var ErrNoSpace = errors.New("freemap: no space left on device")

const headerMagic uint32 = 0x46524d50 // "FRMP"

// FreeMap is the in-memory, whole-device allocation bitmap. Bit i is 0 if
// sector i is free and 1 if it is allocated; a set bit never means free. It
// is persisted as a tiny "file"
// starting at layout.FreeMapSector: one header sector followed by however
// many data sectors are needed to hold the raw bitmap bytes. Those sectors
// are themselves marked allocated in the bitmap they describe.
type FreeMap struct {
	device      *backend.Device
	bm          *bitmap.Bitmap
	volumeID    uuid.UUID
	fileSectors uint32 // sectors occupied by the freemap's own header+body
}

// header is the fixed layout of the sector at layout.FreeMapSector.
type header struct {
	Magic         uint32
	VolumeID      [16]byte
	DeviceSectors uint32
	BitmapSectors uint32
}

// Create builds a fresh, blank free map sized to device's sector count,
// reserves the sectors the free map and root directory occupy, stamps a
// fresh volume UUID (mirroring ext4's superblock UUID), and persists it.
func Create(device *backend.Device) (*FreeMap, error) {
	total := device.SectorCount()
	bitmapBytes := (int(total) + 7) / 8
	bitmapSectors := (bitmapBytes + layout.SectorSize - 1) / layout.SectorSize

	fm := &FreeMap{
		device:      device,
		bm:          bitmap.NewBits(int(total)),
		volumeID:    uuid.New(),
		fileSectors: uint32(1 + bitmapSectors),
	}

	// Reserve the sectors occupied by the free map's own header+body and
	// by the root directory inode, which format() always creates.
	for s := uint32(0); s < fm.fileSectors; s++ {
		if err := fm.bm.Set(int(s)); err != nil {
			return nil, err
		}
	}
	if err := fm.bm.Set(int(layout.RootDirSector)); err != nil {
		return nil, err
	}

	if err := fm.flush(); err != nil {
		return nil, err
	}
	return fm, nil
}

// Open reads a previously persisted free map back from device.
func Open(device *backend.Device) (*FreeMap, error) {
	buf := make([]byte, layout.SectorSize)
	if err := device.ReadSector(uint32(layout.FreeMapSector), buf); err != nil {
		return nil, fmt.Errorf("reading free map header: %w", err)
	}
	var h header
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	copy(h.VolumeID[:], buf[4:20])
	h.DeviceSectors = binary.LittleEndian.Uint32(buf[20:24])
	h.BitmapSectors = binary.LittleEndian.Uint32(buf[24:28])
	if h.Magic != headerMagic {
		return nil, fmt.Errorf("free map header corrupt: bad magic %#x", h.Magic)
	}

	bitmapBytes := make([]byte, 0, int(h.BitmapSectors)*layout.SectorSize)
	sector := uint32(layout.FreeMapSector) + 1
	for i := uint32(0); i < h.BitmapSectors; i++ {
		sbuf := make([]byte, layout.SectorSize)
		if err := device.ReadSector(sector+i, sbuf); err != nil {
			return nil, fmt.Errorf("reading free map body sector %d: %w", sector+i, err)
		}
		bitmapBytes = append(bitmapBytes, sbuf...)
	}

	fm := &FreeMap{
		device:      device,
		bm:          bitmap.FromBytes(bitmapBytes[:(int(h.DeviceSectors)+7)/8]),
		volumeID:    uuid.UUID(h.VolumeID),
		fileSectors: 1 + h.BitmapSectors,
	}
	return fm, nil
}

// Close persists the in-memory bitmap back to disk. It does not close the
// underlying device.
func (fm *FreeMap) Close() error {
	return fm.flush()
}

// VolumeID returns the UUID stamped into the free map at format time.
func (fm *FreeMap) VolumeID() uuid.UUID {
	return fm.volumeID
}

// Allocate reserves the first free run of n contiguous sectors and returns
// its starting sector. It fails with ErrNoSpace if no such run exists;
// callers are responsible for rolling back any partial work of their own on
// failure (§4.1).
func (fm *FreeMap) Allocate(n int) (layout.SectorNumber, error) {
	if n <= 0 {
		return layout.InvalidSector, fmt.Errorf("freemap: invalid allocation size %d", n)
	}
	start := fm.bm.FirstFreeRun(n)
	if start < 0 {
		return layout.InvalidSector, ErrNoSpace
	}
	for i := 0; i < n; i++ {
		if err := fm.bm.Set(start + i); err != nil {
			return layout.InvalidSector, err
		}
	}
	return layout.SectorNumber(start), nil
}

// Release frees n contiguous sectors starting at start. It is the inverse
// of Allocate and is used both by normal deletion and by rollback after a
// partial allocation failure.
func (fm *FreeMap) Release(start layout.SectorNumber, n int) error {
	for i := 0; i < n; i++ {
		if err := fm.bm.Clear(int(start) + i); err != nil {
			return err
		}
	}
	return nil
}

// IsFree reports whether sector is currently marked free. Exposed mainly
// for tests validating P1/P9.
func (fm *FreeMap) IsFree(sector layout.SectorNumber) (bool, error) {
	set, err := fm.bm.IsSet(int(sector))
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (fm *FreeMap) flush() error {
	total := fm.bm.Len()
	bitmapBytes := fm.bm.ToBytes()
	bitmapSectors := (len(bitmapBytes) + layout.SectorSize - 1) / layout.SectorSize

	hbuf := make([]byte, layout.SectorSize)
	binary.LittleEndian.PutUint32(hbuf[0:4], headerMagic)
	vid := fm.volumeID
	copy(hbuf[4:20], vid[:])
	binary.LittleEndian.PutUint32(hbuf[20:24], uint32(total))
	binary.LittleEndian.PutUint32(hbuf[24:28], uint32(bitmapSectors))
	if err := fm.device.WriteSector(uint32(layout.FreeMapSector), hbuf); err != nil {
		return fmt.Errorf("writing free map header: %w", err)
	}

	sector := uint32(layout.FreeMapSector) + 1
	for i := 0; i < bitmapSectors; i++ {
		sbuf := make([]byte, layout.SectorSize)
		start := i * layout.SectorSize
		end := start + layout.SectorSize
		if end > len(bitmapBytes) {
			end = len(bitmapBytes)
		}
		copy(sbuf, bitmapBytes[start:end])
		if err := fm.device.WriteSector(sector+uint32(i), sbuf); err != nil {
			return fmt.Errorf("writing free map body sector %d: %w", sector+uint32(i), err)
		}
	}
	return nil
}
