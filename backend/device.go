package backend

import (
	"fmt"
	"os"
)

// Device is a sector-addressed block device: a fixed-size region divided
// into SectorSize-byte sectors, each read or written as a whole in a single
// synchronous operation. It is the only I/O surface the file-system core
// consumes; everything above it works in sectors, never raw byte offsets.
type Device struct {
	storage    Storage
	sectorSize int64
	sectors    uint32
}

// NewDevice wraps an already-open Storage as a sector device of the given
// sector size. size is the total addressable size in bytes; it is rounded
// down to a whole number of sectors.
func NewDevice(storage Storage, sectorSize int64, size int64) (*Device, error) {
	if sectorSize <= 0 {
		return nil, fmt.Errorf("sector size must be positive, got %d", sectorSize)
	}
	if size < sectorSize {
		return nil, fmt.Errorf("device size %d is smaller than one sector (%d)", size, sectorSize)
	}
	return &Device{
		storage:    storage,
		sectorSize: sectorSize,
		sectors:    uint32(size / sectorSize),
	}, nil
}

// SectorSize returns the fixed size, in bytes, of every sector on the device.
func (d *Device) SectorSize() int64 {
	return d.sectorSize
}

// SectorCount returns the number of addressable sectors on the device.
func (d *Device) SectorCount() uint32 {
	return d.sectors
}

// ReadSector reads exactly one sector into buf, which must be SectorSize
// bytes long.
func (d *Device) ReadSector(sector uint32, buf []byte) error {
	if err := d.checkSector(sector, buf); err != nil {
		return err
	}
	n, err := d.storage.ReadAt(buf, int64(sector)*d.sectorSize)
	if err != nil {
		return fmt.Errorf("reading sector %d: %w", sector, err)
	}
	if int64(n) != d.sectorSize {
		return fmt.Errorf("short read of sector %d: got %d of %d bytes", sector, n, d.sectorSize)
	}
	return nil
}

// WriteSector writes exactly one sector from buf, which must be SectorSize
// bytes long.
func (d *Device) WriteSector(sector uint32, buf []byte) error {
	if err := d.checkSector(sector, buf); err != nil {
		return err
	}
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("writing sector %d: %w", sector, err)
	}
	n, err := w.WriteAt(buf, int64(sector)*d.sectorSize)
	if err != nil {
		return fmt.Errorf("writing sector %d: %w", sector, err)
	}
	if int64(n) != d.sectorSize {
		return fmt.Errorf("short write of sector %d: wrote %d of %d bytes", sector, n, d.sectorSize)
	}
	return nil
}

// Sync flushes any writable backing file to stable storage, if supported.
func (d *Device) Sync() error {
	w, err := d.storage.Writable()
	if err != nil {
		return nil //nolint:nilerr // read-only device has nothing to sync
	}
	if f, ok := w.(*os.File); ok {
		return f.Sync()
	}
	return nil
}

// Close releases the underlying storage.
func (d *Device) Close() error {
	return d.storage.Close()
}

func (d *Device) checkSector(sector uint32, buf []byte) error {
	if int64(len(buf)) != d.sectorSize {
		return fmt.Errorf("buffer size %d does not match sector size %d", len(buf), d.sectorSize)
	}
	if sector >= d.sectors {
		return fmt.Errorf("sector %d out of range, device has %d sectors", sector, d.sectors)
	}
	return nil
}
