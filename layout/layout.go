// Package layout holds the on-disk geometry constants shared by every
// component of the file system: sector size, indirection fan-out, name
// length limit and the fixed well-known sectors. Centralizing them here
// keeps the free map, inode store and directory layer from disagreeing on
// the shape of the disk.
package layout

// SectorNumber identifies a sector on the block device. InvalidSector is the
// all-ones sentinel used to mean "no sector" (an unallocated pointer slot).
type SectorNumber uint32

// InvalidSector is the sentinel "none" sector number: the all-ones bit
// pattern of SectorNumber.
const InvalidSector SectorNumber = ^SectorNumber(0)

const (
	// SectorSize is the size, in bytes, of one addressable unit on the
	// block device.
	SectorSize = 512

	// NameMax is the longest directory entry name, in bytes, excluding the
	// terminating NUL.
	NameMax = 14

	// DirectCount is the number of direct sector pointers stored inline in
	// an on-disk inode. Chosen so the inode struct fits exactly one sector.
	DirectCount = 122

	// IndirectCount is the number of sector pointers held in one
	// single-indirect or double-indirect index block: SectorSize / 4.
	IndirectCount = SectorSize / 4

	// FreeMapSector is the fixed sector holding the free map's header.
	FreeMapSector SectorNumber = 0

	// RootDirSector is the fixed sector holding the root directory's inode.
	RootDirSector SectorNumber = 1

	// InodeMagic is the sentinel value written into every on-disk inode to
	// detect corruption or a misread sector.
	InodeMagic uint32 = 0x494e4f44
)

// MaxFileSize is the largest byte length representable by the direct +
// single-indirect + double-indirect addressing scheme.
const MaxFileSize = (DirectCount + IndirectCount + IndirectCount*IndirectCount) * SectorSize

// SectorsForLength returns the number of sectors needed to hold length bytes
// of file data, rounding up.
func SectorsForLength(length int64) int64 {
	if length <= 0 {
		return 0
	}
	return (length + SectorSize - 1) / SectorSize
}
