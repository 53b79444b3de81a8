//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build aix darwin dragonfly freebsd linux netbsd openbsd solaris

package backend

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const blkrrpart = 0x125f

// NativeSectorSize probes a real block special file for its logical sector
// size via BLKSSZGET. It returns an error for anything that is not an
// actual block device (e.g. a regular disk-image file), since only a block
// device has a kernel-reported native sector size.
func NativeSectorSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return 0, ErrNotSuitable
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, fmt.Errorf("unable to get device logical sector size: %w", err)
	}
	return int64(size), nil
}

// ReReadPartitionTable asks the kernel to re-read the partition table on a
// real block device after the file system core has formatted it, so the
// device nodes for any partitions reflect the freshly written layout. It is
// a no-op (returns nil) for anything that is not an actual block device.
func ReReadPartitionTable(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return nil
	}
	if _, err := unix.IoctlGetInt(int(f.Fd()), blkrrpart); err != nil {
		return fmt.Errorf("unable to re-read the partition table, kernel still has the old one: %w", err)
	}
	return nil
}
