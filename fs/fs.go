// Package fs is C4: the facade that ties the free map, inode store and
// directory layer together into a hierarchical file system, and the path
// resolver that walks a "/"-separated name down to a parent directory and
// a final component (§4.4). It is grounded on
// original_source/src/filesys/filesys.c (filesys_create, filesys_open,
// filesys_remove, filesys_init/filesys_done) for the facade shape, and
// generalizes its single flat dir_open_root() lookup into a multi-component
// walk per the Design Notes.
package fs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opsys/gofilesys/backend"
	"github.com/opsys/gofilesys/directory"
	"github.com/opsys/gofilesys/freemap"
	"github.com/opsys/gofilesys/inode"
	"github.com/opsys/gofilesys/layout"
	"github.com/opsys/gofilesys/task"
)

// Sentinel errors returned by the facade (§7). Internal package errors are
// translated to these at the fs boundary so callers never need to import
// directory/inode/freemap themselves.
var (
	ErrNotFound          = errors.New("fs: no such file or directory")
	ErrNotADirectory     = errors.New("fs: not a directory")
	ErrNameTooLong       = errors.New("fs: name too long")
	ErrNameCollision     = errors.New("fs: name already exists")
	ErrNoSpace           = errors.New("fs: no space left on device")
	ErrDirectoryNotEmpty = errors.New("fs: directory not empty")
	ErrBusyDirectory     = errors.New("fs: directory is in use as a working directory")
	ErrInvalidPath       = errors.New("fs: invalid path")
)

// FileSystem is an open, mounted instance of the on-disk file system. Its
// path operations (Create, Mkdir, Open, Remove, Chdir) and File's Read,
// Write, Readdir and Close are serialized behind a single coarse lock (§5),
// mirroring filesys_lock. A second lock is taken, in addition to the coarse
// one, across each File.Write; because the coarse lock is held as well, a
// long read still blocks writes and their allocation.
type FileSystem struct {
	device  *backend.Device
	freeMap *freemap.FreeMap
	inodes  *inode.Store
	root    layout.SectorNumber
	log     *logrus.Entry

	mu          sync.Mutex
	extendingMu sync.Mutex
}

// New mounts the file system over device. If format is true, the device is
// wiped and reinitialized: a fresh free map is written and the root
// directory is created at layout.RootDirSector (filesys_init(true)'s path
// in the original). Otherwise the existing free map is read back.
func New(device *backend.Device, format bool, log *logrus.Entry) (*FileSystem, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fsys := &FileSystem{device: device, root: layout.RootDirSector, log: log}

	if format {
		fm, err := freemap.Create(device)
		if err != nil {
			return nil, fmt.Errorf("formatting free map: %w", err)
		}
		fsys.freeMap = fm
		fsys.inodes = inode.NewStore(device, fm, log)

		if err := fsys.inodes.Create(layout.RootDirSector, 0); err != nil {
			return nil, fmt.Errorf("creating root directory inode: %w", err)
		}
		rootIn, err := fsys.inodes.Open(layout.RootDirSector)
		if err != nil {
			return nil, fmt.Errorf("opening root directory inode: %w", err)
		}
		if err := directory.Create(rootIn, layout.RootDirSector); err != nil {
			return nil, fmt.Errorf("initializing root directory: %w", err)
		}
		if err := fsys.inodes.Close(rootIn); err != nil {
			return nil, err
		}
		log.Info("file system formatted")
	} else {
		fm, err := freemap.Open(device)
		if err != nil {
			return nil, fmt.Errorf("opening free map: %w", err)
		}
		fsys.freeMap = fm
		fsys.inodes = inode.NewStore(device, fm, log)
	}
	return fsys, nil
}

// Done flushes the free map and syncs the underlying device (filesys_done).
// It does not close the device.
func (fsys *FileSystem) Done() error {
	if err := fsys.freeMap.Close(); err != nil {
		return err
	}
	return fsys.device.Sync()
}

// VolumeID returns the UUID stamped into the device at format time.
func (fsys *FileSystem) VolumeID() string {
	return fsys.freeMap.VolumeID().String()
}

// Create creates a new, empty regular file named by path, sized size bytes
// (§4.4.1 / filesys_create).
func (fsys *FileSystem) Create(t *task.Task, path string, size int64) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	parent, name, err := fsys.resolveParent(t, path)
	if err != nil {
		return err
	}
	defer fsys.inodes.Close(parent.Inode())

	sector, err := fsys.freeMap.Allocate(1)
	if err != nil {
		return translateSpaceErr(err)
	}
	if err := fsys.inodes.Create(sector, size); err != nil {
		_ = fsys.freeMap.Release(sector, 1)
		return translateSpaceErr(err)
	}
	if err := parent.Add(name, sector); err != nil {
		fsys.discard(sector)
		return translateNameErr(err)
	}
	fsys.log.WithFields(logrus.Fields{"path": path, "size": size}).Debug("file created")
	return nil
}

// Mkdir creates a new, empty subdirectory named by path (a SPEC_FULL
// extension over the original flat file system; grounded on directory.Create
// and dir_add's shape).
func (fsys *FileSystem) Mkdir(t *task.Task, path string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	parent, name, err := fsys.resolveParent(t, path)
	if err != nil {
		return err
	}
	defer fsys.inodes.Close(parent.Inode())

	sector, err := fsys.freeMap.Allocate(1)
	if err != nil {
		return translateSpaceErr(err)
	}
	if err := fsys.inodes.Create(sector, 0); err != nil {
		_ = fsys.freeMap.Release(sector, 1)
		return translateSpaceErr(err)
	}

	childIn, err := fsys.inodes.Open(sector)
	if err != nil {
		fsys.discard(sector)
		return err
	}
	if err := directory.Create(childIn, parent.Inode().Sector()); err != nil {
		fsys.inodes.Remove(childIn)
		_ = fsys.inodes.Close(childIn)
		return err
	}
	if err := fsys.inodes.Close(childIn); err != nil {
		return err
	}

	if err := parent.Add(name, sector); err != nil {
		fsys.discard(sector)
		return translateNameErr(err)
	}
	fsys.log.WithField("path", path).Debug("directory created")
	return nil
}

// discard opens sector, marks it removed and closes it, reclaiming every
// sector it owns. Used to unwind a Create/Mkdir after the inode was built
// but before it could be linked into its parent directory.
func (fsys *FileSystem) discard(sector layout.SectorNumber) {
	in, err := fsys.inodes.Open(sector)
	if err != nil {
		fsys.log.WithError(err).Warn("discard: failed to reopen orphan inode")
		return
	}
	fsys.inodes.Remove(in)
	if err := fsys.inodes.Close(in); err != nil {
		fsys.log.WithError(err).Warn("discard: failed to reclaim orphan inode")
	}
}

// Open resolves path to an existing file or directory and returns a handle
// to it (§4.4.2 / filesys_open).
func (fsys *FileSystem) Open(t *task.Task, path string) (*File, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	in, err := fsys.resolveFull(t, path)
	if err != nil {
		return nil, err
	}
	return &File{fs: fsys, in: in}, nil
}

// Remove unlinks path (§4.4.3 / filesys_remove). A non-empty directory, or
// the directory that is t's current working directory, cannot be removed.
// Only t's working directory is checked; other tasks' working directories
// are not.
func (fsys *FileSystem) Remove(t *task.Task, path string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	parent, name, err := fsys.resolveParent(t, path)
	if err != nil {
		return err
	}
	defer fsys.inodes.Close(parent.Inode())

	sector, err := parent.Lookup(name)
	if err != nil {
		return translateLookupErr(err)
	}
	target, err := fsys.inodes.Open(sector)
	if err != nil {
		return err
	}

	if target.IsDirectory() {
		if !directory.Open(target).Empty() {
			_ = fsys.inodes.Close(target)
			return ErrDirectoryNotEmpty
		}
		if t != nil {
			if cwd, ok := t.WorkingDirectory(); ok && cwd == sector {
				_ = fsys.inodes.Close(target)
				return ErrBusyDirectory
			}
		}
	}

	if err := parent.Remove(name); err != nil {
		_ = fsys.inodes.Close(target)
		return translateNameErr(err)
	}
	fsys.inodes.Remove(target)
	if err := fsys.inodes.Close(target); err != nil {
		return err
	}
	fsys.log.WithField("path", path).Debug("removed")
	return nil
}

// Chdir resolves path and, if it names a directory, sets it as t's current
// working directory (§4.4.4).
func (fsys *FileSystem) Chdir(t *task.Task, path string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	in, err := fsys.resolveFull(t, path)
	if err != nil {
		return err
	}
	if !in.IsDirectory() {
		_ = fsys.inodes.Close(in)
		return ErrNotADirectory
	}
	t.SetWorkingDirectory(in.Sector())
	return fsys.inodes.Close(in)
}

// resolveParent walks every path component but the last, returning the
// open parent directory and the final component's name. The caller must
// Close the returned directory's inode.
func (fsys *FileSystem) resolveParent(t *task.Task, path string) (*directory.Directory, string, error) {
	comps, isAbs, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(comps) == 0 {
		return nil, "", ErrInvalidPath
	}

	cur, err := fsys.openDir(fsys.startSector(t, isAbs))
	if err != nil {
		return nil, "", err
	}
	for _, c := range comps[:len(comps)-1] {
		if c == "." {
			continue
		}
		sec, err := cur.Lookup(c)
		if err != nil {
			_ = fsys.inodes.Close(cur.Inode())
			return nil, "", translateLookupErr(err)
		}
		next, err := fsys.openDir(sec)
		prev := cur.Inode()
		if err != nil {
			_ = fsys.inodes.Close(prev)
			return nil, "", err
		}
		_ = fsys.inodes.Close(prev)
		cur = next
	}
	return cur, comps[len(comps)-1], nil
}

// resolveFull walks every path component, including the last, and returns
// the open target inode. The caller must Close it.
func (fsys *FileSystem) resolveFull(t *task.Task, path string) (*inode.Inode, error) {
	comps, isAbs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	start := fsys.startSector(t, isAbs)
	if len(comps) == 0 {
		return fsys.inodes.Open(start)
	}

	cur, err := fsys.openDir(start)
	if err != nil {
		return nil, err
	}
	for i, c := range comps {
		last := i == len(comps)-1
		if c == "." {
			if last {
				return cur.Inode(), nil
			}
			continue
		}
		sec, err := cur.Lookup(c)
		if err != nil {
			_ = fsys.inodes.Close(cur.Inode())
			return nil, translateLookupErr(err)
		}
		if last {
			target, err := fsys.inodes.Open(sec)
			_ = fsys.inodes.Close(cur.Inode())
			return target, err
		}
		next, err := fsys.openDir(sec)
		prev := cur.Inode()
		if err != nil {
			_ = fsys.inodes.Close(prev)
			return nil, err
		}
		_ = fsys.inodes.Close(prev)
		cur = next
	}
	return nil, fmt.Errorf("fs: internal error: walk of %q fell through without resolving its last component", path)
}

func (fsys *FileSystem) startSector(t *task.Task, isAbs bool) layout.SectorNumber {
	if isAbs || t == nil {
		return fsys.root
	}
	sec, ok := t.WorkingDirectory()
	if !ok {
		t.SetWorkingDirectory(fsys.root)
		return fsys.root
	}
	return sec
}

func (fsys *FileSystem) openDir(sector layout.SectorNumber) (*directory.Directory, error) {
	in, err := fsys.inodes.Open(sector)
	if err != nil {
		return nil, err
	}
	if !in.IsDirectory() {
		_ = fsys.inodes.Close(in)
		return nil, ErrNotADirectory
	}
	return directory.Open(in), nil
}

// splitPath tokenizes path into its non-empty, "/"-separated components and
// reports whether it is rooted. A double slash or a trailing slash (other
// than the path "/" itself) is rejected as malformed (an Open Question
// resolved in favor of strict syntax over silent normalization).
func splitPath(path string) ([]string, bool, error) {
	if path == "" {
		return nil, false, ErrInvalidPath
	}
	if strings.Contains(path, "//") {
		return nil, false, ErrInvalidPath
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return nil, false, ErrInvalidPath
	}
	isAbs := path[0] == '/'
	raw := strings.Split(path, "/")
	comps := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			comps = append(comps, c)
		}
	}
	return comps, isAbs, nil
}

func translateLookupErr(err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func translateNameErr(err error) error {
	switch {
	case errors.Is(err, directory.ErrNameCollision):
		return ErrNameCollision
	case errors.Is(err, directory.ErrNameTooLong):
		return ErrNameTooLong
	case errors.Is(err, directory.ErrNameEmpty), errors.Is(err, directory.ErrNameReserved):
		return ErrInvalidPath
	default:
		return err
	}
}

func translateSpaceErr(err error) error {
	if errors.Is(err, freemap.ErrNoSpace) || errors.Is(err, inode.ErrFileTooLarge) {
		return ErrNoSpace
	}
	return err
}

// File is an open handle onto a file or directory inode (the "buffered
// file layer" collaborator named by §6): a seek position plus the usual
// read/write/seek surface, and — for directories — an iteration cursor.
type File struct {
	fs  *FileSystem
	in  *inode.Inode
	pos int64
}

// Read reads into buf from the current position, advancing it (§4.2.3).
// Per §5, read is one of the operations serialized under the coarse
// filesys_lock: it shares in-memory inode state (length, direct/indirect
// pointers) with concurrent writers, so it takes fsys.mu like every other
// facade operation.
func (f *File) Read(buf []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	n, err := f.in.ReadAt(buf, f.pos)
	f.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes buf at the current position, growing the file if needed,
// and advances the position (§4.2.4). Per §5, write is serialized under
// the coarse filesys_lock like every other facade operation; the
// extending lock is additionally held across the whole write, growth
// included, so a
// future refactor can release fsys.mu across plain block I/O without
// racing on free-map allocation (§5's "initial implementation may acquire
// both").
func (f *File) Write(buf []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.fs.extendingMu.Lock()
	defer f.fs.extendingMu.Unlock()

	n, err := f.in.WriteAt(buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek repositions the handle, with the same semantics as io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.in.Length()
	default:
		return 0, fmt.Errorf("fs: invalid whence %d", whence)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("fs: negative seek position %d", newPos)
	}
	f.pos = newPos
	return f.pos, nil
}

// Length returns the file's current byte length.
func (f *File) Length() int64 { return f.in.Length() }

// IsDir reports whether the handle refers to a directory.
func (f *File) IsDir() bool { return f.in.IsDirectory() }

// Inumber returns the handle's inode sector number, a stable per-file
// identifier.
func (f *File) Inumber() int { return int(f.in.Sector()) }

// DenyWrite marks the handle's inode as not presently writable (mirrors
// file_deny_write, used by the original to protect a running executable).
func (f *File) DenyWrite() { f.in.DenyWrite() }

// AllowWrite undoes DenyWrite.
func (f *File) AllowWrite() { f.in.AllowWrite() }

// Readdir returns the next directory entry name in iteration order, or
// ok == false once exhausted (§4.3.4). It is only valid when IsDir is
// true. §5 lists readdir among the operations serialized under the
// coarse filesys_lock, so it takes fsys.mu like every other facade
// operation.
func (f *File) Readdir() (name string, ok bool, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if !f.in.IsDirectory() {
		return "", false, ErrNotADirectory
	}
	return directory.Open(f.in).Readdir(&f.pos)
}

// Close releases the handle's reference on its inode (§4.2.1). §5 lists
// close among the operations serialized under the coarse filesys_lock,
// since a last-reference close can release sectors back through the free
// map (§4.2.5), so it takes fsys.mu like every other facade operation.
func (f *File) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.fs.inodes.Close(f.in)
}
