// Package task holds the minimal per-caller state the file system needs
// beyond the disk itself: a current working directory. It is grounded on
// original_source/src/filesys/filesys.c and src/threads/thread.h, which
// hang a single struct dir *working_dir off each thread; here it is pulled
// out into its own small value so callers that are not actual OS threads
// (tests, a single-process embedding) can hold one too.
package task

import "github.com/opsys/gofilesys/layout"

// Task tracks one caller's current working directory, identified by its
// inode sector. A zero-value Task has no working directory set; callers
// that find CWD unset default to the root directory on first use (§4.4.4).
type Task struct {
	cwd    layout.SectorNumber
	cwdSet bool
}

// New returns a Task with no working directory set.
func New() *Task {
	return &Task{}
}

// WorkingDirectory returns the task's current working directory sector and
// whether one has been set yet.
func (t *Task) WorkingDirectory() (layout.SectorNumber, bool) {
	return t.cwd, t.cwdSet
}

// SetWorkingDirectory updates the task's current working directory.
func (t *Task) SetWorkingDirectory(sector layout.SectorNumber) {
	t.cwd = sector
	t.cwdSet = true
}
