package filesystem

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/karrick/godirwalk"
)

type usageLookupTime struct {
	sync.RWMutex
	value time.Time
}

// Set sets the last time that a disk space lookup was performed.
func (ult *usageLookupTime) Set(t time.Time) {
	ult.Lock()
	ult.value = t
	ult.Unlock()
}

// Get the last time that a disk space lookup was performed.
func (ult *usageLookupTime) Get() time.Time {
	ult.RLock()
	defer ult.RUnlock()
	return ult.value
}

// MaxDisk returns the maximum amount of disk space this storage root is
// allowed to consume.
func (fs *Filesystem) MaxDisk() int64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.diskLimit
}

// SetDiskLimit sets the disk space limit for this storage root.
func (fs *Filesystem) SetDiskLimit(i int64) {
	fs.mu.Lock()
	fs.diskLimit = i
	fs.mu.Unlock()
}

// HasSpaceErr is the same concept as HasSpaceAvailable, but returns a typed
// error when there is no space rather than a boolean.
func (fs *Filesystem) HasSpaceErr(allowStaleValue bool) error {
	if !fs.HasSpaceAvailable(allowStaleValue) {
		return newFilesystemError(ErrCodeDiskSpace, nil)
	}
	return nil
}

// HasSpaceAvailable determines if this storage root still fits inside its
// configured disk ceiling. Determining the amount of space in use is a
// taxing walk over the whole tree, so the value is cached and refreshed on
// an interval rather than recomputed per call.
func (fs *Filesystem) HasSpaceAvailable(allowStaleValue bool) bool {
	size, err := fs.DiskUsage(allowStaleValue)
	if err != nil {
		log.WithField("root", fs.root).WithField("error", err).Warn("failed to determine disk usage for storage root")
	}

	// A limit of zero or less means the root may grow unbounded.
	if fs.MaxDisk() <= 0 {
		return true
	}

	return size <= fs.MaxDisk()
}

// CachedUsage returns the cached disk usage of the storage root without
// going out to the disk for the real value.
func (fs *Filesystem) CachedUsage() int64 {
	return atomic.LoadInt64(&fs.diskUsed)
}

// DiskUsage returns the disk space used by the storage root. The value is
// cached heavily since walking the tree is slow on large roots.
//
// When allowStaleValue is true an expired cache entry is returned as-is
// while a fresh walk runs in the background, callers on a hot path should
// prefer that over blocking on the walk.
func (fs *Filesystem) DiskUsage(allowStaleValue bool) (int64, error) {
	// An interval of zero disables this functionality entirely.
	if fs.diskCheckInterval <= 0 {
		return 0, nil
	}

	if !fs.lastLookupTime.Get().After(time.Now().Add(-fs.diskCheckInterval)) {
		if !allowStaleValue {
			return fs.updateCachedDiskUsage()
		} else if !fs.lookupInProgress.Load() {
			// Stale values are fine and nobody else is recomputing yet, so
			// kick the refresh off in the background and fall through to
			// whatever is currently cached.
			go func(fs *Filesystem) {
				if _, err := fs.updateCachedDiskUsage(); err != nil {
					log.WithField("root", fs.root).WithField("error", err).Warn("failed to update disk usage from within routine")
				}
			}(fs)
		}
	}

	return fs.CachedUsage(), nil
}

// updateCachedDiskUsage performs a blocking walk of the storage root and
// updates the cached value and lookup time with the result.
func (fs *Filesystem) updateCachedDiskUsage() (int64, error) {
	// Obtain an exclusive lock so concurrent calls queue up behind the
	// first walk rather than hammering the disk in parallel.
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Signal that a lookup is underway so stale-tolerant callers do not
	// queue additional background refreshes while this one runs.
	fs.lookupInProgress.Store(true)
	defer fs.lookupInProgress.Store(false)

	size, err := fs.DirectorySize("/")

	// Always set the lookup time, even on failure. Otherwise every caller
	// behind us would immediately retry the same failing walk in a loop.
	fs.lastLookupTime.Set(time.Now())
	if err != nil {
		return 0, err
	}

	atomic.StoreInt64(&fs.diskUsed, size)
	return size, nil
}

// DirectorySize calculates the size of a directory and its descendants. The
// walk skips the contents of symlinks resolving outside the storage root so
// external trees never count against this one.
func (fs *Filesystem) DirectorySize(dir string) (int64, error) {
	d, err := fs.SafePath(dir)
	if err != nil {
		return 0, err
	}

	var size int64
	err = godirwalk.Walk(d, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, e *godirwalk.Dirent) error {
			if e.IsSymlink() {
				if _, err := fs.SafePath(p); err != nil {
					if IsErrorCode(err, ErrCodePathResolution) {
						return godirwalk.SkipThis
					}
					return err
				}
			}

			if !e.IsDir() {
				if st, err := os.Lstat(p); err == nil {
					atomic.AddInt64(&size, st.Size())
				}
			}

			return nil
		},
	})

	return size, errors.WrapIf(err, "storage/filesystem: failed to walk directory tree")
}

// HasSpaceFor checks if the given write can land in the storage root
// without pushing usage past the configured limit. Stale cached usage is
// acceptable here, a write is already racing other writers by nature.
func (fs *Filesystem) HasSpaceFor(size int64) error {
	if fs.MaxDisk() == 0 {
		return nil
	}
	s, err := fs.DiskUsage(true)
	if err != nil {
		return err
	}
	if (s + size) > fs.MaxDisk() {
		return newFilesystemError(ErrCodeDiskSpace, nil)
	}
	return nil
}

// addDisk adds or removes the given size from the cached usage total. Brief
// races between walks and deletes can drag the tracked number below zero,
// in which case it is clamped rather than reported as nonsense.
func (fs *Filesystem) addDisk(i int64) int64 {
	size := atomic.LoadInt64(&fs.diskUsed)

	if (size + i) < 0 {
		atomic.StoreInt64(&fs.diskUsed, 0)
		return 0
	}

	return atomic.AddInt64(&fs.diskUsed, i)
}
