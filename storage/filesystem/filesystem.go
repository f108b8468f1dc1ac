package filesystem

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gammazero/workerpool"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/strongroom/strongroom/config"
	"github.com/strongroom/strongroom/storage/pathlock"
	"github.com/strongroom/strongroom/system"
)

// Filesystem is the guarded view over a single storage root. Every path
// passed to an operation is resolved against the root before anything
// touches the disk, every mutation runs under a cross-process path lock,
// and writes are staged through temporary siblings so the tree never
// contains a partially written file under its real name.
type Filesystem struct {
	mu                sync.RWMutex
	lastLookupTime    *usageLookupTime
	lookupInProgress  *system.AtomicBool
	diskUsed          int64
	diskCheckInterval time.Duration
	denylist          *ignore.GitIgnore
	diskLimit         int64

	limits            config.SizeLimits
	allowedExtensions []string
	writeLimit        int64
	compressionLevel  string

	locks   *pathlock.Registry
	lockDir string

	root   string
	isTest bool
}

// New creates a new Filesystem instance for the storage root named in the
// configuration. The root and the lock marker directory are created if they
// do not exist yet, and the denylist is compiled with permanent entries for
// the marker directory so lock state is never visible through an operation.
func New(cfg config.StorageConfiguration, locks config.LockConfiguration) (*Filesystem, error) {
	root, err := filepath.Abs(cfg.RootDirectory)
	if err != nil {
		return nil, errors.Wrap(err, "storage/filesystem: failed to resolve root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "storage/filesystem: failed to create root directory")
	}

	registry, err := pathlock.NewRegistry(filepath.Join(root, locks.Directory), pathlock.Options{
		RetryLimit:    locks.RetryLimit,
		RetryInterval: time.Duration(locks.RetryInterval) * time.Millisecond,
		StaleAge:      time.Duration(locks.StaleAge) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	exts := make([]string, 0, len(cfg.AllowedExtensions))
	for _, e := range cfg.AllowedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}

	return &Filesystem{
		lastLookupTime:    &usageLookupTime{},
		lookupInProgress:  system.NewAtomicBool(false),
		diskCheckInterval: time.Duration(cfg.DiskCheckInterval) * time.Second,
		denylist:          compileDenylist(locks.Directory, cfg.DeniedFiles),
		diskLimit:         cfg.DiskLimit,
		limits:            cfg.Limits,
		allowedExtensions: exts,
		writeLimit:        int64(cfg.WriteLimit) * 1024 * 1024,
		compressionLevel:  cfg.CompressionLevel,
		locks:             registry,
		lockDir:           locks.Directory,
		root:              root,
	}, nil
}

// compileDenylist builds the gitignore style matcher for the denied file
// patterns. The lock marker directory is always part of the list so lock
// state can never be read, written or listed through an operation.
func compileDenylist(lockDir string, denied []string) *ignore.GitIgnore {
	lines := append([]string{lockDir, lockDir + "/**"}, denied...)
	return ignore.CompileIgnoreLines(lines...)
}

// Path returns the root path for the storage tree.
func (fs *Filesystem) Path() string {
	return fs.root
}

// Limits returns the byte ceilings the guards on this tree enforce.
func (fs *Filesystem) Limits() config.SizeLimits {
	return fs.limits
}

// Locks returns the path lock registry backing this tree. Exposed so the
// stale marker sweep and administrative tooling can reach it.
func (fs *Filesystem) Locks() *pathlock.Registry {
	return fs.locks
}

// File returns a handle to a file along with its stat information. The
// caller is responsible for closing the handle. This is a primitive, it
// performs no locking of its own, the guarded entry points wrap it.
func (fs *Filesystem) File(p string) (*os.File, Stat, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return nil, Stat{}, err
	}
	st, err := fs.unsafeStat(cleaned)
	if err != nil {
		return nil, Stat{}, err
	}
	if st.Info.IsDir() {
		return nil, Stat{}, newFilesystemError(ErrCodeIsDirectory, nil)
	}
	f, err := os.Open(cleaned)
	if err != nil {
		return nil, Stat{}, wrapError(err, cleaned)
	}
	return f, st, nil
}

// Readfile streams the contents of the file at the given path into the
// provided writer. The path lock is held for the duration of the stream, a
// concurrent write can never interleave with the bytes being read.
func (fs *Filesystem) Readfile(ctx context.Context, p string, w io.Writer) error {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return err
	}
	if fs.denylist.MatchesPath(cleaned) {
		return newDenylistError(p, cleaned)
	}

	lock, err := fs.locks.Acquire(ctx, cleaned)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := os.Stat(cleaned)
	if err != nil {
		return wrapError(err, cleaned)
	}
	if st.IsDir() {
		return newFilesystemError(ErrCodeIsDirectory, nil)
	}
	if err := CheckSize(st.Size(), fs.limits.MaxFileSize); err != nil {
		return err
	}

	f, err := os.Open(cleaned)
	if err != nil {
		return wrapError(err, cleaned)
	}
	defer f.Close()

	buf := make([]byte, 1024*4)
	_, err = io.CopyBuffer(w, f, buf)
	return errors.WrapIf(err, "storage/filesystem: failed to read file")
}

// Writefile writes everything from the given reader to the file at the
// path, replacing whatever was there. Bytes are staged in a temporary
// sibling and renamed over the target once fully written, an observer can
// never see a half written file under the real name.
func (fs *Filesystem) Writefile(ctx context.Context, p string, r io.Reader) error {
	w, err := fs.NewAtomicWriter(ctx, p)
	if err != nil {
		return err
	}

	buf := make([]byte, 1024*4)
	if _, err := io.CopyBuffer(w, r, buf); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// CreateDirectory creates a new directory (name) at a specified path (p)
// inside the storage root.
func (fs *Filesystem) CreateDirectory(ctx context.Context, name string, p string) error {
	cleaned, err := fs.SafePath(path.Join(p, name))
	if err != nil {
		return err
	}
	if fs.denylist.MatchesPath(cleaned) {
		return newDenylistError(path.Join(p, name), cleaned)
	}
	if err := fs.ValidateName(cleaned); err != nil {
		return err
	}

	lock, err := fs.locks.Acquire(ctx, cleaned)
	if err != nil {
		return err
	}
	defer lock.Release()

	return wrapError(os.MkdirAll(cleaned, 0o755), cleaned)
}

// Rename moves (or renames) a file or directory. Both endpoints are locked
// before anything is touched, acquired in lexicographic order so two
// crossing renames cannot deadlock each other.
func (fs *Filesystem) Rename(ctx context.Context, from string, to string) error {
	cleanedFrom, err := fs.SafePath(from)
	if err != nil {
		return err
	}
	cleanedTo, err := fs.SafePath(to)
	if err != nil {
		return err
	}
	if fs.denylist.MatchesPath(cleanedFrom) {
		return newDenylistError(from, cleanedFrom)
	}
	if fs.denylist.MatchesPath(cleanedTo) {
		return newDenylistError(to, cleanedTo)
	}

	if cleanedTo == fs.Path() {
		return errors.New("storage/filesystem: attempting to rename into an invalid directory space")
	}
	if cleanedFrom == fs.Path() {
		return errors.New("storage/filesystem: attempting to rename from an invalid directory space")
	}
	if err := fs.ValidateName(cleanedTo); err != nil {
		return err
	}

	lock, err := fs.locks.AcquireMany(ctx, cleanedFrom, cleanedTo)
	if err != nil {
		return err
	}
	defer lock.Release()

	if st, err := os.Lstat(cleanedFrom); err != nil {
		return wrapError(err, cleanedFrom)
	} else if !st.IsDir() {
		// Only files get extension policy applied to the target name, a
		// directory can be called anything.
		if err := fs.ValidateExtension(filepath.Base(cleanedTo)); err != nil {
			return err
		}
	}

	// If the target already exists the rename would clobber it, bail out
	// before touching anything.
	if _, err := os.Stat(cleanedTo); err == nil {
		return wrapError(os.ErrExist, cleanedTo)
	} else if !os.IsNotExist(err) {
		return errors.WithStack(err)
	}

	// Ensure the directory we're moving into exists before the move.
	if err := os.MkdirAll(filepath.Dir(cleanedTo), 0o755); err != nil {
		return errors.Wrap(err, "storage/filesystem: failed to create directory for rename")
	}

	return wrapError(os.Rename(cleanedFrom, cleanedTo), cleanedFrom)
}

// Delete removes a file or directory tree from the storage root. Unlike the
// other operations this deliberately does not resolve symlinks: deleting a
// symlink must remove the link itself and never the target it points at, so
// containment is checked on the lexical path only.
func (fs *Filesystem) Delete(ctx context.Context, p string) error {
	resolved := fs.unsafeFilePath(p)
	if !fs.unsafeIsInStorageRoot(resolved) {
		return NewBadPathResolution(p, resolved)
	}
	if resolved == fs.Path() {
		return errors.New("storage/filesystem: cannot delete root directory")
	}
	if fs.denylist.MatchesPath(resolved) {
		return newDenylistError(p, resolved)
	}

	lock, err := fs.locks.Acquire(ctx, resolved)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := os.Lstat(resolved)
	if err != nil {
		// A missing target surfaces as a typed not-exist error rather than
		// silently succeeding, the caller asked to delete something that
		// was never there.
		return wrapError(err, resolved)
	}

	if !st.IsDir() {
		fs.addDisk(-st.Size())
	} else if s, err := fs.DirectorySize(resolved); err == nil {
		fs.addDisk(-s)
	}

	return wrapError(os.RemoveAll(resolved), resolved)
}

// CopyFile copies the contents of one file to a new location. Source and
// destination are locked for the whole run, acquired in lexicographic order
// so two copies referencing each other's endpoints cannot deadlock, and the
// destination goes through the same staged temp-and-rename path as a write.
func (fs *Filesystem) CopyFile(ctx context.Context, src string, dst string) error {
	cleanedSrc, err := fs.SafePath(src)
	if err != nil {
		return err
	}
	if fs.denylist.MatchesPath(cleanedSrc) {
		return newDenylistError(src, cleanedSrc)
	}
	cleanedDst, err := fs.SafePath(dst)
	if err != nil {
		return err
	}

	lock, err := fs.locks.AcquireMany(ctx, cleanedSrc, cleanedDst)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := os.Stat(cleanedSrc)
	if err != nil {
		return wrapError(err, cleanedSrc)
	}
	if st.IsDir() || !st.Mode().IsRegular() {
		// If this is a directory or not a regular file just return a
		// not-exist error, anything calling this function should understand
		// what that means for the source.
		return wrapError(os.ErrNotExist, cleanedSrc)
	}
	if err := CheckSize(st.Size(), fs.limits.MaxFileSize); err != nil {
		return err
	}

	f, err := os.Open(cleanedSrc)
	if err != nil {
		return wrapError(err, cleanedSrc)
	}
	defer f.Close()

	// The writer re-acquires the destination lock, which is nothing more
	// than a reference count bump since this process already holds it.
	w, err := fs.NewAtomicWriter(ctx, dst)
	if err != nil {
		return err
	}

	buf := make([]byte, 1024*4)
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// Duplicate creates a copy of a file alongside the original with a " copy"
// style suffix worked into the name, the same way desktop file managers do
// it. Returns the path of the new file relative to the storage root.
func (fs *Filesystem) Duplicate(ctx context.Context, p string) (string, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return "", err
	}

	s, err := fs.Stat(cleaned)
	if err != nil {
		return "", err
	}
	if s.Info.IsDir() {
		return "", newFilesystemError(ErrCodeIsDirectory, nil)
	}

	base := filepath.Base(cleaned)
	relative := strings.TrimSuffix(strings.TrimPrefix(cleaned, fs.Path()), base)
	extension := filepath.Ext(base)
	name := strings.TrimSuffix(base, extension)

	// Ensure that ".tar" is also counted as part of the file extension so a
	// "backup.tar.gz" duplicates as "backup copy.tar.gz" and not as
	// "backup.tar copy.gz".
	if strings.HasSuffix(name, ".tar") {
		extension = ".tar" + extension
		name = strings.TrimSuffix(name, ".tar")
	}

	target, err := fs.findCopySuffix(relative, name, extension)
	if err != nil {
		return "", err
	}

	dst := path.Join(relative, target)
	if err := fs.CopyFile(ctx, p, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// findCopySuffix attempts to find a suitable suffix that can be appended to
// the name of the file being duplicated until there is no conflict with an
// existing file. After fifty attempts a timestamp is used instead.
func (fs *Filesystem) findCopySuffix(dir string, name string, extension string) (string, error) {
	var i int
	suffix := " copy"

	for i = 0; i < 51; i++ {
		if i > 0 {
			suffix = " copy " + strconv.Itoa(i)
		}

		n := name + suffix + extension
		// If we stat the file and it does not exist that means we're good
		// to create the copy. If it does exist, continue to the next loop
		// and try again.
		if _, err := fs.Stat(path.Join(dir, n)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return "", err
			}
			break
		}

		if i == 50 {
			suffix = "copy." + time.Now().Format(time.RFC3339)
		}
	}

	return name + suffix + extension, nil
}

// Chmod applies the given mode to the file or directory. In tests the call
// is a no-op so fixtures do not have to be mode aware.
func (fs *Filesystem) Chmod(p string, mode os.FileMode) error {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return err
	}

	if fs.isTest {
		return nil
	}

	if err := os.Chmod(cleaned, mode); err != nil {
		return wrapError(err, cleaned)
	}
	return nil
}

// Chtimes sets the access and modified times on a file or directory.
func (fs *Filesystem) Chtimes(p string, atime, mtime time.Time) error {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return err
	}

	if fs.isTest {
		return nil
	}

	if err := os.Chtimes(cleaned, atime, mtime); err != nil {
		return wrapError(err, cleaned)
	}
	return nil
}

// ListDirectory reads the contents of a directory and returns stat
// information about each file and folder within it. Entries matching the
// denylist, the lock marker directory included, never show up. The
// directory lock is held while reading so a rename or delete cannot race
// the listing.
func (fs *Filesystem) ListDirectory(ctx context.Context, p string) ([]Stat, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return nil, err
	}
	if fs.denylist.MatchesPath(cleaned) {
		return nil, newDenylistError(p, cleaned)
	}

	lock, err := fs.locks.Acquire(ctx, cleaned)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	entries, err := os.ReadDir(cleaned)
	if err != nil {
		return nil, wrapError(err, cleaned)
	}

	// The output must be initialized as a non-nil value otherwise the
	// resulting JSON in the API returns `null` instead of an empty array.
	out := make([]Stat, 0, len(entries))
	var mu sync.Mutex

	// Stat and mimetype detection hit the disk once per entry, so spread
	// the work over a bounded pool rather than a goroutine per file.
	pool := workerpool.New(runtime.NumCPU())
	for _, de := range entries {
		entry := de
		pool.Submit(func() {
			joined := filepath.Join(cleaned, entry.Name())
			if fs.denylist.MatchesPath(joined) {
				return
			}

			info, err := entry.Info()
			if err != nil {
				fs.error(err).WithField("path", joined).Warn("failed to stat directory entry")
				return
			}

			if info.Mode()&os.ModeSymlink != 0 {
				// The link target must still live inside the root for the
				// entry to be shown at all.
				if _, err := fs.SafePath(path.Join(p, entry.Name())); err != nil {
					return
				}
			}

			var d string
			if info.IsDir() {
				d = "inode/directory"
			} else if info.Mode().IsRegular() {
				// Only regular files get sniffed. Anything else, sockets
				// and pipes especially, would block or error on open.
				if m, err := mimetype.DetectFile(joined); err == nil {
					d = m.String()
				}
			}
			if d == "" {
				d = "application/octet-stream"
			}

			mu.Lock()
			out = append(out, Stat{Info: info, Mimetype: d})
			mu.Unlock()
		})
	}
	pool.StopWait()

	// Sort entries alphabetically first, then stable-sort directories to
	// the front so the output reads like a file manager listing.
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Info.Name()) < strings.ToLower(out[j].Info.Name())
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Info.IsDir() && !out[j].Info.IsDir()
	})

	return out, nil
}
