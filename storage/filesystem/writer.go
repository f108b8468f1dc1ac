package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"emperror.dev/errors"

	"github.com/strongroom/strongroom/formats"
	"github.com/strongroom/strongroom/storage/pathlock"
	"github.com/strongroom/strongroom/system"
)

// AtomicWriter stages bytes destined for a guarded path. Everything written
// lands in a hidden temporary sibling of the target, and only an explicit
// Close promotes the staged bytes over the real name using a rename. A crash
// or an Abort before that point leaves the previous file, or its absence,
// completely untouched.
//
// The writer holds the path lock for the target from construction until
// Close or Abort, whichever comes first, and enforces the configured single
// file ceiling on every write.
type AtomicWriter struct {
	fs     *Filesystem
	target string
	tmp    string

	mu      sync.Mutex
	f       *os.File
	off     int64 // next sequential write offset
	written int64 // highest byte offset reached
	prev    int64 // size of the file being replaced, if any
	lock    *pathlock.Lock
	done    bool
}

// NewAtomicWriter resolves and validates the target path, acquires the path
// lock for it and creates the temporary sibling that the bytes are staged
// in. The caller must finish the writer with either Close or Abort,
// otherwise the lock is held until the process exits.
func (fs *Filesystem) NewAtomicWriter(ctx context.Context, p string) (*AtomicWriter, error) {
	cleaned, err := fs.SafePath(p)
	if err != nil {
		return nil, err
	}
	if fs.denylist.MatchesPath(cleaned) {
		return nil, newDenylistError(p, cleaned)
	}
	if err := fs.ValidateName(cleaned); err != nil {
		return nil, err
	}
	if err := fs.ValidateExtension(filepath.Base(cleaned)); err != nil {
		return nil, err
	}

	lock, err := fs.locks.Acquire(ctx, cleaned)
	if err != nil {
		return nil, err
	}

	var prev int64
	if st, err := os.Stat(cleaned); err != nil {
		if !os.IsNotExist(err) {
			lock.Release()
			return nil, wrapError(err, cleaned)
		}
	} else if st.IsDir() {
		lock.Release()
		return nil, newFilesystemError(ErrCodeIsDirectory, nil)
	} else {
		prev = st.Size()
	}

	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		lock.Release()
		return nil, errors.Wrap(err, "storage/filesystem: failed to create directory for file")
	}

	tmp := filepath.Join(filepath.Dir(cleaned), ".strongroom-tmp-"+system.RandomString(12))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		lock.Release()
		return nil, wrapError(err, tmp)
	}

	return &AtomicWriter{fs: fs, target: cleaned, tmp: tmp, f: f, prev: prev, lock: lock}, nil
}

// Path returns the resolved path the staged bytes will be promoted to when
// the writer is closed.
func (w *AtomicWriter) Path() string {
	return w.target
}

// Write appends to the staged file.
func (w *AtomicWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, errors.WithStack(os.ErrClosed)
	}
	if err := CheckSize(w.off+int64(len(b)), w.fs.limits.MaxFileSize); err != nil {
		return 0, err
	}
	n, err := w.f.Write(b)
	w.off += int64(n)
	if w.off > w.written {
		w.written = w.off
	}
	return n, errors.WithStack(err)
}

// WriteAt writes to an arbitrary offset of the staged file. Transfer
// protocols that deliver chunks out of order use this entry point, the
// ceiling applies to the highest offset a chunk reaches.
func (w *AtomicWriter) WriteAt(b []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, errors.WithStack(os.ErrClosed)
	}
	if err := CheckSize(off+int64(len(b)), w.fs.limits.MaxFileSize); err != nil {
		return 0, err
	}
	n, err := w.f.WriteAt(b, off)
	if end := off + int64(n); end > w.written {
		w.written = end
	}
	return n, errors.WithStack(err)
}

// Close flushes the staged bytes and promotes them over the target name.
// The disk space check happens here, once the true byte count is known, and
// the path lock is released no matter which way the promotion goes.
func (w *AtomicWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	defer w.lock.Release()

	if err := w.fs.HasSpaceFor(w.written - w.prev); err != nil {
		w.f.Close()
		_ = os.Remove(w.tmp)
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		_ = os.Remove(w.tmp)
		return errors.Wrap(err, "storage/filesystem: failed to flush staged file")
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmp)
		return errors.Wrap(err, "storage/filesystem: failed to close staged file")
	}
	if err := w.verifyFormat(); err != nil {
		_ = os.Remove(w.tmp)
		return err
	}
	if err := os.Rename(w.tmp, w.target); err != nil {
		_ = os.Remove(w.tmp)
		return wrapError(err, w.target)
	}
	w.fs.addDisk(w.written - w.prev)
	return nil
}

// verifyFormat runs the structured format guard against the staged bytes
// before they are promoted, so a document breaching its byte ceiling or
// nesting limit never becomes visible under the real name. Extensions the
// guard does not recognize, and empty files, pass straight through.
func (w *AtomicWriter) verifyFormat() error {
	if w.written == 0 {
		return nil
	}
	name := filepath.Base(w.target)
	if formats.FormatFor(name) == "" {
		return nil
	}
	b, err := os.ReadFile(w.tmp)
	if err != nil {
		return errors.Wrap(err, "storage/filesystem: failed to read staged file back")
	}
	return wrapFormatError(formats.NewGuard(w.fs.limits).Check(name, b), w.target)
}

// Abort throws the staged bytes away and releases the path lock. The target
// is left exactly as it was before the writer was created.
func (w *AtomicWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	w.f.Close()
	_ = os.Remove(w.tmp)
	w.lock.Release()
}
