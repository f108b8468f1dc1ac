package vault

import (
	"context"
	"os"
	"sync"

	"github.com/strongroom/strongroom/internal/models"
	"github.com/strongroom/strongroom/storage/filesystem"
	"github.com/strongroom/strongroom/storage/pathlock"
)

// ReadSession is an open handle on a vault file for transports that pace
// their own reads, SFTP downloads and the signed download endpoint. The
// path lock is held from OpenRead until Close so a write can never swap the
// bytes out mid transfer.
type ReadSession struct {
	f       *os.File
	stat    filesystem.Stat
	receipt *Receipt
	lock    *pathlock.Lock
	once    sync.Once
}

// OpenRead resolves and validates p, acquires its path lock and opens the
// file for reading. The read is audited at open time. Callers must Close
// the session or the lock is held until the process exits.
func (v *Vault) OpenRead(ctx context.Context, actor string, p string) (*ReadSession, error) {
	if err := v.fs.IsIgnored(p); err != nil {
		return nil, v.fail(actor, EventFileRead, models.KindRead, p, nil, err)
	}
	cleaned, err := v.fs.SafePath(p)
	if err != nil {
		return nil, v.fail(actor, EventFileRead, models.KindRead, p, nil, err)
	}

	lock, err := v.fs.Locks().Acquire(ctx, cleaned)
	if err != nil {
		return nil, v.fail(actor, EventFileRead, models.KindRead, p, nil, err)
	}

	f, st, err := v.fs.File(p)
	if err != nil {
		lock.Release()
		return nil, v.fail(actor, EventFileRead, models.KindRead, p, nil, err)
	}
	if err := filesystem.CheckSize(st.Info.Size(), v.fs.Limits().MaxFileSize); err != nil {
		f.Close()
		lock.Release()
		return nil, v.fail(actor, EventFileRead, models.KindRead, p, nil, err)
	}

	rec := v.commit(actor, EventFileRead, models.KindRead, p, nil)
	return &ReadSession{f: f, stat: st, receipt: rec, lock: lock}, nil
}

func (s *ReadSession) Read(b []byte) (int, error) {
	return s.f.Read(b)
}

func (s *ReadSession) ReadAt(b []byte, off int64) (int, error) {
	return s.f.ReadAt(b, off)
}

func (s *ReadSession) Seek(offset int64, whence int) (int64, error) {
	return s.f.Seek(offset, whence)
}

// Stat returns the stat captured when the session was opened.
func (s *ReadSession) Stat() filesystem.Stat {
	return s.stat
}

// Receipt returns the receipt for the audited read.
func (s *ReadSession) Receipt() *Receipt {
	return s.receipt
}

// Close closes the handle and releases the path lock. Safe to call more
// than once.
func (s *ReadSession) Close() error {
	var err error
	s.once.Do(func() {
		err = s.f.Close()
		s.lock.Release()
	})
	return err
}

// WriteSession stages an upload through the atomic writer and records the
// audit entry once the staged bytes are promoted. Transports that deliver
// chunks out of order, SFTP in particular, write through WriteAt.
type WriteSession struct {
	v       *Vault
	w       *filesystem.AtomicWriter
	actor   string
	kind    string
	path    string
	receipt *Receipt
	once    sync.Once
}

// OpenWrite resolves and validates p, acquires its path lock and opens a
// staged writer for it. Nothing is visible under the real name, and nothing
// is audited, until Close promotes the staged bytes.
func (v *Vault) OpenWrite(ctx context.Context, actor string, p string) (*WriteSession, error) {
	kind := v.writeKind(p)
	w, err := v.fs.NewAtomicWriter(ctx, p)
	if err != nil {
		return nil, v.fail(actor, EventFileWrite, kind, p, nil, err)
	}
	return &WriteSession{v: v, w: w, actor: actor, kind: kind, path: p}, nil
}

func (s *WriteSession) Write(b []byte) (int, error) {
	return s.w.Write(b)
}

func (s *WriteSession) WriteAt(b []byte, off int64) (int, error) {
	return s.w.WriteAt(b, off)
}

// Close promotes the staged bytes over the target name and records the
// audit entry. The entry reflects the promotion outcome, a guard tripping
// at this stage is still recorded as a denied attempt.
func (s *WriteSession) Close() error {
	var err error
	s.once.Do(func() {
		if err = s.w.Close(); err != nil {
			err = s.v.fail(s.actor, EventFileWrite, s.kind, s.path, nil, err)
			return
		}
		s.receipt = s.v.commit(s.actor, EventFileWrite, s.kind, s.path, nil)
	})
	return err
}

// Abort throws the staged bytes away and releases the lock. Nothing is
// recorded, the vault was never mutated.
func (s *WriteSession) Abort() {
	s.once.Do(func() {
		s.w.Abort()
	})
}

// Receipt returns the receipt recorded by Close, or nil if the session was
// aborted or has not been closed yet.
func (s *WriteSession) Receipt() *Receipt {
	return s.receipt
}
