package vault

import (
	"context"
	"io"
	"path"

	"github.com/strongroom/strongroom/events"
	"github.com/strongroom/strongroom/internal/models"
	"github.com/strongroom/strongroom/storage/filesystem"

	"gorm.io/gorm"
)

// Vault is the audited entry point for everything that happens to the
// guarded storage tree. It layers actor attribution, audit persistence and
// live event publication over the filesystem mechanics. Every transport,
// the HTTP API and the SFTP subsystem alike, goes through it so the same
// containment, locking and bookkeeping hold no matter where a request came
// from.
type Vault struct {
	fs  *filesystem.Filesystem
	db  *gorm.DB
	bus *events.Bus
}

// New returns a Vault over the given filesystem. Audit rows are written to
// the provided database and every recorded entry is also published on the
// vault's event bus for live observers.
func New(fs *filesystem.Filesystem, db *gorm.DB) *Vault {
	return &Vault{fs: fs, db: db, bus: events.NewBus()}
}

// Filesystem returns the underlying guarded filesystem. Callers needing
// plain metadata, a stat or a disk usage figure, reach through here rather
// than having the vault mirror every accessor.
func (v *Vault) Filesystem() *filesystem.Filesystem {
	return v.fs
}

// Events returns the bus completed operations are published on.
func (v *Vault) Events() *events.Bus {
	return v.bus
}

// Read streams the contents of the file at p into w. The path lock is held
// for the duration of the stream so the bytes can never interleave with a
// concurrent write.
func (v *Vault) Read(ctx context.Context, actor string, p string, w io.Writer) (*Receipt, error) {
	if err := v.fs.Readfile(ctx, p, w); err != nil {
		return nil, v.fail(actor, EventFileRead, models.KindRead, p, nil, err)
	}
	return v.commit(actor, EventFileRead, models.KindRead, p, nil), nil
}

// Write replaces the contents of the file at p with everything read from r.
// The write is staged and promoted atomically, a failure at any point
// leaves the previous contents untouched.
func (v *Vault) Write(ctx context.Context, actor string, p string, r io.Reader) (*Receipt, error) {
	kind := v.writeKind(p)
	if err := v.fs.Writefile(ctx, p, r); err != nil {
		return nil, v.fail(actor, EventFileWrite, kind, p, nil, err)
	}
	return v.commit(actor, EventFileWrite, kind, p, nil), nil
}

// writeKind reports whether writing p would create a new file or modify an
// existing one. The answer is advisory, it only feeds the audit kind.
func (v *Vault) writeKind(p string) string {
	if st, err := v.fs.Stat(p); err == nil && !st.Info.IsDir() {
		return models.KindModify
	}
	return models.KindCreate
}

// Delete removes the file or directory tree at p.
func (v *Vault) Delete(ctx context.Context, actor string, p string) (*Receipt, error) {
	if err := v.fs.Delete(ctx, p); err != nil {
		return nil, v.fail(actor, EventFileDelete, models.KindDelete, p, nil, err)
	}
	return v.commit(actor, EventFileDelete, models.KindDelete, p, nil), nil
}

// Copy duplicates the file at src to dst. Both endpoints stay locked for
// the whole run and the destination goes through the same staged write path
// as any other mutation.
func (v *Vault) Copy(ctx context.Context, actor string, src string, dst string) (*Receipt, error) {
	meta := models.AuditMeta{"from": src}
	if err := v.fs.CopyFile(ctx, src, dst); err != nil {
		return nil, v.fail(actor, EventFileCopy, models.KindCreate, dst, meta, err)
	}
	return v.commit(actor, EventFileCopy, models.KindCreate, dst, meta), nil
}

// Rename moves a file or directory from one vault path to another.
func (v *Vault) Rename(ctx context.Context, actor string, from string, to string) (*Receipt, error) {
	meta := models.AuditMeta{"from": from}
	if err := v.fs.Rename(ctx, from, to); err != nil {
		return nil, v.fail(actor, EventFileRename, models.KindModify, to, meta, err)
	}
	return v.commit(actor, EventFileRename, models.KindModify, to, meta), nil
}

// Duplicate creates a sibling copy of the file at p with a " copy" style
// suffix worked into the name and returns the path of the new file.
func (v *Vault) Duplicate(ctx context.Context, actor string, p string) (string, *Receipt, error) {
	meta := models.AuditMeta{"from": p}
	dst, err := v.fs.Duplicate(ctx, p)
	if err != nil {
		return "", nil, v.fail(actor, EventFileDuplicate, models.KindCreate, p, meta, err)
	}
	return dst, v.commit(actor, EventFileDuplicate, models.KindCreate, dst, meta), nil
}

// MkDir creates the directory name inside dir, parents included.
func (v *Vault) MkDir(ctx context.Context, actor string, name string, dir string) (*Receipt, error) {
	p := path.Join(dir, name)
	if err := v.fs.CreateDirectory(ctx, name, dir); err != nil {
		return nil, v.fail(actor, EventDirectoryCreate, models.KindCreate, p, nil, err)
	}
	return v.commit(actor, EventDirectoryCreate, models.KindCreate, p, nil), nil
}

// List returns the contents of the directory at dir, lock markers and
// denylisted entries excluded, directories sorted to the front.
func (v *Vault) List(ctx context.Context, actor string, dir string) ([]filesystem.Stat, *Receipt, error) {
	stats, err := v.fs.ListDirectory(ctx, dir)
	if err != nil {
		return nil, nil, v.fail(actor, EventDirectoryList, models.KindRead, dir, nil, err)
	}
	return stats, v.commit(actor, EventDirectoryList, models.KindRead, dir, models.AuditMeta{"entries": len(stats)}), nil
}

// Archive builds a tar.gz of the named paths inside dir, or of the whole
// directory when no paths are given, and returns the stat of the archive
// it created.
func (v *Vault) Archive(ctx context.Context, actor string, dir string, paths []string) (filesystem.Stat, *Receipt, error) {
	meta := models.AuditMeta{"files": len(paths)}
	st, err := v.fs.CompressFiles(ctx, dir, paths)
	if err != nil {
		return filesystem.Stat{}, nil, v.fail(actor, EventFileCompress, models.KindCreate, dir, meta, err)
	}
	p := path.Join(dir, st.Info.Name())
	return st, v.commit(actor, EventFileCompress, models.KindCreate, p, meta), nil
}

// Extract unpacks the archive at file inside dir. The member metadata must
// clear the bomb heuristics before a single byte is extracted, and every
// member is written through the same guarded path as a direct write.
func (v *Vault) Extract(ctx context.Context, actor string, dir string, file string) (*Receipt, error) {
	p := path.Join(dir, file)
	if err := v.fs.DecompressFile(ctx, dir, file); err != nil {
		return nil, v.fail(actor, EventFileDecompress, models.KindCreate, p, nil, err)
	}
	return v.commit(actor, EventFileDecompress, models.KindCreate, p, nil), nil
}
