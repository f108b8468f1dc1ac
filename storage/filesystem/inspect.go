package filesystem

import (
	"archive/zip"
	"context"
	iofs "io/fs"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/mholt/archiver/v4"
)

// CompressedSizeUnknown marks archive entries whose container format does
// not record a per-entry compressed size, the tar family most notably.
// Entries carrying it are exempt from the per-entry ratio check and are
// judged at the aggregate level against the archive byte size instead.
const CompressedSizeUnknown int64 = -1

// ArchiveEntry is the metadata for a single archive member, gathered ahead
// of any extraction taking place.
type ArchiveEntry struct {
	Name             string
	CompressedSize   int64
	UncompressedSize int64
}

// InspectEntries applies the archive bomb heuristics to a set of member
// metadata without touching the archive itself. The first violation wins
// and names the entry responsible when the decision can be tied to one.
//
// Both the per-entry and the aggregate ratio checks are required. A single
// member can pass while thousands of members just under the limit explode
// in aggregate, and one adversarial member can hide among harmless ones
// that keep the aggregate looking sane.
func (fs *Filesystem) InspectEntries(entries []ArchiveEntry, archiveByteSize int64) error {
	max := fs.limits.MaxCompressionRatio

	for _, e := range entries {
		if e.CompressedSize == CompressedSizeUnknown {
			continue
		}
		if err := CheckRatio(e.CompressedSize, e.UncompressedSize, max); err != nil {
			return NewArchiveRejectedError(e.Name, err)
		}
	}

	// A member may also be too large on its own, no matter how honestly it
	// compresses.
	for _, e := range entries {
		if err := CheckSize(e.UncompressedSize, fs.limits.MaxDecompressedSize); err != nil {
			return NewArchiveRejectedError(e.Name, err)
		}
	}

	var totalCompressed, totalUncompressed int64
	compressedKnown := true
	for _, e := range entries {
		totalUncompressed += e.UncompressedSize
		if e.CompressedSize == CompressedSizeUnknown {
			compressedKnown = false
			continue
		}
		totalCompressed += e.CompressedSize
	}

	// When the format hides per-entry compressed sizes the size of the
	// archive itself is the denominator, that is the true cost the bytes
	// arrived at.
	den := totalCompressed
	if !compressedKnown || den == 0 {
		den = archiveByteSize
	}
	if err := CheckRatio(den, totalUncompressed, max); err != nil {
		return NewArchiveRejectedError("", err)
	}

	if err := CheckSize(totalUncompressed, fs.limits.MaxDecompressedSize); err != nil {
		return NewArchiveRejectedError("", err)
	}

	return nil
}

// InspectArchive lists the members of the archive at the given path and
// applies the bomb heuristics to them. Nothing is ever extracted, the
// listing operates purely on container metadata.
func (fs *Filesystem) InspectArchive(ctx context.Context, dir string, file string) error {
	entries, size, err := fs.ListArchiveEntries(ctx, dir, file)
	if err != nil {
		return err
	}
	return fs.InspectEntries(entries, size)
}

// ListArchiveEntries reads the member metadata of the archive at the given
// path without extracting anything. Zip archives expose per-entry
// compressed sizes through the central directory, every other supported
// format reports CompressedSizeUnknown.
func (fs *Filesystem) ListArchiveEntries(ctx context.Context, dir string, file string) ([]ArchiveEntry, int64, error) {
	source, err := fs.SafePath(filepath.Join(dir, file))
	if err != nil {
		return nil, 0, err
	}

	st, err := os.Stat(source)
	if err != nil {
		return nil, 0, wrapError(err, source)
	}
	if st.IsDir() {
		return nil, 0, newFilesystemError(ErrCodeIsDirectory, nil)
	}
	if err := CheckSize(st.Size(), fs.limits.MaxArchiveSize); err != nil {
		return nil, 0, err
	}

	if m, err := mimetype.DetectFile(source); err == nil && m.Is("application/zip") {
		entries, err := fs.listZipEntries(source)
		return entries, st.Size(), err
	}

	entries, err := fs.listArchiverEntries(ctx, source)
	return entries, st.Size(), err
}

// listZipEntries reads the zip central directory, which carries both the
// compressed and uncompressed size every member claims.
func (fs *Filesystem) listZipEntries(source string) ([]ArchiveEntry, error) {
	r, err := zip.OpenReader(source)
	if err != nil {
		return nil, newFilesystemError(ErrCodeUnknownArchive, err)
	}
	defer r.Close()

	entries := make([]ArchiveEntry, 0, len(r.File))
	for _, f := range r.File {
		entries = append(entries, ArchiveEntry{
			Name:             f.Name,
			CompressedSize:   int64(f.CompressedSize64),
			UncompressedSize: int64(f.UncompressedSize64),
		})
	}
	return entries, nil
}

// listArchiverEntries walks any other supported container format through
// the archiver abstraction. The walk streams the container to read member
// headers, nothing is written to disk, and it aborts early once the
// running total passes the decompressed ceiling so the listing itself can
// never be turned into the bomb.
func (fs *Filesystem) listArchiverEntries(ctx context.Context, source string) ([]ArchiveEntry, error) {
	fsys, err := archiver.FileSystem(ctx, source)
	if err != nil {
		if errors.Is(err, archiver.ErrNoMatch) {
			return nil, newFilesystemError(ErrCodeUnknownArchive, err)
		}
		return nil, err
	}

	var entries []ArchiveEntry
	var total int64
	err = iofs.WalkDir(fsys, ".", func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		total += info.Size()
		if fs.limits.MaxDecompressedSize > 0 && total > fs.limits.MaxDecompressedSize {
			return NewArchiveRejectedError(p, NewSizeExceededError(total, fs.limits.MaxDecompressedSize))
		}

		entries = append(entries, ArchiveEntry{
			Name:             p,
			CompressedSize:   CompressedSizeUnknown,
			UncompressedSize: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
