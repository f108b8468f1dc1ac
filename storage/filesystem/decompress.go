package filesystem

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"emperror.dev/errors"
	gzip2 "github.com/klauspost/compress/gzip"
	zip2 "github.com/klauspost/compress/zip"
	"github.com/mholt/archiver/v4"
)

// SpaceAvailableForDecompression looks through a given archive and
// determines if decompressing it would put the storage root over its
// allocated disk space limit.
func (fs *Filesystem) SpaceAvailableForDecompression(ctx context.Context, dir string, file string) error {
	// Don't waste time walking the archive if there is no limit to
	// enforce anyway.
	if fs.MaxDisk() <= 0 {
		return nil
	}

	entries, _, err := fs.ListArchiveEntries(ctx, dir, file)
	if err != nil {
		return err
	}

	var size int64
	for _, e := range entries {
		size += e.UncompressedSize
	}
	return fs.HasSpaceFor(size)
}

// DecompressFile inspects and then extracts the archive at the given path
// into its directory. The member metadata must clear the bomb heuristics
// before a single byte is extracted, and each member is then written
// through the same guarded write path as any other file, locking, staging
// and ceilings included.
func (fs *Filesystem) DecompressFile(ctx context.Context, dir string, file string) error {
	source, err := fs.SafePath(filepath.Join(dir, file))
	if err != nil {
		return err
	}
	if fs.denylist.MatchesPath(source) {
		return newDenylistError(filepath.Join(dir, file), source)
	}

	// Hold the archive's own lock for the whole run so nothing can swap
	// the bytes out between inspection and extraction.
	lock, err := fs.locks.Acquire(ctx, source)
	if err != nil {
		return err
	}
	defer lock.Release()

	entries, size, err := fs.ListArchiveEntries(ctx, dir, file)
	if err != nil {
		return err
	}
	if err := fs.InspectEntries(entries, size); err != nil {
		return err
	}

	var total int64
	for _, e := range entries {
		total += e.UncompressedSize
	}
	if err := fs.HasSpaceFor(total); err != nil {
		return err
	}

	f, err := os.Open(source)
	if err != nil {
		return wrapError(err, source)
	}
	defer f.Close()

	format, input, err := archiver.Identify(filepath.Base(source), f)
	if err != nil {
		if errors.Is(err, archiver.ErrNoMatch) {
			return newFilesystemError(ErrCodeUnknownArchive, err)
		}
		return err
	}

	return fs.extractStream(ctx, extractStreamOptions{
		Directory: dir,
		FileName:  file,
		Format:    format,
		Reader:    input,
	})
}

type extractStreamOptions struct {
	// The directory to extract the archive into.
	Directory string
	// File name of the archive.
	FileName string
	// Format of the archive.
	Format archiver.Format
	// Reader for the archive.
	Reader io.Reader
}

func (fs *Filesystem) extractStream(ctx context.Context, opts extractStreamOptions) error {
	ex, ok := opts.Format.(archiver.Extractor)
	if !ok {
		return newFilesystemError(ErrCodeUnknownArchive, nil)
	}

	// The inspection ran on claimed sizes. A forged header can still try
	// to expand past its claim, so the bytes that actually come out are
	// budgeted a second time on their way to disk.
	budget := &extractBudget{max: fs.limits.MaxDecompressedSize}

	return ex.Extract(ctx, opts.Reader, nil, func(ctx context.Context, f archiver.File) error {
		if f.IsDir() {
			return nil
		}
		name, err := sanitizeArchivePath(ExtractNameFromArchive(f))
		if err != nil {
			return err
		}
		p := filepath.Join(opts.Directory, name)
		// Denylisted members are skipped rather than failing the whole
		// archive, matching how listings treat those paths.
		if err := fs.IsIgnored(p); err != nil {
			return nil
		}
		r, err := f.Open()
		if err != nil {
			return err
		}
		defer r.Close()

		if err := fs.Writefile(ctx, p, budget.wrap(name, r)); err != nil {
			return wrapError(err, opts.FileName)
		}
		// Carry the mode and modification time of the member over to the
		// extracted file.
		if err := fs.Chmod(p, f.Mode()); err != nil {
			return wrapError(err, opts.FileName)
		}
		if err := fs.Chtimes(p, f.ModTime(), f.ModTime()); err != nil {
			return wrapError(err, opts.FileName)
		}
		return nil
	})
}

// sanitizeArchivePath runs every segment of an archive member name through
// filename sanitization. Containment is enforced on the final stored name,
// not the raw one, so a member name that sanitizes differently than it
// reads cannot steer the write anywhere unexpected.
func sanitizeArchivePath(name string) (string, error) {
	parts := strings.Split(filepath.ToSlash(name), "/")
	out := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		s, err := SanitizeFilename(part)
		if err != nil {
			return "", err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return "", NewInvalidFilenameError(name)
	}
	return strings.Join(out, "/"), nil
}

// extractBudget enforces the decompressed ceiling on the bytes actually
// produced by an extraction, summed across every member.
type extractBudget struct {
	max      int64
	consumed int64
}

func (b *extractBudget) wrap(entry string, r io.Reader) io.Reader {
	if b.max <= 0 {
		return r
	}
	return &budgetReader{b: b, entry: entry, r: r}
}

type budgetReader struct {
	b     *extractBudget
	entry string
	r     io.Reader
}

func (br *budgetReader) Read(p []byte) (int, error) {
	n, err := br.r.Read(p)
	br.b.consumed += int64(n)
	if br.b.consumed > br.b.max {
		return n, NewArchiveRejectedError(br.entry, NewSizeExceededError(br.b.consumed, br.b.max))
	}
	return n, err
}

// ExtractNameFromArchive looks at an archive file to determine the name of
// a given member. Each container format reports this differently: when an
// archiver.File#Sys() value is present the name recorded there is the one
// with the full member path in it, while File#Name() may collapse to the
// base name and flatten the directory structure on extraction.
func ExtractNameFromArchive(f archiver.File) string {
	sys := f.Sys()
	// Some formats have no Sys() value at all, rar being the usual case,
	// and there File#Name() is the best available answer.
	if sys == nil {
		return f.Name()
	}
	switch s := sys.(type) {
	case *zip.FileHeader:
		return s.Name
	case *zip2.FileHeader:
		return s.Name
	case *tar.Header:
		return s.Name
	case *gzip.Header:
		return s.Name
	case *gzip2.Header:
		return s.Name
	default:
		// Unknown container type, so look for a Name field on the header
		// struct and take that if it exists.
		field := reflect.Indirect(reflect.ValueOf(sys)).FieldByName("Name")
		if field.IsValid() {
			return field.String()
		}
		return f.Name()
	}
}
