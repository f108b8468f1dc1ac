package filesystem

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/juju/ratelimit"
	"github.com/karrick/godirwalk"
	"github.com/klauspost/pgzip"
	ignore "github.com/sabhiram/go-gitignore"
)

const memory = 4 * 1024

var pool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, memory)
		return b
	},
}

// Archive produces a tar.gz stream from a directory tree, optionally
// narrowed down to an allow-list of files or thinned by ignore patterns.
type Archive struct {
	// BasePath is the absolute path to create the archive from where Files
	// and Ignore are relative to.
	BasePath string

	// Ignore is a gitignore string (most likely read from a file) of files
	// to ignore from the archive.
	Ignore string

	// Files specifies the files to archive, this takes priority over the
	// Ignore option, if unspecified, all files in the BasePath will be
	// archived unless Ignore is set.
	Files []string

	// WriteLimit is the throughput ceiling for the produced stream in
	// bytes per second. Zero leaves the stream unthrottled.
	WriteLimit int64

	// CompressionLevel is one of "none", "best_speed" or
	// "best_compression".
	CompressionLevel string
}

// Stream writes the archive to the given writer, walking the base path
// recursively and streaming every matching file through the compressor.
func (a *Archive) Stream(ctx context.Context, w io.Writer) error {
	// Select a writer based off of the WriteLimit option. If there is no
	// write limit, use the destination directly.
	writer := w
	if a.WriteLimit > 0 {
		// Token bucket with a capacity of WriteLimit bytes, refilling at
		// WriteLimit bytes per second.
		writer = ratelimit.Writer(w, ratelimit.NewBucketWithRate(float64(a.WriteLimit), a.WriteLimit))
	}

	var compressionLevel int
	switch a.CompressionLevel {
	case "none":
		compressionLevel = pgzip.NoCompression
	case "best_compression":
		compressionLevel = pgzip.BestCompression
	case "best_speed":
		fallthrough
	default:
		compressionLevel = pgzip.BestSpeed
	}

	gw, _ := pgzip.NewWriterLevel(writer, compressionLevel)
	_ = gw.SetConcurrency(1<<20, 1)

	tw := tar.NewWriter(gw)

	options := &godirwalk.Options{
		FollowSymbolicLinks: false,
		Unsorted:            true,
		Callback:            a.callback(ctx, tw),
	}

	// If we're specifically looking for only certain files, or have
	// requested that certain files be ignored, update the callback to
	// reflect that.
	if len(a.Files) == 0 && len(a.Ignore) > 0 {
		i := ignore.CompileIgnoreLines(strings.Split(a.Ignore, "\n")...)

		options.Callback = a.callback(ctx, tw, func(_ string, rp string) error {
			if i.MatchesPath(rp) {
				return godirwalk.SkipThis
			}
			return nil
		})
	} else if len(a.Files) > 0 {
		options.Callback = a.withFilesCallback(ctx, tw)
	}

	if err := godirwalk.Walk(a.BasePath, options); err != nil {
		return err
	}

	// Close both writers explicitly so the tar and gzip footers land in
	// the stream before the caller promotes it.
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "storage/filesystem: failed to finalize tar stream")
	}
	return errors.Wrap(gw.Close(), "storage/filesystem: failed to finalize gzip stream")
}

// callback builds the walk function used to determine if a given file
// should be included in the archive being generated.
func (a *Archive) callback(ctx context.Context, tw *tar.Writer, opts ...func(path string, relative string) error) func(path string, de *godirwalk.Dirent) error {
	return func(path string, de *godirwalk.Dirent) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Skip directories, the walk recurses into them anyway and files
		// create their parents inside the archive implicitly.
		if de.IsDir() {
			return nil
		}

		relative := filepath.ToSlash(strings.TrimPrefix(path, a.BasePath+string(filepath.Separator)))

		// Call the additional options passed to this callback function. If
		// any of them return a non-nil error we will exit immediately.
		for _, opt := range opts {
			if err := opt(path, relative); err != nil {
				return err
			}
		}

		return a.addToArchive(path, relative, tw)
	}
}

// withFilesCallback pushes only files defined in the Files key through to
// the final archive.
func (a *Archive) withFilesCallback(ctx context.Context, tw *tar.Writer) func(path string, de *godirwalk.Dirent) error {
	return a.callback(ctx, tw, func(p string, rp string) error {
		for _, f := range a.Files {
			// The prefix comparison is forced onto a separator boundary,
			// otherwise an entry for "test" would also pull in a sibling
			// named "test_file.txt".
			if p != f && !strings.HasPrefix(strings.TrimSuffix(p, "/")+"/", strings.TrimSuffix(f, "/")+"/") {
				continue
			}

			// Returning nil here stops the loop and includes the file in
			// the archive. If no entry ever matches, the SkipThis below is
			// what the walker sees.
			return nil
		}

		return godirwalk.SkipThis
	})
}

// addToArchive adds a given file path to the final archive being created.
func (a *Archive) addToArchive(p string, rp string, w *tar.Writer) error {
	// Lstat the file. This gives the same information as Stat except that
	// it does not follow symlinks, which matters here: following a link
	// could pull content from outside the tree being archived.
	s, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapIff(err, "failed executing os.Lstat on '%s'", rp)
	}

	// Skip socket files as they are unsupported by archive/tar.
	// Error will come from tar#FileInfoHeader: "archive/tar: sockets not supported"
	if s.Mode()&os.ModeSocket != 0 {
		return nil
	}

	// Resolve the symlink target if the file is a symlink.
	var target string
	if s.Mode()&os.ModeSymlink != 0 {
		// Read the target of the symlink. Symlinks cause no end of edge
		// cases in this process, a failure to read one is logged and the
		// entry skipped rather than failing the whole archive.
		target, err = os.Readlink(p)
		if err != nil {
			if !os.IsNotExist(err) {
				log.WithField("path", rp).WithField("readlink_err", err.Error()).Warn("failed reading symlink for target path; skipping...")
			}
			return nil
		}
	}

	// Get the tar FileInfoHeader in order to add the file to the archive.
	header, err := tar.FileInfoHeader(s, filepath.ToSlash(target))
	if err != nil {
		return errors.WrapIff(err, "failed to get tar#FileInfoHeader for '%s'", rp)
	}

	// Fix the header name if the file is not a symlink.
	if s.Mode()&os.ModeSymlink == 0 {
		header.Name = rp
	}

	// Write the tar FileInfoHeader to the archive.
	if err := w.WriteHeader(header); err != nil {
		return errors.WrapIff(err, "failed to write tar#FileInfoHeader for '%s'", rp)
	}

	// If the size of the file is less than 1 (most likely for symlinks),
	// skip writing the file.
	if header.Size < 1 {
		return nil
	}

	// If the buffer size is larger than the file size, create a smaller
	// buffer to hold the file.
	var buf []byte
	if header.Size < memory {
		buf = make([]byte, header.Size)
	} else {
		// Get a fixed-size buffer from the pool to save on allocations.
		buf = pool.Get().([]byte)
		defer func() {
			buf = make([]byte, memory)
			pool.Put(buf)
		}()
	}

	// Open the file.
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapIff(err, "failed to open '%s' for copying", header.Name)
	}
	defer f.Close()

	// Copy the file's contents to the archive using our buffer.
	if _, err := io.CopyBuffer(w, io.LimitReader(f, header.Size), buf); err != nil {
		return errors.WrapIff(err, "failed to copy '%s' to archive", header.Name)
	}

	return nil
}

// CompressFiles compresses all the files matching the given paths in the
// specified directory. This function also supports passing nested paths to
// only compress certain files and folders when working in a larger
// directory. An empty path list archives the whole directory except the
// lock marker tree. The resulting archive lands in the directory itself,
// named archive-{timestamp}.tar.gz, staged and promoted like any other
// write.
func (fs *Filesystem) CompressFiles(ctx context.Context, dir string, paths []string) (Stat, error) {
	cleanedRootDir, err := fs.SafePath(dir)
	if err != nil {
		return Stat{}, err
	}

	// Take all the paths passed in and merge them together with the root
	// directory we've gotten.
	for i, p := range paths {
		paths[i] = filepath.Join(cleanedRootDir, p)
	}
	cleaned, err := fs.ParallelSafePath(paths)
	if err != nil {
		return Stat{}, err
	}

	a := &Archive{
		BasePath:         cleanedRootDir,
		Files:            cleaned,
		WriteLimit:       fs.writeLimit,
		CompressionLevel: fs.compressionLevel,
	}
	if len(cleaned) == 0 {
		// Never let the marker tree or our own staging files end up inside
		// an archive of the whole directory.
		a.Ignore = strings.Join([]string{fs.lockDir, fs.lockDir + "/**", ".strongroom-tmp-*"}, "\n")
	}

	d := path.Join(dir, fmt.Sprintf("archive-%s.tar.gz", strings.ReplaceAll(time.Now().Format(time.RFC3339), ":", "")))

	w, err := fs.NewAtomicWriter(ctx, d)
	if err != nil {
		return Stat{}, err
	}
	if err := a.Stream(ctx, w); err != nil {
		w.Abort()
		return Stat{}, err
	}
	if err := w.Close(); err != nil {
		return Stat{}, err
	}

	return fs.Stat(d)
}
