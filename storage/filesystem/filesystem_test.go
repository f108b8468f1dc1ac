package filesystem

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	. "github.com/franela/goblin"

	"github.com/strongroom/strongroom/config"
)

func NewFs() (*Filesystem, *rootFs) {
	tmpDir, err := os.MkdirTemp(os.TempDir(), "strongroom")
	if err != nil {
		panic(err)
	}
	// defer os.RemoveAll(tmpDir)

	rfs := rootFs{root: tmpDir}

	rfs.reset()

	fs, err := New(config.StorageConfiguration{
		RootDirectory:     filepath.Join(tmpDir, "/vault"),
		DiskCheckInterval: 150,
	}, config.LockConfiguration{
		Directory:     ".locks",
		RetryLimit:    3,
		RetryInterval: 10,
		StaleAge:      900,
	})
	if err != nil {
		panic(err)
	}
	fs.isTest = true

	return fs, &rfs
}

type rootFs struct {
	root string
}

func (rfs *rootFs) CreateVaultFile(p string, c []byte) error {
	f, err := os.Create(filepath.Join(rfs.root, "/vault", p))

	if err == nil {
		f.Write(c)
		f.Close()
	}

	return err
}

func (rfs *rootFs) CreateVaultFileFromString(p string, c string) error {
	return rfs.CreateVaultFile(p, []byte(c))
}

func (rfs *rootFs) StatVaultFile(p string) (os.FileInfo, error) {
	return os.Stat(filepath.Join(rfs.root, "/vault", p))
}

func (rfs *rootFs) reset() {
	if err := os.RemoveAll(filepath.Join(rfs.root, "/vault")); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := os.Mkdir(filepath.Join(rfs.root, "/vault"), 0o755); err != nil {
		panic(err)
	}

	// The lock registry expects its marker directory to exist, recreate it
	// alongside the root.
	if err := os.Mkdir(filepath.Join(rfs.root, "/vault/.locks"), 0o700); err != nil {
		panic(err)
	}
}

// markerCount reports how many lock marker files currently exist. Every
// operation must leave this at zero once it returns.
func markerCount(fs *Filesystem) int {
	entries, err := os.ReadDir(fs.locks.Dir())
	if err != nil {
		panic(err)
	}
	return len(entries)
}

func TestFilesystem_Readfile(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("Readfile", func() {
		buf := &bytes.Buffer{}

		g.It("opens a file if it exists on the system", func() {
			err := rfs.CreateVaultFileFromString("test.txt", "testing")
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("testing")
		})

		g.It("returns an error if the file does not exist", func() {
			err := fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
			g.Assert(IsErrorCode(err, ErrCodeNotExist)).IsTrue()
		})

		g.It("returns an error if the \"file\" is a directory", func() {
			err := os.Mkdir(filepath.Join(rfs.root, "/vault/test.txt"), 0o755)
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeIsDirectory)).IsTrue()
		})

		g.It("cannot open a file outside the root directory", func() {
			err := rfs.CreateVaultFileFromString("/../test.txt", "testing")
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "/../test.txt", buf)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.It("rejects a file larger than the single file ceiling", func() {
			fs.limits.MaxFileSize = 4

			err := rfs.CreateVaultFileFromString("test.txt", "more than four bytes")
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeSizeExceeded)).IsTrue()
		})

		g.It("releases the path lock even when the read fails", func() {
			err := fs.Readfile(ctx, "missing.txt", buf)
			g.Assert(err).IsNotNil()
			g.Assert(markerCount(fs)).Equal(0)
		})

		g.AfterEach(func() {
			buf.Truncate(0)
			fs.limits.MaxFileSize = 0
			atomic.StoreInt64(&fs.diskUsed, 0)
			rfs.reset()
		})
	})
}

func TestFilesystem_Writefile(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("Writefile", func() {
		buf := &bytes.Buffer{}

		// Test that a file can be written to the disk and that the disk
		// space used as a result is updated correctly in the end.
		g.It("can create a new file", func() {
			r := bytes.NewReader([]byte("test file content"))

			g.Assert(atomic.LoadInt64(&fs.diskUsed)).Equal(int64(0))

			err := fs.Writefile(ctx, "test.txt", r)
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("test file content")
			g.Assert(atomic.LoadInt64(&fs.diskUsed)).Equal(r.Size())
		})

		g.It("can create a new file inside a nested directory with leading slash", func() {
			r := bytes.NewReader([]byte("test file content"))

			err := fs.Writefile(ctx, "/some/nested/test.txt", r)
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "/some/nested/test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("test file content")
		})

		g.It("can create a new file inside a nested directory without a trailing slash", func() {
			r := bytes.NewReader([]byte("test file content"))

			err := fs.Writefile(ctx, "some/../foo/bar/test.txt", r)
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "foo/bar/test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("test file content")
		})

		g.It("cannot create a file outside the root directory", func() {
			r := bytes.NewReader([]byte("test file content"))

			err := fs.Writefile(ctx, "/some/../foo/../../test.txt", r)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.It("cannot write a file that exceeds the disk limits", func() {
			fs.SetDiskLimit(1024)

			b := make([]byte, 1025)
			_, err := rand.Read(b)
			g.Assert(err).IsNil()
			g.Assert(len(b)).Equal(1025)

			r := bytes.NewReader(b)
			err = fs.Writefile(ctx, "test.txt", r)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDiskSpace)).IsTrue()

			_, err = rfs.StatVaultFile("test.txt")
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("allows a write under the single file ceiling", func() {
			fs.limits.MaxFileSize = 100

			err := fs.Writefile(ctx, "small.txt", bytes.NewReader([]byte("12345")))
			g.Assert(err).IsNil()

			st, err := rfs.StatVaultFile("small.txt")
			g.Assert(err).IsNil()
			g.Assert(st.Size()).Equal(int64(5))
		})

		g.It("rejects a write over the single file ceiling without creating the file", func() {
			fs.limits.MaxFileSize = 100

			b := make([]byte, 101)
			_, err := rand.Read(b)
			g.Assert(err).IsNil()

			err = fs.Writefile(ctx, "big.txt", bytes.NewReader(b))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeSizeExceeded)).IsTrue()

			_, err = rfs.StatVaultFile("big.txt")
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("leaves the original contents intact when an oversized write replaces a file", func() {
			fs.limits.MaxFileSize = 100

			err := fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("original data")))
			g.Assert(err).IsNil()

			b := make([]byte, 101)
			_, err = rand.Read(b)
			g.Assert(err).IsNil()

			err = fs.Writefile(ctx, "test.txt", bytes.NewReader(b))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeSizeExceeded)).IsTrue()

			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("original data")
		})

		g.It("replaces the file contents when writing to an existing file", func() {
			err := fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("original data")))
			g.Assert(err).IsNil()

			err = fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("new data")))
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("new data")
		})

		g.It("cannot write to a path that is a directory", func() {
			err := os.Mkdir(filepath.Join(rfs.root, "/vault/test.txt"), 0o755)
			g.Assert(err).IsNil()

			err = fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("content")))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeIsDirectory)).IsTrue()
		})

		g.It("enforces the extension allow-list", func() {
			fs.allowedExtensions = []string{".txt"}

			err := fs.Writefile(ctx, "test.jar", bytes.NewReader([]byte("content")))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeBadExtension)).IsTrue()

			err = fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("content")))
			g.Assert(err).IsNil()
		})

		g.It("refuses names that sanitization would rewrite", func() {
			err := fs.Writefile(ctx, "bad<name.txt", bytes.NewReader([]byte("content")))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidFilename)).IsTrue()

			// The file must not appear under the rewritten form either, a
			// refused name writes nothing at all.
			_, err = rfs.StatVaultFile("badname.txt")
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("refuses hidden names anywhere in the path", func() {
			err := fs.Writefile(ctx, ".env", bytes.NewReader([]byte("content")))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidFilename)).IsTrue()

			err = fs.Writefile(ctx, "config/.env", bytes.NewReader([]byte("content")))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidFilename)).IsTrue()
		})

		g.It("leaves no temporary files behind on success or failure", func() {
			err := fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("content")))
			g.Assert(err).IsNil()

			fs.limits.MaxFileSize = 1
			err = fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("too large")))
			g.Assert(err).IsNotNil()

			matches, err := filepath.Glob(filepath.Join(rfs.root, "/vault/.strongroom-tmp-*"))
			g.Assert(err).IsNil()
			g.Assert(len(matches)).Equal(0)
		})

		g.It("releases the path lock once the write completes", func() {
			err := fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("content")))
			g.Assert(err).IsNil()
			g.Assert(markerCount(fs)).Equal(0)
		})

		g.AfterEach(func() {
			buf.Truncate(0)
			rfs.reset()

			fs.limits.MaxFileSize = 0
			fs.allowedExtensions = nil
			atomic.StoreInt64(&fs.diskUsed, 0)
			fs.SetDiskLimit(0)
		})
	})
}

func TestFilesystem_CreateDirectory(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("CreateDirectory", func() {
		g.It("should create missing directories automatically", func() {
			err := fs.CreateDirectory(ctx, "test", "foo/bar/baz")
			g.Assert(err).IsNil()

			st, err := rfs.StatVaultFile("foo/bar/baz/test")
			g.Assert(err).IsNil()
			g.Assert(st.IsDir()).IsTrue()
			g.Assert(st.Name()).Equal("test")
		})

		g.It("should work with leading and trailing slashes", func() {
			err := fs.CreateDirectory(ctx, "test", "/foozie/barzie/bazzy/")
			g.Assert(err).IsNil()

			st, err := rfs.StatVaultFile("foozie/barzie/bazzy/test")
			g.Assert(err).IsNil()
			g.Assert(st.IsDir()).IsTrue()
			g.Assert(st.Name()).Equal("test")
		})

		g.It("should not allow the creation of directories outside the root", func() {
			err := fs.CreateDirectory(ctx, "test", "e/../../something")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.It("refuses directory names that sanitization would rewrite", func() {
			err := fs.CreateDirectory(ctx, "bad|dir", "/")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidFilename)).IsTrue()

			err = fs.CreateDirectory(ctx, ".hidden", "/")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidFilename)).IsTrue()
		})

		g.It("should not increment the disk usage", func() {
			err := fs.CreateDirectory(ctx, "test", "/")
			g.Assert(err).IsNil()
			g.Assert(atomic.LoadInt64(&fs.diskUsed)).Equal(int64(0))
		})

		g.AfterEach(func() {
			rfs.reset()
		})
	})
}

func TestFilesystem_Rename(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("Rename", func() {
		g.BeforeEach(func() {
			if err := rfs.CreateVaultFileFromString("source.txt", "text content"); err != nil {
				panic(err)
			}
		})

		g.It("returns an error if the target already exists", func() {
			err := rfs.CreateVaultFileFromString("target.txt", "target content")
			g.Assert(err).IsNil()

			err = fs.Rename(ctx, "source.txt", "target.txt")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrExist)).IsTrue()
			g.Assert(IsErrorCode(err, ErrCodeAlreadyExists)).IsTrue()
		})

		g.It("returns an error if the final destination is the root directory", func() {
			err := fs.Rename(ctx, "source.txt", "/")
			g.Assert(err).IsNotNil()
		})

		g.It("returns an error if the source is the root directory", func() {
			err := fs.Rename(ctx, "/", "target")
			g.Assert(err).IsNotNil()
		})

		g.It("does not allow renaming to a location outside the root", func() {
			err := fs.Rename(ctx, "source.txt", "../target.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.It("does not allow renaming from a location outside the root", func() {
			err := rfs.CreateVaultFileFromString("/../ext-source.txt", "target content")
			g.Assert(err).IsNil()

			err = fs.Rename(ctx, "/../ext-source.txt", "target.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.It("allows a file to be renamed", func() {
			err := fs.Rename(ctx, "source.txt", "target.txt")
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("source.txt")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()

			st, err := rfs.StatVaultFile("target.txt")
			g.Assert(err).IsNil()
			g.Assert(st.Name()).Equal("target.txt")
			g.Assert(st.Size()).IsNotZero()
		})

		g.It("allows a folder to be renamed", func() {
			err := os.Mkdir(filepath.Join(rfs.root, "/vault/source_dir"), 0o755)
			g.Assert(err).IsNil()

			err = fs.Rename(ctx, "source_dir", "target_dir")
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("source_dir")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()

			st, err := rfs.StatVaultFile("target_dir")
			g.Assert(err).IsNil()
			g.Assert(st.IsDir()).IsTrue()
		})

		g.It("returns an error if the source does not exist", func() {
			err := fs.Rename(ctx, "missing.txt", "target.txt")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("creates directories if they are missing", func() {
			err := fs.Rename(ctx, "source.txt", "nested/folder/target.txt")
			g.Assert(err).IsNil()

			st, err := rfs.StatVaultFile("nested/folder/target.txt")
			g.Assert(err).IsNil()
			g.Assert(st.Name()).Equal("target.txt")
		})

		g.It("applies the extension allow-list to the target name of a file", func() {
			fs.allowedExtensions = []string{".txt"}

			err := fs.Rename(ctx, "source.txt", "target.jar")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeBadExtension)).IsTrue()
		})

		g.It("refuses target names that sanitization would rewrite", func() {
			err := fs.Rename(ctx, "source.txt", "bad:name.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidFilename)).IsTrue()

			// The source must be untouched by the refused rename.
			_, err = rfs.StatVaultFile("source.txt")
			g.Assert(err).IsNil()
		})

		g.It("releases both endpoint locks when the rename completes", func() {
			err := fs.Rename(ctx, "source.txt", "target.txt")
			g.Assert(err).IsNil()
			g.Assert(markerCount(fs)).Equal(0)
		})

		g.AfterEach(func() {
			fs.allowedExtensions = nil
			rfs.reset()
		})
	})
}

func TestFilesystem_Copy(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("CopyFile", func() {
		g.BeforeEach(func() {
			if err := rfs.CreateVaultFileFromString("source.txt", "text content"); err != nil {
				panic(err)
			}

			atomic.StoreInt64(&fs.diskUsed, int64(len("text content")))
		})

		g.It("should return an error if the source does not exist", func() {
			err := fs.CopyFile(ctx, "foo.txt", "bar.txt")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("should return an error if the source is outside the root", func() {
			err := rfs.CreateVaultFileFromString("/../ext-source.txt", "text content")
			g.Assert(err).IsNil()

			err = fs.CopyFile(ctx, "../ext-source.txt", "target.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.It("should return an error if the source is a directory", func() {
			err := os.Mkdir(filepath.Join(rfs.root, "/vault/dir"), 0o755)
			g.Assert(err).IsNil()

			err = fs.CopyFile(ctx, "dir", "dir-copy")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("should return an error if there is no space for the copy", func() {
			fs.SetDiskLimit(2)

			err := fs.CopyFile(ctx, "source.txt", "target.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDiskSpace)).IsTrue()
		})

		g.It("should copy the file and increment the disk usage", func() {
			err := fs.CopyFile(ctx, "source.txt", "target.txt")
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("source.txt")
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("target.txt")
			g.Assert(err).IsNil()

			g.Assert(atomic.LoadInt64(&fs.diskUsed)).Equal(int64(len("text content")) * 2)
		})

		g.It("releases both endpoint locks when the copy completes", func() {
			err := fs.CopyFile(ctx, "source.txt", "target.txt")
			g.Assert(err).IsNil()
			g.Assert(markerCount(fs)).Equal(0)
		})

		g.AfterEach(func() {
			rfs.reset()

			atomic.StoreInt64(&fs.diskUsed, 0)
			fs.SetDiskLimit(0)
		})
	})
}

func TestFilesystem_Duplicate(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("Duplicate", func() {
		g.BeforeEach(func() {
			if err := rfs.CreateVaultFileFromString("source.txt", "text content"); err != nil {
				panic(err)
			}
		})

		g.It("creates a copy of the file alongside the original", func() {
			p, err := fs.Duplicate(ctx, "source.txt")
			g.Assert(err).IsNil()
			g.Assert(p).Equal("/source copy.txt")

			_, err = rfs.StatVaultFile("source.txt")
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("source copy.txt")
			g.Assert(err).IsNil()
		})

		g.It("appends a counter when a copy already exists", func() {
			_, err := fs.Duplicate(ctx, "source.txt")
			g.Assert(err).IsNil()

			p, err := fs.Duplicate(ctx, "source.txt")
			g.Assert(err).IsNil()
			g.Assert(p).Equal("/source copy 1.txt")

			for _, name := range []string{"source.txt", "source copy.txt", "source copy 1.txt"} {
				_, err = rfs.StatVaultFile(name)
				g.Assert(err).IsNil()
			}
		})

		g.It("keeps tar style double extensions together", func() {
			err := rfs.CreateVaultFileFromString("backup.tar.gz", "archive bytes")
			g.Assert(err).IsNil()

			p, err := fs.Duplicate(ctx, "backup.tar.gz")
			g.Assert(err).IsNil()
			g.Assert(p).Equal("/backup copy.tar.gz")
		})

		g.It("creates the copy inside the directory of the original", func() {
			err := os.MkdirAll(filepath.Join(rfs.root, "/vault/nested/in/dir"), 0o755)
			g.Assert(err).IsNil()

			err = rfs.CreateVaultFileFromString("nested/in/dir/source.txt", "test content")
			g.Assert(err).IsNil()

			p, err := fs.Duplicate(ctx, "nested/in/dir/source.txt")
			g.Assert(err).IsNil()
			g.Assert(p).Equal("/nested/in/dir/source copy.txt")

			_, err = rfs.StatVaultFile("nested/in/dir/source copy.txt")
			g.Assert(err).IsNil()
		})

		g.It("returns an error when the source is a directory", func() {
			err := os.Mkdir(filepath.Join(rfs.root, "/vault/dir"), 0o755)
			g.Assert(err).IsNil()

			_, err = fs.Duplicate(ctx, "dir")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeIsDirectory)).IsTrue()
		})

		g.AfterEach(func() {
			rfs.reset()
			atomic.StoreInt64(&fs.diskUsed, 0)
		})
	})
}

func TestFilesystem_Delete(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("Delete", func() {
		g.BeforeEach(func() {
			if err := rfs.CreateVaultFileFromString("source.txt", "test content"); err != nil {
				panic(err)
			}

			atomic.StoreInt64(&fs.diskUsed, int64(len("test content")))
		})

		g.It("does not delete files outside the root directory", func() {
			err := rfs.CreateVaultFileFromString("/../ext-source.txt", "external content")
			g.Assert(err).IsNil()

			err = fs.Delete(ctx, "../ext-source.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.It("does not allow the deletion of the root directory", func() {
			err := fs.Delete(ctx, "/")
			g.Assert(err).IsNotNil()
			g.Assert(err.Error()).Equal("storage/filesystem: cannot delete root directory")
		})

		g.It("returns a not exist error if the target is missing", func() {
			err := fs.Delete(ctx, "missing.txt")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
			g.Assert(IsErrorCode(err, ErrCodeNotExist)).IsTrue()

			st, err := rfs.StatVaultFile("source.txt")
			g.Assert(err).IsNil()
			g.Assert(st.Name()).Equal("source.txt")
		})

		g.It("deletes files and subtracts their size from the disk usage", func() {
			err := fs.Delete(ctx, "source.txt")
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("source.txt")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()

			g.Assert(atomic.LoadInt64(&fs.diskUsed)).Equal(int64(0))
		})

		g.It("deletes all items inside a directory if the directory is deleted", func() {
			sources := []string{
				"foo/source.txt",
				"foo/bar/source.txt",
				"foo/bar/baz/source.txt",
			}

			err := os.MkdirAll(filepath.Join(rfs.root, "/vault/foo/bar/baz"), 0o755)
			g.Assert(err).IsNil()

			for _, s := range sources {
				err = rfs.CreateVaultFileFromString(s, "test content")
				g.Assert(err).IsNil()
			}

			atomic.StoreInt64(&fs.diskUsed, int64(len("test content")*3))

			err = fs.Delete(ctx, "foo")
			g.Assert(err).IsNil()
			g.Assert(atomic.LoadInt64(&fs.diskUsed)).Equal(int64(0))

			for _, s := range sources {
				_, err = rfs.StatVaultFile(s)
				g.Assert(err).IsNotNil()
				g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
			}
		})

		g.It("removes a symlink without touching the target it points at", func() {
			external := filepath.Join(rfs.root, "external")
			err := os.Mkdir(external, 0o755)
			g.Assert(err).IsNil()

			err = os.WriteFile(filepath.Join(external, "data.txt"), []byte("external content"), 0o644)
			g.Assert(err).IsNil()

			err = os.Symlink(external, filepath.Join(rfs.root, "/vault/link"))
			g.Assert(err).IsNil()

			err = fs.Delete(ctx, "link")
			g.Assert(err).IsNil()

			_, err = os.Lstat(filepath.Join(rfs.root, "/vault/link"))
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()

			_, err = os.Stat(filepath.Join(external, "data.txt"))
			g.Assert(err).IsNil()
		})

		g.It("refuses to delete the lock marker directory", func() {
			err := fs.Delete(ctx, ".locks")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()
		})

		g.AfterEach(func() {
			rfs.reset()

			atomic.StoreInt64(&fs.diskUsed, 0)
			fs.SetDiskLimit(0)
		})
	})
}

func TestFilesystem_ListDirectory(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("ListDirectory", func() {
		g.It("returns an empty slice rather than nil for an empty directory", func() {
			out, err := fs.ListDirectory(ctx, "/")
			g.Assert(err).IsNil()
			g.Assert(out != nil).IsTrue()
			g.Assert(len(out)).Equal(0)
		})

		g.It("never exposes the lock marker directory", func() {
			err := rfs.CreateVaultFileFromString("visible.txt", "content")
			g.Assert(err).IsNil()

			out, err := fs.ListDirectory(ctx, "/")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(1)
			g.Assert(out[0].Info.Name()).Equal("visible.txt")
		})

		g.It("sorts directories before files, each alphabetically", func() {
			g.Assert(rfs.CreateVaultFileFromString("beta.txt", "b")).IsNil()
			g.Assert(rfs.CreateVaultFileFromString("alpha.txt", "a")).IsNil()
			g.Assert(os.Mkdir(filepath.Join(rfs.root, "/vault/zdir"), 0o755)).IsNil()
			g.Assert(os.Mkdir(filepath.Join(rfs.root, "/vault/adir"), 0o755)).IsNil()

			out, err := fs.ListDirectory(ctx, "/")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(4)
			g.Assert(out[0].Info.Name()).Equal("adir")
			g.Assert(out[1].Info.Name()).Equal("zdir")
			g.Assert(out[2].Info.Name()).Equal("alpha.txt")
			g.Assert(out[3].Info.Name()).Equal("beta.txt")
		})

		g.It("returns an error when the path is a file", func() {
			err := rfs.CreateVaultFileFromString("file.txt", "content")
			g.Assert(err).IsNil()

			_, err = fs.ListDirectory(ctx, "file.txt")
			g.Assert(err).IsNotNil()
		})

		g.It("hides symlinks that resolve outside the root", func() {
			external := filepath.Join(rfs.root, "external")
			g.Assert(os.Mkdir(external, 0o755)).IsNil()
			g.Assert(os.Symlink(external, filepath.Join(rfs.root, "/vault/escape"))).IsNil()
			g.Assert(rfs.CreateVaultFileFromString("normal.txt", "content")).IsNil()

			out, err := fs.ListDirectory(ctx, "/")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(1)
			g.Assert(out[0].Info.Name()).Equal("normal.txt")
		})

		g.It("releases the directory lock when the listing completes", func() {
			_, err := fs.ListDirectory(ctx, "/")
			g.Assert(err).IsNil()
			g.Assert(markerCount(fs)).Equal(0)
		})

		g.AfterEach(func() {
			rfs.reset()
		})
	})
}

func TestFilesystem_Denylist(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	fs.denylist = compileDenylist(".locks", []string{"*.secret", "private"})

	g.Describe("denylist", func() {
		g.It("refuses to read a denied file", func() {
			err := rfs.CreateVaultFileFromString("token.secret", "hidden")
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "token.secret", &bytes.Buffer{})
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()
		})

		g.It("refuses to write a denied file", func() {
			err := fs.Writefile(ctx, "token.secret", bytes.NewReader([]byte("hidden")))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()
		})

		g.It("refuses to rename onto a denied path", func() {
			err := rfs.CreateVaultFileFromString("source.txt", "content")
			g.Assert(err).IsNil()

			err = fs.Rename(ctx, "source.txt", "private")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()
		})

		g.It("hides denied entries from directory listings", func() {
			g.Assert(rfs.CreateVaultFileFromString("token.secret", "hidden")).IsNil()
			g.Assert(rfs.CreateVaultFileFromString("normal.txt", "content")).IsNil()

			out, err := fs.ListDirectory(ctx, "/")
			g.Assert(err).IsNil()
			g.Assert(len(out)).Equal(1)
			g.Assert(out[0].Info.Name()).Equal("normal.txt")
		})

		g.AfterEach(func() {
			rfs.reset()
		})
	})
}
