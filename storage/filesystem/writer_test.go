package filesystem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	. "github.com/franela/goblin"

	"github.com/strongroom/strongroom/config"
)

// brokenReader fails partway through to simulate a source that dies in the
// middle of a transfer.
type brokenReader struct {
	r io.Reader
}

func (br *brokenReader) Read(p []byte) (int, error) {
	if n, err := br.r.Read(p); err == nil {
		return n, nil
	}
	return 0, errors.New("broken reader: source went away")
}

func TestFilesystem_AtomicWriter(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("AtomicWriter", func() {
		buf := &bytes.Buffer{}

		g.It("does not expose the target name until the writer is closed", func() {
			w, err := fs.NewAtomicWriter(ctx, "staged.txt")
			g.Assert(err).IsNil()

			_, err = w.Write([]byte("staged content"))
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("staged.txt")
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()

			g.Assert(w.Close()).IsNil()

			err = fs.Readfile(ctx, "staged.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("staged content")
		})

		g.It("leaves the previous contents when the writer is aborted", func() {
			err := fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("original data")))
			g.Assert(err).IsNil()

			w, err := fs.NewAtomicWriter(ctx, "test.txt")
			g.Assert(err).IsNil()

			_, err = w.Write([]byte("partial repl"))
			g.Assert(err).IsNil()
			w.Abort()

			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("original data")
		})

		g.It("leaves the previous contents when the source reader fails mid copy", func() {
			err := fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("original data")))
			g.Assert(err).IsNil()

			err = fs.Writefile(ctx, "test.txt", &brokenReader{r: bytes.NewReader([]byte("partial"))})
			g.Assert(err).IsNotNil()

			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("original data")

			matches, err := filepath.Glob(filepath.Join(rfs.root, "/vault/.strongroom-tmp-*"))
			g.Assert(err).IsNil()
			g.Assert(len(matches)).Equal(0)
		})

		g.It("supports out of order chunks through WriteAt", func() {
			w, err := fs.NewAtomicWriter(ctx, "chunked.txt")
			g.Assert(err).IsNil()

			_, err = w.WriteAt([]byte("world"), 5)
			g.Assert(err).IsNil()
			_, err = w.WriteAt([]byte("hello"), 0)
			g.Assert(err).IsNil()

			g.Assert(w.Close()).IsNil()

			err = fs.Readfile(ctx, "chunked.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("helloworld")
		})

		g.It("applies the single file ceiling to the highest offset reached", func() {
			fs.limits.MaxFileSize = 8

			w, err := fs.NewAtomicWriter(ctx, "chunked.txt")
			g.Assert(err).IsNil()

			_, err = w.WriteAt([]byte("hello"), 0)
			g.Assert(err).IsNil()
			_, err = w.WriteAt([]byte("world"), 5)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeSizeExceeded)).IsTrue()

			w.Abort()
		})

		g.It("rejects the promotion when the disk is full and removes the staged file", func() {
			fs.SetDiskLimit(4)

			w, err := fs.NewAtomicWriter(ctx, "full.txt")
			g.Assert(err).IsNil()

			_, err = w.Write([]byte("more than four"))
			g.Assert(err).IsNil()

			err = w.Close()
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDiskSpace)).IsTrue()

			_, err = rfs.StatVaultFile("full.txt")
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()

			matches, err := filepath.Glob(filepath.Join(rfs.root, "/vault/.strongroom-tmp-*"))
			g.Assert(err).IsNil()
			g.Assert(len(matches)).Equal(0)
		})

		g.It("returns an error when writing to a closed writer", func() {
			w, err := fs.NewAtomicWriter(ctx, "closed.txt")
			g.Assert(err).IsNil()
			g.Assert(w.Close()).IsNil()

			_, err = w.Write([]byte("late"))
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, os.ErrClosed)).IsTrue()
		})

		g.It("allows the same process to read the path while the writer holds the lock", func() {
			err := fs.Writefile(ctx, "test.txt", bytes.NewReader([]byte("original data")))
			g.Assert(err).IsNil()

			w, err := fs.NewAtomicWriter(ctx, "test.txt")
			g.Assert(err).IsNil()

			// Same process, so the read is a reference count bump on the
			// lock rather than a second marker.
			err = fs.Readfile(ctx, "test.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("original data")

			w.Abort()
			g.Assert(markerCount(fs)).Equal(0)
		})

		g.It("exposes exactly one writer's content when two writers race", func() {
			a := strings.Repeat("a", 4096)
			b := strings.Repeat("b", 4096)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = fs.Writefile(ctx, "raced.txt", strings.NewReader(a))
			}()
			go func() {
				defer wg.Done()
				_ = fs.Writefile(ctx, "raced.txt", strings.NewReader(b))
			}()
			wg.Wait()

			err := fs.Readfile(ctx, "raced.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String() == a || buf.String() == b).IsTrue()
		})

		g.It("releases the path lock on every exit path", func() {
			w, err := fs.NewAtomicWriter(ctx, "a.txt")
			g.Assert(err).IsNil()
			g.Assert(w.Close()).IsNil()

			w, err = fs.NewAtomicWriter(ctx, "b.txt")
			g.Assert(err).IsNil()
			w.Abort()

			g.Assert(markerCount(fs)).Equal(0)
		})

		g.AfterEach(func() {
			buf.Truncate(0)
			rfs.reset()

			fs.limits.MaxFileSize = 0
			atomic.StoreInt64(&fs.diskUsed, 0)
			fs.SetDiskLimit(0)
		})
	})
}

func TestFilesystem_FormatGuard(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("Writefile format guard", func() {
		g.BeforeEach(func() {
			fs.limits.MaxNestingDepth = 3
		})

		g.It("accepts structured documents within their limits", func() {
			g.Assert(fs.Writefile(ctx, "data.json", strings.NewReader(`{"a":{"b":{"c":1}}}`))).IsNil()
			g.Assert(fs.Writefile(ctx, "config.yml", strings.NewReader("a:\n  b: 1\n"))).IsNil()
		})

		g.It("rejects a document nesting past the limit and leaves nothing behind", func() {
			err := fs.Writefile(ctx, "data.json", strings.NewReader(`{"a":{"b":{"c":{"d":1}}}}`))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDepthExceeded)).IsTrue()

			_, err = rfs.StatVaultFile("data.json")
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()

			matches, err := filepath.Glob(filepath.Join(rfs.root, "/vault/.strongroom-tmp-*"))
			g.Assert(err).IsNil()
			g.Assert(len(matches)).Equal(0)
		})

		g.It("keeps the previous contents when a replacement fails the guard", func() {
			g.Assert(fs.Writefile(ctx, "data.json", strings.NewReader(`{"ok":true}`))).IsNil()

			err := fs.Writefile(ctx, "data.json", strings.NewReader(`{"a":`))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeMalformedContent)).IsTrue()

			buf := &bytes.Buffer{}
			g.Assert(fs.Readfile(ctx, "data.json", buf)).IsNil()
			g.Assert(buf.String()).Equal(`{"ok":true}`)
		})

		g.It("enforces the json byte ceiling independently of the file ceiling", func() {
			fs.limits.MaxJsonSize = 10

			err := fs.Writefile(ctx, "data.json", strings.NewReader(`{"key":"value"}`))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeSizeExceeded)).IsTrue()
		})

		g.It("lets unrecognized extensions carry anything", func() {
			g.Assert(fs.Writefile(ctx, "blob.bin", strings.NewReader(`{"a":{"b":{"c":{"d":1}}}}`))).IsNil()
			g.Assert(fs.Writefile(ctx, "notes.txt", strings.NewReader("{{{{ not json"))).IsNil()
		})

		g.It("releases the path lock after a guard rejection", func() {
			err := fs.Writefile(ctx, "data.json", strings.NewReader(`{"a":`))
			g.Assert(err).IsNotNil()
			g.Assert(markerCount(fs)).Equal(0)
		})

		g.AfterEach(func() {
			rfs.reset()
			fs.limits = config.SizeLimits{}
			atomic.StoreInt64(&fs.diskUsed, 0)
		})
	})
}
