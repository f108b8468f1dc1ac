package filesystem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/franela/goblin"
)

func TestFilesystem_DecompressFile(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("DecompressFile", func() {
		buf := &bytes.Buffer{}

		g.BeforeEach(func() {
			fs.limits = testLimits()
		})

		g.It("extracts a zip into its directory", func() {
			err := writeZip(rfs, "test.zip", map[string]string{
				"a.txt":     "alpha content",
				"dir/b.txt": "beta content",
			})
			g.Assert(err).IsNil()

			err = fs.DecompressFile(ctx, "/", "test.zip")
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "a.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("alpha content")
			buf.Truncate(0)

			err = fs.Readfile(ctx, "dir/b.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("beta content")
		})

		g.It("extracts a tar.gz into its directory", func() {
			err := writeTarGz(rfs, "test.tar.gz", map[string]string{
				"nested/deep/c.txt": "gamma content",
			})
			g.Assert(err).IsNil()

			err = fs.DecompressFile(ctx, "/", "test.tar.gz")
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "nested/deep/c.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("gamma content")
		})

		g.It("extracts into a subdirectory of the root", func() {
			g.Assert(os.Mkdir(filepath.Join(rfs.root, "/vault/uploads"), 0o755)).IsNil()

			err := writeZip(rfs, "uploads/test.zip", map[string]string{"a.txt": "alpha content"})
			g.Assert(err).IsNil()

			err = fs.DecompressFile(ctx, "uploads", "test.zip")
			g.Assert(err).IsNil()

			err = fs.Readfile(ctx, "uploads/a.txt", buf)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("alpha content")
		})

		g.It("fails closed on a member name that only consists of traversal", func() {
			err := writeZip(rfs, "slip.zip", map[string]string{
				"../evil.txt": "escape attempt",
			})
			g.Assert(err).IsNil()

			err = fs.DecompressFile(ctx, "/", "slip.zip")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidFilename)).IsTrue()

			// Nothing may have landed outside the root.
			_, err = os.Stat(filepath.Join(rfs.root, "evil.txt"))
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("rejects a bomb before extracting a single member", func() {
			err := writeZip(rfs, "bomb.zip", map[string]string{
				"zeros.bin": strings.Repeat("\x00", 100000),
			})
			g.Assert(err).IsNil()

			err = fs.DecompressFile(ctx, "/", "bomb.zip")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeArchiveRejected)).IsTrue()

			_, err = rfs.StatVaultFile("zeros.bin")
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("skips denylisted members without failing the archive", func() {
			fs.denylist = compileDenylist(".locks", []string{"*.secret"})

			err := writeZip(rfs, "test.zip", map[string]string{
				"a.txt":        "alpha content",
				"creds.secret": "hidden",
			})
			g.Assert(err).IsNil()

			err = fs.DecompressFile(ctx, "/", "test.zip")
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("a.txt")
			g.Assert(err).IsNil()

			_, err = rfs.StatVaultFile("creds.secret")
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("refuses a file that is not an archive", func() {
			err := rfs.CreateVaultFileFromString("plain.txt", "not an archive at all")
			g.Assert(err).IsNil()

			err = fs.DecompressFile(ctx, "/", "plain.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeUnknownArchive)).IsTrue()
		})

		g.It("releases every lock it takes", func() {
			err := writeZip(rfs, "test.zip", map[string]string{"a.txt": "alpha content"})
			g.Assert(err).IsNil()

			err = fs.DecompressFile(ctx, "/", "test.zip")
			g.Assert(err).IsNil()
			g.Assert(markerCount(fs)).Equal(0)
		})

		g.AfterEach(func() {
			buf.Truncate(0)
			fs.denylist = compileDenylist(".locks", nil)
			fs.SetDiskLimit(0)
			rfs.reset()
		})
	})
}

func TestFilesystem_SpaceAvailableForDecompression(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()
	fs, rfs := NewFs()

	g.Describe("SpaceAvailableForDecompression", func() {
		g.BeforeEach(func() {
			fs.limits = testLimits()
		})

		g.It("passes when no disk limit is configured", func() {
			err := writeZip(rfs, "test.zip", map[string]string{"a.txt": "alpha content"})
			g.Assert(err).IsNil()

			g.Assert(fs.SpaceAvailableForDecompression(ctx, "/", "test.zip")).IsNil()
		})

		g.It("fails when the claimed payload exceeds the free space", func() {
			err := writeZip(rfs, "test.zip", map[string]string{
				"data.bin": strings.Repeat("x", 1000),
			})
			g.Assert(err).IsNil()

			fs.SetDiskLimit(500)

			err = fs.SpaceAvailableForDecompression(ctx, "/", "test.zip")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDiskSpace)).IsTrue()
		})

		g.AfterEach(func() {
			fs.SetDiskLimit(0)
			rfs.reset()
		})
	})
}

func TestFilesystem_ExtractBudget(t *testing.T) {
	g := Goblin(t)

	g.Describe("extractBudget", func() {
		g.It("passes readers through untouched when no ceiling is set", func() {
			b := &extractBudget{max: 0}
			r := strings.NewReader("anything")
			g.Assert(b.wrap("entry", r) == io.Reader(r)).IsTrue()
		})

		g.It("fails the stream once more bytes come out than the ceiling allows", func() {
			b := &extractBudget{max: 10}

			_, err := io.ReadAll(b.wrap("liar.bin", strings.NewReader(strings.Repeat("x", 64))))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeArchiveRejected)).IsTrue()
		})

		g.It("sums the ceiling across members", func() {
			b := &extractBudget{max: 10}

			_, err := io.ReadAll(b.wrap("one.bin", strings.NewReader("12345678")))
			g.Assert(err).IsNil()

			_, err = io.ReadAll(b.wrap("two.bin", strings.NewReader("12345678")))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeArchiveRejected)).IsTrue()
		})
	})
}
