package filesystem

import (
	"io"
	"os"
	"testing"

	"emperror.dev/errors"
	. "github.com/franela/goblin"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func TestFilesystem_Errors(t *testing.T) {
	g := Goblin(t)

	g.Describe("newFilesystemError", func() {
		g.It("includes a stack trace for the error", func() {
			err := newFilesystemError(ErrCodeUnknownError, nil)

			_, ok := err.(stackTracer)
			g.Assert(ok).IsTrue()
		})

		g.It("properly wraps the underlying error cause", func() {
			underlying := io.EOF
			err := newFilesystemError(ErrCodeUnknownError, underlying)

			_, ok := err.(stackTracer)
			g.Assert(ok).IsTrue()

			_, ok = err.(*Error)
			g.Assert(ok).IsFalse()

			fserr, ok := errors.Unwrap(err).(*Error)
			g.Assert(ok).IsTrue()
			g.Assert(fserr.Unwrap()).IsNotNil()
			g.Assert(fserr.Unwrap()).Equal(underlying)
		})
	})

	g.Describe("NewBadPathResolution", func() {
		g.It("can detect itself as an error correctly", func() {
			err := NewBadPathResolution("foo", "bar")
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
			g.Assert(err.Error()).Equal("filesystem: path [foo] resolves to a location outside the storage root: bar")
			g.Assert(IsErrorCode(&Error{code: ErrCodeIsDirectory}, ErrCodePathResolution)).IsFalse()
		})

		g.It("returns <empty> if no destination path is provided", func() {
			err := NewBadPathResolution("foo", "")
			g.Assert(err).IsNotNil()
			g.Assert(err.Error()).Equal("filesystem: path [foo] resolves to a location outside the storage root: <empty>")
		})
	})

	g.Describe("typed constructors", func() {
		g.It("carries the entry name on an archive rejection", func() {
			err := NewArchiveRejectedError("member.bin", NewRatioExceededError(500, 100, 5000))
			g.Assert(IsErrorCode(err, ErrCodeArchiveRejected)).IsTrue()

			var ferr *Error
			g.Assert(errors.As(err, &ferr)).IsTrue()
			g.Assert(ferr.Entry()).Equal("member.bin")
		})

		g.It("reports negative sizes as impossible rather than under the limit", func() {
			err := NewSizeExceededError(-5, 100)
			g.Assert(IsErrorCode(err, ErrCodeSizeExceeded)).IsTrue()
			g.Assert(err.Error()).Equal("filesystem: impossible negative size of -5 bytes")
		})

		g.It("formats the ratio violation with both values", func() {
			err := NewRatioExceededError(500, 100, 5000)
			g.Assert(err.Error()).Equal("filesystem: compression ratio of 500.0 exceeds the maximum of 100.0")
		})

		g.It("flags a zero compressed size claim distinctly", func() {
			err := NewRatioExceededError(0, 100, 4096)
			g.Assert(err.Error()).Equal("filesystem: zero compressed bytes claim to expand to 4096 bytes")
		})
	})

	g.Describe("wrapError", func() {
		g.It("passes nil and filesystem errors through untouched", func() {
			g.Assert(wrapError(nil, "/tmp/foo") == nil).IsTrue()

			orig := NewBadPathResolution("foo", "bar")
			g.Assert(wrapError(orig, "/tmp/foo") == orig).IsTrue()
		})

		g.It("converts os not exist errors to the typed form", func() {
			err := wrapError(os.ErrNotExist, "/tmp/foo")
			g.Assert(IsErrorCode(err, ErrCodeNotExist)).IsTrue()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("converts os exist errors to the typed form", func() {
			err := wrapError(os.ErrExist, "/tmp/foo")
			g.Assert(IsErrorCode(err, ErrCodeAlreadyExists)).IsTrue()
			g.Assert(errors.Is(err, os.ErrExist)).IsTrue()
		})

		g.It("falls back to the unknown code for everything else", func() {
			err := wrapError(io.ErrUnexpectedEOF, "/tmp/foo")
			g.Assert(IsErrorCode(err, ErrCodeUnknownError)).IsTrue()
		})
	})

	g.Describe("IsErrorCode", func() {
		g.It("matches through wrapping layers", func() {
			err := errors.Wrap(NewBadPathResolution("foo", "bar"), "outer context")
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})

		g.It("does not match plain errors", func() {
			g.Assert(IsErrorCode(errors.New("nope"), ErrCodePathResolution)).IsFalse()
			g.Assert(IsErrorCode(nil, ErrCodePathResolution)).IsFalse()
		})
	})
}

func TestFilesystem_Limits(t *testing.T) {
	g := Goblin(t)

	g.Describe("CheckSize", func() {
		g.It("accepts sizes at or under the limit", func() {
			g.Assert(CheckSize(5, 100)).IsNil()
			g.Assert(CheckSize(100, 100)).IsNil()
			g.Assert(CheckSize(0, 100)).IsNil()
		})

		g.It("rejects sizes over the limit", func() {
			err := CheckSize(101, 100)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeSizeExceeded)).IsTrue()
		})

		g.It("treats a zero limit as unbounded", func() {
			g.Assert(CheckSize(1<<40, 0)).IsNil()
		})

		g.It("rejects negative sizes even when unbounded", func() {
			err := CheckSize(-1, 0)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeSizeExceeded)).IsTrue()
		})
	})

	g.Describe("CheckRatio", func() {
		g.It("accepts ratios at or under the maximum", func() {
			g.Assert(CheckRatio(100, 5000, 100)).IsNil()
			g.Assert(CheckRatio(100, 10000, 100)).IsNil()
		})

		g.It("rejects ratios over the maximum", func() {
			err := CheckRatio(1, 10000, 100)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeRatioExceeded)).IsTrue()
		})

		g.It("rejects expansion claims from zero compressed bytes", func() {
			err := CheckRatio(0, 1, 100)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeRatioExceeded)).IsTrue()
		})

		g.It("accepts zero bytes expanding to zero bytes", func() {
			g.Assert(CheckRatio(0, 0, 100)).IsNil()
		})

		g.It("rejects negative byte counts", func() {
			g.Assert(IsErrorCode(CheckRatio(-1, 10, 100), ErrCodeSizeExceeded)).IsTrue()
			g.Assert(IsErrorCode(CheckRatio(10, -1, 100), ErrCodeSizeExceeded)).IsTrue()
		})

		g.It("treats a zero maximum as disabled", func() {
			g.Assert(CheckRatio(1, 1<<40, 0)).IsNil()
		})
	})
}
