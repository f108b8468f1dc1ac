package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/apex/log"

	"github.com/strongroom/strongroom/formats"
)

type ErrorCode string

const (
	ErrCodeIsDirectory      ErrorCode = "E_ISDIR"
	ErrCodeDiskSpace        ErrorCode = "E_NODISK"
	ErrCodeUnknownArchive   ErrorCode = "E_UNKNFMT"
	ErrCodeUnknownError     ErrorCode = "E_UNKNOWN"
	ErrCodePathResolution   ErrorCode = "E_BADPATH"
	ErrCodeDenylistFile     ErrorCode = "E_DENYLIST"
	ErrCodeInvalidFilename  ErrorCode = "E_BADNAME"
	ErrCodeBadExtension     ErrorCode = "E_BADEXT"
	ErrCodeSizeExceeded     ErrorCode = "E_TOOLARGE"
	ErrCodeRatioExceeded    ErrorCode = "E_BADRATIO"
	ErrCodeArchiveRejected  ErrorCode = "E_ARCHIVE"
	ErrCodeDepthExceeded    ErrorCode = "E_TOODEEP"
	ErrCodeMalformedContent ErrorCode = "E_MALFORMED"
	ErrCodeNotExist         ErrorCode = "E_NOTEXIST"
	ErrCodeAlreadyExists    ErrorCode = "E_EXISTS"
)

type Error struct {
	code ErrorCode
	// Contains the underlying error leading to this. This value may or may
	// not be present, it is entirely dependent on how this error was
	// triggered.
	err error
	// This contains the value of the final destination that triggered this
	// specific error event.
	resolved string
	// This value is generally only present on errors stemming from a path
	// resolution error or an invalid filename. For everything else you
	// should be setting and reading the resolved path value.
	path string
	// The name of the archive entry responsible for an archive rejection,
	// if the rejection can be tied to a single entry.
	entry string
	// Byte counts associated with a size failure.
	size  int64
	limit int64
	// Ratio values associated with a compression ratio failure.
	ratio    float64
	maxRatio float64
}

// newFilesystemError returns a new error instance with a stack trace
// associated with it.
func newFilesystemError(code ErrorCode, err error) error {
	if err != nil {
		return errors.WithStackDepth(&Error{code: code, err: err}, 1)
	}
	return errors.WithStackDepth(&Error{code: code}, 1)
}

// Code returns the ErrorCode for this specific error instance.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Entry returns the name of the archive entry this error is tied to, or an
// empty string when the failure was an aggregate decision.
func (e *Error) Entry() string {
	return e.entry
}

// Returns a human-readable error string to identify the Error by.
func (e *Error) Error() string {
	switch e.code {
	case ErrCodeIsDirectory:
		return "filesystem: is a directory"
	case ErrCodeDiskSpace:
		return "filesystem: not enough disk space"
	case ErrCodeUnknownArchive:
		return "filesystem: unknown archive format"
	case ErrCodeInvalidFilename:
		return fmt.Sprintf("filesystem: filename [%s] is not a usable name", e.path)
	case ErrCodeBadExtension:
		return fmt.Sprintf("filesystem: extension of [%s] is not on the allow-list", e.path)
	case ErrCodeSizeExceeded:
		if e.size < 0 {
			return fmt.Sprintf("filesystem: impossible negative size of %d bytes", e.size)
		}
		return fmt.Sprintf("filesystem: size of %d bytes exceeds the limit of %d bytes", e.size, e.limit)
	case ErrCodeRatioExceeded:
		if e.ratio == 0 {
			return fmt.Sprintf("filesystem: zero compressed bytes claim to expand to %d bytes", e.size)
		}
		return fmt.Sprintf("filesystem: compression ratio of %.1f exceeds the maximum of %.1f", e.ratio, e.maxRatio)
	case ErrCodeDepthExceeded:
		return fmt.Sprintf("filesystem: nesting depth of %d exceeds the maximum of %d", e.size, e.limit)
	case ErrCodeMalformedContent:
		return fmt.Sprintf("filesystem: malformed content: %s", e.err)
	case ErrCodeArchiveRejected:
		if e.entry != "" {
			return fmt.Sprintf("filesystem: archive rejected: entry [%s]: %s", e.entry, e.err)
		}
		return fmt.Sprintf("filesystem: archive rejected: %s", e.err)
	case ErrCodeNotExist:
		return "filesystem: does not exist"
	case ErrCodeAlreadyExists:
		return "filesystem: already exists"
	case ErrCodePathResolution:
		r := e.resolved
		if r == "" {
			r = "<empty>"
		}
		return fmt.Sprintf("filesystem: path [%s] resolves to a location outside the storage root: %s", e.path, r)
	case ErrCodeDenylistFile:
		r := e.resolved
		if r == "" {
			r = e.path
		}
		return fmt.Sprintf("filesystem: file access prohibited: %s is on the denylist", r)
	}
	return "filesystem: unhandled error type"
}

// Unwrap returns the underlying error that caused this filesystem specific
// error, which may be nil.
func (e *Error) Unwrap() error {
	return e.err
}

// Generates an error logger instance with some basic information.
func (fs *Filesystem) error(err error) *log.Entry {
	return log.WithField("subsystem", "filesystem").WithField("root", fs.root).WithField("error", err)
}

// Handle errors encountered when walking through directories.
//
// If there is a path resolution error just skip the item entirely. Only
// return this for a directory, otherwise return nil. Returning this error
// for a file will stop the walking for the remainder of the directory.
func (fs *Filesystem) handleWalkerError(err error, f os.FileInfo) error {
	if !IsErrorCode(err, ErrCodePathResolution) {
		return err
	}
	if f != nil && f.IsDir() {
		return filepath.SkipDir
	}
	return nil
}

// IsFilesystemError checks if the given error is one of the Filesystem
// error types produced by this package.
func IsFilesystemError(err error) bool {
	var fserr *Error
	if err != nil && errors.As(err, &fserr) {
		return true
	}
	return false
}

// IsErrorCode checks if "err" is a filesystem Error type. If so, it will
// then drop in and check that the error code is the same as the provided
// ErrorCode passed in "code".
func IsErrorCode(err error, code ErrorCode) bool {
	var fserr *Error
	if err != nil && errors.As(err, &fserr) {
		return fserr.code == code
	}
	return false
}

// NewBadPathResolution returns a new path resolution error including the
// path that was requested and the location it resolved to.
func NewBadPathResolution(path string, resolved string) error {
	return errors.WithStackDepth(&Error{code: ErrCodePathResolution, path: path, resolved: resolved}, 1)
}

// NewInvalidFilenameError returns an error for a filename that sanitized
// down to an unusable value.
func NewInvalidFilenameError(name string) error {
	return errors.WithStackDepth(&Error{code: ErrCodeInvalidFilename, path: name}, 1)
}

// NewBadExtensionError returns an error for a filename whose extension is
// not present on the configured allow-list.
func NewBadExtensionError(name string) error {
	return errors.WithStackDepth(&Error{code: ErrCodeBadExtension, path: name}, 1)
}

// NewSizeExceededError returns an error describing a byte count that is
// either negative or over the provided limit.
func NewSizeExceededError(size int64, limit int64) error {
	return errors.WithStackDepth(&Error{code: ErrCodeSizeExceeded, size: size, limit: limit}, 1)
}

// NewDepthExceededError returns an error describing a document that nests
// deeper than the provided limit.
func NewDepthExceededError(depth int, limit int) error {
	return errors.WithStackDepth(&Error{code: ErrCodeDepthExceeded, size: int64(depth), limit: int64(limit)}, 1)
}

// NewRatioExceededError returns an error describing a compression ratio
// over the configured maximum. A ratio of zero indicates a zero compressed
// size, which is rejected outright rather than divided.
func NewRatioExceededError(ratio float64, maxRatio float64, uncompressed int64) error {
	return errors.WithStackDepth(&Error{code: ErrCodeRatioExceeded, ratio: ratio, maxRatio: maxRatio, size: uncompressed}, 1)
}

// NewArchiveRejectedError wraps the underlying guard failure that stopped
// an archive from being accepted. The entry name may be empty when the
// failure applies to the archive as a whole.
func NewArchiveRejectedError(entry string, err error) error {
	return errors.WithStackDepth(&Error{code: ErrCodeArchiveRejected, entry: entry, err: err}, 1)
}

// newDenylistError returns an error for a path matching one of the
// configured denylist patterns.
func newDenylistError(path string, resolved string) error {
	return errors.WithStackDepth(&Error{code: ErrCodeDenylistFile, path: path, resolved: resolved}, 2)
}

// wrapFormatError converts a format guard failure into this package's
// error taxonomy so callers only ever deal with one set of codes. The
// original formats error stays attached for its message detail.
func wrapFormatError(err error, resolved string) error {
	if err == nil {
		return nil
	}
	var ferr *formats.Error
	if !errors.As(err, &ferr) {
		return wrapError(err, resolved)
	}
	switch ferr.Code() {
	case formats.ErrCodeTooDeep:
		return errors.WithStackDepth(&Error{code: ErrCodeDepthExceeded, err: err, resolved: resolved, size: int64(ferr.Depth()), limit: int64(ferr.MaxDepth())}, 1)
	case formats.ErrCodeTooLarge:
		return errors.WithStackDepth(&Error{code: ErrCodeSizeExceeded, err: err, resolved: resolved, size: ferr.Size(), limit: ferr.Limit()}, 1)
	default:
		return errors.WithStackDepth(&Error{code: ErrCodeMalformedContent, err: err, resolved: resolved}, 1)
	}
}

// wrapError wraps the provided error as a filesystem error and attaches the
// provided resolved path to it. If the error is already a filesystem error
// no action is taken. os.ErrNotExist and os.ErrExist values are converted
// to their typed equivalents so callers never need to poke at os internals.
func wrapError(err error, resolved string) error {
	if err == nil || IsFilesystemError(err) {
		return err
	}
	if errors.Is(err, os.ErrNotExist) {
		return errors.WithStackDepth(&Error{code: ErrCodeNotExist, err: err, resolved: resolved}, 1)
	}
	if errors.Is(err, os.ErrExist) {
		return errors.WithStackDepth(&Error{code: ErrCodeAlreadyExists, err: err, resolved: resolved}, 1)
	}
	return errors.WithStackDepth(&Error{code: ErrCodeUnknownError, err: err, resolved: resolved}, 1)
}
