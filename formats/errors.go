package formats

import (
	"fmt"

	"emperror.dev/errors"
)

type ErrorCode string

const (
	ErrCodeMalformed ErrorCode = "E_MALFORMED"
	ErrCodeTooLarge  ErrorCode = "E_TOOLARGE"
	ErrCodeTooDeep   ErrorCode = "E_TOODEEP"
)

// Error describes why a document failed the format guard. The format name
// is always present, the remaining fields depend on the code.
type Error struct {
	code   ErrorCode
	format string
	err    error

	size  int64
	limit int64

	depth    int
	maxDepth int
}

// Code returns the ErrorCode for this specific error instance.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Format returns the name of the format whose guard rejected the document.
func (e *Error) Format() string {
	return e.format
}

// Size returns the document's byte count for a size rejection.
func (e *Error) Size() int64 {
	return e.size
}

// Limit returns the byte ceiling a size rejection was measured against.
func (e *Error) Limit() int64 {
	return e.limit
}

// Depth returns the measured nesting depth for a depth rejection.
func (e *Error) Depth() int {
	return e.depth
}

// MaxDepth returns the nesting ceiling a depth rejection was measured
// against.
func (e *Error) MaxDepth() int {
	return e.maxDepth
}

func (e *Error) Error() string {
	switch e.code {
	case ErrCodeTooLarge:
		return fmt.Sprintf("formats: %s document of %d bytes exceeds the limit of %d bytes", e.format, e.size, e.limit)
	case ErrCodeTooDeep:
		return fmt.Sprintf("formats: %s document nests %d levels deep, the maximum is %d", e.format, e.depth, e.maxDepth)
	case ErrCodeMalformed:
		return fmt.Sprintf("formats: malformed %s document: %s", e.format, e.err)
	}
	return "formats: unhandled error type"
}

// Unwrap returns the parser error behind a malformed rejection, which may
// be nil for the other codes.
func (e *Error) Unwrap() error {
	return e.err
}

// IsErrorCode checks if "err" is a formats Error type carrying the given
// code.
func IsErrorCode(err error, code ErrorCode) bool {
	var ferr *Error
	if err != nil && errors.As(err, &ferr) {
		return ferr.code == code
	}
	return false
}

func newMalformedError(format string, err error) error {
	return errors.WithStackDepth(&Error{code: ErrCodeMalformed, format: format, err: err}, 1)
}

func newTooLargeError(format string, size int64, limit int64) error {
	return errors.WithStackDepth(&Error{code: ErrCodeTooLarge, format: format, size: size, limit: limit}, 1)
}

func newTooDeepError(format string, depth int, maxDepth int) error {
	return errors.WithStackDepth(&Error{code: ErrCodeTooDeep, format: format, depth: depth, maxDepth: maxDepth}, 1)
}
