package middleware

import (
	"context"
	"net/http"
	"os"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/strongroom/strongroom/storage/filesystem"
)

// RequestError is a custom error type returned when something goes wrong with
// any of the HTTP endpoints.
type RequestError struct {
	err    error
	status int
	msg    string
}

// NewError returns a new RequestError for the provided error.
func NewError(err error) *RequestError {
	return &RequestError{
		// Attach a stacktrace to the error if it is missing at this point and mark it
		// as originating from the location where NewError was called, rather than this
		// specific point in the code.
		err: errors.WithStackDepthIf(err, 1),
	}
}

// SetMessage allows for a custom error message to be set on an existing
// RequestError instance.
func (re *RequestError) SetMessage(m string) {
	re.msg = m
}

// SetStatus sets the HTTP status code for the error response. By default this
// is a HTTP-500 error.
func (re *RequestError) SetStatus(s int) {
	re.status = s
}

// Abort aborts the given HTTP request with the specified status code and then
// logs the event into the logs. The error that is output will include the unique
// request ID if it is present.
func (re *RequestError) Abort(c *gin.Context, status int) {
	reqId := c.Writer.Header().Get("X-Request-Id")

	// Generate the base logger instance, attaching the unique request ID and
	// the URL that was requested.
	event := log.WithField("request_id", reqId).WithField("url", c.Request.URL.String())

	if c.Writer.Status() == 200 {
		// Handle context deadlines being exceeded a little differently since we want
		// to report a more user-friendly error and a proper error code. The "context
		// canceled" error is generally when a request is terminated before all of the
		// logic is finished running.
		if errors.Is(re.err, context.DeadlineExceeded) {
			re.SetStatus(http.StatusGatewayTimeout)
			re.SetMessage("The daemon could not process this request in time, please try again.")
		} else if strings.Contains(re.Cause().Error(), "context canceled") {
			re.SetStatus(http.StatusBadRequest)
			re.SetMessage("Request aborted by client.")
		}
	}

	// c.Writer.Status() will be a non-200 value if the headers have already been sent
	// to the requester but an error is encountered. This can happen if there is an issue
	// marshaling a struct placed into a c.JSON() call (or c.AbortWithJSON() call).
	if status >= 500 || c.Writer.Status() != 200 {
		event.WithField("status", status).WithField("error", re.err).Error("error while handling HTTP request")
	} else {
		event.WithField("status", status).WithField("error", re.err).Debug("error handling HTTP request (not a server error)")
	}
	if re.msg == "" {
		re.msg = "An unexpected error was encountered while processing this request"
	}
	// Now abort the request with the error message and include the unique request
	// ID that was present to make things super easy on people who don't know how
	// or cannot view the response headers (where X-Request-Id would be present).
	c.AbortWithStatusJSON(status, gin.H{"error": re.msg, "request_id": reqId})
}

// Cause returns the underlying error.
func (re *RequestError) Cause() error {
	return re.err
}

// Error returns the underlying error message for this request.
func (re *RequestError) Error() string {
	return re.err.Error()
}

// Looks at the given RequestError and determines if it is a specific filesystem
// error that we can process and return differently for the user.
//
// Guard rejections map onto client error codes so a caller can tell a policy
// refusal apart from an instance fault. A denied archive or document reports
// as unprocessable content, an oversize payload reports as too large, and a
// containment or existence failure reports as not found.
//
// If the error passed into this call is nil or does not match empty values will
// be returned to the caller.
func (re *RequestError) asFilesystemError() (int, string) {
	err := re.Cause()
	if err == nil {
		return 0, ""
	}
	switch {
	case filesystem.IsErrorCode(err, filesystem.ErrCodeNotExist),
		filesystem.IsErrorCode(err, filesystem.ErrCodePathResolution):
		return http.StatusNotFound, "The requested resource was not found on the system."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeDenylistFile):
		return http.StatusForbidden, "This file cannot be accessed: it matches a restricted file pattern."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeIsDirectory):
		return http.StatusBadRequest, "Cannot perform that action: file is a directory."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeDiskSpace):
		return http.StatusBadRequest, "There is not enough disk space available to perform that action."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeInvalidFilename):
		return http.StatusBadRequest, "The name provided contains no usable characters."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeBadExtension):
		return http.StatusBadRequest, "Files with that extension are not accepted on this instance."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeAlreadyExists):
		return http.StatusBadRequest, "Cannot perform that action: a file or directory with that name already exists."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeUnknownArchive):
		return http.StatusBadRequest, "The file does not appear to be in a recognized archive format."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeSizeExceeded):
		return http.StatusRequestEntityTooLarge, "The content exceeds a size limit configured on this instance."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeRatioExceeded),
		filesystem.IsErrorCode(err, filesystem.ErrCodeArchiveRejected):
		return http.StatusUnprocessableEntity, "The archive failed a safety inspection and was rejected."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeDepthExceeded):
		return http.StatusUnprocessableEntity, "The document nests deeper than this instance allows."
	case filesystem.IsErrorCode(err, filesystem.ErrCodeMalformedContent):
		return http.StatusUnprocessableEntity, "The document is not valid for its declared format."
	}
	if strings.HasSuffix(err.Error(), "file name too long") {
		return http.StatusBadRequest, "Cannot perform that action: file name is too long."
	}
	if e, ok := err.(*os.SyscallError); ok && e.Syscall == "readdirent" {
		return http.StatusNotFound, "The requested directory does not exist."
	}
	return 0, ""
}
