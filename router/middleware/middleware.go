package middleware

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/strongroom/strongroom/config"
	"github.com/strongroom/strongroom/storage/pathlock"
	"github.com/strongroom/strongroom/vault"
)

// AttachRequestID attaches a unique ID to the incoming HTTP request so that any
// errors that are generated or returned to the client will include this reference
// allowing for an easier time identifying the specific request that failed for
// the user.
//
// If you are using a tool such as Sentry or Bugsnag for error reporting this is
// a great location to also attach this request ID to your error handling logic
// so that you can easily cross-reference the errors.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Set("logger", log.WithField("request_id", id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// AttachVault attaches the vault to the request context so route handlers can
// run guarded operations against the storage tree.
func AttachVault(v *vault.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("vault", v)
		c.Next()
	}
}

// AttachConfiguration attaches the daemon configuration to the request
// context for the handful of routes that read limits or token settings.
func AttachConfiguration(cfg *config.Configuration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("config", cfg)
		c.Next()
	}
}

// AttachActor reads the acting identity from the X-Actor header and attaches
// it to the request context. Every audit entry written while handling the
// request is attributed to that value. An absent header attributes the
// operation to nobody, which is recorded as a null actor.
func AttachActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("actor", c.GetHeader("X-Actor"))
		c.Next()
	}
}

// CaptureAndAbort aborts the request and attaches the provided error to the gin
// context, so it can be reported properly. If the error is missing a stacktrace
// at the time it is called the stack will be attached.
func CaptureAndAbort(c *gin.Context, err error) {
	c.Abort()
	c.Error(errors.WithStackDepthIf(err, 1))
}

// CaptureErrors is custom handler function allowing for errors bubbled up by
// c.Error() to be returned in a standardized format with tracking UUIDs on them
// for easier log searching.
func CaptureErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		err := c.Errors.Last()
		if err == nil || err.Err == nil {
			return
		}

		status := http.StatusInternalServerError
		if c.Writer.Status() != 200 {
			status = c.Writer.Status()
		}
		if err.Error() == io.EOF.Error() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "The data passed in the request was not in a parsable format. Please try again."})
			return
		}
		// A lock timeout is not a fault in the request, the path was simply
		// busy for longer than the retry policy tolerates. Flag it as
		// retryable so clients know to submit the same request again.
		if errors.Is(err.Err, pathlock.ErrLockTimeout) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":      "The requested path is locked by another operation, try again shortly.",
				"retryable":  true,
				"request_id": c.Writer.Header().Get("X-Request-Id"),
			})
			return
		}
		captured := NewError(err.Err)
		if status, msg := captured.asFilesystemError(); msg != "" {
			c.AbortWithStatusJSON(status, gin.H{"error": msg, "request_id": c.Writer.Header().Get("X-Request-Id")})
			return
		}
		captured.Abort(c, status)
	}
}

// RequireAuthorization performs a constant-time comparison of the request's
// bearer token against the token this instance was configured with. The
// configuration is immutable once loaded so the expected value is captured
// when the middleware is built rather than per request.
func RequireAuthorization(cfg *config.Configuration) gin.HandlerFunc {
	token := []byte(cfg.AuthenticationToken)
	return func(c *gin.Context) {
		auth := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(auth) != 2 || auth[0] != "Bearer" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "The required authorization headers were not present in the request."})
			return
		}

		if subtle.ConstantTimeCompare([]byte(auth[1]), token) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "You are not authorized to access this endpoint."})
			return
		}
		c.Next()
	}
}

// ExtractLogger pulls the logger out of the request context and returns it. By
// default this will include the request ID, but may also include other fields
// if middleware further down the chain has added them.
func ExtractLogger(c *gin.Context) *log.Entry {
	v, ok := c.Get("logger")
	if !ok {
		panic("middleware/middleware: cannot extract logger: not present in request context")
	}
	return v.(*log.Entry)
}

// ExtractVault returns the vault instance set on the request context.
func ExtractVault(c *gin.Context) *vault.Vault {
	if v, ok := c.Get("vault"); ok {
		return v.(*vault.Vault)
	}
	panic("middleware/middleware: cannot extract vault: not present in request context")
}

// ExtractConfiguration returns the daemon configuration set on the request
// context.
func ExtractConfiguration(c *gin.Context) *config.Configuration {
	if v, ok := c.Get("config"); ok {
		return v.(*config.Configuration)
	}
	panic("middleware/middleware: cannot extract configuration: not present in request context")
}

// ExtractActor returns the acting identity for the request, or an empty
// string when the request did not identify one.
func ExtractActor(c *gin.Context) string {
	if v, ok := c.Get("actor"); ok {
		return v.(string)
	}
	return ""
}
