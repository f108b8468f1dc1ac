package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strongroom/strongroom/router/middleware"
	"github.com/strongroom/strongroom/system"
)

// Returns information about the system the daemon is running on, along with
// the current disk consumption of the storage root it is guarding.
func getSystemInformation(c *gin.Context) {
	fs := middleware.ExtractVault(c).Filesystem()

	// A stale usage figure is fine here, this endpoint gets polled and must
	// not trigger a full disk walk on every request.
	used, err := fs.DiskUsage(true)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	c.JSON(http.StatusOK, struct {
		*system.Information
		DiskUsed  int64 `json:"disk_used"`
		DiskLimit int64 `json:"disk_limit"`
	}{
		Information: system.GetSystemInformation(),
		DiskUsed:    used,
		DiskLimit:   fs.MaxDisk(),
	})
}
