package router

import (
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/strongroom/strongroom/config"
	"github.com/strongroom/strongroom/router/middleware"
	"github.com/strongroom/strongroom/vault"
)

// Configure configures the routing infrastructure for this daemon instance.
func Configure(cfg *config.Configuration, v *vault.Vault) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.AttachRequestID(), middleware.CaptureErrors())
	router.Use(middleware.AttachConfiguration(cfg), middleware.AttachVault(v), middleware.AttachActor())
	router.Use(gin.LoggerWithFormatter(func(params gin.LogFormatterParams) string {
		log.WithFields(log.Fields{
			"client_ip":  params.ClientIP,
			"status":     params.StatusCode,
			"latency":    params.Latency,
			"request_id": params.Keys["request_id"],
		}).Debugf("%s %s", params.MethodColor()+params.Method+params.ResetColor(), params.Path)

		return ""
	}))

	// This route authorizes itself with a signed one-time token in the query
	// string, so it must stay ahead of the bearer token middleware and remain
	// publicly reachable.
	router.GET("/download/file", getDownloadFile)

	// All the routes beyond this mount will use an authorization middleware
	// and will not be accessible without the correct Authorization header provided.
	protected := router.Use(middleware.RequireAuthorization(cfg))
	protected.GET("/api/system", getSystemInformation)

	// The vault specific routes. The group inherits the authorization
	// middleware registered on the engine above it.
	api := router.Group("/api/vault")
	{
		api.GET("/contents", getVaultListDirectory)
		api.GET("/contents/file", getVaultFileContents)
		api.GET("/download", getVaultDownloadToken)
		api.GET("/activity", getVaultActivity)
		api.GET("/events", getVaultEvents)

		api.PUT("/rename", putVaultRenameFile)
		api.POST("/write", postVaultWriteFile)
		api.POST("/copy", postVaultCopyFile)
		api.POST("/duplicate", postVaultDuplicateFile)
		api.POST("/delete", postVaultDeleteFile)
		api.POST("/create-directory", postVaultCreateDirectory)
		api.POST("/compress", postVaultCompressFiles)
		api.POST("/decompress", postVaultDecompressFile)
	}

	return router
}
