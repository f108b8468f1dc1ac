package router

import (
	"bufio"
	"net/http"
	"strconv"
	"time"

	"github.com/gbrlsnchs/jwt/v3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/strongroom/strongroom/router/middleware"
	"github.com/strongroom/strongroom/router/tokens"
)

// Mints a signed one-time token for downloading a single file from the
// vault. The token embeds the requesting actor so the eventual download is
// attributed to them, and expires on its own if it is never redeemed.
func getVaultDownloadToken(c *gin.Context) {
	v := middleware.ExtractVault(c)
	p := c.Query("file")

	if err := v.Filesystem().IsIgnored(p); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	st, err := v.Filesystem().Stat(p)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	if st.Info.IsDir() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Cannot generate a download token for a directory."})
		return
	}

	payload := tokens.FilePayload{
		Payload: jwt.Payload{
			ExpirationTime: jwt.NumericDate(time.Now().Add(time.Minute * 15)),
			IssuedAt:       jwt.NumericDate(time.Now()),
		},
		FilePath: p,
		Actor:    middleware.ExtractActor(c),
		UniqueId: uuid.New().String(),
	}

	cfg := middleware.ExtractConfiguration(c)
	signed, err := tokens.SignToken([]byte(cfg.AuthenticationToken), &payload)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": string(signed)})
}

// Handles downloading a specific file from the vault using a signed one-time
// token rather than the bearer token the rest of the API requires.
func getDownloadFile(c *gin.Context) {
	cfg := middleware.ExtractConfiguration(c)

	token := tokens.FilePayload{}
	if err := tokens.ParseToken([]byte(cfg.AuthenticationToken), []byte(c.Query("token")), &token); err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "The provided download token is invalid or has expired."})
		return
	}
	if !token.IsUniqueRequest() {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "The requested resource was not found on this instance."})
		return
	}

	v := middleware.ExtractVault(c)
	s, err := v.OpenRead(c.Request.Context(), token.Actor, token.FilePath)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	defer s.Close()

	st := s.Stat()
	c.Header("Content-Length", strconv.FormatInt(st.Info.Size(), 10))
	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(st.Info.Name()))
	c.Header("Content-Type", "application/octet-stream")

	_, _ = bufio.NewReader(s).WriteTo(c.Writer)
}
