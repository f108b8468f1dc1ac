package router

import (
	"bufio"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/strongroom/strongroom/router/middleware"
	"github.com/strongroom/strongroom/vault"
)

// respondReceipt returns the receipt for a completed mutation. Mutations
// answer with the receipt body rather than a bare 204 so a caller can see
// the audit warning when one is attached.
func respondReceipt(c *gin.Context, rec *vault.Receipt) {
	c.JSON(http.StatusOK, rec)
}

// Returns the contents of a directory inside the vault.
func getVaultListDirectory(c *gin.Context) {
	v := middleware.ExtractVault(c)

	stats, rec, err := v.List(c.Request.Context(), middleware.ExtractActor(c), c.Query("directory"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	if rec.Warning != "" {
		c.Header("X-Audit-Warning", rec.Warning)
	}
	c.JSON(http.StatusOK, stats)
}

// Returns the contents of a file inside the vault. The path lock is held for
// the duration of the response so the streamed bytes always describe one
// consistent version of the file.
func getVaultFileContents(c *gin.Context) {
	v := middleware.ExtractVault(c)

	s, err := v.OpenRead(c.Request.Context(), middleware.ExtractActor(c), c.Query("file"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	defer s.Close()

	st := s.Stat()
	c.Header("X-Mime-Type", st.Mimetype)
	c.Header("Content-Length", strconv.FormatInt(st.Info.Size(), 10))
	if rec := s.Receipt(); rec.Warning != "" {
		c.Header("X-Audit-Warning", rec.Warning)
	}

	// If a download parameter is included in the URL go ahead and attach the
	// necessary headers so that the file can be downloaded.
	if c.Query("download") != "" {
		c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(st.Info.Name()))
		c.Header("Content-Type", "application/octet-stream")
	}

	_, _ = bufio.NewReader(s).WriteTo(c.Writer)
}

// Writes the request body into a file inside the vault, replacing whatever
// was there before. The write is staged and promoted atomically.
func postVaultWriteFile(c *gin.Context) {
	cfg := middleware.ExtractConfiguration(c)
	if limit := cfg.Api.UploadLimit; limit > 0 && c.Request.ContentLength > limit {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "The request body exceeds the upload limit configured on this instance."})
		return
	}

	v := middleware.ExtractVault(c)
	rec, err := v.Write(c.Request.Context(), middleware.ExtractActor(c), c.Query("file"), c.Request.Body)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondReceipt(c, rec)
}

// Renames (or moves) a file or directory inside the vault.
func putVaultRenameFile(c *gin.Context) {
	var data struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}
	if data.From == "" || data.To == "" {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "Invalid paths were provided, did you forget to provide both a new and old path?"})
		return
	}

	v := middleware.ExtractVault(c)
	rec, err := v.Rename(c.Request.Context(), middleware.ExtractActor(c), data.From, data.To)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondReceipt(c, rec)
}

// Copies a file inside the vault to the given destination path.
func postVaultCopyFile(c *gin.Context) {
	var data struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}
	if data.From == "" || data.To == "" {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "Invalid paths were provided, did you forget to provide both a source and destination path?"})
		return
	}

	v := middleware.ExtractVault(c)
	rec, err := v.Copy(c.Request.Context(), middleware.ExtractActor(c), data.From, data.To)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondReceipt(c, rec)
}

// Duplicates a file inside the vault next to the original, working a copy
// suffix into the new name. Responds with the path the copy landed on.
func postVaultDuplicateFile(c *gin.Context) {
	var data struct {
		Location string `json:"location"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}

	v := middleware.ExtractVault(c)
	dst, rec, err := v.Duplicate(c.Request.Context(), middleware.ExtractActor(c), data.Location)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": dst, "receipt": rec})
}

// Deletes a file or directory tree inside the vault.
func postVaultDeleteFile(c *gin.Context) {
	var data struct {
		Location string `json:"location"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}

	v := middleware.ExtractVault(c)
	rec, err := v.Delete(c.Request.Context(), middleware.ExtractActor(c), data.Location)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondReceipt(c, rec)
}

// Creates a new directory inside the vault, parents included.
func postVaultCreateDirectory(c *gin.Context) {
	var data struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}

	v := middleware.ExtractVault(c)
	rec, err := v.MkDir(c.Request.Context(), middleware.ExtractActor(c), data.Name, data.Path)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondReceipt(c, rec)
}

// Compresses the given files inside the root directory into a single archive
// and responds with the stat of the archive that was created.
func postVaultCompressFiles(c *gin.Context) {
	var data struct {
		Root  string   `json:"root"`
		Files []string `json:"files"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}

	v := middleware.ExtractVault(c)
	st, rec, err := v.Archive(c.Request.Context(), middleware.ExtractActor(c), data.Root, data.Files)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archive": &st, "receipt": rec})
}

// Extracts an archive inside the vault into the given root directory. The
// archive must clear the bomb heuristics before a single byte lands.
func postVaultDecompressFile(c *gin.Context) {
	var data struct {
		Root string `json:"root"`
		File string `json:"file"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}

	v := middleware.ExtractVault(c)
	rec, err := v.Extract(c.Request.Context(), middleware.ExtractActor(c), data.Root, data.File)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondReceipt(c, rec)
}

// Returns the most recent audit entries for the vault, optionally filtered
// down to a single actor with the actor query parameter.
func getVaultActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	v := middleware.ExtractVault(c)
	entries, err := v.ActivityFor(c.Request.Context(), c.Query("actor"), limit)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
