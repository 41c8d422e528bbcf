// Package httpapi implements the relay's HTTP collaborators: the static
// landing page, the multipart upload/download fallback, and a handful of
// capability/status endpoints. These sit outside the WebSocket relay core
// and never drive the Transfer Engine's state machine.
package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/metrics"
	"github.com/FabeYT/smartshare/internal/ratelimit"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/transfer"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxUploadFileBytes = 500 * 1024 * 1024
const maxUploadFiles = 50

var (
	disallowedExtensions = map[string]struct{}{
		".exe": {}, ".bat": {}, ".cmd": {}, ".sh": {}, ".php": {}, ".js": {}, ".jar": {},
	}
	allowedMIMEPrefixes = []string{
		"image/", "video/", "audio/", "text/", "application/pdf",
		"application/msword", "application/vnd.openxmlformats-officedocument.",
		"application/vnd.ms-excel", "application/vnd.ms-powerpoint",
		"application/zip", "application/x-rar-compressed",
	}
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// UploadedFile describes one file accepted by /api/upload.
type UploadedFile struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       string `json:"type"`
	Path       string `json:"path"`
	URL        string `json:"url"`
	UploadedAt string `json:"uploadedAt"`
}

// API wires the HTTP collaborators to the relay's registries and governor,
// none of which are mutated by any handler here except the transfer
// force-release endpoint.
type API struct {
	devices   *device.Registry
	rooms     *room.Registry
	engine    *transfer.Engine
	gov       *transfer.Governor
	uploadDir string
	staticDir string
	limiter   *ratelimit.Limiter
}

// New wires an API. limiter may be nil to disable upload rate limiting.
func New(devices *device.Registry, rooms *room.Registry, engine *transfer.Engine, gov *transfer.Governor, uploadDir, staticDir string, limiter *ratelimit.Limiter) *API {
	return &API{devices: devices, rooms: rooms, engine: engine, gov: gov, uploadDir: uploadDir, staticDir: staticDir, limiter: limiter}
}

// Register attaches every route to engine.
func (a *API) Register(engine *gin.Engine) {
	if a.staticDir != "" {
		engine.Static("/static", a.staticDir)
		engine.StaticFile("/", filepath.Join(a.staticDir, "index.html"))
	}

	api := engine.Group("/api")
	{
		upload := api.Group("/upload")
		if a.limiter != nil {
			upload.Use(a.limiter.Upload())
		}
		upload.POST("", a.handleUpload)

		api.GET("/download/:filename", a.handleDownload)
		api.GET("/server-info", a.handleServerInfo)
		api.GET("/rooms", a.handleRooms)
		api.DELETE("/transfers/:id", a.handleForceReleaseTransfer)
		api.GET("/ios-health", a.handleIOSHealth)
		api.GET("/safari-check", a.handleSafariCheck)
		api.POST("/ios-reconnect", a.handleIOSReconnect)
	}
}

// sanitizeFilename strips path separators and any character outside
// [A-Za-z0-9._-], matching the relay's filename sanitation contract.
func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	clean := unsafeNameChars.ReplaceAllString(base, "_")
	if clean == "" || clean == "." || clean == ".." {
		clean = "file"
	}
	return clean
}

func isAllowedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	_, disallowed := disallowedExtensions[ext]
	return !disallowed
}

func isAllowedMIME(contentType string) bool {
	if contentType == "" {
		return true
	}
	for _, prefix := range allowedMIMEPrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// handleUpload accepts a multipart form of files into the scratch upload
// directory: the legacy HTTP fallback path, independent of the WebSocket
// chunk-relay state machine (spec.md §9 open question (a)).
func (a *API) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}
	if len(files) > maxUploadFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("too many files, max %d per request", maxUploadFiles)})
		return
	}

	if err := os.MkdirAll(a.uploadDir, 0o755); err != nil {
		logging.Error(c.Request.Context(), "upload dir create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload storage unavailable"})
		return
	}

	var uploaded []UploadedFile
	var totalSize int64
	for _, fh := range files {
		if fh.Size > maxUploadFileBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s exceeds the 500MiB limit", fh.Filename)})
			return
		}
		if !isAllowedExtension(fh.Filename) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s has a disallowed extension", fh.Filename)})
			return
		}
		contentType := fh.Header.Get("Content-Type")
		if !isAllowedMIME(contentType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s has a disallowed content type", fh.Filename)})
			return
		}

		safeName := uuid.NewString() + "-" + sanitizeFilename(fh.Filename)
		dest := filepath.Join(a.uploadDir, safeName)
		if err := c.SaveUploadedFile(fh, dest); err != nil {
			logging.Error(c.Request.Context(), "save uploaded file failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
			return
		}

		totalSize += fh.Size
		metrics.UploadBytesTotal.Add(float64(fh.Size))
		uploaded = append(uploaded, UploadedFile{
			Name:       sanitizeFilename(fh.Filename),
			Size:       fh.Size,
			Type:       contentType,
			Path:       dest,
			URL:        "/api/download/" + safeName,
			UploadedAt: time.Now().UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "files": uploaded, "totalSize": totalSize})
}

// handleDownload streams a previously uploaded scratch file back to the
// caller. filename must already be the sanitized, server-assigned name; any
// path traversal attempt resolves to a 404 rather than escaping uploadDir.
func (a *API) handleDownload(c *gin.Context) {
	filename := sanitizeFilename(c.Param("filename"))
	path := filepath.Join(a.uploadDir, filename)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	original := filename
	if len(filename) > 37 && filename[36] == '-' {
		if _, err := uuid.Parse(filename[:36]); err == nil {
			original = filename[37:]
		}
	}
	c.Header("Content-Disposition", `attachment; filename="`+original+`"`)
	c.File(path)
}

func (a *API) handleServerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"devices":         a.devices.Count(),
		"rooms":           a.rooms.Count(),
		"memoryInFlight":  a.gov.HeapBytes(),
		"maxMemory":       transfer.MaxMemoryBytes,
		"activeTransfers": a.engine.ActiveCount(),
		"maxTransfers":    transfer.MaxConcurrentTransfers,
	})
}

// roomProjection is the catalog entry returned by /api/rooms.
type roomProjection struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	DeviceCount int       `json:"deviceCount"`
}

func (a *API) handleRooms(c *gin.Context) {
	snapshots := a.rooms.Snapshots()
	out := make([]roomProjection, 0, len(snapshots))
	for _, rm := range snapshots {
		out = append(out, roomProjection{ID: rm.ID, Name: rm.Name, Created: rm.Created, DeviceCount: len(rm.Members)})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (a *API) handleForceReleaseTransfer(c *gin.Context) {
	id := c.Param("id")
	if ok := a.engine.ForceRelease(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (a *API) handleIOSHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ios": true})
}

func (a *API) handleSafariCheck(c *gin.Context) {
	ua := c.Request.UserAgent()
	c.JSON(http.StatusOK, gin.H{"safari": strings.Contains(ua, "Safari") && !strings.Contains(ua, "Chrome")})
}

func (a *API) handleIOSReconnect(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}
