package httpapi

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/transfer"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*API, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	devices := device.NewRegistry(nil)
	rooms := room.NewRegistry(nil)
	gov := transfer.NewGovernor(transfer.MaxMemoryBytes, transfer.WarningMemoryBytes, transfer.MaxConcurrentTransfers)
	engine := transfer.NewEngine(devices, rooms, gov, noopSender{})

	uploadDir := t.TempDir()
	api := New(devices, rooms, engine, gov, uploadDir, "", nil)

	r := gin.New()
	api.Register(r)
	return api, r
}

type noopSender struct{}

func (noopSender) Send(deviceID string, frame any) bool { return false }

func multipartUpload(t *testing.T, fieldName, filename, partType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fieldName, filename))
	h.Set("Content-Type", partType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestHandleUpload_StoresFileAndReturnsDownloadURL(t *testing.T) {
	_, r := newTestAPI(t)
	body, contentType := multipartUpload(t, "files", "notes.txt", "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "/api/download/")
}

func TestHandleUpload_RejectsDisallowedExtension(t *testing.T) {
	_, r := newTestAPI(t)
	body, contentType := multipartUpload(t, "files", "payload.exe", "application/octet-stream", []byte("MZ"))

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandleUpload_RejectsEmptyFileSet(t *testing.T) {
	_, r := newTestAPI(t)
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandleDownload_RoundTrip(t *testing.T) {
	api, r := newTestAPI(t)
	body, contentType := multipartUpload(t, "files", "report.pdf", "application/pdf", []byte("%PDF-1.4 fake"))

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	entries, err := os.ReadDir(api.uploadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	downloadReq := httptest.NewRequest(http.MethodGet, "/api/download/"+entries[0].Name(), nil)
	downloadResp := httptest.NewRecorder()
	r.ServeHTTP(downloadResp, downloadReq)

	assert.Equal(t, http.StatusOK, downloadResp.Code)
	assert.Equal(t, "%PDF-1.4 fake", downloadResp.Body.String())
}

func TestHandleDownload_RejectsPathTraversal(t *testing.T) {
	api, r := newTestAPI(t)
	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o644))
	_ = api

	req := httptest.NewRequest(http.MethodGet, "/api/download/..%2f..%2fsecret.txt", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHandleForceReleaseTransfer_NotFound(t *testing.T) {
	_, r := newTestAPI(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/transfers/does-not-exist", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHandleServerInfo(t *testing.T) {
	_, r := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/server-info", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "maxMemory")
}

func TestSanitizeFilename_StripsUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "passwd", sanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "file", sanitizeFilename(".."))
	assert.Equal(t, "report.pdf", sanitizeFilename("report.pdf"))
}
