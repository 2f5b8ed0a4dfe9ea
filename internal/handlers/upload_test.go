package handlers

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat4all-service/internal/mocks"
	"chat4all-service/internal/upload"
)

func setupUploadRouter(store *mocks.ObjectStoreMock) (*gin.Engine, *upload.Coordinator) {
	gin.SetMode(gin.TestMode)
	coordinator := upload.NewCoordinator(store, 2<<30, 5<<20, time.Hour)
	handler := NewUploadHandler(coordinator)

	r := gin.New()
	r.POST("/uploads", handler.Initiate)
	r.PUT("/uploads/:upload_id/chunks/:chunk_number", handler.UploadChunk)
	r.POST("/uploads/:upload_id/complete", handler.Complete)
	r.GET("/uploads/:upload_id", handler.SessionState)
	r.GET("/files/:file_id/url", handler.DownloadURL)
	return r, coordinator
}

func TestUploadProtocol(t *testing.T) {
	store := new(mocks.ObjectStoreMock)
	store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("Compose", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	store.On("Delete", mock.Anything, mock.Anything).Return(nil)
	router, _ := setupUploadRouter(store)

	body := bytes.NewBufferString(`{"filename":"report.pdf","file_size":1048576,"conversation_id":"c1"}`)
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var init upload.InitiateResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&init))
	require.NotEmpty(t, init.UploadID)

	chunk := []byte("chunk-bytes")
	req = httptest.NewRequest(http.MethodPut, fmt.Sprintf("/uploads/%s/chunks/0?total_chunks=1", init.UploadID), bytes.NewReader(chunk))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var accepted upload.ChunkResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&accepted))
	sum := md5.Sum(chunk)
	assert.Equal(t, hex.EncodeToString(sum[:]), accepted.Checksum)

	completeBody, err := json.Marshal(gin.H{"chunks": []upload.ChunkRef{{ChunkNumber: 0, Checksum: accepted.Checksum}}})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/uploads/"+init.UploadID+"/complete", bytes.NewReader(completeBody))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result upload.CompleteResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, upload.StateCompleted, result.Status)

	req = httptest.NewRequest(http.MethodGet, "/uploads/"+init.UploadID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), upload.StateCompleted)

	store.On("PresignedURL", mock.Anything, "uploads/"+result.FileID+"/file", 600*time.Second).
		Return("https://minio.local/presigned", nil).Once()
	req = httptest.NewRequest(http.MethodGet, "/files/"+result.FileID+"/url?expires_in=600", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "presigned")

	store.AssertExpectations(t)
}

func TestInitiateRejectsOversized(t *testing.T) {
	router, _ := setupUploadRouter(new(mocks.ObjectStoreMock))

	body := bytes.NewBufferString(`{"filename":"huge.bin","file_size":99999999999,"conversation_id":"c1"}`)
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitiateMissingFields(t *testing.T) {
	router, _ := setupUploadRouter(new(mocks.ObjectStoreMock))

	req := httptest.NewRequest(http.MethodPost, "/uploads", bytes.NewBufferString(`{"filename":"f"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadChunkUnknownSession(t *testing.T) {
	router, _ := setupUploadRouter(new(mocks.ObjectStoreMock))

	req := httptest.NewRequest(http.MethodPut, "/uploads/missing/chunks/0", bytes.NewBufferString("data"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadChunkBadNumber(t *testing.T) {
	router, _ := setupUploadRouter(new(mocks.ObjectStoreMock))

	req := httptest.NewRequest(http.MethodPut, "/uploads/u1/chunks/abc", bytes.NewBufferString("data"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadChunkEmptyBody(t *testing.T) {
	router, _ := setupUploadRouter(new(mocks.ObjectStoreMock))

	req := httptest.NewRequest(http.MethodPut, "/uploads/u1/chunks/0", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteChecksumMismatch(t *testing.T) {
	store := new(mocks.ObjectStoreMock)
	store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	router, coordinator := setupUploadRouter(store)

	init, err := coordinator.Initiate("f.txt", 100, "c1")
	require.NoError(t, err)
	_, err = coordinator.AcceptChunk(context.Background(), init.UploadID, 0, []byte("hello"), 1)
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"chunks":[{"chunk_number":0,"checksum":"bogus"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/uploads/"+init.UploadID+"/complete", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadURLUnknownFile(t *testing.T) {
	router, _ := setupUploadRouter(new(mocks.ObjectStoreMock))

	req := httptest.NewRequest(http.MethodGet, "/files/missing/url", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadURLInvalidExpiry(t *testing.T) {
	router, _ := setupUploadRouter(new(mocks.ObjectStoreMock))

	req := httptest.NewRequest(http.MethodGet, "/files/f1/url?expires_in=-5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
