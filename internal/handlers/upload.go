package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chat4all-service/internal/upload"
)

// UploadHandler exposes the chunked upload protocol.
type UploadHandler struct {
	coordinator *upload.Coordinator
}

// NewUploadHandler builds an UploadHandler.
func NewUploadHandler(coordinator *upload.Coordinator) *UploadHandler {
	return &UploadHandler{coordinator: coordinator}
}

// Initiate opens an upload session.
func (h *UploadHandler) Initiate(c *gin.Context) {
	var req struct {
		Filename       string `json:"filename" binding:"required"`
		FileSize       int64  `json:"file_size" binding:"required"`
		ConversationID string `json:"conversation_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.coordinator.Initiate(req.Filename, req.FileSize, req.ConversationID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// UploadChunk accepts one raw chunk body and returns its checksum.
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	chunkNumber, err := strconv.Atoi(c.Param("chunk_number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk number"})
		return
	}
	totalChunks, _ := strconv.Atoi(c.Query("total_chunks"))

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read chunk body"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty chunk body"})
		return
	}

	result, err := h.coordinator.AcceptChunk(c.Request.Context(), c.Param("upload_id"), chunkNumber, data, totalChunks)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Complete finalizes a session against the client's chunk list.
func (h *UploadHandler) Complete(c *gin.Context) {
	var req struct {
		Chunks []upload.ChunkRef `json:"chunks" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.coordinator.Complete(c.Request.Context(), c.Param("upload_id"), req.Chunks)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SessionState reports the lifecycle state of a session.
func (h *UploadHandler) SessionState(c *gin.Context) {
	state, err := h.coordinator.SessionState(c.Param("upload_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": c.Param("upload_id"), "state": state})
}

// DownloadURL returns a presigned URL for a completed upload.
func (h *UploadHandler) DownloadURL(c *gin.Context) {
	expiresIn := time.Hour
	if v := c.Query("expires_in"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires_in"})
			return
		}
		expiresIn = time.Duration(secs) * time.Second
	}

	url, err := h.coordinator.PresignedDownloadURL(c.Request.Context(), c.Param("file_id"), expiresIn)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presigned_url": url, "expires_in": int64(expiresIn.Seconds())})
}

func (h *UploadHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, upload.ErrSizeLimit), errors.Is(err, upload.ErrChunkMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, upload.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": "upload session expired"})
	case errors.Is(err, upload.ErrSessionCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "upload session already completed"})
	case errors.Is(err, upload.ErrSessionNotFound), errors.Is(err, upload.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload operation failed"})
	}
}
