package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func blobKey(c *gin.Context) string {
	return c.Param("code") + "/" + c.Param("name")
}

func (h *httpHandler) handlePutBlob(c *gin.Context) {
	key := blobKey(c)
	if _, _, err := blobs.SplitKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_object_key"})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBlobBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_payload"})
		return
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported_media_type"})
		return
	}

	url, err := h.blobs.Put(c.Request.Context(), key, detected.String(), data)
	if err != nil {
		switch {
		case errors.Is(err, blobs.ErrObjectExists):
			c.JSON(http.StatusConflict, gin.H{"error": "object_exists"})
		case errors.Is(err, blobs.ErrInvalidKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_object_key"})
		default:
			h.logger.Error("blob upload failed", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "url": url})
}

func (h *httpHandler) handleGetBlob(c *gin.Context) {
	key := blobKey(c)
	object, err := h.blobs.Stat(key)
	if err != nil {
		switch {
		case errors.Is(err, blobs.ErrObjectNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "object_not_found"})
		case errors.Is(err, blobs.ErrInvalidKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_object_key"})
		default:
			h.logger.Error("blob lookup failed", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		}
		return
	}
	// objects are never overwritten, so a key always names the same bytes
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Header("Content-Type", object.ContentType)
	c.File(object.Path)
}

func (h *httpHandler) handleDeleteBlob(c *gin.Context) {
	key := blobKey(c)
	if err := h.blobs.Delete(c.Request.Context(), key); err != nil {
		switch {
		case errors.Is(err, blobs.ErrObjectNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "object_not_found"})
		case errors.Is(err, blobs.ErrInvalidKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_object_key"})
		default:
			h.logger.Error("blob delete failed", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}
