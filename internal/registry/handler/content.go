package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// contentService is the content side of *service.PackageService.
type contentService interface {
	SubmitContent(ctx context.Context, data []byte) (protocol.Digest, error)
	Content(ctx context.Context, d protocol.Digest) ([]byte, error)
	HasContent(ctx context.Context, d protocol.Digest) (bool, error)
}

// ContentHandler uploads and serves package bytes by digest.
type ContentHandler struct {
	svc     contentService
	maxSize int64
	logger  *zap.Logger
}

// NewContentHandler creates a ContentHandler accepting uploads of at most
// maxSize bytes.
func NewContentHandler(svc contentService, maxSize int64, logger *zap.Logger) *ContentHandler {
	return &ContentHandler{svc: svc, maxSize: maxSize, logger: logger}
}

// Register mounts the content routes on the given router group.
func (h *ContentHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/content", h.Upload)
	rg.GET("/content/:digest", h.Get)
	rg.HEAD("/content/:digest", h.Head)
}

// Upload handles POST /content: stores the request body and returns its
// digest. Uploading existing content is a no-op.
func (h *ContentHandler) Upload(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "failed to read request body"})
		return
	}
	if int64(len(data)) > h.maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, protocol.ErrorResponse{Error: "package content is too large"})
		return
	}
	d, err := h.svc.SubmitContent(c.Request.Context(), data)
	if err != nil {
		respondError(c, h.logger, "store content", err)
		return
	}
	RecordContentUpload(len(data))
	c.JSON(http.StatusCreated, protocol.ContentResponse{Digest: d})
}

// Get handles GET /content/:digest.
func (h *ContentHandler) Get(c *gin.Context) {
	d, err := protocol.ParseDigest(c.Param("digest"))
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
		return
	}
	data, err := h.svc.Content(c.Request.Context(), d)
	if err != nil {
		respondError(c, h.logger, "load content", err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Head handles HEAD /content/:digest: 200 when stored, 404 otherwise.
func (h *ContentHandler) Head(c *gin.Context) {
	d, err := protocol.ParseDigest(c.Param("digest"))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	ok, err := h.svc.HasContent(c.Request.Context(), d)
	if err != nil {
		h.logger.Error("check content", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}
