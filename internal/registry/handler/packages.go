package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// packageService is the service interface used by PackageHandler.
// *service.PackageService satisfies this interface.
type packageService interface {
	Submit(ctx context.Context, rec protocol.Record) (*protocol.Submission, error)
	Submission(ctx context.Context, token string) (*protocol.Submission, error)
	Package(ctx context.Context, id protocol.PackageID) (*protocol.PackageSummary, error)
}

// PackageHandler serves package histories and accepts record submissions.
type PackageHandler struct {
	svc    packageService
	log    logReader
	logger *zap.Logger
}

// NewPackageHandler creates a new PackageHandler.
func NewPackageHandler(svc packageService, log logReader, logger *zap.Logger) *PackageHandler {
	return &PackageHandler{svc: svc, log: log, logger: logger}
}

// Register mounts the package routes on the given router group.
func (h *PackageHandler) Register(rg *gin.RouterGroup) {
	p := rg.Group("/packages/:namespace/:name")
	{
		p.GET("", h.Get)
		p.GET("/records", h.Records)
		p.POST("/records", h.Submit)
	}
	rg.GET("/submissions/:token", h.Submission)
}

func packageParam(c *gin.Context) (protocol.PackageID, bool) {
	id, err := protocol.ParsePackageID(c.Param("namespace") + ":" + c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
		return "", false
	}
	return id, true
}

// Get handles GET /packages/:namespace/:name: returns the package head.
func (h *PackageHandler) Get(c *gin.Context) {
	id, ok := packageParam(c)
	if !ok {
		return
	}
	sum, err := h.svc.Package(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "load package", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Records handles GET /packages/:namespace/:name/records?from=&size=.
// It returns entries from sequence `from` with inclusion proofs against tree
// size `size` (default: the latest checkpoint), and a proof of the package's
// head in that checkpoint's package map.
func (h *PackageHandler) Records(c *gin.Context) {
	id, ok := packageParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var fromSeq uint64
	if s := c.Query("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "from must be a non-negative integer"})
			return
		}
		fromSeq = v
	}
	var size int64
	if s := c.Query("size"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "size must be a non-negative integer"})
			return
		}
		size = v
	} else {
		cp, err := h.log.Latest(ctx)
		if err != nil {
			respondError(c, h.logger, "load checkpoint", err)
			return
		}
		size = cp.Checkpoint.Length
	}

	entries, err := h.log.Entries(ctx, id, fromSeq, size)
	if err != nil {
		respondError(c, h.logger, "load records", err)
		return
	}
	if entries == nil {
		entries = []protocol.ProvedEntry{}
	}
	head, err := h.log.ProveHead(ctx, id, size)
	if err != nil {
		respondError(c, h.logger, "prove package head", err)
		return
	}
	c.JSON(http.StatusOK, protocol.RecordsResponse{TreeSize: size, Entries: entries, Head: head})
}

// Submit handles POST /packages/:namespace/:name/records: queues a signed
// record and returns a submission token.
func (h *PackageHandler) Submit(c *gin.Context) {
	id, ok := packageParam(c)
	if !ok {
		return
	}
	var rec protocol.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid record: " + err.Error()})
		return
	}
	if rec.Package != id {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "record package `" + rec.Package.String() + "` does not match the request path"})
		return
	}

	sub, err := h.svc.Submit(c.Request.Context(), rec)
	if err != nil {
		RecordSubmission(statusFor(err))
		respondError(c, h.logger, "submit record", err)
		return
	}
	RecordSubmission(http.StatusAccepted)
	c.JSON(http.StatusAccepted, sub)
}

// Submission handles GET /submissions/:token.
func (h *PackageHandler) Submission(c *gin.Context) {
	sub, err := h.svc.Submission(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, h.logger, "load submission", err)
		return
	}
	c.JSON(http.StatusOK, sub)
}
