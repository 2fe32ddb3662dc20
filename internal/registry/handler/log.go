package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// logReader is the read side of the verifiable log.
// *translog.Log satisfies this interface.
type logReader interface {
	VerifierKey() string
	Latest(ctx context.Context) (*protocol.SignedCheckpoint, error)
	ProveConsistency(ctx context.Context, from, to int64) (protocol.ConsistencyProof, error)
	Entries(ctx context.Context, pkg protocol.PackageID, fromSeq uint64, size int64) ([]protocol.ProvedEntry, error)
	ProveHead(ctx context.Context, pkg protocol.PackageID, size int64) (*protocol.HeadProof, error)
}

// LogHandler exposes the registry key, checkpoints and consistency proofs.
type LogHandler struct {
	log    logReader
	logger *zap.Logger
}

// NewLogHandler creates a new LogHandler.
func NewLogHandler(log logReader, logger *zap.Logger) *LogHandler {
	return &LogHandler{log: log, logger: logger}
}

// Register mounts the log routes on the given router group.
func (h *LogHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/key", h.Key)
	rg.GET("/checkpoint", h.Checkpoint)
	rg.GET("/proofs/consistency", h.Consistency)
}

// Key handles GET /key: returns the note verifier key checkpoints are
// signed with.
func (h *LogHandler) Key(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.KeyResponse{VerifierKey: h.log.VerifierKey()})
}

// Checkpoint handles GET /checkpoint: returns the latest signed checkpoint.
func (h *LogHandler) Checkpoint(c *gin.Context) {
	cp, err := h.log.Latest(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "load checkpoint", err)
		return
	}
	c.JSON(http.StatusOK, protocol.CheckpointResponse{Note: cp.Note, Length: cp.Checkpoint.Length})
}

// Consistency handles GET /proofs/consistency?from=&to=.
func (h *LogHandler) Consistency(c *gin.Context) {
	from, err1 := strconv.ParseInt(c.Query("from"), 10, 64)
	to, err2 := strconv.ParseInt(c.Query("to"), 10, 64)
	if err1 != nil || err2 != nil || from < 0 || to < 0 {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "from and to must be non-negative integers"})
		return
	}
	proof, err := h.log.ProveConsistency(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, h.logger, "prove consistency", err)
		return
	}
	c.JSON(http.StatusOK, proof)
}
