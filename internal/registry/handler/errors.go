package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/translog"
	"github.com/dicej/cargo-component/pkg/protocol"
)

// statusFor maps a typed error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrValidation), errors.Is(err, translog.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrNotFound), errors.Is(err, translog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body. Internal errors are logged
// and replaced by a generic message.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(op, zap.Error(err))
		c.JSON(status, protocol.ErrorResponse{Error: op + " failed"})
		return
	}
	c.JSON(status, protocol.ErrorResponse{Error: err.Error()})
}
