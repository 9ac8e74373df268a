package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/metrics"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
)

// abortError maps an internal error to the boundary's error kinds: lock
// conflicts to 409, missing entities to 404, everything else to 500.
// Validation and guardrail rejections are produced directly by handlers as
// 400s and never reach here.
func abortError(c *gin.Context, err error) {
	var conflict *storage.LockConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"detail": conflict.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	}
}

// abortValidation rejects malformed input or failed confirmations.
func abortValidation(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": detail})
}

// rejectGuardrail rejects an operation a safety guardrail vetoed and
// records the rejection.
func rejectGuardrail(c *gin.Context, guardrail, reason string) {
	metrics.GuardrailRejections.WithLabelValues(guardrail).Inc()
	c.JSON(http.StatusBadRequest, gin.H{"detail": reason})
}
