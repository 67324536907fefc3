package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/useghost/settle/api/apierr"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/fallback"
	"gitlab.com/useghost/settle/runs"
)

// registerRunRoutes registers the endpoints a scheduler calls. Every call is
// one finite pass, answered when the pass is done
func (r *RestServer) registerRunRoutes(group *gin.RouterGroup) {
	group.POST("/runs/reconcile", r.runReconcile())
	group.POST("/runs/fallback", r.runFallback())
}

func (r *RestServer) runReconcile() gin.HandlerFunc {
	type request struct {
		// Limit of zero means every pending deposit
		Limit int `form:"limit" binding:"gte=0"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindQuery(&req) != nil {
			return
		}

		res, err := r.runner.Reconcile(c.Request.Context(), req.Limit)
		if handleRunError(c, err) {
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (r *RestServer) runFallback() gin.HandlerFunc {
	type request struct {
		Max int `form:"max" binding:"required,gt=0,lte=1000"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindQuery(&req) != nil {
			return
		}

		res, err := r.runner.ProcessFallbackQueue(c.Request.Context(), req.Max)
		if handleRunError(c, err) {
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// handleRunError terminates the request if err means there is no result to
// show, and reports whether it did
func handleRunError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, runs.ErrSkipped):
		apierr.Public(c, http.StatusConflict, apierr.ErrRunInProgress)
	case errors.Is(err, db.ErrStoreConnection):
		log.WithError(err).Error("Run could not read the deposit store")
		apierr.Public(c, http.StatusServiceUnavailable, apierr.ErrStoreUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apierr.Public(c, http.StatusServiceUnavailable, apierr.ErrRunInterrupted)
	case errors.Is(err, fallback.ErrInvalidBatchSize):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrRequestValidationFailed)
	default:
		_ = c.Error(err)
	}
	return true
}
