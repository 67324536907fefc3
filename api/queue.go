package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/useghost/settle/models/deposits"
)

// QueueItem is a deposit in the fallback queue as the API shows it
type QueueItem struct {
	ID            int64           `json:"id"`
	Ref           string          `json:"ref"`
	Status        deposits.Status `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"lastError"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt"`
	// Amount is the net amount in BRL, with two decimals
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

func toQueueItem(d deposits.Deposit) QueueItem {
	return QueueItem{
		ID:            d.ID,
		Ref:           d.Ref(),
		Status:        d.Status,
		Attempts:      d.RetryAttempts,
		LastError:     d.LastError,
		LastAttemptAt: d.LastAttemptAt,
		Amount:        d.Net().StringFixed(2),
		CreatedAt:     d.CreatedAt,
	}
}

func (r *RestServer) registerQueueRoutes(group *gin.RouterGroup) {
	group.GET("/fallback/queue", r.getFallbackQueue())
}

func (r *RestServer) getFallbackQueue() gin.HandlerFunc {
	type request struct {
		Limit int `form:"limit" binding:"gte=0,lte=1000"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindQuery(&req) != nil {
			return
		}

		queue, err := r.store.ListFallbackQueue(c.Request.Context(), req.Limit)
		if err != nil {
			_ = c.Error(err)
			return
		}

		items := make([]QueueItem, 0, len(queue))
		for _, d := range queue {
			items = append(items, toQueueItem(d))
		}
		c.JSON(http.StatusOK, gin.H{
			"total": len(items),
			"items": items,
		})
	}
}
