package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/parkora/reservation-service/internal/aggregate"
	"github.com/parkora/reservation-service/internal/eventstore"
	"github.com/parkora/reservation-service/internal/model"
	"github.com/parkora/reservation-service/internal/repo"
	"github.com/parkora/reservation-service/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.ReservationService) {
	v1 := r.Group("/v1", TenantMiddleware())
	{
		v1.POST("/reservations", createHandler(svc))
		v1.GET("/reservations", listHandler(svc))
		v1.GET("/reservations/:id", getHandler(svc))
		v1.POST("/reservations/:id/confirm", confirmHandler(svc))
		v1.POST("/reservations/:id/cancel", cancelHandler(svc))
		v1.POST("/reservations/:id/complete", completeHandler(svc))
		v1.DELETE("/reservations/:id", deleteHandler(svc))
		v1.GET("/reservations/:id/events", eventsHandler(svc))
		v1.GET("/users/:id/reservations", userReservationsHandler(svc))
		v1.GET("/spots/:id/reservations", spotReservationsHandler(svc))
		v1.GET("/availability", availabilityHandler(svc))
		v1.GET("/stats", statsHandler(svc))
	}

	admin := r.Group("/v1/admin")
	{
		admin.POST("/rebuild", rebuildHandler(svc))
		admin.GET("/events", TenantMiddleware(), adminEventsHandler(svc))
	}
}

// respondError maps core errors onto HTTP statuses. Anything unrecognized is a
// 500 with a generic body; internals never leak to clients.
func respondError(c *gin.Context, err error) {
	var (
		unavailable *service.SpotUnavailableError
		transition  *service.TransitionError
	)
	switch {
	case errors.As(err, &unavailable):
		c.JSON(http.StatusConflict, gin.H{
			"error":           unavailable.Error(),
			"conflicting_ids": unavailable.ConflictIDs,
		})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{"error": transition.Error()})
	case errors.Is(err, eventstore.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, please retry"})
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, aggregate.ErrEmptyHistory):
		c.JSON(http.StatusNotFound, gin.H{"error": "reservation not found"})
	case errors.Is(err, service.ErrPaymentDeclined):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownSpot),
		errors.Is(err, aggregate.ErrInvalidDuration),
		errors.Is(err, aggregate.ErrNegativeCost),
		errors.Is(err, eventstore.ErrUnknownEventType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

type createReservationReq struct {
	UserID        string `json:"user_id" binding:"required"`
	ParkingSpotID string `json:"parking_spot_id" binding:"required"`
	StartTime     string `json:"start_time" binding:"required"`
	DurationHours int    `json:"duration_hours" binding:"required"`
	TotalCost     string `json:"total_cost" binding:"required"`
}

func createHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createReservationReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_time"})
			return
		}
		cost, err := decimal.NewFromString(req.TotalCost)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_cost"})
			return
		}
		res, err := svc.Create(c, tenantFrom(c), service.CreateInput{
			UserID:        userID,
			ParkingSpotID: req.ParkingSpotID,
			StartTime:     start,
			DurationHours: req.DurationHours,
			TotalCost:     cost,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

type confirmReq struct {
	TransactionID string `json:"transaction_id"`
}

func confirmHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var txnRef *uuid.UUID
		if c.Request.ContentLength > 0 {
			var req confirmReq
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if req.TransactionID != "" {
				txn, err := uuid.Parse(req.TransactionID)
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction_id"})
					return
				}
				txnRef = &txn
			}
		}
		res, err := svc.Confirm(c, tenantFrom(c), id, txnRef)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func cancelHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var reason *string
		if c.Request.ContentLength > 0 {
			var req cancelReq
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if req.Reason != "" {
				reason = &req.Reason
			}
		}
		res, err := svc.Cancel(c, tenantFrom(c), id, reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func completeHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		res, err := svc.Complete(c, tenantFrom(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func deleteHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		if err := svc.Delete(c, tenantFrom(c), id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func getHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		res, err := svc.GetByID(c, tenantFrom(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func listHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		if u := c.Query("user_id"); u != "" {
			if c.Query("status") != "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "status and user_id filters cannot be combined"})
				return
			}
			userID, err := uuid.Parse(u)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
				return
			}
			out, err := svc.ListByUser(c, tenantFrom(c), userID, true, limit, offset)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, out)
			return
		}

		var status *model.ReservationStatus
		if s := c.Query("status"); s != "" {
			st := model.ReservationStatus(s)
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
				return
			}
			status = &st
		}
		out, err := svc.List(c, tenantFrom(c), status, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func eventsHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		evts, err := svc.AuditEvents(c, tenantFrom(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if len(evts) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "reservation not found"})
			return
		}
		state, version, err := svc.AggregateState(c, tenantFrom(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"reservation_id": id,
			"version":        version,
			"state":          state,
			"events":         evts,
		})
	}
}

func userReservationsHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		includeCompleted := c.DefaultQuery("include_completed", "false") == "true"
		out, err := svc.ListByUser(c, tenantFrom(c), userID, includeCompleted, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func spotReservationsHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		spotID := c.Param("id")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		var from, to *time.Time
		if v := c.Query("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
				return
			}
			from = &t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
				return
			}
			to = &t
		}
		out, err := svc.ListBySpot(c, tenantFrom(c), spotID, from, to, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func availabilityHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		spotID := c.Query("spot_id")
		if spotID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "spot_id is required"})
			return
		}
		start, err := time.Parse(time.RFC3339, c.Query("start_time"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_time"})
			return
		}
		hours, err := strconv.Atoi(c.DefaultQuery("duration_hours", "1"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration_hours"})
			return
		}
		free, ids, err := svc.CheckAvailability(c, tenantFrom(c), spotID, start, hours)
		if err != nil {
			respondError(c, err)
			return
		}
		if ids == nil {
			ids = []uuid.UUID{}
		}
		c.JSON(http.StatusOK, gin.H{
			"spot_id":         spotID,
			"available":       free,
			"conflicting_ids": ids,
		})
	}
}

func statsHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.GetStats(c, tenantFrom(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

type rebuildReq struct {
	TenantID string `json:"tenant_id"`
}

func rebuildHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var scope *uuid.UUID
		if c.Request.ContentLength > 0 {
			var req rebuildReq
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if req.TenantID != "" {
				id, err := uuid.Parse(req.TenantID)
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant_id"})
					return
				}
				scope = &id
			}
		}
		n, err := svc.RebuildReadModel(c, scope)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events_replayed": n})
	}
}

func adminEventsHandler(svc *service.ReservationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := c.Query("kind")
		if kind == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind is required"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		evts, err := svc.EventsByKind(c, tenantFrom(c), model.EventType(kind), limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, evts)
	}
}
