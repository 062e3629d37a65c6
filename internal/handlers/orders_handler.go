package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tillu-pos/terminal-sync/internal/conflict"
	"github.com/tillu-pos/terminal-sync/internal/engine"
	"github.com/tillu-pos/terminal-sync/internal/store"
	"github.com/tillu-pos/terminal-sync/internal/validation"
)

// RegisterRoutes registers the terminal's local API on r. The terminal UI is
// the only expected caller; everything network-facing goes through the sync
// engine.
func RegisterRoutes(r *gin.Engine, svc *engine.Service, st *store.Store) {
	v := validation.New()

	r.POST("/offline/orders", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.OrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		items, err := json.Marshal(req.Items)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_items"})
			return
		}
		var customerInfo []byte
		if req.CustomerInfo != nil {
			customerInfo, err = json.Marshal(req.CustomerInfo)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_customer_info"})
				return
			}
		}

		id, err := svc.SaveOfflineOrder(ctx, engine.NewOrder{
			Items:        items,
			Total:        req.Total,
			CustomerInfo: customerInfo,
		})
		if err != nil {
			// a storage failure means the order was NOT queued; the caller
			// must know so it can retry
			c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_failed", "detail": err.Error()})
			return
		}

		c.Header("Location", fmt.Sprintf("/offline/orders/%s", id))
		c.JSON(http.StatusCreated, gin.H{"id": id, "status": string(store.StatusPending)})
	})

	r.GET("/offline/orders", func(c *gin.Context) {
		recs, err := svc.OfflineOrders(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": recs})
	})

	r.GET("/offline/orders/pending", func(c *gin.Context) {
		recs, err := svc.PendingOrders(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": recs})
	})

	r.POST("/sync", func(c *gin.Context) {
		res, err := svc.SyncWithServer(c.Request.Context())
		if errors.Is(err, engine.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.GET("/conflicts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"conflicts": svc.Conflicts()})
	})

	r.POST("/conflicts/:id/resolve", func(c *gin.Context) {
		var req validation.ResolveRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		err := svc.ResolveConflictByID(c.Request.Context(), c.Param("id"), conflict.Resolution(req.Resolution))
		switch {
		case errors.Is(err, engine.ErrUnknownConflict):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_conflict"})
		case errors.Is(err, conflict.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "resolution": req.Resolution})
		}
	})

	r.GET("/status", func(c *gin.Context) {
		pending, err := svc.PendingOrders(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"online":  svc.IsOnline(),
			"pending": len(pending),
		})
	})

	r.PUT("/menu", func(c *gin.Context) {
		var req validation.MenuRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		items := make([]store.MenuItem, 0, len(req.Items))
		for _, e := range req.Items {
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_menu_payload", "id": e.ID})
				return
			}
			items = append(items, store.MenuItem{ID: e.ID, Category: e.Category, Payload: payload})
		}
		if err := st.CacheMenuItems(c.Request.Context(), items); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cache_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cached": len(items)})
	})

	r.GET("/menu", func(c *gin.Context) {
		items, err := st.MenuItems(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	})
}
