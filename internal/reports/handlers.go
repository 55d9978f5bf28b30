package reports

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/approval-auditor/internal/pagination"
	"github.com/mbd888/approval-auditor/internal/validation"
)

// Handler provides HTTP endpoints for audit history.
type Handler struct {
	store Store
}

// NewHandler creates a new report handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up read-only report routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audits/:address", validation.AddressParamMiddleware(), h.ListByWallet)
	r.GET("/reports/:id", h.GetReport)
}

// ListByWallet handles GET /v1/audits/:address
func (h *Handler) ListByWallet(c *gin.Context) {
	address := c.Param("address")
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// One extra row tells us whether another page exists.
	list, err := h.store.ListByWallet(c.Request.Context(), address, limit+1, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load audit history",
		})
		return
	}

	page, next := pagination.ComputePage(list, limit, func(r *Report) (time.Time, string) {
		return r.CompletedAt, r.ID
	})
	resp := gin.H{
		"reports": page,
		"count":   len(page),
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetReport handles GET /v1/reports/:id
func (h *Handler) GetReport(c *gin.Context) {
	r, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Report not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load report",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}
