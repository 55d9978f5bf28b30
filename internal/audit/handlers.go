package audit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/approval-auditor/internal/logging"
)

// Handler exposes the auditor over HTTP.
type Handler struct {
	auditor *Auditor
}

// NewHandler creates a new audit handler
func NewHandler(auditor *Auditor) *Handler {
	return &Handler{auditor: auditor}
}

// RegisterRoutes sets up the public audit routes. guard, if non-nil, runs
// before the audit itself (the payment wall).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, guard gin.HandlerFunc) {
	r.GET("/chains", h.ListChains)
	if guard != nil {
		r.POST("/approvals/audit", guard, h.Audit)
		return
	}
	r.POST("/approvals/audit", h.Audit)
}

// Audit handles POST /approvals/audit
func (h *Handler) Audit(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with wallet and chains",
		})
		return
	}

	logger.Info("audit requested", "wallet", req.Wallet, "chains", req.Chains, "risky_only", req.RiskyOnly)

	res, err := h.auditor.Audit(ctx, req)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"field":   reqErr.Field,
				"message": reqErr.Message,
			})
			return
		}
		logger.Error("audit failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Audit failed",
		})
		return
	}

	c.JSON(http.StatusOK, res)
}

// ChainInfo is the public view of a supported chain.
type ChainInfo struct {
	ChainID int64  `json:"chain_id"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// ListChains handles GET /chains
func (h *Handler) ListChains(c *gin.Context) {
	all := h.auditor.Registry().All()
	out := make([]ChainInfo, 0, len(all))
	for _, d := range all {
		out = append(out, ChainInfo{ChainID: d.ID, Name: d.Name, Symbol: d.NativeSymbol})
	}
	c.JSON(http.StatusOK, gin.H{
		"chains": out,
		"total":  len(out),
	})
}
