package handler

import (
	"net/http"

	"github.com/banditlabs/bandgate/internal/service"
	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	orchestrator *service.Orchestrator
}

func NewAdminHandler(orchestrator *service.Orchestrator) *AdminHandler {
	return &AdminHandler{orchestrator: orchestrator}
}

// Freeze handles POST /v1/admin/freeze. New allocations stop; the audit read
// surface stays up.
func (h *AdminHandler) Freeze(c *gin.Context) {
	h.orchestrator.Freeze()
	c.JSON(http.StatusOK, gin.H{"frozen": true})
}

// Unfreeze handles DELETE /v1/admin/freeze
func (h *AdminHandler) Unfreeze(c *gin.Context) {
	h.orchestrator.Unfreeze()
	c.JSON(http.StatusOK, gin.H{"frozen": false})
}

type resetRequest struct {
	SegmentKey string `json:"segment_key,omitempty"`
}

// Reset handles POST /v1/admin/experiments/:id/reset, the one sanctioned
// non-monotonic state transition.
func (h *AdminHandler) Reset(c *gin.Context) {
	var req resetRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.orchestrator.ResetState(c.Request.Context(), c.Param("id"), req.SegmentKey); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
