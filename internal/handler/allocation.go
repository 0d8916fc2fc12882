package handler

import (
	"net/http"

	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/pkg/apperrors"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/gin-gonic/gin"
)

type AllocationHandler struct {
	orchestrator *service.Orchestrator
}

func NewAllocationHandler(orchestrator *service.Orchestrator) *AllocationHandler {
	return &AllocationHandler{orchestrator: orchestrator}
}

// Allocate handles POST /v1/experiments/:id/allocations
func (h *AllocationHandler) Allocate(c *gin.Context) {
	experimentID := c.Param("id")

	var req model.AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	assignment, sticky, err := h.orchestrator.Allocate(c.Request.Context(), experimentID, req.ElementID, req.VisitorID, req.SegmentKey, req.Reassign)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusCreated
	if sticky {
		status = http.StatusOK
	}
	c.JSON(status, model.AllocateResponse{
		AssignmentID: assignment.ID,
		ExperimentID: assignment.ExperimentID,
		ElementID:    assignment.ElementID,
		VariantID:    assignment.VariantID,
		SegmentKey:   assignment.SegmentKey,
		Sticky:       sticky,
		AssignedAt:   assignment.CreatedAt,
	})
}

// Convert handles POST /v1/conversions
func (h *AllocationHandler) Convert(c *gin.Context) {
	var req model.ConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	recorded, err := h.orchestrator.RecordConversion(c.Request.Context(), req.AssignmentID, req.Value, req.At)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, model.ConversionResponse{
		Recorded:     recorded,
		AssignmentID: req.AssignmentID,
	})
}
