package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banditlabs/bandgate/internal/pkg/apperrors"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/gin-gonic/gin"
)

// AuditHandler serves the reporting surface of the decision ledger. Partial
// failure contract: reads return every verifiably intact record plus the
// invalid sequence list; a corrupted record never fails the query.
type AuditHandler struct {
	orchestrator *service.Orchestrator
	ledger       *service.LedgerService
}

func NewAuditHandler(orchestrator *service.Orchestrator, ledger *service.LedgerService) *AuditHandler {
	return &AuditHandler{orchestrator: orchestrator, ledger: ledger}
}

// Trail handles GET /v1/experiments/:id/trail
func (h *AuditHandler) Trail(c *gin.Context) {
	experimentID := c.Param("id")
	limit := parseIntQuery(c, "limit", 100)
	offset := parseIntQuery(c, "offset", 0)

	records, err := h.orchestrator.Trail(c.Request.Context(), experimentID, limit, offset)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"experiment_id": experimentID,
		"records":       records,
		"limit":         limit,
		"offset":        offset,
	})
}

// Integrity handles GET /v1/experiments/:id/integrity
func (h *AuditHandler) Integrity(c *gin.Context) {
	report, err := h.orchestrator.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Stats handles GET /v1/experiments/:id/stats
func (h *AuditHandler) Stats(c *gin.Context) {
	stats, err := h.orchestrator.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Export handles GET /v1/experiments/:id/export
func (h *AuditHandler) Export(c *gin.Context) {
	experimentID := c.Param("id")
	filename := fmt.Sprintf("trail-%s-%s.csv", experimentID, time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := h.ledger.ExportCSV(c.Request.Context(), experimentID, c.Writer); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
}

// Proof handles GET /v1/experiments/:id/proof
func (h *AuditHandler) Proof(c *gin.Context) {
	proof, err := h.orchestrator.Proof(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

func parseIntQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		return parsed
	}
	return fallback
}
