package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chunkflow/internal/common"
	"github.com/suPer8Hu/chunkflow/internal/report"
)

// loadOwnedReport applies the owning session's access check.
func (h *Handler) loadOwnedReport(c *gin.Context) *report.Report {
	r, err := h.Reports.Get(c.Request.Context(), c.Param("report_id"))
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "report not found")
			return nil
		}
		slog.Error("load report failed", "report_id", c.Param("report_id"), "error", err)
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to load report")
		return nil
	}
	if h.loadOwnedSession(c, r.SessionID) == nil {
		return nil
	}
	return r
}

func (h *Handler) GetReport(c *gin.Context) {
	r := h.loadOwnedReport(c)
	if r == nil {
		return
	}
	common.OK(c, r)
}

func (h *Handler) GetReportHTML(c *gin.Context) {
	r := h.loadOwnedReport(c)
	if r == nil {
		return
	}
	switch r.Status {
	case report.StatusReady:
		c.Header("Cache-Control", "private, max-age=300")
		c.File(r.Path)
	case report.StatusPending:
		common.Fail(c, http.StatusAccepted, 20201, "report is still being generated")
	default:
		common.Fail(c, http.StatusNotFound, 40403, "report generation failed")
	}
}
