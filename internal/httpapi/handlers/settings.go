package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chunkflow/internal/common"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
)

// GetSettings returns the defaults new sessions are created with.
func (h *Handler) GetSettings(c *gin.Context) {
	d, err := h.Settings.GetDefaults(c.Request.Context())
	if err != nil {
		// d is the configured fallback
		slog.Warn("admin settings unavailable", "error", err)
	}
	common.OK(c, d)
}

type updateSettingsReq struct {
	PersonalizationEnabled *bool `json:"personalization_enabled" binding:"required"`
	ConversationAware      *bool `json:"conversation_aware" binding:"required"`
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var req updateSettingsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	d := delivery.Defaults{
		PersonalizationEnabled: *req.PersonalizationEnabled,
		ConversationAware:      *req.ConversationAware,
	}
	if err := h.Settings.SaveDefaults(c.Request.Context(), d); err != nil {
		slog.Error("save admin settings failed", "error", err)
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to save settings")
		return
	}
	common.OK(c, d)
}
