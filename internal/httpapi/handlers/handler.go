package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
	"github.com/suPer8Hu/chunkflow/internal/httpapi/middleware"
	"github.com/suPer8Hu/chunkflow/internal/report"
)

type Handler struct {
	Orch      *delivery.Orchestrator
	Sessions  *delivery.Sessions
	Journal   *delivery.Journal
	Settings  *delivery.SettingsStore
	Reports   *report.Store
	ModelName string
}

type Deps struct {
	Orchestrator *delivery.Orchestrator
	Sessions     *delivery.Sessions
	Journal      *delivery.Journal
	Settings     *delivery.SettingsStore
	Reports      *report.Store
	ModelName    string
}

func NewHandler(d Deps) *Handler {
	model := d.ModelName
	if model == "" {
		model = "chunkflow"
	}
	return &Handler{
		Orch:      d.Orchestrator,
		Sessions:  d.Sessions,
		Journal:   d.Journal,
		Settings:  d.Settings,
		Reports:   d.Reports,
		ModelName: model,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

func externalIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.ExternalIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
