package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chunkflow/internal/common"
	"github.com/suPer8Hu/chunkflow/internal/httpapi/handlers"
	"github.com/suPer8Hu/chunkflow/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, jwtSecret string) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID(), middleware.AccessLog())

	r.GET("/ping", h.Ping)

	// voice platform webhook (OpenAI-compatible)
	r.POST("/v1/chat/completions", h.ChatCompletions)
	r.POST("/chat/completions", h.ChatCompletions)

	// front end (JWT required)
	api := r.Group("/api")
	api.Use(middleware.AuthRequired(jwtSecret))
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/:session_id", h.GetSession)
	api.GET("/sessions/:session_id/responses", h.ListSessionResponses)
	api.GET("/reports/:report_id", h.GetReport)
	api.GET("/reports/:report_id/html", h.GetReportHTML)
	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)
	return r
}
