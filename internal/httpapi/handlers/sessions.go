package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chunkflow/internal/common"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
	"github.com/suPer8Hu/chunkflow/internal/report"
)

type createSessionReq struct {
	SessionID              string `json:"session_id"`
	PersonalizationEnabled *bool  `json:"personalization_enabled"`
	ConversationAware      *bool  `json:"conversation_aware"`
}

type sessionView struct {
	SessionID              string    `json:"session_id"`
	ExternalID             string    `json:"external_id"`
	ChunkCount             int       `json:"chunk_count"`
	CurrentChunkIndex      int       `json:"current_chunk_index"`
	Completed              bool      `json:"completed"`
	PersonalizationEnabled *bool     `json:"personalization_enabled"`
	ConversationAware      *bool     `json:"conversation_aware"`
	ReportID               string    `json:"report_id,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func toSessionView(s *delivery.Session) sessionView {
	return sessionView{
		SessionID:              s.ID,
		ExternalID:             s.ExternalID,
		ChunkCount:             s.ChunkCount,
		CurrentChunkIndex:      s.CurrentChunkIndex,
		Completed:              s.Completed,
		PersonalizationEnabled: s.PersonalizationEnabled,
		ConversationAware:      s.ConversationAware,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

// CreateSession is called by the front end right before it starts a voice
// call. The new id is also published to the registry.
func (h *Handler) CreateSession(c *gin.Context) {
	ext, okk := externalIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	if len(req.SessionID) > 64 {
		common.Fail(c, http.StatusBadRequest, 10002, "session_id too long")
		return
	}
	if req.SessionID != "" {
		if _, err := h.Sessions.Get(c.Request.Context(), req.SessionID); err == nil {
			common.Fail(c, http.StatusConflict, 40901, "session already exists")
			return
		}
	}

	sess, err := h.Sessions.Start(c.Request.Context(), delivery.CreateSessionInput{
		ID:                     req.SessionID,
		ExternalID:             ext,
		PersonalizationEnabled: req.PersonalizationEnabled,
		ConversationAware:      req.ConversationAware,
	})
	if err != nil {
		slog.Error("create session failed", "external_id", ext, "error", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}
	common.OK(c, toSessionView(sess))
}

// loadOwnedSession writes the failure response itself and returns nil when the
// caller may not see the session.
func (h *Handler) loadOwnedSession(c *gin.Context, id string) *delivery.Session {
	ext, okk := externalIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil
	}
	sess, err := h.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, delivery.ErrSessionNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return nil
		}
		slog.Error("load session failed", "session_id", id, "error", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load session")
		return nil
	}
	if sess.ExternalID != "" && sess.ExternalID != ext {
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
		return nil
	}
	return sess
}

func (h *Handler) GetSession(c *gin.Context) {
	sess := h.loadOwnedSession(c, c.Param("session_id"))
	if sess == nil {
		return
	}
	view := toSessionView(sess)
	if h.Reports != nil {
		if r, err := h.Reports.LatestForSession(c.Request.Context(), sess.ID); err == nil {
			view.ReportID = r.ID
		} else if !errors.Is(err, report.ErrNotFound) {
			slog.Warn("latest report lookup failed", "session_id", sess.ID, "error", err)
		}
	}
	common.OK(c, view)
}

func (h *Handler) ListSessionResponses(c *gin.Context) {
	sess := h.loadOwnedSession(c, c.Param("session_id"))
	if sess == nil {
		return
	}
	records, err := h.Journal.All(c.Request.Context(), sess.ID)
	if err != nil {
		slog.Error("list responses failed", "session_id", sess.ID, "error", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list responses")
		return
	}
	if records == nil {
		records = []delivery.ResponseRecord{}
	}
	common.OK(c, gin.H{
		"session_id": sess.ID,
		"responses":  records,
	})
}
