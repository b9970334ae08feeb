package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chunkflow/internal/ai"
	"github.com/suPer8Hu/chunkflow/internal/common"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
	"github.com/suPer8Hu/chunkflow/internal/httpapi/middleware"
)

type chatCompletionRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Stream         bool           `json:"stream"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text accepts the plain string form and the array-of-parts form.
func (m chatMessage) text() string {
	raw := strings.TrimSpace(string(m.Content))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if (p.Type == "" || p.Type == "text") && strings.TrimSpace(p.Text) != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, " ")
	}
	return ""
}

type completionChoice struct {
	Index        int            `json:"index"`
	Message      *completionMsg `json:"message,omitempty"`
	Delta        *completionMsg `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type completionMsg struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *completionUsage   `json:"usage,omitempty"`
}

const maxTurnKeyLen = 128

// ChatCompletions is the OpenAI-compatible webhook the voice platform calls
// once per user turn.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"message": "invalid json",
			"type":    "invalid_request_error",
		}})
		return
	}

	turnKey := firstNonEmpty(c.GetHeader("Idempotency-Key"), c.GetHeader("X-Turn-Id"))
	if len(turnKey) > maxTurnKeyLen {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"message": "idempotency key too long",
			"type":    "invalid_request_error",
		}})
		return
	}

	turn := delivery.Turn{
		ExplicitID: explicitConversationID(c, &req),
		TurnKey:    turnKey,
	}
	promptChars := 0
	for _, m := range req.Messages {
		txt := m.text()
		promptChars += utf8.RuneCountInString(txt)
		turn.Messages = append(turn.Messages, ai.Message{Role: strings.ToLower(m.Role), Content: txt})
	}
	for i := len(turn.Messages) - 1; i >= 0; i-- {
		if turn.Messages[i].Role == ai.RoleUser {
			turn.UserText = strings.TrimSpace(turn.Messages[i].Content)
			break
		}
	}

	start := time.Now()
	out, err := h.Orch.HandleTurn(c.Request.Context(), turn)
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
		slog.Error("webhook turn failed",
			"request_id", c.GetString(middleware.RequestIDKey),
			"session_id", out.SessionID,
			"persistence", errors.Is(err, delivery.ErrPersistence),
			"error", err,
		)
	}
	slog.Debug("webhook turn",
		"request_id", c.GetString(middleware.RequestIDKey),
		"session_id", out.SessionID,
		"mode", out.Mode,
		"chunk_index", out.ChunkIndex,
		"completed", out.Completed,
		"duplicate", out.Duplicate,
		"stream", req.Stream,
		"cost", time.Since(start),
	)

	if out.SessionID != "" {
		c.Header("X-Session-Id", out.SessionID)
	}
	c.Header("X-Delivery-Mode", string(out.Mode))

	id := "chatcmpl-" + completionID()
	model := firstNonEmpty(req.Model, h.ModelName)
	if req.Stream {
		h.streamCompletion(c, status, id, model, out.Text)
		return
	}

	stop := "stop"
	prompt, completion := estimateTokens(promptChars), estimateTokens(utf8.RuneCountInString(out.Text))
	c.JSON(status, completionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      &completionMsg{Role: ai.RoleAssistant, Content: out.Text},
			FinishReason: &stop,
		}},
		Usage: &completionUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	})
}

// streamCompletion sends the whole reply as one content delta. The reply is
// fully composed before the first byte so a failed turn never streams a
// partial chunk.
func (h *Handler) streamCompletion(c *gin.Context, status int, id, model, text string) {
	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(status)

	created := time.Now().Unix()
	frame := func(delta completionMsg, finish *string) {
		b, err := json.Marshal(completionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []completionChoice{{Index: 0, Delta: &delta, FinishReason: finish}},
		})
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", b)
		c.Writer.Flush()
	}

	stop := "stop"
	frame(completionMsg{Role: ai.RoleAssistant}, nil)
	frame(completionMsg{Content: text}, nil)
	frame(completionMsg{}, &stop)
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

func explicitConversationID(c *gin.Context, req *chatCompletionRequest) string {
	if v := firstNonEmpty(c.GetHeader("X-Conversation-Id"), c.GetHeader("X-Session-Id")); v != "" {
		return v
	}
	if v := strings.TrimSpace(req.ConversationID); v != "" {
		return v
	}
	if v, ok := req.Metadata["conversation_id"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// estimateTokens is the usual four-characters-per-token approximation.
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

func completionID() string {
	id, err := common.NewULID()
	if err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return strings.ToLower(id)
}
