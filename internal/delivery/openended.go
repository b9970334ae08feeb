package delivery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/chunkflow/internal/ai"
)

const (
	openEndedGreeting = "Hi there, I'm here and listening. What would you like to talk about?"
	apologyMessage    = "I'm sorry, something went wrong on my side. Could you say that again?"
)

// OpenEnded answers turns that have no chunk state, using the recent
// conversation as context.
type OpenEnded struct {
	llm          ai.Provider
	systemPrompt string
	window       int
	log          *slog.Logger
}

func NewOpenEnded(llm ai.Provider, systemPrompt string, window int) *OpenEnded {
	if window <= 0 || window > 100 {
		window = 20
	}
	return &OpenEnded{
		llm:          llm,
		systemPrompt: systemPrompt,
		window:       window,
		log:          slog.Default().With("component", "open_ended"),
	}
}

// Reply never fails; LLM errors become an apology.
func (o *OpenEnded) Reply(ctx context.Context, messages []ai.Message) string {
	history := make([]ai.Message, 0, len(messages))
	for _, m := range messages {
		if (m.Role == ai.RoleUser || m.Role == ai.RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			history = append(history, m)
		}
	}
	if len(history) > o.window {
		history = history[len(history)-o.window:]
	}
	if len(history) == 0 || o.llm == nil {
		return openEndedGreeting
	}

	start := time.Now()
	out, err := ai.SendMessage(ctx, o.llm, history, o.systemPrompt)
	if err != nil {
		o.log.Warn("open-ended reply failed", "cost", time.Since(start), "error", err)
		return apologyMessage
	}
	return strings.TrimSpace(out)
}
