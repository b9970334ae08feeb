package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/suPer8Hu/chunkflow/internal/ai"
)

const (
	leadInPreviewRunes = 200
	leadInMaxSentences = 2
)

const leadInSystemPrompt = `You write the spoken bridge between two parts of a guided voice lesson.
Reply with one or two short sentences only. Acknowledge what the listener just said.
Do not repeat or summarize the upcoming material. Do not ask a question.
Do not add labels, quotes or commentary such as "Here's a transition:".`

// LeadInGenerator asks the LLM for a short transition into the next chunk.
// It never fails: any problem yields "" and the turn proceeds without one.
type LeadInGenerator struct {
	llm     ai.Provider
	timeout time.Duration
	log     *slog.Logger
}

func NewLeadInGenerator(llm ai.Provider, timeout time.Duration) *LeadInGenerator {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &LeadInGenerator{
		llm:     llm,
		timeout: timeout,
		log:     slog.Default().With("component", "leadin"),
	}
}

func (g *LeadInGenerator) Generate(ctx context.Context, last *ResponseRecord, upcomingContent string) (out string) {
	if g == nil || g.llm == nil || last == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("lead-in generation panicked", "panic", r)
			out = ""
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	raw, err := ai.SendMessage(ctx, g.llm, []ai.Message{{
		Role:    ai.RoleUser,
		Content: buildLeadInPrompt(last, upcomingContent),
	}}, leadInSystemPrompt)
	if err != nil {
		g.log.Warn("lead-in generation failed", "session_id", last.SessionID, "cost", time.Since(start), "error", err)
		return ""
	}
	return sanitizeLeadIn(raw)
}

func buildLeadInPrompt(last *ResponseRecord, upcoming string) string {
	return fmt.Sprintf("The listener said: %q\nWe replied: %q\nThe next part begins: %q\nWrite the bridge.",
		strings.TrimSpace(last.UserReply),
		strings.TrimSpace(last.AssistantReply),
		preview(upcoming, leadInPreviewRunes),
	)
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var (
	leadInLabel = regexp.MustCompile(`(?i)^\s*(?:(?:okay|sure|certainly)[,!.]?\s+)?(?:here(?:'s| is)\s+)?(?:a|an|the|your|my)?\s*(?:smooth\s+|short\s+|brief\s+)?(?:transition|lead[- ]?in|bridge|segue|response)(?:\s+(?:sentence|text|line))?\s*[:\-–—]\s*`)
	speakerLabel = regexp.MustCompile(`(?i)^\s*(?:assistant|ai|narrator|guide)\s*:\s*`)
	sentenceEnd  = regexp.MustCompile(`[.!?]+["'”’)]*(?:\s+|$)`)
	spaces       = regexp.MustCompile(`\s+`)
)

// sanitizeLeadIn strips labels and wrapping quotes the model sometimes adds and
// keeps at most two sentences.
func sanitizeLeadIn(s string) string {
	s = strings.TrimSpace(s)
	for {
		next := speakerLabel.ReplaceAllString(leadInLabel.ReplaceAllString(s, ""), "")
		next = strings.TrimSpace(strings.Trim(next, "*_"))
		if next == s {
			break
		}
		s = next
	}
	s = strings.Trim(s, "\"'“”‘’ ")
	s = spaces.ReplaceAllString(s, " ")

	ends := sentenceEnd.FindAllStringIndex(s, -1)
	if len(ends) > leadInMaxSentences {
		s = strings.TrimSpace(s[:ends[leadInMaxSentences-1][1]])
	}
	return s
}
