package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	completionWithReport = "Congratulations, you've completed every part of this session! " +
		"Your session report is ready and available for you to review."
	completionWithoutReport = "Congratulations, you've completed every part of this session! " +
		"Thank you for your time and thoughtful answers today."

	// reportBudget bounds the generation itself, independent of how long the
	// turn is willing to wait for it.
	reportBudget = 2 * time.Minute
)

type ReportResult struct {
	ReportID   string `json:"report_id"`
	ReportPath string `json:"report_path"`
}

// ReportGenerator is the report collaborator. Implementations may render
// in-process or hand off to a queue.
type ReportGenerator interface {
	Generate(ctx context.Context, sessionID string, journal []ResponseRecord) (*ReportResult, error)
}

// CompletionHandler closes out a session. Report generation is observed for a
// bounded time and never blocks or fails the completion.
type CompletionHandler struct {
	journal *Journal
	reports ReportGenerator
	wait    time.Duration
	log     *slog.Logger
}

func NewCompletionHandler(journal *Journal, reports ReportGenerator, wait time.Duration) *CompletionHandler {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &CompletionHandler{
		journal: journal,
		reports: reports,
		wait:    wait,
		log:     slog.Default().With("component", "completion"),
	}
}

type reportOutcome struct {
	res *ReportResult
	err error
}

// Complete returns the final message and, when a report was produced in time,
// its id.
func (h *CompletionHandler) Complete(ctx context.Context, sess *Session) (string, string) {
	if h.reports == nil {
		return completionWithoutReport, ""
	}

	records, err := h.journal.All(ctx, sess.ID)
	if err != nil {
		h.log.Error("load journal for report failed", "session_id", sess.ID, "error", err)
		return completionWithoutReport, ""
	}

	// generation outlives the webhook request; it is observed, not owned
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportBudget)
	done := make(chan reportOutcome, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- reportOutcome{err: errors.New("report generator panicked")}
			}
		}()
		res, err := h.reports.Generate(genCtx, sess.ID, records)
		done <- reportOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(h.wait)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil || out.res == nil {
			h.log.Error("report generation failed", "session_id", sess.ID, "error", out.err)
			return completionWithoutReport, ""
		}
		h.log.Info("report generated", "session_id", sess.ID, "report_id", out.res.ReportID, "records", len(records))
		return completionWithReport, out.res.ReportID
	case <-timer.C:
		h.log.Warn("report generation still running, completing without it", "session_id", sess.ID, "wait", h.wait)
		go h.observeLate(sess.ID, done)
		return completionWithoutReport, ""
	}
}

func (h *CompletionHandler) observeLate(sessionID string, done <-chan reportOutcome) {
	out := <-done
	if out.err != nil || out.res == nil {
		h.log.Error("late report generation failed", "session_id", sessionID, "error", out.err)
		return
	}
	h.log.Info("late report generated", "session_id", sessionID, "report_id", out.res.ReportID)
}
