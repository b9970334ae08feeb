package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/suPer8Hu/chunkflow/internal/common"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
)

// Generator renders reports in-process and writes them under dir as
// <report_id>.html.
type Generator struct {
	store  *Store
	chunks ChunkSource
	dir    string
	now    func() time.Time
	log    *slog.Logger
}

func NewGenerator(store *Store, chunks ChunkSource, dir string) *Generator {
	return &Generator{
		store:  store,
		chunks: chunks,
		dir:    dir,
		now:    time.Now,
		log:    slog.Default().With("component", "report"),
	}
}

// Generate implements delivery.ReportGenerator.
func (g *Generator) Generate(ctx context.Context, sessionID string, journal []delivery.ResponseRecord) (*delivery.ReportResult, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	if err := g.store.Create(ctx, &Report{ID: id, SessionID: sessionID, Status: StatusPending}); err != nil {
		return nil, fmt.Errorf("create report row: %w", err)
	}
	return g.Render(ctx, id, sessionID, journal)
}

// Render produces the file for an existing report row and marks it ready or
// failed. The worker calls it for queued reports.
func (g *Generator) Render(ctx context.Context, reportID, sessionID string, journal []delivery.ResponseRecord) (*delivery.ReportResult, error) {
	start := time.Now()
	path, err := g.write(ctx, reportID, sessionID, journal)
	if err != nil {
		if merr := g.store.MarkFailed(ctx, reportID, err.Error()); merr != nil {
			g.log.Error("mark report failed", "report_id", reportID, "error", merr)
		}
		return nil, err
	}
	if err := g.store.MarkReady(ctx, reportID, path, len(journal)); err != nil {
		return nil, fmt.Errorf("mark report ready: %w", err)
	}
	g.log.Info("report rendered", "report_id", reportID, "session_id", sessionID, "records", len(journal), "cost", time.Since(start))
	return &delivery.ReportResult{ReportID: reportID, ReportPath: path}, nil
}

func (g *Generator) write(ctx context.Context, reportID, sessionID string, journal []delivery.ResponseRecord) (string, error) {
	page, err := RenderHTML("Session report", BuildMarkdown(ctx, sessionID, journal, g.chunks, g.now()))
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(g.dir, reportID+".html")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, page, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}
