package report

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/chunkflow/internal/common"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
)

// JobPublisher hands a report job to the worker queue.
type JobPublisher interface {
	PublishReportJob(ctx context.Context, reportID, sessionID string) error
}

// QueuedGenerator records a pending report and leaves rendering to the
// worker. The returned id is valid immediately; the HTML appears once the
// worker has run.
type QueuedGenerator struct {
	store     *Store
	publisher JobPublisher
}

func NewQueuedGenerator(store *Store, publisher JobPublisher) *QueuedGenerator {
	return &QueuedGenerator{store: store, publisher: publisher}
}

func (q *QueuedGenerator) Generate(ctx context.Context, sessionID string, journal []delivery.ResponseRecord) (*delivery.ReportResult, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	if err := q.store.Create(ctx, &Report{ID: id, SessionID: sessionID, Status: StatusPending, Records: len(journal)}); err != nil {
		return nil, fmt.Errorf("create report row: %w", err)
	}
	if err := q.publisher.PublishReportJob(ctx, id, sessionID); err != nil {
		_ = q.store.MarkFailed(ctx, id, "enqueue: "+err.Error())
		return nil, fmt.Errorf("enqueue report: %w", err)
	}
	return &delivery.ReportResult{ReportID: id}, nil
}
