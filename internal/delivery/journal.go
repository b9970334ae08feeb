package delivery

import (
	"context"
	"fmt"
	"strings"
)

// Journal is the append-only log of answered turns.
type Journal struct {
	repo *Repo
}

func NewJournal(repo *Repo) *Journal {
	return &Journal{repo: repo}
}

// Append validates only the keys; reply text is stored as received.
func (j *Journal) Append(ctx context.Context, rec *ResponseRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidRecord)
	}
	if strings.TrimSpace(rec.ChunkID) == "" {
		return fmt.Errorf("%w: empty chunk id", ErrInvalidRecord)
	}
	rec.ID = 0
	return j.repo.InsertRecord(ctx, rec)
}

func (j *Journal) All(ctx context.Context, sessionID string) ([]ResponseRecord, error) {
	return j.repo.ListRecords(ctx, sessionID)
}

func (j *Journal) Count(ctx context.Context, sessionID string) (int, error) {
	return j.repo.CountRecords(ctx, sessionID)
}

func (j *Journal) Last(ctx context.Context, sessionID string) (*ResponseRecord, error) {
	return j.repo.LastRecord(ctx, sessionID)
}
