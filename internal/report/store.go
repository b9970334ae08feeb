package report

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("report not found")

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, r *Report) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	var r Report
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// LatestForSession returns the newest report of a session, or ErrNotFound.
func (s *Store) LatestForSession(ctx context.Context, sessionID string) (*Report, error) {
	var r Report
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) MarkReady(ctx context.Context, id, path string, records int) error {
	return s.db.WithContext(ctx).Model(&Report{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     StatusReady,
			"path":       path,
			"records":    records,
			"error":      "",
			"updated_at": time.Now(),
		}).Error
}

func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return s.db.WithContext(ctx).Model(&Report{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     StatusFailed,
			"error":      msg,
			"updated_at": time.Now(),
		}).Error
}
