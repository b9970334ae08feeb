package delivery

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction runs fn against a Repo bound to a single database transaction.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

// Session

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return persistErr("create session", r.db.WithContext(ctx).Create(s).Error)
}

func (r *Repo) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, persistErr("get session", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// AdvanceCAS moves a session from index `from` to `to`, but only if nobody
// else has moved it since it was read. It reports whether the row changed.
func (r *Repo) AdvanceCAS(ctx context.Context, id string, from, to int, completed bool, turnKey string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND current_chunk_index = ? AND completed = ?", id, from, false).
		Updates(map[string]any{
			"current_chunk_index": to,
			"completed":           completed,
			"last_turn_key":       turnKey,
			"last_response":       "",
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return false, persistErr("advance session", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SaveLastResponse stores the text sent for turnKey so a redelivered webhook
// can be answered identically.
func (r *Repo) SaveLastResponse(ctx context.Context, id, turnKey, response string) error {
	return persistErr("save last response", r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND last_turn_key = ?", id, turnKey).
		Update("last_response", response).Error)
}

// Chunk

func (r *Repo) CreateChunk(ctx context.Context, c *Chunk) error {
	return persistErr("create chunk", r.db.WithContext(ctx).Create(c).Error)
}

func (r *Repo) CountActiveChunks(ctx context.Context) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Chunk{}).Where("active = ?", true).Count(&n).Error; err != nil {
		return 0, persistErr("count chunks", err)
	}
	return int(n), nil
}

// GetChunkAt returns the active chunk with the given order index, or nil if
// there is none.
func (r *Repo) GetChunkAt(ctx context.Context, index int) (*Chunk, error) {
	var c Chunk
	err := r.db.WithContext(ctx).
		Where("active = ? AND order_index = ?", true, index).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, persistErr("get chunk", err)
	}
	return &c, nil
}

func (r *Repo) GetChunkByID(ctx context.Context, id string) (*Chunk, error) {
	var c Chunk
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, persistErr("get chunk", err)
	}
	return &c, nil
}

// Journal

func (r *Repo) InsertRecord(ctx context.Context, rec *ResponseRecord) error {
	return persistErr("append response", r.db.WithContext(ctx).Create(rec).Error)
}

// ListRecords returns a session's records in insertion order.
func (r *Repo) ListRecords(ctx context.Context, sessionID string) ([]ResponseRecord, error) {
	var out []ResponseRecord
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, persistErr("list responses", err)
	}
	return out, nil
}

func (r *Repo) CountRecords(ctx context.Context, sessionID string) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&ResponseRecord{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error; err != nil {
		return 0, persistErr("count responses", err)
	}
	return int(n), nil
}

func (r *Repo) LastRecord(ctx context.Context, sessionID string) (*ResponseRecord, error) {
	var rec ResponseRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, persistErr("last response", err)
	}
	return &rec, nil
}

func (r *Repo) HasTurn(ctx context.Context, sessionID, turnKey string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&ResponseRecord{}).
		Where("session_id = ? AND turn_key = ?", sessionID, turnKey).
		Count(&n).Error; err != nil {
		return false, persistErr("lookup turn", err)
	}
	return n > 0, nil
}

// Settings

const adminSettingsRowID = 1

func (r *Repo) GetAdminSettings(ctx context.Context) (*AdminSettings, error) {
	var s AdminSettings
	if err := r.db.WithContext(ctx).First(&s, adminSettingsRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, persistErr("get admin settings", err)
	}
	return &s, nil
}

func (r *Repo) SaveAdminSettings(ctx context.Context, s *AdminSettings) error {
	s.ID = adminSettingsRowID
	return persistErr("save admin settings", r.db.WithContext(ctx).Save(s).Error)
}
