package delivery

import (
	"fmt"
	"time"
)

// Session is one end-to-end conversation. Only the engine mutates the
// position fields, and only through a compare-and-swap on CurrentChunkIndex.
type Session struct {
	ID                     string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ExternalID             string    `gorm:"type:varchar(128);index" json:"external_id"`
	ChunkCount             int       `gorm:"not null" json:"chunk_count"`
	CurrentChunkIndex      int       `gorm:"not null" json:"current_chunk_index"`
	Completed              bool      `gorm:"not null" json:"completed"`
	PersonalizationEnabled *bool     `json:"personalization_enabled"`
	ConversationAware      *bool     `json:"conversation_aware"`
	LastTurnKey            string    `gorm:"type:varchar(128)" json:"-"`
	LastResponse           string    `gorm:"type:text" json:"-"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "delivery_sessions" }

// Validate checks the position rules. Rows that fail are reported as
// MalformedRecordError instead of being handed to the state machine.
func (s *Session) Validate() error {
	switch {
	case s.ID == "":
		return &MalformedRecordError{Table: "delivery_sessions", Reason: "empty id"}
	case s.ChunkCount < 0:
		return &MalformedRecordError{Table: "delivery_sessions", ID: s.ID, Reason: "negative chunk_count"}
	case s.CurrentChunkIndex < 0 || s.CurrentChunkIndex > s.ChunkCount:
		return &MalformedRecordError{Table: "delivery_sessions", ID: s.ID,
			Reason: fmt.Sprintf("current_chunk_index %d outside [0,%d]", s.CurrentChunkIndex, s.ChunkCount)}
	case s.Completed != (s.CurrentChunkIndex == s.ChunkCount):
		return &MalformedRecordError{Table: "delivery_sessions", ID: s.ID,
			Reason: fmt.Sprintf("completed=%t at index %d of %d", s.Completed, s.CurrentChunkIndex, s.ChunkCount)}
	}
	return nil
}

// Chunk is authored elsewhere; this package only reads it.
type Chunk struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OrderIndex int       `gorm:"not null;index" json:"order_index"`
	Title      string    `gorm:"type:varchar(255)" json:"title"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Question   string    `gorm:"type:text;not null" json:"question"`
	Active     bool      `gorm:"not null;index" json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Chunk) TableName() string { return "delivery_chunks" }

// ResponseRecord is one journaled turn. Rows are insert-only.
type ResponseRecord struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string    `gorm:"type:varchar(64);not null;index:idx_resp_session_turn,priority:1" json:"session_id"`
	ChunkID        string    `gorm:"type:varchar(64);not null" json:"chunk_id"`
	ChunkIndex     int       `gorm:"not null" json:"chunk_index"`
	UserReply      string    `gorm:"type:text;not null" json:"user_reply"`
	AssistantReply string    `gorm:"type:text;not null" json:"assistant_reply"`
	TurnKey        string    `gorm:"type:varchar(128);index:idx_resp_session_turn,priority:2" json:"-"`
	CreatedAt      time.Time `json:"timestamp"`
}

func (ResponseRecord) TableName() string { return "delivery_responses" }

// AdminSettings holds the admin-configured defaults. There is at most one row.
type AdminSettings struct {
	ID                     uint64 `gorm:"primaryKey"`
	PersonalizationEnabled bool   `gorm:"not null"`
	ConversationAware      bool   `gorm:"not null"`
	UpdatedAt              time.Time
}

func (AdminSettings) TableName() string { return "admin_settings" }

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&Session{}, &Chunk{}, &ResponseRecord{}, &AdminSettings{}}
}
