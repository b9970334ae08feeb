package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Sessions creates and loads sessions. Creation snapshots the active chunk
// count and the admin defaults.
type Sessions struct {
	repo     *Repo
	defaults DefaultsProvider
	registry Registry
	log      *slog.Logger
}

func NewSessions(repo *Repo, defaults DefaultsProvider, registry Registry) *Sessions {
	return &Sessions{
		repo:     repo,
		defaults: defaults,
		registry: registry,
		log:      slog.Default().With("component", "sessions"),
	}
}

type CreateSessionInput struct {
	ID                     string
	ExternalID             string
	PersonalizationEnabled *bool
	ConversationAware      *bool
}

func (s *Sessions) Get(ctx context.Context, id string) (*Session, error) {
	return s.repo.GetSession(ctx, id)
}

// Create inserts a new session. An empty ID gets a random UUID.
func (s *Sessions) Create(ctx context.Context, in CreateSessionInput) (*Session, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}

	count, err := s.repo.CountActiveChunks(ctx)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:                     id,
		ExternalID:             in.ExternalID,
		ChunkCount:             count,
		CurrentChunkIndex:      0,
		Completed:              count == 0,
		PersonalizationEnabled: in.PersonalizationEnabled,
		ConversationAware:      in.ConversationAware,
	}
	if sess.PersonalizationEnabled == nil || sess.ConversationAware == nil {
		d, err := s.defaults.GetDefaults(ctx)
		if err != nil {
			s.log.Warn("admin defaults unavailable, using fallback", "error", err)
		}
		if sess.PersonalizationEnabled == nil {
			sess.PersonalizationEnabled = boolPtr(d.PersonalizationEnabled)
		}
		if sess.ConversationAware == nil {
			sess.ConversationAware = boolPtr(d.ConversationAware)
		}
	}

	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info("session created", "session_id", sess.ID, "external_id", sess.ExternalID, "chunk_count", sess.ChunkCount)
	return sess, nil
}

// Ensure loads the session for a registry resolution, creating it on its
// first turn. A concurrent creator winning the insert is not an error.
func (s *Sessions) Ensure(ctx context.Context, res *Resolution) (*Session, error) {
	if res.Session != nil {
		return res.Session, nil
	}
	sess, err := s.repo.GetSession(ctx, res.SessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sess, err = s.Create(ctx, CreateSessionInput{ID: res.SessionID, ExternalID: res.ExternalID})
	if err == nil {
		return sess, nil
	}
	if existing, getErr := s.repo.GetSession(ctx, res.SessionID); getErr == nil {
		return existing, nil
	}
	return nil, err
}

// Start creates a session and publishes it as the latest one for the
// resolver's registry fallback.
func (s *Sessions) Start(ctx context.Context, in CreateSessionInput) (*Session, error) {
	sess, err := s.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	if s.registry != nil {
		if err := s.registry.Register(ctx, RegistryEntry{FrontendSessionID: sess.ID, ExternalID: sess.ExternalID}); err != nil {
			// the explicit conversation id still works without the registry
			s.log.Warn("registry write failed", "session_id", sess.ID, "error", err)
		}
	}
	return sess, nil
}

// PersonalizationOn resolves the session override, else the admin default.
func (s *Sessions) PersonalizationOn(ctx context.Context, sess *Session) bool {
	if sess.PersonalizationEnabled != nil {
		return *sess.PersonalizationEnabled
	}
	d, _ := s.defaults.GetDefaults(ctx)
	return d.PersonalizationEnabled
}

// ConversationAwareOn resolves the session override, else the admin default.
func (s *Sessions) ConversationAwareOn(ctx context.Context, sess *Session) bool {
	if sess.ConversationAware != nil {
		return *sess.ConversationAware
	}
	d, _ := s.defaults.GetDefaults(ctx)
	return d.ConversationAware
}

func boolPtr(b bool) *bool { return &b }
