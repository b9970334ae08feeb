package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

type ResolutionSource string

const (
	SourceExplicit ResolutionSource = "explicit"
	SourceRegistry ResolutionSource = "registry"
)

type Resolution struct {
	SessionID  string
	ExternalID string
	Source     ResolutionSource
	// Session is set when the explicit id matched an existing row.
	Session *Session
}

// Resolver works out which session an inbound turn belongs to.
type Resolver struct {
	repo     *Repo
	registry Registry
	attempts int
	backoff  time.Duration
	maxAge   time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	log      *slog.Logger
}

type ResolverOption func(*Resolver)

// WithRetry sets the registry read attempts and the first backoff delay; each
// further delay doubles.
func WithRetry(attempts int, backoff time.Duration) ResolverOption {
	return func(r *Resolver) {
		if attempts > 0 {
			r.attempts = attempts
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// WithMaxAge ignores registry entries older than d. Zero disables the check.
func WithMaxAge(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.maxAge = d }
}

// WithClock replaces time.Now and the backoff sleep, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) ResolverOption {
	return func(r *Resolver) {
		r.now = now
		r.sleep = sleep
	}
}

func NewResolver(repo *Repo, registry Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		repo:     repo,
		registry: registry,
		attempts: 3,
		backoff:  100 * time.Millisecond,
		sleep:    sleepCtx,
		now:      time.Now,
		log:      slog.Default().With("component", "resolver"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns nil when no session can be determined. Lookup errors are
// logged and treated as a miss; the caller falls back to open-ended mode.
func (r *Resolver) Resolve(ctx context.Context, explicitID string) *Resolution {
	if id := strings.TrimSpace(explicitID); id != "" {
		s, err := r.repo.GetSession(ctx, id)
		switch {
		case err == nil:
			return &Resolution{SessionID: s.ID, ExternalID: s.ExternalID, Source: SourceExplicit, Session: s}
		case errors.Is(err, ErrSessionNotFound):
			r.log.Debug("explicit id has no session, trying registry", "explicit_id", id)
		default:
			r.log.Warn("explicit session lookup failed", "explicit_id", id, "error", err)
		}
	}

	if r.registry == nil {
		return nil
	}
	entry := r.readRegistry(ctx)
	if entry == nil {
		return nil
	}
	return &Resolution{SessionID: entry.FrontendSessionID, ExternalID: entry.ExternalID, Source: SourceRegistry}
}

// readRegistry reads at t=0 and then after backoff, 2*backoff, ... between
// attempts, so the default 3 attempts wait 100ms + 200ms in total.
func (r *Resolver) readRegistry(ctx context.Context) *RegistryEntry {
	delay := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, delay); err != nil {
				return nil
			}
			delay *= 2
		}

		e, err := r.registry.Latest(ctx)
		switch {
		case err != nil:
			r.log.Debug("registry read failed", "attempt", attempt, "error", err)
		case e == nil:
			r.log.Debug("registry empty", "attempt", attempt)
		case r.stale(e):
			r.log.Debug("registry entry stale", "attempt", attempt, "session_id", e.FrontendSessionID, "registered_at", e.RegisteredAt)
		default:
			return e
		}
	}
	r.log.Info("session resolution exhausted retries", "attempts", r.attempts)
	return nil
}

func (r *Resolver) stale(e *RegistryEntry) bool {
	if r.maxAge <= 0 || e.RegisteredAt.IsZero() {
		return false
	}
	return r.now().Sub(e.RegisteredAt) > r.maxAge
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
