package delivery

import (
	"context"
	"fmt"
)

// Engine is the chunk delivery state machine over a Session.
type Engine struct {
	repo *Repo
}

func NewEngine(repo *Repo) *Engine {
	return &Engine{repo: repo}
}

// CurrentChunk returns the chunk at the session's index, or nil once every
// chunk has been consumed.
func (e *Engine) CurrentChunk(ctx context.Context, s *Session) (*Chunk, error) {
	if s.Completed || s.CurrentChunkIndex >= s.ChunkCount {
		return nil, nil
	}
	c, err := e.repo.GetChunkAt(ctx, s.CurrentChunkIndex)
	if err != nil {
		return nil, err
	}
	if c == nil {
		// chunkCount was captured at session start; the authored set shrank since.
		return nil, persistErr("get chunk", fmt.Errorf("no active chunk at index %d of %d", s.CurrentChunkIndex, s.ChunkCount))
	}
	return c, nil
}

// Advance moves the session past its current chunk and reports whether another
// chunk follows. On the last chunk it marks the session completed. A completed
// session is left untouched and false is returned.
//
// The write is a compare-and-swap against the index held in s; if another turn
// moved the session first, ErrAdvanceConflict is returned and s is unchanged.
func (e *Engine) Advance(ctx context.Context, s *Session, turnKey string) (bool, error) {
	if s.Completed || s.CurrentChunkIndex >= s.ChunkCount {
		return false, nil
	}
	next := s.CurrentChunkIndex + 1
	hasNext := next < s.ChunkCount

	ok, err := e.repo.AdvanceCAS(ctx, s.ID, s.CurrentChunkIndex, next, !hasNext, turnKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrAdvanceConflict
	}

	s.CurrentChunkIndex = next
	s.Completed = !hasNext
	s.LastTurnKey = turnKey
	s.LastResponse = ""
	return hasNext, nil
}
