package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestEngine_WalksChunksInOrder(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.startSession(t, "s-walk")
	engine := NewEngine(f.repo)

	for i := 0; i < 3; i++ {
		c, err := engine.CurrentChunk(ctx, sess)
		mustNoErr(t, err, "current chunk")
		if c == nil || c.ID != f.chunks[i].ID {
			t.Fatalf("step %d: unexpected chunk %+v", i, c)
		}

		hasNext, err := engine.Advance(ctx, sess, "turn")
		mustNoErr(t, err, "advance")
		if hasNext != (i < 2) {
			t.Fatalf("step %d: hasNext=%v", i, hasNext)
		}
		mustNoErr(t, sess.Validate(), "validate")
	}

	if !sess.Completed || sess.CurrentChunkIndex != 3 {
		t.Fatalf("expected completed at 3, got %+v", sess)
	}

	c, err := engine.CurrentChunk(ctx, sess)
	mustNoErr(t, err, "current chunk")
	if c != nil {
		t.Fatalf("expected no chunk after the last, got %q", c.ID)
	}

	stored := f.session(t, sess.ID)
	if !stored.Completed || stored.CurrentChunkIndex != 3 {
		t.Fatalf("stored session not completed: %+v", stored)
	}
}

func TestEngine_AdvanceOnCompletedIsNoop(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.startSession(t, "s-done")
	engine := NewEngine(f.repo)

	_, err := engine.Advance(ctx, sess, "k1")
	mustNoErr(t, err, "advance")
	if !sess.Completed {
		t.Fatalf("expected completed")
	}

	hasNext, err := engine.Advance(ctx, sess, "k2")
	mustNoErr(t, err, "second advance")
	if hasNext {
		t.Fatalf("expected no next chunk")
	}
	if sess.CurrentChunkIndex != 1 || sess.LastTurnKey != "k1" {
		t.Fatalf("completed session changed: %+v", sess)
	}
}

func TestEngine_EmptyChunkSetStartsCompleted(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.startSession(t, "s-empty")
	if !sess.Completed || sess.ChunkCount != 0 {
		t.Fatalf("expected completed empty session, got %+v", sess)
	}
}

func TestEngine_ConcurrentAdvanceMovesOnce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.startSession(t, "s-race")
	engine := NewEngine(f.repo)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := f.repo.GetSession(ctx, "s-race")
			if err != nil {
				t.Errorf("get session: %v", err)
				return
			}
			sess.CurrentChunkIndex = 0 // every caller read the same position
			_, err = engine.Advance(ctx, sess, "k")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAdvanceConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != 3 {
		t.Fatalf("wins=%d conflicts=%d, want 1 and 3", wins, conflicts)
	}
	if got := f.session(t, "s-race").CurrentChunkIndex; got != 1 {
		t.Fatalf("index=%d, want 1", got)
	}
}

func TestEngine_MissingChunkIsPersistenceError(t *testing.T) {
	f := newFixture(t, 2)
	sess := f.startSession(t, "s-gap")

	if err := f.db.Model(&Chunk{}).Where("id = ?", f.chunks[0].ID).Update("active", false).Error; err != nil {
		t.Fatalf("deactivate chunk: %v", err)
	}

	_, err := NewEngine(f.repo).CurrentChunk(context.Background(), sess)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestSession_Validate(t *testing.T) {
	cases := []struct {
		name string
		s    Session
		ok   bool
	}{
		{"fresh", Session{ID: "a", ChunkCount: 2}, true},
		{"done", Session{ID: "a", ChunkCount: 2, CurrentChunkIndex: 2, Completed: true}, true},
		{"empty set", Session{ID: "a", Completed: true}, true},
		{"index past end", Session{ID: "a", ChunkCount: 2, CurrentChunkIndex: 3}, false},
		{"negative index", Session{ID: "a", ChunkCount: 2, CurrentChunkIndex: -1}, false},
		{"completed early", Session{ID: "a", ChunkCount: 2, CurrentChunkIndex: 1, Completed: true}, false},
		{"not completed at end", Session{ID: "a", ChunkCount: 2, CurrentChunkIndex: 2}, false},
		{"no id", Session{ChunkCount: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrMalformedRecord) {
				t.Fatalf("expected malformed record, got %v", err)
			}
		})
	}
}

func TestRepo_GetSessionRejectsMalformedRow(t *testing.T) {
	f := newFixture(t, 2)
	f.startSession(t, "s-bad")

	if err := f.db.Model(&Session{}).Where("id = ?", "s-bad").Update("current_chunk_index", 5).Error; err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	_, err := f.repo.GetSession(context.Background(), "s-bad")
	var mre *MalformedRecordError
	if !errors.As(err, &mre) {
		t.Fatalf("expected MalformedRecordError, got %v", err)
	}
	if mre.ID != "s-bad" {
		t.Fatalf("unexpected id %q", mre.ID)
	}
}
