package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/suPer8Hu/chunkflow/internal/ai"
)

type Mode string

const (
	ModeStructured Mode = "structured"
	ModeOpenEnded  Mode = "open_ended"
)

const (
	personalizedAck = "Thank you for sharing that with me, I really appreciate you being open about it."
	neutralAck      = "Thank you for your answer."

	maxAdvanceAttempts = 3
)

// Turn is one inbound webhook invocation.
type Turn struct {
	UserText   string
	Messages   []ai.Message
	ExplicitID string
	// TurnKey is the platform's idempotency key. When empty one is derived
	// from the session, the turn position and the reply text.
	TurnKey string
}

type TurnResult struct {
	Text       string
	Mode       Mode
	SessionID  string
	ChunkIndex int
	Completed  bool
	Duplicate  bool
	ReportID   string
}

type OrchestratorDeps struct {
	Resolver   *Resolver
	Sessions   *Sessions
	Repo       *Repo
	LeadIn     *LeadInGenerator
	Completion *CompletionHandler
	OpenEnded  *OpenEnded
}

// Orchestrator runs one inbound turn end to end.
type Orchestrator struct {
	resolver   *Resolver
	sessions   *Sessions
	repo       *Repo
	leadIn     *LeadInGenerator
	completion *CompletionHandler
	openEnded  *OpenEnded
	log        *slog.Logger
}

func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		resolver:   d.Resolver,
		sessions:   d.Sessions,
		repo:       d.Repo,
		leadIn:     d.LeadIn,
		completion: d.Completion,
		openEnded:  d.OpenEnded,
		log:        slog.Default().With("component", "orchestrator"),
	}
}

// HandleTurn always returns a result with speakable text. A non-nil error
// means the turn failed; errors matching ErrPersistence mean state could not be
// read or written and the caller should report a server error.
func (o *Orchestrator) HandleTurn(ctx context.Context, t Turn) (*TurnResult, error) {
	start := time.Now()

	res := o.resolver.Resolve(ctx, t.ExplicitID)
	if res == nil {
		return o.openEndedTurn(ctx, t, ""), nil
	}
	if strings.TrimSpace(t.UserText) == "" {
		o.log.Info("turn without user text, using open-ended mode", "session_id", res.SessionID)
		return o.openEndedTurn(ctx, t, res.SessionID), nil
	}

	sess, err := o.sessions.Ensure(ctx, res)
	if err != nil {
		o.log.Warn("session load failed, using open-ended mode", "session_id", res.SessionID, "source", res.Source, "error", err)
		return o.openEndedTurn(ctx, t, res.SessionID), nil
	}
	if sess.Completed {
		// the final reply may still be redelivered
		key, dup, err := o.identify(ctx, sess, t)
		if err != nil {
			return o.fail(sess, err)
		}
		if dup {
			return o.replay(ctx, sess, key), nil
		}
		return o.openEndedTurn(ctx, t, sess.ID), nil
	}

	out, err := o.structuredTurn(ctx, sess, t)
	o.log.Info("structured turn",
		"session_id", sess.ID,
		"source", res.Source,
		"chunk_index", out.ChunkIndex,
		"completed", out.Completed,
		"duplicate", out.Duplicate,
		"cost", time.Since(start),
		"error", err,
	)
	return out, err
}

func (o *Orchestrator) structuredTurn(ctx context.Context, sess *Session, t Turn) (*TurnResult, error) {
	for attempt := 1; ; attempt++ {
		key, dup, err := o.identify(ctx, sess, t)
		if err != nil {
			return o.fail(sess, err)
		}
		if dup {
			return o.replay(ctx, sess, key), nil
		}
		if sess.Completed {
			// another turn finished the session while this one was retrying
			return o.openEndedTurn(ctx, t, sess.ID), nil
		}

		out, err := o.deliver(ctx, sess, t.UserText, key)
		if errors.Is(err, ErrAdvanceConflict) && attempt < maxAdvanceAttempts {
			o.log.Info("advance conflict, re-reading session", "session_id", sess.ID, "attempt", attempt)
			fresh, gerr := o.repo.GetSession(ctx, sess.ID)
			if gerr != nil {
				return o.fail(sess, gerr)
			}
			sess = fresh
			continue
		}
		if err != nil {
			return o.fail(sess, err)
		}
		return out, nil
	}
}

// deliver treats userText as the reply to the current chunk, commits the
// journal entry and the advance together, then builds the next response.
func (o *Orchestrator) deliver(ctx context.Context, sess *Session, userText, key string) (*TurnResult, error) {
	engine := NewEngine(o.repo)

	chunk, err := engine.CurrentChunk(ctx, sess)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		msg, reportID := o.completion.Complete(ctx, sess)
		return &TurnResult{Text: msg, Mode: ModeStructured, SessionID: sess.ID,
			ChunkIndex: sess.CurrentChunkIndex, Completed: true, ReportID: reportID}, nil
	}

	ack := acknowledgment(o.sessions.PersonalizationOn(ctx, sess))
	rec := &ResponseRecord{
		SessionID:      sess.ID,
		ChunkID:        chunk.ID,
		ChunkIndex:     sess.CurrentChunkIndex,
		UserReply:      userText,
		AssistantReply: ack,
		TurnKey:        key,
	}

	advanced := *sess
	var hasNext bool
	err = o.repo.Transaction(ctx, func(tx *Repo) error {
		if err := NewJournal(tx).Append(ctx, rec); err != nil {
			return err
		}
		var aerr error
		hasNext, aerr = NewEngine(tx).Advance(ctx, &advanced, key)
		return aerr
	})
	if err != nil {
		return nil, err
	}
	*sess = advanced

	out := &TurnResult{
		Mode:       ModeStructured,
		SessionID:  sess.ID,
		ChunkIndex: sess.CurrentChunkIndex,
		Completed:  sess.Completed,
	}

	if hasNext {
		next, err := engine.CurrentChunk(ctx, sess)
		if err != nil {
			return nil, err
		}
		var leadIn string
		if o.sessions.ConversationAwareOn(ctx, sess) {
			leadIn = o.leadIn.Generate(ctx, rec, next.Content)
		}
		out.Text = composeChunkResponse(ack, leadIn, next)
	} else {
		msg, reportID := o.completion.Complete(ctx, sess)
		out.Text = ack + " " + msg
		out.ReportID = reportID
	}

	if err := o.repo.SaveLastResponse(ctx, sess.ID, key, out.Text); err != nil {
		o.log.Warn("save last response failed", "session_id", sess.ID, "error", err)
	}
	return out, nil
}

// identify returns the key the turn commits under and whether it repeats a
// turn already committed. A matched duplicate returns the key it matched.
func (o *Orchestrator) identify(ctx context.Context, sess *Session, t Turn) (string, bool, error) {
	key := strings.TrimSpace(t.TurnKey)
	if key == "" && hasHistory(t.Messages) {
		key = DeriveTurnKey(sess.ID, sess.CurrentChunkIndex, t.Messages, t.UserText)
	}
	if key != "" {
		if sess.LastTurnKey == key {
			return key, true, nil
		}
		dup, err := o.repo.HasTurn(ctx, sess.ID, key)
		return key, dup, err
	}

	// Without history a position key can only match the turn just committed.
	// Identical back-to-back replies collapse into one.
	if sess.CurrentChunkIndex > 0 {
		prev := DeriveTurnKey(sess.ID, sess.CurrentChunkIndex-1, t.Messages, t.UserText)
		if sess.LastTurnKey == prev {
			return prev, true, nil
		}
	}
	return DeriveTurnKey(sess.ID, sess.CurrentChunkIndex, t.Messages, t.UserText), false, nil
}

// replay answers a redelivered turn without touching state.
func (o *Orchestrator) replay(ctx context.Context, sess *Session, key string) *TurnResult {
	// the original may have committed after sess was read
	if fresh, err := o.repo.GetSession(ctx, sess.ID); err == nil {
		sess = fresh
	}
	out := &TurnResult{
		Mode:       ModeStructured,
		SessionID:  sess.ID,
		ChunkIndex: sess.CurrentChunkIndex,
		Completed:  sess.Completed,
		Duplicate:  true,
	}
	if sess.LastTurnKey == key && sess.LastResponse != "" {
		out.Text = sess.LastResponse
		return out
	}

	ack := acknowledgment(o.sessions.PersonalizationOn(ctx, sess))
	if sess.Completed {
		out.Text = ack + " " + completionWithoutReport
		return out
	}
	chunk, err := NewEngine(o.repo).CurrentChunk(ctx, sess)
	if err != nil || chunk == nil {
		out.Text = apologyMessage
		return out
	}
	out.Text = composeChunkResponse(ack, "", chunk)
	return out
}

func (o *Orchestrator) openEndedTurn(ctx context.Context, t Turn, sessionID string) *TurnResult {
	msgs := t.Messages
	if len(msgs) == 0 && strings.TrimSpace(t.UserText) != "" {
		msgs = []ai.Message{{Role: ai.RoleUser, Content: t.UserText}}
	}
	return &TurnResult{
		Text:      o.openEnded.Reply(ctx, msgs),
		Mode:      ModeOpenEnded,
		SessionID: sessionID,
	}
}

func (o *Orchestrator) fail(sess *Session, err error) (*TurnResult, error) {
	o.log.Error("structured turn failed", "session_id", sess.ID, "error", err)
	return &TurnResult{
		Text:       apologyMessage,
		Mode:       ModeStructured,
		SessionID:  sess.ID,
		ChunkIndex: sess.CurrentChunkIndex,
		Completed:  sess.Completed,
	}, err
}

func acknowledgment(personalized bool) string {
	if personalized {
		return personalizedAck
	}
	return neutralAck
}

func composeChunkResponse(ack, leadIn string, c *Chunk) string {
	head := ack
	if leadIn != "" {
		head += " " + leadIn
	}
	parts := []string{head, strings.TrimSpace(c.Content)}
	if q := strings.TrimSpace(c.Question); q != "" {
		parts = append(parts, q)
	}
	return strings.Join(parts, "\n\n")
}

// DeriveTurnKey identifies a user turn when the platform sends no idempotency
// key. With conversation history the position is the user-turn ordinal, so a
// redelivered request maps to the same key and the next real turn has one more
// user message. Without history the position is the chunk being answered.
func DeriveTurnKey(sessionID string, chunkIndex int, messages []ai.Message, userText string) string {
	pos := "chunk:" + strconv.Itoa(chunkIndex)
	if hasHistory(messages) {
		pos = "turn:" + strconv.Itoa(userTurns(messages))
	}
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(pos))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(userText)))
	return "derived-" + hex.EncodeToString(h.Sum(nil))[:32]
}

func userTurns(messages []ai.Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == ai.RoleUser {
			n++
		}
	}
	return n
}

func hasHistory(messages []ai.Message) bool {
	return userTurns(messages) > 1
}
