package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/chunkflow/internal/ai"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB gives every test its own in-memory database.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedChunks(t *testing.T, repo *Repo, n int) []Chunk {
	t.Helper()
	out := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		c := Chunk{
			ID:         fmt.Sprintf("chunk-%d", i+1),
			OrderIndex: i,
			Title:      fmt.Sprintf("Part %d", i+1),
			Content:    fmt.Sprintf("Content of part %d.", i+1),
			Question:   fmt.Sprintf("What stood out to you in part %d?", i+1),
			Active:     true,
		}
		if err := repo.CreateChunk(context.Background(), &c); err != nil {
			t.Fatalf("create chunk: %v", err)
		}
		out = append(out, c)
	}
	return out
}

// fakeProvider answers with reply, or fails with err. It records every call.
type fakeProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
	calls [][]ai.Message
}

func (p *fakeProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, append([]ai.Message(nil), messages...))
	reply, err, delay := p.reply, p.err, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (p *fakeProvider) set(reply string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply, p.err = reply, err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// memRegistry is an in-process Registry.
type memRegistry struct {
	mu    sync.Mutex
	entry *RegistryEntry
	err   error
	reads int
}

func (m *memRegistry) Latest(ctx context.Context) (*RegistryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	if m.entry == nil {
		return nil, nil
	}
	e := *m.entry
	return &e, nil
}

func (m *memRegistry) Register(ctx context.Context, e RegistryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now()
	}
	m.entry = &e
	return nil
}

type fakeReports struct {
	mu      sync.Mutex
	delay   time.Duration
	err     error
	calls   int
	journal []ResponseRecord
}

func (f *fakeReports) Generate(ctx context.Context, sessionID string, journal []ResponseRecord) (*ReportResult, error) {
	f.mu.Lock()
	f.calls++
	f.journal = journal
	delay, err := f.delay, f.err
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &ReportResult{ReportID: "report-" + sessionID, ReportPath: "/tmp/report-" + sessionID + ".html"}, nil
}

var errBoom = errors.New("boom")

type fixture struct {
	db       *gorm.DB
	repo     *Repo
	chunks   []Chunk
	llm      *fakeProvider
	registry *memRegistry
	reports  *fakeReports
	sessions *Sessions
	orch     *Orchestrator
}

func newFixture(t *testing.T, chunkCount int) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	f := &fixture{
		db:       db,
		repo:     repo,
		chunks:   seedChunks(t, repo, chunkCount),
		llm:      &fakeProvider{reply: "That sounds like a thoughtful reflection."},
		registry: &memRegistry{},
		reports:  &fakeReports{},
	}
	settings := NewSettingsStore(repo, Defaults{PersonalizationEnabled: false, ConversationAware: true})
	f.sessions = NewSessions(repo, settings, f.registry)

	noSleep := func(ctx context.Context, d time.Duration) error { return nil }
	f.orch = NewOrchestrator(OrchestratorDeps{
		Resolver:   NewResolver(repo, f.registry, WithClock(time.Now, noSleep)),
		Sessions:   f.sessions,
		Repo:       repo,
		LeadIn:     NewLeadInGenerator(f.llm, time.Second),
		Completion: NewCompletionHandler(NewJournal(repo), f.reports, 2*time.Second),
		OpenEnded:  NewOpenEnded(f.llm, "You are a friendly guide.", 20),
	})
	return f
}

func (f *fixture) startSession(t *testing.T, id string) *Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(), CreateSessionInput{ID: id, ExternalID: "ext-1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func mustNoErr(t *testing.T, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

func (f *fixture) session(t *testing.T, id string) *Session {
	t.Helper()
	sess, err := f.repo.GetSession(context.Background(), id)
	mustNoErr(t, err, "get session")
	return sess
}

func (f *fixture) records(t *testing.T, id string) []ResponseRecord {
	t.Helper()
	recs, err := NewJournal(f.repo).All(context.Background(), id)
	mustNoErr(t, err, "list records")
	return recs
}
