package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// virtualClock advances only when the resolver sleeps.
type virtualClock struct {
	start   time.Time
	elapsed time.Duration
	sleeps  []time.Duration
	onSleep func(elapsed time.Duration)
}

func (c *virtualClock) now() time.Time { return c.start.Add(c.elapsed) }

func (c *virtualClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.elapsed += d
	if c.onSleep != nil {
		c.onSleep(c.elapsed)
	}
	return nil
}

func TestResolver_ExplicitIDWins(t *testing.T) {
	f := newFixture(t, 2)
	f.startSession(t, "s-explicit")
	mustNoErr(t, f.registry.Register(context.Background(), RegistryEntry{FrontendSessionID: "s-other"}), "register")

	res := NewResolver(f.repo, f.registry).Resolve(context.Background(), "s-explicit")
	if res == nil || res.Source != SourceExplicit || res.SessionID != "s-explicit" || res.Session == nil {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if f.registry.reads != 0 {
		t.Fatalf("registry read %d times for an explicit id", f.registry.reads)
	}
}

func TestResolver_UnknownExplicitFallsBackToRegistry(t *testing.T) {
	f := newFixture(t, 2)
	mustNoErr(t, f.registry.Register(context.Background(), RegistryEntry{FrontendSessionID: "s-reg", ExternalID: "ext-9"}), "register")

	res := NewResolver(f.repo, f.registry).Resolve(context.Background(), "platform-generated-id")
	if res == nil {
		t.Fatalf("expected a registry resolution")
	}
	if res.Source != SourceRegistry || res.SessionID != "s-reg" || res.ExternalID != "ext-9" {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if res.Session != nil {
		t.Fatalf("session row should not exist yet")
	}
}

func TestResolver_RegistryAppearsDuringRetries(t *testing.T) {
	f := newFixture(t, 1)
	clock := &virtualClock{start: time.Now()}
	clock.onSleep = func(elapsed time.Duration) {
		if elapsed >= 250*time.Millisecond && f.registry.entry == nil {
			f.registry.entry = &RegistryEntry{FrontendSessionID: "s-late", RegisteredAt: clock.now()}
		}
	}

	res := NewResolver(f.repo, f.registry, WithClock(clock.now, clock.sleep)).Resolve(context.Background(), "")
	if res == nil || res.SessionID != "s-late" {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if f.registry.reads != 3 {
		t.Fatalf("reads=%d, want 3", f.registry.reads)
	}
	if want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}; !reflect.DeepEqual(clock.sleeps, want) {
		t.Fatalf("sleeps=%v, want %v", clock.sleeps, want)
	}
}

func TestResolver_GivesUpAfterAttempts(t *testing.T) {
	f := newFixture(t, 1)
	clock := &virtualClock{start: time.Now()}
	clock.onSleep = func(elapsed time.Duration) {
		if elapsed >= 400*time.Millisecond {
			f.registry.entry = &RegistryEntry{FrontendSessionID: "too-late"}
		}
	}

	if res := NewResolver(f.repo, f.registry, WithClock(clock.now, clock.sleep)).Resolve(context.Background(), ""); res != nil {
		t.Fatalf("expected no resolution, got %+v", res)
	}
	if f.registry.reads != 3 || clock.elapsed != 300*time.Millisecond {
		t.Fatalf("reads=%d elapsed=%v, want 3 and 300ms", f.registry.reads, clock.elapsed)
	}
}

func TestResolver_ReadErrorsAreMisses(t *testing.T) {
	f := newFixture(t, 1)
	f.registry.err = errBoom
	clock := &virtualClock{start: time.Now()}

	r := NewResolver(f.repo, f.registry, WithRetry(2, 10*time.Millisecond), WithClock(clock.now, clock.sleep))
	if res := r.Resolve(context.Background(), ""); res != nil {
		t.Fatalf("expected no resolution, got %+v", res)
	}
	if f.registry.reads != 2 {
		t.Fatalf("reads=%d, want 2", f.registry.reads)
	}
}

func TestResolver_StaleEntryIgnored(t *testing.T) {
	f := newFixture(t, 1)
	clock := &virtualClock{start: time.Now()}
	f.registry.entry = &RegistryEntry{FrontendSessionID: "old", RegisteredAt: clock.start.Add(-2 * time.Hour)}

	r := NewResolver(f.repo, f.registry, WithMaxAge(time.Hour), WithClock(clock.now, clock.sleep))
	if res := r.Resolve(context.Background(), ""); res != nil {
		t.Fatalf("stale entry resolved: %+v", res)
	}

	r = NewResolver(f.repo, f.registry, WithClock(clock.now, clock.sleep))
	if res := r.Resolve(context.Background(), ""); res == nil || res.SessionID != "old" {
		t.Fatalf("expected entry without max age, got %+v", res)
	}
}

func TestResolver_CanceledContextStopsRetrying(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if res := NewResolver(f.repo, f.registry, WithRetry(3, time.Hour)).Resolve(ctx, ""); res != nil {
		t.Fatalf("expected no resolution, got %+v", res)
	}
	if f.registry.reads != 1 {
		t.Fatalf("reads=%d, want 1", f.registry.reads)
	}
}

func TestFileRegistry_RoundTripAndLegacyFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry", "latest.json")
	reg := NewFileRegistry(path)

	e, err := reg.Latest(ctx)
	mustNoErr(t, err, "latest on missing file")
	if e != nil {
		t.Fatalf("expected no entry, got %+v", e)
	}

	mustNoErr(t, reg.Register(ctx, RegistryEntry{FrontendSessionID: "s-1", ExternalID: "ext"}), "register")
	e, err = reg.Latest(ctx)
	mustNoErr(t, err, "latest")
	if e == nil || e.FrontendSessionID != "s-1" || e.RegisteredAt.IsZero() {
		t.Fatalf("unexpected entry %+v", e)
	}

	legacy := `{"frontendSessionId":"s-2","therapistId":"t-7","registeredAt":1700000000000}`
	mustNoErr(t, os.WriteFile(path, []byte(legacy), 0o644), "write legacy")
	e, err = reg.Latest(ctx)
	mustNoErr(t, err, "latest legacy")
	if e == nil || e.ExternalID != "t-7" || e.RegisteredAt.UnixMilli() != 1700000000000 {
		t.Fatalf("legacy entry decoded as %+v", e)
	}
}

func TestFileRegistry_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.json")
	reg := NewFileRegistry(path)

	for _, body := range []string{`{not json`, `{"externalId":"x"}`} {
		mustNoErr(t, os.WriteFile(path, []byte(body), 0o644), "write")
		if _, err := reg.Latest(context.Background()); !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("%s: expected malformed record, got %v", body, err)
		}
	}
}

func TestResolver_WithFileRegistry(t *testing.T) {
	f := newFixture(t, 1)
	path := filepath.Join(t.TempDir(), "latest.json")
	reg := NewFileRegistry(path)
	clock := &virtualClock{start: time.Now()}
	clock.onSleep = func(elapsed time.Duration) {
		if elapsed == 100*time.Millisecond {
			if err := reg.Register(context.Background(), RegistryEntry{FrontendSessionID: "s-file"}); err != nil {
				t.Errorf("register: %v", err)
			}
		}
	}

	res := NewResolver(f.repo, reg, WithClock(clock.now, clock.sleep)).Resolve(context.Background(), "")
	if res == nil || res.SessionID != "s-file" {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if want := []time.Duration{100 * time.Millisecond}; !reflect.DeepEqual(clock.sleeps, want) {
		t.Fatalf("sleeps=%v, want %v", clock.sleeps, want)
	}
}
