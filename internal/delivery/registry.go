package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RegistryEntry is the "latest known session" record written by the front end
// when it starts a voice conversation.
type RegistryEntry struct {
	FrontendSessionID string    `json:"frontendSessionId"`
	ExternalID        string    `json:"externalId,omitempty"`
	RegisteredAt      time.Time `json:"registeredAt"`
}

// UnmarshalJSON accepts the legacy "therapistId" key and registeredAt as
// either an RFC 3339 string or epoch milliseconds.
func (e *RegistryEntry) UnmarshalJSON(b []byte) error {
	var raw struct {
		FrontendSessionID string          `json:"frontendSessionId"`
		ExternalID        string          `json:"externalId"`
		TherapistID       string          `json:"therapistId"`
		RegisteredAt      json.RawMessage `json:"registeredAt"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.FrontendSessionID = strings.TrimSpace(raw.FrontendSessionID)
	e.ExternalID = raw.ExternalID
	if e.ExternalID == "" {
		e.ExternalID = raw.TherapistID
	}
	e.RegisteredAt = time.Time{}

	ts := strings.TrimSpace(string(raw.RegisteredAt))
	switch {
	case ts == "" || ts == "null":
	case strings.HasPrefix(ts, `"`):
		var s string
		if err := json.Unmarshal(raw.RegisteredAt, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("registeredAt: %w", err)
		}
		e.RegisteredAt = t
	default:
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("registeredAt: %w", err)
		}
		e.RegisteredAt = time.UnixMilli(ms)
	}
	return nil
}

// Registry is the eventually consistent side channel consulted when a turn
// carries no usable conversation id. Latest returns nil, nil when nothing is
// registered.
type Registry interface {
	Latest(ctx context.Context) (*RegistryEntry, error)
	Register(ctx context.Context, e RegistryEntry) error
}

// FileRegistry keeps the entry in a single JSON file.
type FileRegistry struct {
	path string
}

func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

func (f *FileRegistry) Latest(ctx context.Context) (*RegistryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var e RegistryEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, &MalformedRecordError{Table: "registry", Reason: err.Error()}
	}
	if e.FrontendSessionID == "" {
		return nil, &MalformedRecordError{Table: "registry", Reason: "missing frontendSessionId"}
	}
	return &e, nil
}

// Register replaces the file atomically so readers never see a partial write.
func (f *FileRegistry) Register(ctx context.Context, e RegistryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".registry-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
