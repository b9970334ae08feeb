package delivery

import "context"

type Defaults struct {
	PersonalizationEnabled bool `json:"personalization_enabled"`
	ConversationAware      bool `json:"conversation_aware"`
}

// DefaultsProvider is the admin-configuration collaborator.
type DefaultsProvider interface {
	GetDefaults(ctx context.Context) (Defaults, error)
}

// SettingsStore reads the admin_settings row, falling back to the configured
// defaults when the row has never been written.
type SettingsStore struct {
	repo     *Repo
	fallback Defaults
}

func NewSettingsStore(repo *Repo, fallback Defaults) *SettingsStore {
	return &SettingsStore{repo: repo, fallback: fallback}
}

func (s *SettingsStore) GetDefaults(ctx context.Context) (Defaults, error) {
	row, err := s.repo.GetAdminSettings(ctx)
	if err != nil {
		return s.fallback, err
	}
	if row == nil {
		return s.fallback, nil
	}
	return Defaults{
		PersonalizationEnabled: row.PersonalizationEnabled,
		ConversationAware:      row.ConversationAware,
	}, nil
}

func (s *SettingsStore) SaveDefaults(ctx context.Context, d Defaults) error {
	return s.repo.SaveAdminSettings(ctx, &AdminSettings{
		PersonalizationEnabled: d.PersonalizationEnabled,
		ConversationAware:      d.ConversationAware,
	})
}
