package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/sync"
)

// Profile columns holding the API keys.
const (
	profileOpenAIKey    = "openai_api_key"
	profileAnthropicKey = "anthropic_api_key"
)

// APIKeys are the provider keys mirrored to the cloud profile.
type APIKeys struct {
	OpenAI    string
	Anthropic string
}

func (m *Manager) eligible() (string, error) {
	if m.remote == nil || m.session == nil || !m.session.IsSyncEligible() {
		return "", sync.ErrNotEligible
	}
	return m.session.CurrentPrincipal(), nil
}

// SaveKeysToCloud stores the saved API keys on the principal's profile.
func (m *Manager) SaveKeysToCloud(ctx context.Context) error {
	principal, err := m.eligible()
	if err != nil {
		return err
	}
	s, err := m.Load(ctx)
	if err != nil {
		return err
	}

	if err := m.remote.EnsureProfile(ctx, principal, ""); err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	err = m.remote.UpdateProfile(ctx, principal, map[string]any{
		profileOpenAIKey:    s.OpenAIAPIKey,
		profileAnthropicKey: s.AnthropicAPIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to save keys to cloud: %w", err)
	}
	return nil
}

// LoadKeysFromCloud reads the API keys from the principal's profile and,
// when any are set, saves them locally. It returns nil keys when the
// profile holds none.
func (m *Manager) LoadKeysFromCloud(ctx context.Context) (*APIKeys, error) {
	principal, err := m.eligible()
	if err != nil {
		return nil, err
	}

	p, err := m.remote.GetProfile(ctx, principal)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load keys from cloud: %w", err)
	}

	keys := &APIKeys{}
	keys.OpenAI, _ = p.Data[profileOpenAIKey].(string)
	keys.Anthropic, _ = p.Data[profileAnthropicKey].(string)
	if keys.OpenAI == "" && keys.Anthropic == "" {
		return nil, nil
	}

	partial := map[string]any{}
	if keys.OpenAI != "" {
		partial["openaiApiKey"] = keys.OpenAI
	}
	if keys.Anthropic != "" {
		partial["anthropicApiKey"] = keys.Anthropic
	}
	if _, err := m.Update(ctx, partial); err != nil {
		return keys, err
	}
	return keys, nil
}
