// Package settings persists application preferences in the local store and
// mirrors API keys to the principal's remote profile.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/store"
)

// StorageKey is the key-value entry holding the settings document.
const StorageKey = "vt-settings"

// AppSettings are the user's preferences.
type AppSettings struct {
	OpenAIAPIKey           string  `json:"openaiApiKey"`
	AnthropicAPIKey        string  `json:"anthropicApiKey"`
	DefaultLanguage        string  `json:"defaultLanguage"`
	DefaultMode            string  `json:"defaultMode"`
	EnableAutoDetect       bool    `json:"enableAutoDetect"`
	AutoDetectDuration     int     `json:"autoDetectDuration"`
	DefaultPlaybackSpeed   float64 `json:"defaultPlaybackSpeed"`
	SkipSilence            bool    `json:"skipSilence"`
	Theme                  string  `json:"theme"`
	FontSize               string  `json:"fontSize"`
	ShowConfidence         bool    `json:"showConfidence"`
	ShowTimestamps         bool    `json:"showTimestamps"`
	ShowSpeakerLabels      bool    `json:"showSpeakerLabels"`
	EnableNotifications    bool    `json:"enableNotifications"`
	HasCompletedOnboarding bool    `json:"hasCompletedOnboarding"`
	EnableAudioEnhancement bool    `json:"enableAudioEnhancement"`
	WhisperModel           string  `json:"whisperModel"`
	EnableCloudSync        bool    `json:"enableCloudSync"`
}

// Defaults returns the settings used before anything is saved.
func Defaults() AppSettings {
	return AppSettings{
		DefaultLanguage:      "en",
		DefaultMode:          "auto-detect",
		EnableAutoDetect:     true,
		AutoDetectDuration:   90,
		DefaultPlaybackSpeed: 1,
		Theme:                "dark",
		FontSize:             "medium",
		ShowConfidence:       true,
		ShowTimestamps:       true,
		ShowSpeakerLabels:    true,
		EnableNotifications:  true,
		WhisperModel:         "whisper-1",
		EnableCloudSync:      true,
	}
}

var (
	themes        = []string{"light", "dark", "system"}
	fontSizes     = []string{"small", "medium", "large"}
	whisperModels = []string{"whisper-1", "gpt-4o-transcribe"}
)

func oneOf(field, v string, allowed []string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (want one of %s)", field, v, strings.Join(allowed, ", "))
}

// Validate checks enumerated fields and ranges.
func (s AppSettings) Validate() error {
	if err := oneOf("theme", s.Theme, themes); err != nil {
		return err
	}
	if err := oneOf("fontSize", s.FontSize, fontSizes); err != nil {
		return err
	}
	if err := oneOf("whisperModel", s.WhisperModel, whisperModels); err != nil {
		return err
	}
	if s.AutoDetectDuration <= 0 {
		return fmt.Errorf("autoDetectDuration must be positive")
	}
	if s.DefaultPlaybackSpeed <= 0 || s.DefaultPlaybackSpeed > 4 {
		return fmt.Errorf("defaultPlaybackSpeed must be in (0, 4]")
	}
	return nil
}

// Keys lists the setting names accepted by Update.
func Keys() []string {
	m, _ := toMap(Defaults())
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toMap(s AppSettings) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// KV is the key-value part of the local store.
type KV interface {
	GetValue(ctx context.Context, key string) ([]byte, error)
	SetValue(ctx context.Context, key string, value []byte) error
}

// Session is the part of the session context cloud key sync needs.
type Session interface {
	CurrentPrincipal() string
	IsSyncEligible() bool
}

// Manager loads and saves settings.
type Manager struct {
	kv      KV
	remote  remote.Client
	session Session
	logger  *log.Logger
}

// NewManager creates a settings manager. rc and sess may be nil, in which
// case the cloud key operations return sync.ErrNotEligible.
func NewManager(kv KV, rc remote.Client, sess Session, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[settings] ", log.LstdFlags)
	}
	return &Manager{kv: kv, remote: rc, session: sess, logger: logger}
}

// Load returns the saved settings layered over the defaults. A missing or
// unreadable document yields the defaults.
func (m *Manager) Load(ctx context.Context) (AppSettings, error) {
	s := Defaults()
	data, err := m.kv.GetValue(ctx, StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to load settings: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		m.logger.Printf("Ignoring unreadable settings: %v", err)
		return Defaults(), nil
	}
	return s, nil
}

func (m *Manager) save(ctx context.Context, s AppSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := m.kv.SetValue(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// Update merges partial (keyed by setting name) into the saved settings.
// Unknown keys and invalid values are rejected and nothing is saved.
func (m *Manager) Update(ctx context.Context, partial map[string]any) (AppSettings, error) {
	current, err := m.Load(ctx)
	if err != nil {
		return current, err
	}
	fields, err := toMap(current)
	if err != nil {
		return current, err
	}
	for k, v := range partial {
		if _, ok := fields[k]; !ok {
			return current, fmt.Errorf("unknown setting: %q", k)
		}
		fields[k] = v
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return current, fmt.Errorf("failed to encode settings: %w", err)
	}
	var next AppSettings
	if err := json.Unmarshal(data, &next); err != nil {
		return current, fmt.Errorf("invalid setting value: %w", err)
	}
	if err := next.Validate(); err != nil {
		return current, err
	}
	if err := m.save(ctx, next); err != nil {
		return current, err
	}
	return next, nil
}

// Reset restores and saves the defaults.
func (m *Manager) Reset(ctx context.Context) (AppSettings, error) {
	s := Defaults()
	return s, m.save(ctx, s)
}

// ParseValue converts command-line text into a setting value: JSON
// literals (true, 90, 1.5) keep their type, anything else is a string.
func ParseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case bool, float64:
			return v
		}
	}
	return raw
}
