package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings are the user's generation preferences.
type Settings struct {
	ModelName      string `mapstructure:"model_name" json:"model_name" validate:"required"`
	PromptDuration int    `mapstructure:"prompt_duration" json:"prompt_duration" validate:"min=1,max=15"`
}

// DefaultSettings are used until the user picks something else.
var DefaultSettings = Settings{
	ModelName:      "thepatch/vanya_ai_dnb_0.1",
	PromptDuration: 6,
}

// ErrInvalidSettings wraps validation failures.
var ErrInvalidSettings = errors.New("invalid settings")

// SettingsStore persists Settings to a YAML or JSON file and picks up edits
// made to that file while running.
type SettingsStore struct {
	path     string
	format   string
	v        *viper.Viper // owned by the watcher once Watch is called
	validate *validator.Validate

	mu       sync.RWMutex
	cur      Settings
	onChange []func(Settings)
}

// OpenSettings loads path, creating it with DefaultSettings when missing.
func OpenSettings(path string) (*SettingsStore, error) {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format == "" {
		format = "yaml"
	}
	s := &SettingsStore{path: path, format: format, validate: validator.New()}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(DefaultSettings); err != nil {
			return nil, err
		}
	}

	s.v = s.newViper()
	s.v.SetConfigFile(path)
	if err := s.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	cur, err := s.decode(s.v)
	if err != nil {
		return nil, err
	}
	s.cur = cur
	return s, nil
}

func (s *SettingsStore) newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType(s.format)
	v.SetDefault("model_name", DefaultSettings.ModelName)
	v.SetDefault("prompt_duration", DefaultSettings.PromptDuration)
	return v
}

func (s *SettingsStore) decode(v *viper.Viper) (Settings, error) {
	var st Settings
	if err := v.Unmarshal(&st); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(st); err != nil {
		return Settings{}, err
	}
	return st, nil
}

// Validate checks st against the allowed ranges.
func (s *SettingsStore) Validate(st Settings) error {
	if err := s.validate.Struct(st); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// Path returns the settings file location.
func (s *SettingsStore) Path() string {
	return s.path
}

// Get returns the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update validates st, writes it to disk and makes it current.
func (s *SettingsStore) Update(st Settings) error {
	if err := s.Validate(st); err != nil {
		return err
	}
	if err := s.write(st); err != nil {
		return err
	}
	s.set(st)
	return nil
}

// OnChange registers fn to run whenever the settings change.
func (s *SettingsStore) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Watch reloads the file whenever it changes on disk. Invalid edits are
// logged and ignored.
func (s *SettingsStore) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := s.decode(s.v)
		if err != nil {
			log.Printf("Ignoring settings change in %s: %v", e.Name, err)
			return
		}
		if next == s.Get() {
			return
		}
		log.Printf("Settings reloaded: model=%s prompt_duration=%d", next.ModelName, next.PromptDuration)
		s.set(next)
	})
	s.v.WatchConfig()
}

func (s *SettingsStore) set(st Settings) {
	s.mu.Lock()
	changed := s.cur != st
	s.cur = st
	callbacks := slices.Clone(s.onChange)
	s.mu.Unlock()

	if changed {
		for _, fn := range callbacks {
			fn(st)
		}
	}
}

// write saves st through a temp file so readers never see a partial file.
func (s *SettingsStore) write(st Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	v := s.newViper()
	v.Set("model_name", st.ModelName)
	v.Set("prompt_duration", st.PromptDuration)

	// viper picks the encoder from the extension, so the temp file keeps it
	tmp := strings.TrimSuffix(s.path, filepath.Ext(s.path)) + ".tmp." + s.format
	if err := v.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
