// Package keys stores named session tokens on disk so the CLI can run
// without a token on every invocation.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/manash/jimeng/internal/region"
)

const (
	DefaultName = "default"
	fileName    = "sessions.json"
)

var ErrNoSession = errors.New("session token required")

// Store handles session token storage and retrieval
type Store struct {
	configDir string
}

// Entry is one saved session. Region is derived from the token when saved.
type Entry struct {
	Token   string    `json:"token"`
	Region  string    `json:"region"`
	AddedAt time.Time `json:"added_at"`
}

type entries map[string]Entry

func NewStore() (*Store, error) {
	configDir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Store{configDir: configDir}, nil
}

func NewStoreAt(dir string) *Store {
	return &Store{configDir: dir}
}

// ConfigDir returns the platform-specific config directory
func ConfigDir() (string, error) {
	if dir := os.Getenv("JIMENG_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "jimeng"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "jimeng"), nil
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "jimeng"), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.configDir, fileName)
}

func (s *Store) load() (entries, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(entries), nil
		}
		return nil, err
	}

	var e entries
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", fileName, err)
	}
	if e == nil {
		e = make(entries)
	}
	return e, nil
}

func (s *Store) save(e entries) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}

	// Tokens are credentials: owner read/write only.
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", fileName, err)
	}
	return nil
}

// Set saves token under name, replacing any previous token of that name.
func (s *Store) Set(name, token string) (Entry, error) {
	name = normalizeName(name)
	token = strings.TrimSpace(token)
	if token == "" {
		return Entry{}, ErrNoSession
	}

	e, err := s.load()
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Token:   token,
		Region:  string(region.FromToken(token).Region),
		AddedAt: time.Now().UTC(),
	}
	e[name] = entry
	return entry, s.save(e)
}

// Get returns the entry saved under name. A missing entry is not an error.
func (s *Store) Get(name string) (Entry, bool, error) {
	e, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := e[normalizeName(name)]
	return entry, ok, nil
}

func (s *Store) Delete(name string) error {
	name = normalizeName(name)
	e, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := e[name]; !ok {
		return fmt.Errorf("no session saved as %q", name)
	}
	delete(e, name)
	return s.save(e)
}

// List returns saved session names in order.
func (s *Store) List() ([]string, error) {
	e, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Mask hides the middle of a token for display.
func Mask(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

// Resolve picks the session token to use, in order: the explicit flag value,
// the token saved under name, then the environment value. It reports where
// the token came from.
func (s *Store) Resolve(explicit, name, envValue string) (string, string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, "command-line flag", nil
	}

	if s != nil {
		entry, ok, err := s.Get(name)
		if err == nil && ok && entry.Token != "" {
			return entry.Token, fmt.Sprintf("saved session %q (%s)", normalizeName(name), s.Path()), nil
		}
	}

	if first := firstToken(envValue); first != "" {
		return first, "environment variable (JIMENG_SESSION_ID)", nil
	}

	return "", "", fmt.Errorf("%w: run 'jimeng keys set' or set JIMENG_SESSION_ID", ErrNoSession)
}

func firstToken(list string) string {
	if tokens := region.Tokens(list); len(tokens) > 0 {
		return tokens[0]
	}
	return ""
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName
	}
	return name
}
