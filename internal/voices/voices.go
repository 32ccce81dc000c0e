// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package voices maintains the library of built-in and custom voices.
package voices

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/jeranaias/voiceforge/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrVoiceNotFound = errors.New("voice not found")
	ErrBuiltinVoice  = errors.New("built-in voices cannot be modified")
	ErrInvalidSample = errors.New("invalid voice sample")
)

// =============================================================================
// VOICE TYPE
// =============================================================================

// Voice is one entry in the library.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Locale   string `json:"locale"` // BCP 47, "und" when the tag could not be parsed
	Gender   string `json:"gender,omitempty"`
	Path     string `json:"path"`
	Builtin  bool   `json:"builtin"`
	Favorite bool   `json:"favorite"`
}

// sidecar is the optional JSON metadata next to a custom voice sample.
type sidecar struct {
	Name   string `json:"name,omitempty"`
	Locale string `json:"locale,omitempty"`
	Gender string `json:"gender,omitempty"`
}

// sampleExts are the audio formats accepted as voice samples.
var sampleExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".ogg":  true,
}

// favoritesFile holds favorite flags for both built-in and custom voices.
// It lives in the custom dir because the built-in dir belongs to the engine.
const favoritesFile = "favorites.json"

// =============================================================================
// REGISTRY
// =============================================================================

// Config holds voice library configuration.
type Config struct {
	// BuiltinDir is the engine's voice directory, present after setup
	BuiltinDir string

	// CustomDir is where user-dropped samples live
	CustomDir string

	// EnableWatch enables hot reload when the custom dir changes
	EnableWatch bool

	// WatchDebounce is the quiet period before a change triggers a reload
	WatchDebounce time.Duration

	// PollInterval is the fallback scan interval when fsnotify is unavailable
	PollInterval time.Duration
}

// DefaultConfig returns the standard layout under dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		BuiltinDir:    filepath.Join(dataDir, "runtime", "engine", "voices"),
		CustomDir:     filepath.Join(dataDir, "voices"),
		EnableWatch:   true,
		WatchDebounce: 500 * time.Millisecond,
		PollInterval:  5 * time.Second,
	}
}

// Registry is the in-memory voice library, reloaded from disk on changes.
type Registry struct {
	cfg     Config
	watcher dirWatcher

	mu        sync.RWMutex
	voices    map[string]Voice
	favorites map[string]bool
}

// New builds the registry, scans both directories, and starts the watcher.
func New(cfg Config) (*Registry, error) {
	if cfg.CustomDir == "" {
		return nil, errors.New("custom voice directory cannot be empty")
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	if err := os.MkdirAll(cfg.CustomDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create voice directory: %w", err)
	}

	r := &Registry{
		cfg:       cfg,
		voices:    make(map[string]Voice),
		favorites: make(map[string]bool),
	}
	r.loadFavorites()
	r.Reload()

	if cfg.EnableWatch {
		r.startWatcher()
	}

	return r, nil
}

// Close stops the directory watcher.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

// Reload rescans both voice directories and swaps the registry contents.
func (r *Registry) Reload() {
	voices := make(map[string]Voice)
	r.scanDir(voices, r.cfg.BuiltinDir, true)
	r.scanDir(voices, r.cfg.CustomDir, false)

	r.mu.Lock()
	for id, v := range voices {
		v.Favorite = r.favorites[id]
		voices[id] = v
	}
	r.voices = voices
	r.mu.Unlock()
}

// scanDir adds every recognized sample in dir to out. A missing directory is
// not an error: the built-in dir only exists after setup.
func (r *Registry) scanDir(out map[string]Voice, dir string, builtin bool) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !sampleExts[ext] {
			continue
		}

		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		v := Voice{
			Name:    stem,
			Locale:  "und",
			Path:    filepath.Join(dir, entry.Name()),
			Builtin: builtin,
		}
		if builtin {
			v.ID = stem
		} else {
			v.ID = "custom-" + stem
		}

		// Sidecar metadata wins over filename-derived defaults
		if meta, err := readSidecar(filepath.Join(dir, stem+".json")); err == nil {
			if meta.Name != "" {
				v.Name = meta.Name
			}
			if meta.Locale != "" {
				v.Locale = CanonicalLocale(meta.Locale)
			}
			v.Gender = meta.Gender
		}

		out[v.ID] = v
	}
}

func readSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// CanonicalLocale parses a BCP 47 tag and returns its canonical form.
// Unparseable tags collapse to "und" so a bad sidecar never breaks the
// library.
func CanonicalLocale(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return "und"
	}
	return tag.String()
}

// =============================================================================
// QUERIES
// =============================================================================

// List returns all voices, built-ins first, then by name.
func (r *Registry) List() []Voice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Voice, 0, len(r.voices))
	for _, v := range r.voices {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Builtin != list[j].Builtin {
			return list[i].Builtin
		}
		ni, nj := strings.ToLower(list[i].Name), strings.ToLower(list[j].Name)
		if ni != nj {
			return ni < nj
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Get returns one voice by ID.
func (r *Registry) Get(id string) (Voice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.voices[id]
	if !ok {
		return Voice{}, ErrVoiceNotFound
	}
	return v, nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// SaveCustom copies a sample into the custom dir, writes its sidecar, and
// returns the new voice.
func (r *Registry) SaveCustom(name, locale, samplePath string) (Voice, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Voice{}, errors.New("voice name cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(samplePath))
	if !sampleExts[ext] {
		return Voice{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidSample, ext)
	}
	data, err := os.ReadFile(samplePath)
	if err != nil {
		return Voice{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	if len(data) == 0 {
		return Voice{}, fmt.Errorf("%w: sample is empty", ErrInvalidSample)
	}

	stem := slugify(name)
	if stem == "" {
		return Voice{}, errors.New("voice name has no usable characters")
	}

	// RELIABILITY: Atomic writes so a crash never leaves a torn sample
	dst := filepath.Join(r.cfg.CustomDir, stem+ext)
	if err := util.AtomicWriteFile(dst, data, 0644); err != nil {
		return Voice{}, fmt.Errorf("failed to store sample: %w", err)
	}

	meta := sidecar{Name: name, Locale: CanonicalLocale(locale)}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Voice{}, err
	}
	sidecarPath := filepath.Join(r.cfg.CustomDir, stem+".json")
	if err := util.AtomicWriteFile(sidecarPath, metaData, 0644); err != nil {
		return Voice{}, fmt.Errorf("failed to store voice metadata: %w", err)
	}

	r.Reload()
	return r.Get("custom-" + stem)
}

// Delete removes a custom voice, its sidecar, and its favorite flag.
func (r *Registry) Delete(id string) error {
	v, err := r.Get(id)
	if err != nil {
		return err
	}
	if v.Builtin {
		return ErrBuiltinVoice
	}

	if err := os.Remove(v.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove sample: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(v.Path), filepath.Ext(v.Path))
	_ = os.Remove(filepath.Join(r.cfg.CustomDir, stem+".json"))

	r.mu.Lock()
	delete(r.favorites, id)
	r.mu.Unlock()
	r.saveFavorites()

	r.Reload()
	return nil
}

// SetFavorite flags or unflags a voice. Works for built-ins too, since the
// flag lives outside the engine's directory.
func (r *Registry) SetFavorite(id string, favorite bool) error {
	r.mu.Lock()
	v, ok := r.voices[id]
	if !ok {
		r.mu.Unlock()
		return ErrVoiceNotFound
	}
	if favorite {
		r.favorites[id] = true
	} else {
		delete(r.favorites, id)
	}
	v.Favorite = favorite
	r.voices[id] = v
	r.mu.Unlock()

	return r.saveFavorites()
}

// =============================================================================
// FAVORITES PERSISTENCE
// =============================================================================

func (r *Registry) favoritesPath() string {
	return filepath.Join(r.cfg.CustomDir, favoritesFile)
}

func (r *Registry) loadFavorites() {
	data, err := os.ReadFile(r.favoritesPath())
	if err != nil {
		return
	}
	favorites := make(map[string]bool)
	if err := json.Unmarshal(data, &favorites); err != nil {
		return
	}
	r.mu.Lock()
	r.favorites = favorites
	r.mu.Unlock()
}

func (r *Registry) saveFavorites() error {
	r.mu.RLock()
	data, err := json.MarshalIndent(r.favorites, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(r.favoritesPath(), data, 0644)
}

// =============================================================================
// HELPERS
// =============================================================================

// slugify reduces a display name to a safe file stem.
func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
