// Package prompts serves system prompt templates. Defaults are compiled in;
// a prompt directory can override them and is hot-reloaded on change.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

//go:embed defaults/*.md
var defaultsFS embed.FS

// Prompt names.
const (
	ProcessThread = "process-thread"
	ReviseDraft   = "revise-draft"
)

// Store resolves prompt names to text. Lookup order: override directory,
// then embedded default.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu        sync.RWMutex
	overrides map[string]string

	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
}

// NewStore creates a prompt store. dir may be empty, in which case only the
// embedded defaults are served. With hotReload set, changes to .md files in
// dir are picked up without a restart.
func NewStore(dir string, hotReload bool, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		dir:       dir,
		logger:    logger,
		overrides: map[string]string{},
		stopCh:    make(chan struct{}),
	}

	if dir != "" {
		if err := s.loadOverrides(); err != nil {
			return nil, err
		}

		if hotReload {
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, fmt.Errorf("failed to create prompt watcher: %w", err)
			}
			if err := watcher.Add(dir); err != nil {
				watcher.Close()
				return nil, fmt.Errorf("failed to watch prompt directory: %w", err)
			}
			s.watcher = watcher
			go s.run()
			logger.Info().Str("dir", dir).Msg("Prompt hot reload enabled")
		}
	}

	return s, nil
}

// Get returns the prompt text for a name. Unknown names return an empty
// string.
func (s *Store) Get(name string) string {
	s.mu.RLock()
	text, ok := s.overrides[name]
	s.mu.RUnlock()
	if ok {
		return text
	}

	data, err := defaultsFS.ReadFile("defaults/" + name + ".md")
	if err != nil {
		return ""
	}
	return string(data)
}

// Close stops the watcher if one is running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.stopCh)
	return s.watcher.Close()
}

func (s *Store) loadOverrides() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read prompt directory: %w", err)
	}

	overrides := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable prompt file")
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		overrides[name] = string(data)
	}

	s.mu.Lock()
	s.overrides = overrides
	s.mu.Unlock()
	return nil
}

func (s *Store) run() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.scheduleReload()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Prompt watcher error")

		case <-s.stopCh:
			return
		}
	}
}

// scheduleReload debounces bursts of file events into one reload.
func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(500*time.Millisecond, func() {
		if err := s.loadOverrides(); err != nil {
			s.logger.Error().Err(err).Msg("Prompt reload failed")
			return
		}
		s.logger.Debug().Msg("Prompts reloaded")
	})
}
