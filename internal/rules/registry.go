package rules

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry holds the currently active rule set and swaps it atomically when
// the underlying file changes. A failed reload keeps the last valid set
// serving, so a bad edit never takes evaluation down.
type Registry struct {
	mu      sync.RWMutex
	path    string
	current *RuleSet
	logger  *slog.Logger
}

// NewRegistry loads the initial rule set from path. The initial load must
// succeed; only subsequent reloads are allowed to fail soft.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	rs, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Registry{path: path, current: rs, logger: logger}, nil
}

// NewStaticRegistry wraps an already validated rule set. Used by tests and
// by callers that manage configuration themselves.
func NewStaticRegistry(rs *RuleSet, logger *slog.Logger) *Registry {
	return &Registry{current: rs, logger: logger}
}

// Current returns the active rule set. The returned set is shared and must
// be treated as read-only.
func (r *Registry) Current() *RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reload re-reads the rules file. On error the previous set stays active.
func (r *Registry) Reload() error {
	rs, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = rs
	r.mu.Unlock()
	return nil
}

// Watch reloads the rule set whenever the file is written. It blocks until
// the context is cancelled. Editors that replace the file (rename + create)
// are handled by watching the parent directory.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("rule reload failed, keeping previous set",
					"path", r.path, "error", err)
				continue
			}
			r.logger.Info("rule set reloaded",
				"path", r.path, "rules", len(r.Current().Rules))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("rules watcher error", "error", err)
		}
	}
}
