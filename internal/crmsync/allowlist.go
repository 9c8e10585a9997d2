package crmsync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Activity names forwarded to the CRM timeline by default. Everything else
// is filtered out regardless of tenant settings.
var defaultForwardedActivities = []string{
	"space_membership.created",
	"space_membership.deleted",
	"space.created",
	"post.published",
	"reaction.added",
	"tag.added",
}

// ActivityAllowList is the shared, hot-reloadable filter for the Activity
// Forwarder.
type ActivityAllowList struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func NewActivityAllowList(names []string) *ActivityAllowList {
	list := &ActivityAllowList{}
	list.Replace(names)
	return list
}

func DefaultActivityAllowList() *ActivityAllowList {
	return NewActivityAllowList(defaultForwardedActivities)
}

func (l *ActivityAllowList) Allows(name string) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.names[name]
	return ok
}

func (l *ActivityAllowList) Replace(names []string) {
	if l == nil {
		return
	}
	next := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			next[name] = struct{}{}
		}
	}
	l.mu.Lock()
	l.names = next
	l.mu.Unlock()
}

func (l *ActivityAllowList) Names() []string {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.names))
	for name := range l.names {
		names = append(names, name)
	}
	return names
}

// LoadFromFile replaces the allow-list with the JSON string array at path.
func (l *ActivityAllowList) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	l.Replace(names)
	return nil
}

// WatchAllowListFile reloads the allow-list whenever the override file is
// rewritten. The watch is on the parent directory so editors that replace
// the file (rename-over) keep being observed. Blocks until ctx is done.
func WatchAllowListFile(ctx context.Context, path string, list *ActivityAllowList, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := list.LoadFromFile(path); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("allow-list initial load failed", zap.String("path", path), zap.Error(err))
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := list.LoadFromFile(path); err != nil {
				logger.Warn("allow-list reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("allow-list reloaded", zap.String("path", path), zap.Strings("names", list.Names()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("allow-list watcher error", zap.Error(err))
		}
	}
}
