package valves

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the persisted valve file when it is edited outside the admin
// surface. Events are debounced; invalid entries in the edited file are
// rejected field-by-field exactly like an admin update, and listeners fire
// for whatever applied. Returns a stop function.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) (func(), error) {
	if m.path == "" {
		return func() {}, nil
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and our own atomic rename replace the
	// file node, which would silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					fire = timer.C
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn(watchCtx, "valve watcher error", "error", err)
			case <-fire:
				timer = nil
				fire = nil
				m.reloadFromDisk(watchCtx)
			}
		}
	}()

	return func() {
		cancel()
		watcher.Close()
		<-done
	}, nil
}

// reloadFromDisk applies external edits through the normal update path so
// validation and listeners behave identically to an admin update.
func (m *Manager) reloadFromDisk(ctx context.Context) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.logger.Warn(ctx, "valve file reload failed", "path", m.path, "error", err)
		return
	}
	var persisted struct {
		Values map[string]any `json:"values"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		m.logger.Warn(ctx, "valve file reload unparseable", "path", m.path, "error", err)
		return
	}

	current := m.Current()
	delta := make(map[string]any)
	for name, raw := range persisted.Values {
		if prev, ok := current[name]; !ok || !equalValue(prev, raw) {
			delta[name] = raw
		}
	}
	if len(delta) == 0 {
		return
	}
	m.logger.Info(ctx, "reloading externally edited valves", "fields", len(delta))
	m.Update(ctx, delta)
}

func equalValue(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}
