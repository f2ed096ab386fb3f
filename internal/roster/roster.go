// Package roster holds the allowlist and banlist: admin-gated sets of public
// keys or agent ids, persisted as JSON and consulted during the handshake.
// Files edited out-of-band are picked up by a directory watcher.
package roster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Entry is one listed key or id.
type Entry struct {
	Note    string `json:"note"`
	AddedAt int64  `json:"added_at"`
}

// List is a persisted key/id set. The zero value is unusable; construct with
// Load.
type List struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
}

// Load opens (or initializes) a list file.
func Load(path string) (*List, error) {
	l := &List{path: path, entries: make(map[string]Entry)}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *List) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", l.path, err)
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", l.path, err)
	}
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

// Contains reports membership.
func (l *List) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok
}

// Add inserts or updates an entry and persists. Returns false when the key
// was already present.
func (l *List) Add(key, note string, nowMs int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, existed := l.entries[key]
	l.entries[key] = Entry{Note: note, AddedAt: nowMs}
	if err := l.saveLocked(); err != nil {
		return !existed, err
	}
	return !existed, nil
}

// Remove deletes an entry and persists. Returns false when absent.
func (l *List) Remove(key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; !ok {
		return false, nil
	}
	delete(l.entries, key)
	return true, l.saveLocked()
}

// Snapshot copies the current entries.
func (l *List) Snapshot() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Entry, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Len reports the entry count.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// saveLocked writes atomically: tempfile then rename.
func (l *List) saveLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

// Roster bundles the allowlist and banlist for one instance.
type Roster struct {
	Allow *List
	Ban   *List
}

// LoadRoster opens both lists under base: allowlist.json and banlist.json.
func LoadRoster(base string) (*Roster, error) {
	allow, err := Load(filepath.Join(base, "allowlist.json"))
	if err != nil {
		return nil, err
	}
	ban, err := Load(filepath.Join(base, "banlist.json"))
	if err != nil {
		return nil, err
	}
	return &Roster{Allow: allow, Ban: ban}, nil
}

// Watch reloads either list when its file changes on disk, until the returned
// stop function is called. Operators may edit the files directly; admin ops
// persist through the same files.
func (r *Roster) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("roster watcher: %w", err)
	}
	dir := filepath.Dir(r.Allow.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				switch filepath.Base(ev.Name) {
				case filepath.Base(r.Allow.path):
					if err := r.Allow.reload(); err != nil {
						slog.Error("allowlist reload failed", "err", err)
					} else {
						slog.Info("allowlist reloaded", "entries", r.Allow.Len())
					}
				case filepath.Base(r.Ban.path):
					if err := r.Ban.reload(); err != nil {
						slog.Error("banlist reload failed", "err", err)
					} else {
						slog.Info("banlist reloaded", "entries", r.Ban.Len())
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("roster watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			watcher.Close()
		})
	}, nil
}
