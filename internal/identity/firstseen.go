package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FirstSeenLedger records when each public key was first observed and answers
// lurk-window queries. New persistent identities stay in lurk mode until the
// window elapses; an admin-opened window suspends that requirement globally.
//
// The ledger persists to <base>/first_seen.json as pubkey → epoch-ms.
type FirstSeenLedger struct {
	mu        sync.Mutex
	path      string
	seen      map[string]int64
	window    time.Duration
	openUntil int64 // epoch ms; 0 when no admin window is open
}

// LoadFirstSeen opens (or initializes) the ledger at path.
func LoadFirstSeen(path string, window time.Duration) (*FirstSeenLedger, error) {
	l := &FirstSeenLedger{
		path:   path,
		seen:   make(map[string]int64),
		window: window,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("read first-seen ledger: %w", err)
	}
	if err := json.Unmarshal(data, &l.seen); err != nil {
		return nil, fmt.Errorf("parse first-seen ledger %s: %w", path, err)
	}
	return l, nil
}

// Observe records the key's first sighting if unseen and returns the
// first-seen timestamp. Persists synchronously on first sighting.
func (l *FirstSeenLedger) Observe(pubkey string, nowMs int64) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ts, ok := l.seen[pubkey]; ok {
		return ts, false
	}
	l.seen[pubkey] = nowMs
	if err := l.save(); err != nil {
		slog.Error("first-seen ledger save failed", "err", err)
	}
	return nowMs, true
}

// LurkUntil returns the epoch-ms at which the key's lurk window closes, or 0
// if the key is unknown.
func (l *FirstSeenLedger) LurkUntil(pubkey string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.seen[pubkey]
	if !ok {
		return 0
	}
	return ts + l.window.Milliseconds()
}

// IsLurking reports whether the key is still inside its lurk window at nowMs.
// An open admin window overrides lurk for everyone while it lasts.
func (l *FirstSeenLedger) IsLurking(pubkey string, nowMs int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openUntil > nowMs {
		return false
	}
	ts, ok := l.seen[pubkey]
	if !ok {
		return true
	}
	return nowMs < ts+l.window.Milliseconds()
}

// SetOpenWindow suspends the lurk requirement until the given epoch-ms.
func (l *FirstSeenLedger) SetOpenWindow(untilMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openUntil = untilMs
}

// OpenWindowUntil returns the current open-window expiry (0 when closed).
func (l *FirstSeenLedger) OpenWindowUntil() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openUntil
}

// save writes the ledger atomically: tempfile then rename.
func (l *FirstSeenLedger) save() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(l.seen, "", "  ")
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
