package fabric

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxInboxLines caps the tail file before truncation kicks in.
	DefaultMaxInboxLines = 1000

	// truncateInterval throttles truncation so a chatty channel cannot
	// rewrite the file on every append.
	truncateInterval = 5 * time.Second
)

// Inbox is an append-only JSONL file that external file-based consumers
// tail. Every append touches a `newdata` semaphore file next to it. The
// file is truncated to the newest maxLines at most once per interval, via
// tempfile+rename so a tailing reader never sees a half-written file.
type Inbox struct {
	mu           sync.Mutex
	path         string
	newdataPath  string
	maxLines     int
	lines        int
	counted      bool
	lastTruncate time.Time
	now          func() time.Time
	logger       *log.Logger
}

// NewInbox prepares an inbox at path. maxLines <= 0 selects the default.
// The file itself is created lazily on first append.
func NewInbox(path string, maxLines int) *Inbox {
	if maxLines <= 0 {
		maxLines = DefaultMaxInboxLines
	}
	return &Inbox{
		path:        path,
		newdataPath: filepath.Join(filepath.Dir(path), "newdata"),
		maxLines:    maxLines,
		now:         time.Now,
		logger:      log.New(log.Writer(), "[Inbox] ", log.LstdFlags),
	}
}

// Path returns the JSONL file location.
func (in *Inbox) Path() string {
	return in.path
}

// Append marshals v onto its own line and touches the semaphore file.
func (in *Inbox) Append(v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal inbox line: %w", err)
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(in.path), 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	if !in.counted {
		in.lines = countLines(in.path)
		in.counted = true
	}

	f, err := os.OpenFile(in.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append inbox: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close inbox: %w", err)
	}
	in.lines++

	if err := in.touchNewdata(); err != nil {
		in.logger.Printf("Failed to touch newdata semaphore: %v", err)
	}

	if in.lines > in.maxLines && in.now().Sub(in.lastTruncate) >= truncateInterval {
		if err := in.truncateLocked(); err != nil {
			in.logger.Printf("Truncation failed: %v", err)
		}
	}
	return nil
}

// Lines reports the current line count, counting the file on first use.
func (in *Inbox) Lines() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.counted {
		in.lines = countLines(in.path)
		in.counted = true
	}
	return in.lines
}

func (in *Inbox) touchNewdata() error {
	f, err := os.OpenFile(in.newdataPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// truncateLocked rewrites the file with only the newest maxLines. Caller
// holds in.mu, which also blocks appends for the duration.
func (in *Inbox) truncateLocked() error {
	data, err := os.ReadFile(in.path)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	lines := bytes.Split(bytes.TrimSuffix(data, []byte{'\n'}), []byte{'\n'})
	if len(lines) > in.maxLines {
		lines = lines[len(lines)-in.maxLines:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(in.path), ".inbox-*")
	if err != nil {
		return fmt.Errorf("create tempfile: %w", err)
	}
	for _, l := range lines {
		if _, err := tmp.Write(append(l, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write tempfile: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close tempfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), in.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("swap inbox: %w", err)
	}

	dropped := in.lines - len(lines)
	in.lines = len(lines)
	in.lastTruncate = in.now()
	in.logger.Printf("Truncated inbox %s, dropped %d lines", in.path, dropped)
	return nil
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return bytes.Count(data, []byte{'\n'})
}
