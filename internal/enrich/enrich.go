// Package enrich reads model identity and accumulated token usage from
// host transcript files. Reads are opportunistic: any I/O error yields
// "no enrichment" and never fails the mapping path.
package enrich

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/talon/internal/trace"
)

const (
	// defaultTTL bounds how long a cached entry is trusted without
	// re-reading the transcript.
	defaultTTL = 5 * time.Second

	// defaultTailBytes is how much of the file tail is scanned. Enough
	// to capture several messages without reading whole transcripts.
	defaultTailBytes = 64 * 1024

	// maxLineBytes caps a single transcript line.
	maxLineBytes = 10 * 1024 * 1024
)

type entry struct {
	enr        trace.Enrichment
	path       string
	mtime      time.Time
	capturedAt time.Time
}

// Cache is the session-keyed enrichment cache. A single writer refreshes
// entries; mapper goroutines read concurrently.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]entry
	ttl       time.Duration
	tailBytes int64

	// watcher invalidates entries as soon as the transcript changes.
	// mtime+TTL remains the correctness backstop when fsnotify is
	// unavailable (NFS and friends).
	watcher  *fsnotify.Watcher
	watched  map[string]string // path → session_id
	stopOnce sync.Once
	done     chan struct{}
}

// NewCache creates an enrichment cache with default TTL and tail size.
// The fsnotify watcher is best-effort; failure to create it degrades to
// pure mtime+TTL checks.
func NewCache() *Cache {
	c := &Cache{
		entries:   make(map[string]entry),
		ttl:       defaultTTL,
		tailBytes: defaultTailBytes,
		watched:   make(map[string]string),
		done:      make(chan struct{}),
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		c.watcher = w
		go c.watchLoop()
	}
	return c
}

// Close releases the watcher.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.watcher != nil {
			_ = c.watcher.Close()
		}
	})
}

func (c *Cache) watchLoop() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) {
				continue
			}
			c.mu.Lock()
			if sid, ok := c.watched[ev.Name]; ok {
				delete(c.entries, sid)
			}
			c.mu.Unlock()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Lookup implements trace.Enricher. It returns the cached enrichment when
// fresh, otherwise re-reads the transcript tail.
func (c *Cache) Lookup(sessionID, transcriptPath string) (trace.Enrichment, bool) {
	if sessionID == "" {
		return trace.Enrichment{}, false
	}

	c.mu.RLock()
	e, ok := c.entries[sessionID]
	c.mu.RUnlock()

	if transcriptPath == "" {
		transcriptPath = e.path
	}
	if transcriptPath == "" {
		return trace.Enrichment{}, false
	}

	if ok && time.Since(e.capturedAt) < c.ttl {
		if info, err := os.Stat(transcriptPath); err == nil && !info.ModTime().After(e.mtime) {
			return e.enr, true
		}
	}

	enr, mtime, ok := readTail(transcriptPath, c.tailBytes)
	if !ok {
		return trace.Enrichment{}, false
	}

	c.mu.Lock()
	c.entries[sessionID] = entry{
		enr:        enr,
		path:       transcriptPath,
		mtime:      mtime,
		capturedAt: time.Now(),
	}
	if c.watcher != nil {
		if _, watching := c.watched[transcriptPath]; !watching {
			if err := c.watcher.Add(transcriptPath); err == nil {
				c.watched[transcriptPath] = sessionID
			}
		} else {
			c.watched[transcriptPath] = sessionID
		}
	}
	c.mu.Unlock()

	return enr, true
}

// transcriptLine is the subset of a transcript JSONL line the enricher
// cares about.
type transcriptLine struct {
	Message *struct {
		Model string `json:"model"`
		Usage *struct {
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// readTail scans the last tailBytes of the transcript, tolerating
// malformed lines, and keeps the most recent model string and usage
// triple observed.
func readTail(path string, tailBytes int64) (trace.Enrichment, time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return trace.Enrichment{}, time.Time{}, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return trace.Enrichment{}, time.Time{}, false
	}

	if info.Size() > tailBytes {
		if _, err := f.Seek(info.Size()-tailBytes, io.SeekStart); err != nil {
			return trace.Enrichment{}, time.Time{}, false
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var enr trace.Enrichment
	first := info.Size() > tailBytes
	for scanner.Scan() {
		if first {
			// The seek likely landed mid-line; drop the partial.
			first = false
			continue
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil || tl.Message == nil {
			continue
		}
		if tl.Message.Model != "" {
			enr.Model = tl.Message.Model
		}
		if u := tl.Message.Usage; u != nil {
			prompt := u.PromptTokens
			if prompt == 0 {
				prompt = u.InputTokens
			}
			completion := u.CompletionTokens
			if completion == 0 {
				completion = u.OutputTokens
			}
			total := u.TotalTokens
			if total == 0 {
				total = prompt + completion
			}
			if prompt != 0 || completion != 0 || total != 0 {
				enr.PromptTokens = prompt
				enr.CompletionTokens = completion
				enr.TotalTokens = total
			}
		}
	}
	// scanner.Err is deliberately not fatal: whatever was parsed before
	// the error still counts as enrichment.

	if enr.Model == "" && enr.TotalTokens == 0 {
		return trace.Enrichment{}, time.Time{}, false
	}
	return enr, info.ModTime(), true
}
