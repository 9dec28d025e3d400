// Package constitution serves the runtime-editable system preamble. The
// file is re-read when its mtime changes; an fsnotify watcher invalidates
// the cache early, with the mtime check as the correctness backstop.
package constitution

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Cache holds the constitution text keyed on file modification time.
type Cache struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	content string
	mtime   time.Time
	loaded  bool
}

// NewCache creates a cache over the constitution file at path.
func NewCache(path string, log zerolog.Logger) *Cache {
	return &Cache{
		path: path,
		log:  log.With().Str("component", "constitution").Logger(),
	}
}

// Load returns the current constitution text, re-reading the file when its
// mtime has changed. A missing or unreadable file yields the last good
// content (or empty) and the error.
func (c *Cache) Load() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return c.content, err
	}
	if c.loaded && info.ModTime().Equal(c.mtime) {
		return c.content, nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return c.content, err
	}

	c.content = string(data)
	c.mtime = info.ModTime()
	c.loaded = true
	c.log.Debug().Time("mtime", c.mtime).Int("bytes", len(data)).Msg("constitution reloaded")
	return c.content, nil
}

// invalidate forces the next Load to re-read the file.
func (c *Cache) invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

// Watch invalidates the cache when the file's directory reports changes.
// Returns once the watcher is installed; stops when ctx is cancelled.
func (c *Cache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: editors often replace the file.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == c.path && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					c.invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn().Err(err).Msg("constitution watcher error")
			}
		}
	}()
	return nil
}
