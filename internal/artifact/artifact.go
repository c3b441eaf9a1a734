// Package artifact delivers module bytes to the load pipeline. Remote
// locators are downloaded into a local cache addressed by locator digest;
// local files are opened in place. Every fetch hands back a fresh
// single-owner handle.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kilnproc/kiln/internal/model"
)

// downloadTimeout bounds a single artifact download. The pipeline itself
// carries no deadlines; slow or dead remotes surface here as fetch failures.
const downloadTimeout = 60 * time.Second

// Fetcher resolves a locator to artifact bytes. Each call returns a fresh
// single-owner handle whose ownership transfers to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (*model.ArtifactHandle, error)
}

// Cache is a Fetcher backed by a cache directory. http(s) locators are
// downloaded once and reused until the janitor evicts them; file locators
// and bare paths bypass the cache entirely.
type Cache struct {
	dir    string
	maxAge time.Duration
	client *http.Client
	logger *slog.Logger
	cron   *cron.Cron
}

// NewCache creates the cache directory if needed. maxAge controls janitor
// eviction; entries untouched for longer are removed on each sweep.
func NewCache(dir string, maxAge time.Duration, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:    dir,
		maxAge: maxAge,
		client: &http.Client{Timeout: downloadTimeout},
		logger: logger,
	}, nil
}

// Fetch implements Fetcher.
func (c *Cache) Fetch(ctx context.Context, locator string) (*model.ArtifactHandle, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("parse locator %q: %w", locator, err)
	}

	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = locator
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open artifact: %w", err)
		}
		return model.NewArtifactHandle(f, path), nil
	case "http", "https":
		return c.fetchRemote(ctx, locator)
	default:
		return nil, fmt.Errorf("unsupported locator scheme %q", u.Scheme)
	}
}

// fetchRemote returns the cached copy of a remote artifact, downloading it
// first on a miss. Downloads go to a temp file and are installed with an
// atomic rename, so concurrent fetches of the same locator are safe.
func (c *Cache) fetchRemote(ctx context.Context, locator string) (*model.ArtifactHandle, error) {
	path := c.entryPath(locator)
	if f, err := os.Open(path); err == nil {
		cacheHits.Inc()
		return model.NewArtifactHandle(f, path), nil
	}
	cacheMisses.Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", locator, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", locator, resp.Status)
	}

	tmp, err := os.CreateTemp(c.dir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("create download file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("download %s: %w", locator, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close download file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("create cache entry dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("install cache entry: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cache entry: %w", err)
	}
	c.logger.Debug("artifact cached", "locator", locator, "path", path)
	return model.NewArtifactHandle(f, path), nil
}

// entryPath maps a locator to its cache location, keyed by locator digest
// and fanned out over a two-character prefix directory.
func (c *Cache) entryPath(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	key := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, key[:2], key)
}

// StartJanitor schedules periodic sweeps that evict cache entries older than
// maxAge. schedule uses cron syntax, including descriptors like "@every 1h".
func (c *Cache) StartJanitor(schedule string) error {
	if c.cron != nil {
		return fmt.Errorf("janitor already started")
	}
	cr := cron.New()
	if _, err := cr.AddFunc(schedule, c.sweep); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	cr.Start()
	c.cron = cr
	c.logger.Info("artifact janitor started", "schedule", schedule, "max_age", c.maxAge.String())
	return nil
}

// StopJanitor halts the sweep schedule and waits for a running sweep to
// finish. Safe to call when the janitor was never started.
func (c *Cache) StopJanitor() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.cron = nil
}

// sweep removes cache entries whose backing files have not been touched
// within maxAge. Open handles stay valid: an unlinked file lives until its
// last descriptor closes.
func (c *Cache) sweep() {
	cutoff := time.Now().Add(-c.maxAge)
	var evicted int

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			// Entry vanished mid-walk.
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				evicted++
				cacheEvictions.Inc()
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("cache sweep failed", "error", err)
		return
	}
	if evicted > 0 {
		c.logger.Info("cache sweep complete", "evicted", evicted)
	}
}
