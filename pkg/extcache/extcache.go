// Package extcache caches the public extension index: a mapping from a
// versioned content filename to a download location and size. It keeps
// hosts from re-uploading archives a public index already serves.
package extcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GRhin/stronghold-lobby/pkg/content"
	"github.com/GRhin/stronghold-lobby/pkg/model"
)

var ErrDisabled = errors.New("extension index disabled")

// Cache refreshes from the upstream index at most once per TTL on the read
// path, plus at most once per Check miss. Entries persist to a local sqlite
// file so a restart does not hammer the upstream.
type Cache struct {
	upstream string
	client   *http.Client
	ttl      time.Duration

	mu        sync.Mutex
	db        *sql.DB
	entries   map[string]model.ExtensionCacheEntry
	fetchedAt time.Time
}

// New opens the sqlite store at dbPath and loads any persisted entries.
// An empty upstream disables the cache. ttl defaults to one hour.
func New(upstream, dbPath string, ttl time.Duration, client *http.Client) (*Cache, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Cache{
		upstream: upstream,
		client:   client,
		ttl:      ttl,
		entries:  make(map[string]model.ExtensionCacheEntry),
	}
	if dbPath != "" {
		if err := c.openDB(dbPath); err != nil {
			return nil, err
		}
		c.loadPersisted()
	}
	return c, nil
}

func (c *Cache) openDB(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("extcache init mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("extcache open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS extension_cache(
		name TEXT PRIMARY KEY, version TEXT, download_url TEXT, size INTEGER, fetched_at INTEGER)`); err != nil {
		_ = db.Close()
		return fmt.Errorf("extcache schema: %w", err)
	}
	c.db = db
	return nil
}

func (c *Cache) loadPersisted() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rows, err := c.db.QueryContext(ctx, `SELECT name, version, download_url, size, fetched_at FROM extension_cache`)
	if err != nil {
		return
	}
	defer rows.Close()
	var newest int64
	for rows.Next() {
		var e model.ExtensionCacheEntry
		var ts int64
		if err := rows.Scan(&e.Name, &e.Version, &e.DownloadURL, &e.Size, &ts); err != nil {
			continue
		}
		e.FetchedAt = time.Unix(ts, 0)
		c.entries[e.Name] = e
		if ts > newest {
			newest = ts
		}
	}
	if newest > 0 {
		c.fetchedAt = time.Unix(newest, 0)
	}
}

// List returns every cached entry, refreshing first when the cache is stale.
func (c *Cache) List(ctx context.Context) ([]model.ExtensionCacheEntry, error) {
	if c.upstream == "" {
		return nil, ErrDisabled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetchedAt) > c.ttl {
		if err := c.refreshLocked(ctx); err != nil && len(c.entries) == 0 {
			return nil, err
		}
	}
	out := make([]model.ExtensionCacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Check reports whether the index serves filename at the requested version or
// newer. A miss triggers one refresh before giving up.
func (c *Cache) Check(ctx context.Context, filename, version string) (model.ExtensionCacheEntry, bool, error) {
	if c.upstream == "" {
		return model.ExtensionCacheEntry{}, false, ErrDisabled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lookupLocked(filename, version); ok {
		return e, true, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return model.ExtensionCacheEntry{}, false, err
	}
	e, ok := c.lookupLocked(filename, version)
	return e, ok, nil
}

func (c *Cache) lookupLocked(filename, version string) (model.ExtensionCacheEntry, bool) {
	e, ok := c.entries[filename]
	if !ok {
		return model.ExtensionCacheEntry{}, false
	}
	if version != "" && content.CompareVersions(e.Version, version) < 0 {
		return model.ExtensionCacheEntry{}, false
	}
	return e, true
}

// upstreamEntry tolerates both the bare-array and enveloped index formats.
type upstreamEntry struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	DownloadURL string `json:"downloadUrl"`
	BrowserURL  string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.upstream, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("extension index fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("extension index fetch: status %s", resp.Status)
	}
	var raw []upstreamEntry
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("extension index decode: %w", err)
	}
	now := time.Now()
	entries := make(map[string]model.ExtensionCacheEntry, len(raw))
	for _, u := range raw {
		if u.Name == "" {
			continue
		}
		url := u.DownloadURL
		if url == "" {
			url = u.BrowserURL
		}
		version := u.Version
		if version == "" {
			version = versionFromName(u.Name)
		}
		entries[u.Name] = model.ExtensionCacheEntry{
			Name:        u.Name,
			Version:     version,
			DownloadURL: url,
			Size:        u.Size,
			FetchedAt:   now,
		}
	}
	c.entries = entries
	c.fetchedAt = now
	c.persistLocked()
	return nil
}

func (c *Cache) persistLocked() {
	if c.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	_, _ = tx.ExecContext(ctx, `DELETE FROM extension_cache`)
	for _, e := range c.entries {
		_, _ = tx.ExecContext(ctx,
			`INSERT INTO extension_cache(name, version, download_url, size, fetched_at) VALUES(?,?,?,?,?)`,
			e.Name, e.Version, e.DownloadURL, e.Size, e.FetchedAt.Unix())
	}
	_ = tx.Commit()
}

// versionFromName extracts "1.2.3" from "ext-1.2.3.zip".
func versionFromName(name string) string {
	base := strings.TrimSuffix(name, ".zip")
	if i := strings.LastIndex(base, "-"); i >= 0 {
		return base[i+1:]
	}
	return ""
}

// Close releases the sqlite handle.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
