package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"playdeck/models"
)

type Database struct {
	db *sql.DB
}

// New opens (creating if needed) the SQLite database at dbPath.
func New(dbPath string) (*Database, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infof("Database initialized at %s", dbPath)
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS blob_cache (
			url TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			priority INTEGER NOT NULL DEFAULT 1,
			stored_at INTEGER NOT NULL,
			accessed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blob_cache_eviction ON blob_cache(priority, accessed_at)`,
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			track_id TEXT NOT NULL,
			track TEXT NOT NULL,
			played_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_play_history_track_id ON play_history(track_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return nil
}

// KV implements kv.Store on the kv table.
type KV struct {
	db *sql.DB
}

func (d *Database) KV() *KV {
	return &KV{db: d.db}
}

func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (k *KV) Set(ctx context.Context, key, value string) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (k *KV) Remove(ctx context.Context, key string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// BlobCache stores prefetched audio bytes. When the total size exceeds
// maxBytes, entries are evicted lowest priority first, then least recently used.
type BlobCache struct {
	db       *sql.DB
	maxBytes int64
	mutex    sync.Mutex
	hits     int64
	misses   int64
	logger   *log.Entry
}

func (d *Database) BlobCache(maxBytes int64) *BlobCache {
	return &BlobCache{
		db:       d.db,
		maxBytes: maxBytes,
		logger: log.WithFields(log.Fields{
			"module": "blob-cache",
		}),
	}
}

func (c *BlobCache) Get(ctx context.Context, url string) ([]byte, bool, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT data FROM blob_cache WHERE url = ?`, url).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		c.record(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	c.record(true)

	if _, err := c.db.ExecContext(ctx, `UPDATE blob_cache SET accessed_at = ? WHERE url = ?`, time.Now().UnixNano(), url); err != nil {
		c.logger.Warnf("failed to touch cache entry %s: %v", url, err)
	}
	return data, true, nil
}

func (c *BlobCache) Put(ctx context.Context, url string, data []byte, priority models.CachePriority) error {
	now := time.Now().UnixNano()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO blob_cache (url, data, size, priority, stored_at, accessed_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET data = excluded.data, size = excluded.size,
		   priority = MAX(blob_cache.priority, excluded.priority), accessed_at = excluded.accessed_at`,
		url, data, len(data), int(priority), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return c.evict(ctx)
}

func (c *BlobCache) evict(ctx context.Context) error {
	if c.maxBytes <= 0 {
		return nil
	}
	total, _, err := c.totals(ctx)
	if err != nil {
		return err
	}
	for total > c.maxBytes {
		var url string
		var size int64
		err := c.db.QueryRowContext(ctx,
			`SELECT url, size FROM blob_cache ORDER BY priority ASC, accessed_at ASC LIMIT 1`,
		).Scan(&url, &size)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to pick eviction candidate: %w", err)
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM blob_cache WHERE url = ?`, url); err != nil {
			return fmt.Errorf("failed to evict %s: %w", url, err)
		}
		c.logger.Debugf("evicted %s (%d bytes)", url, size)
		total -= size
	}
	return nil
}

func (c *BlobCache) totals(ctx context.Context) (int64, int, error) {
	var total sql.NullInt64
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT SUM(size), COUNT(*) FROM blob_cache`).Scan(&total, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute cache size: %w", err)
	}
	return total.Int64, count, nil
}

func (c *BlobCache) record(hit bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func (c *BlobCache) Stats(ctx context.Context) (models.CacheStats, error) {
	total, count, err := c.totals(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	c.mutex.Lock()
	hits, misses := c.hits, c.misses
	c.mutex.Unlock()

	stats := models.CacheStats{TotalSize: total, Entries: count}
	if lookups := hits + misses; lookups > 0 {
		stats.HitRate = float64(hits) / float64(lookups)
		stats.MissRate = float64(misses) / float64(lookups)
	}
	return stats, nil
}
