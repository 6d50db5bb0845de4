package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/itskum47/fleetconsole/console/observability"
	"github.com/itskum47/fleetconsole/console/store"
)

// SQLiteCache stores one CBOR-encoded row per kind in a local file.
type SQLiteCache struct {
	db   *sql.DB
	path string
}

func NewSQLiteCache(path string) (*SQLiteCache, error) {
	if path == "" {
		path = "fleetconsole.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		kind TEXT PRIMARY KEY,
		generation INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}

	log.Printf("[CACHE] SQLite snapshot cache at %s", path)
	return &SQLiteCache{db: db, path: path}, nil
}

func (c *SQLiteCache) Save(ctx context.Context, snap Snapshot) error {
	start := time.Now()
	defer func() {
		observability.CacheLatency.WithLabelValues("sqlite").Observe(time.Since(start).Seconds())
	}()

	payload, err := encodeRecords(snap.Kind, snap.Records, cborMarshal)
	if err != nil {
		return fmt.Errorf("failed to encode %s snapshot: %w", snap.Kind, err)
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO snapshots (kind, generation, payload) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET generation = excluded.generation, payload = excluded.payload
		WHERE excluded.generation > snapshots.generation`,
		string(snap.Kind), snap.Generation, payload)
	if err != nil {
		observability.CacheFailures.WithLabelValues("sqlite", "save").Inc()
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (c *SQLiteCache) Load(ctx context.Context, kind store.Kind) (Snapshot, error) {
	start := time.Now()
	defer func() {
		observability.CacheLatency.WithLabelValues("sqlite").Observe(time.Since(start).Seconds())
	}()

	var (
		gen     int64
		payload []byte
	)
	err := c.db.QueryRowContext(ctx, `SELECT generation, payload FROM snapshots WHERE kind = ?`, string(kind)).
		Scan(&gen, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		observability.CacheFailures.WithLabelValues("sqlite", "load").Inc()
		return Snapshot{}, fmt.Errorf("select snapshot: %w", err)
	}

	records, err := decodeRecords(kind, payload, cborUnmarshal)
	if err != nil {
		observability.CacheFailures.WithLabelValues("sqlite", "decode").Inc()
		return Snapshot{}, fmt.Errorf("decode %s snapshot: %w", kind, err)
	}
	return Snapshot{Kind: kind, Generation: gen, Records: records}, nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
