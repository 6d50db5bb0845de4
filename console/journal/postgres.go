package journal

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/fleetconsole/console/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS fleet_transitions (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL,
	source TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS fleet_transitions_entity ON fleet_transitions (kind, entity_key, id);
`

// PostgresJournal appends entries to the fleet_transitions table.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

func NewPostgresJournal(ctx context.Context, connString string) (*PostgresJournal, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// One writer goroutine; a small pool is enough.
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	log.Printf("[JOURNAL] Postgres journal ready")
	return &PostgresJournal{pool: pool}, nil
}

func (j *PostgresJournal) Append(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	query := `
		INSERT INTO fleet_transitions (kind, entity_key, from_state, to_state, source, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := j.pool.Exec(ctx, query, string(e.Kind), e.Key, e.From, e.To, e.Source, e.Detail, e.Timestamp)
	return err
}

func (j *PostgresJournal) History(ctx context.Context, kind store.Kind, key string) ([]Entry, error) {
	query := `
		SELECT kind, entity_key, from_state, to_state, source, detail, recorded_at
		FROM fleet_transitions
		WHERE kind = $1 AND ($2::text = '' OR entity_key = $2)
		ORDER BY id
	`
	rows, err := j.pool.Query(ctx, query, string(kind), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e Entry
			k string
		)
		if err := rows.Scan(&k, &e.Key, &e.From, &e.To, &e.Source, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = store.Kind(k)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}
