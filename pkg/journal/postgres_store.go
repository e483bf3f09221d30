package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/framing"
)

// PostgresConfig configures the optional durable journal backend for
// deployments that already run Postgres for other application state
// instead of a bare restart file.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultPostgresConfig holds reasonable connection-pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Table:           "eval_journal",
		MaxOpenConns:    25,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PostgresStore is an append-only record table used as an alternative to
// the local binary file, so the journal survives the loss of the local
// disk that ran the iterator.
type PostgresStore struct {
	db    *sqlx.DB
	table string
}

// NewPostgresStore opens the connection pool and ensures the journal table
// exists.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq          BIGSERIAL PRIMARY KEY,
		eval_id      INTEGER NOT NULL,
		interface_id TEXT NOT NULL,
		record       BYTEA NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, cfg.Table)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("journal: ensure table %q: %w", cfg.Table, err)
	}
	return &PostgresStore{db: db, table: cfg.Table}, nil
}

// Append inserts p as the next record in table order.
func (s *PostgresStore) Append(ctx context.Context, p evalcore.Pair) error {
	rec := framing.PackPair(p)
	q := fmt.Sprintf(`INSERT INTO %s (eval_id, interface_id, record) VALUES ($1, $2, $3)`, s.table)
	_, err := s.db.ExecContext(ctx, q, int32(p.EvalID), p.InterfaceID, rec)
	if err != nil {
		return fmt.Errorf("journal: postgres append eval %d: %w", p.EvalID, err)
	}
	return nil
}

// Replay streams every record in insertion order through fn.
func (s *PostgresStore) Replay(ctx context.Context, stopAfterK int, fn func(evalcore.Pair) error) (int, error) {
	q := fmt.Sprintf(`SELECT record FROM %s ORDER BY seq ASC`, s.table)
	if stopAfterK > 0 {
		q += fmt.Sprintf(" LIMIT %d", stopAfterK)
	}
	rows, err := s.db.QueryxContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("journal: postgres replay query: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return count, fmt.Errorf("journal: scan record %d: %w", count, err)
		}
		p, err := framing.UnpackPair(record)
		if err != nil {
			return count, fmt.Errorf("journal: decode record %d: %w", count, err)
		}
		p.Source = evalcore.SourceRestart
		if err := fn(p); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
