package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/openvotes/voteflow/libs/db"
	"github.com/openvotes/voteflow/services/voting-data/internal/model"
)

type CounterRepository struct {
	pool *db.Pool
}

var _ Store = (*CounterRepository)(nil)

func NewCounterRepository(pool *db.Pool) *CounterRepository {
	return &CounterRepository{pool: pool}
}

// EnsureSchema creates the counters and outbox tables if they do not exist.
// Run once at startup, before the service accepts traffic. Statements go out
// one at a time; pgx's extended protocol rejects multi-statement strings.
func (r *CounterRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS counters (
			id    uuid PRIMARY KEY,
			name  text NOT NULL UNIQUE,
			count bigint NOT NULL DEFAULT 0 CHECK (count >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS vote_outbox (
			id             bigserial PRIMARY KEY,
			event_id       uuid NOT NULL DEFAULT gen_random_uuid(),
			aggregate_type text NOT NULL,
			aggregate_id   text NOT NULL,
			event_type     text NOT NULL,
			payload        jsonb NOT NULL,
			properties     jsonb NOT NULL DEFAULT '[]',
			traceparent    text NOT NULL DEFAULT '',
			tracestate     text NOT NULL DEFAULT '',
			created_at     timestamptz NOT NULL DEFAULT now(),
			published_at   timestamptz
		)`,
		`CREATE INDEX IF NOT EXISTS vote_outbox_unpublished_idx
			ON vote_outbox (id) WHERE published_at IS NULL`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *CounterRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *CounterRepository) FindByName(ctx context.Context, name string) (model.Counter, bool, error) {
	var c model.Counter
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, count
		FROM counters
		WHERE name = $1
		ORDER BY id
		LIMIT 1
	`, name).Scan(&c.ID, &c.Name, &c.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Counter{}, false, nil
		}
		return model.Counter{}, false, err
	}
	return c, true, nil
}

func (r *CounterRepository) ListAll(ctx context.Context) ([]model.Counter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, name, count
		FROM counters
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Counter
	for rows.Next() {
		var c model.Counter
		if err := rows.Scan(&c.ID, &c.Name, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *CounterRepository) Upsert(ctx context.Context, c model.Counter) (model.Counter, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO counters (id, name, count)
		VALUES ($1, $2, $3)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, count = EXCLUDED.count
		RETURNING id::text, name, count
	`, c.ID, c.Name, c.Count).Scan(&c.ID, &c.Name, &c.Count)
	if err != nil {
		return model.Counter{}, err
	}
	return c, nil
}

func (r *CounterRepository) Increment(ctx context.Context, tx pgx.Tx, name string) (model.Counter, error) {
	var c model.Counter
	// The generated id is only used on the insert path; an existing row
	// keeps its id.
	err := tx.QueryRow(ctx, `
		INSERT INTO counters (id, name, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (name)
		DO UPDATE SET count = counters.count + 1
		RETURNING id::text, name, count
	`, uuid.NewString(), name).Scan(&c.ID, &c.Name, &c.Count)
	if err != nil {
		return model.Counter{}, err
	}
	return c, nil
}

func (r *CounterRepository) DeleteByName(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var id string
	err := tx.QueryRow(ctx, `
		SELECT id::text
		FROM counters
		WHERE name = $1
		ORDER BY id
		LIMIT 1
	`, name).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM counters WHERE id = $1`, id); err != nil {
		return false, err
	}
	return true, nil
}
