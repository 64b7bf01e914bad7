package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/openvotes/voteflow/services/voting-data/internal/model"
)

// Store is the persistence capability for named counters: point lookup by
// name, full listing, upsert keyed by id, delete by name, and an atomic
// conditional increment. *CounterRepository is the conforming Postgres
// implementation; handler tests plug in an in-memory one.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	FindByName(ctx context.Context, name string) (model.Counter, bool, error)
	ListAll(ctx context.Context) ([]model.Counter, error)
	Upsert(ctx context.Context, c model.Counter) (model.Counter, error)
	// Increment inserts the counter with count 1 if the name is unseen,
	// otherwise adds 1, as a single statement within tx. It returns the
	// committed state.
	Increment(ctx context.Context, tx pgx.Tx, name string) (model.Counter, error)
	// DeleteByName resolves the name to a row inside tx and deletes it.
	// A name with no row is a successful no-op; the bool reports whether a
	// row actually existed.
	DeleteByName(ctx context.Context, tx pgx.Tx, name string) (bool, error)
}
