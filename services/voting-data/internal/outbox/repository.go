package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/openvotes/voteflow/libs/db"
	otelx "github.com/openvotes/voteflow/libs/otel"
	"github.com/openvotes/voteflow/services/voting-data/internal/notify"
)

// Event is the notification intent written to the outbox table in the same
// transaction as the counter mutation it describes.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Properties    []notify.Property
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	props, err := notify.EncodeProperties(evt.Properties)
	if err != nil {
		return err
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err = tx.Exec(ctx, `
		INSERT INTO vote_outbox (aggregate_type, aggregate_id, event_type, payload, properties, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, props, traceparent, tracestate)
	return err
}

type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Properties    []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

func (r *Repository) FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id::text, aggregate_type, aggregate_id, event_type, payload, properties, traceparent, tracestate, created_at
		FROM vote_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		if err := rows.Scan(&rcd.ID, &rcd.EventID, &rcd.AggregateType, &rcd.AggregateID, &rcd.EventType, &rcd.Payload, &rcd.Properties, &rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE vote_outbox
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}
