package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	otelx "github.com/openvotes/voteflow/libs/otel"
	"github.com/openvotes/voteflow/services/voting-data/internal/notify"
)

// Sender is the delivery side of the outbox; *notify.Dispatcher conforms.
type Sender interface {
	Dispatch(ctx context.Context, evt notify.Event) error
}

// Store is the outbox row source the Publisher drains; *Repository conforms.
type Store interface {
	FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error
}

// TxBeginner opens the transaction a drain batch runs in; *db.Pool conforms.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Publisher drains unpublished outbox rows and hands them to the Sender.
// Rows are marked published only after a successful send, so delivery is
// at-least-once: a failed send leaves the row for the next tick.
type Publisher struct {
	pool      TxBeginner
	repo      Store
	sender    Sender
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(pool TxBeginner, repo Store, sender Sender, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		sender:    sender,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	var published []int64
	for _, rcd := range records {
		props, err := notify.DecodeProperties(rcd.Properties)
		if err != nil {
			p.logger.Error("outbox row has malformed properties", "err", err, "event_id", rcd.EventID)
			// Undeliverable as-is; send the payload without properties
			// rather than wedging the queue on this row forever.
			props = nil
		}
		props = stampDispatchTime(props)
		props = append(props,
			notify.Property{Key: "event_id", Value: rcd.EventID},
			notify.Property{Key: "event_type", Value: rcd.EventType},
		)

		msgCtx := otelx.ContextWithTraceContext(ctx, rcd.Traceparent, rcd.Tracestate)
		evt := notify.Event{Body: rcd.Payload, Properties: props}
		if err := p.sender.Dispatch(msgCtx, evt); err != nil {
			// Stop the batch; rows already sent get marked below, this one
			// and the rest are retried next tick.
			p.logger.Error("outbox dispatch failed", "err", err, "event_id", rcd.EventID)
			break
		}
		published = append(published, rcd.ID)
	}

	if err := p.repo.MarkPublished(ctx, tx, published); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// stampDispatchTime overrides the timestamp property with the send time; the
// value written at mutation time only says when the row was recorded.
func stampDispatchTime(props []notify.Property) []notify.Property {
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range props {
		if props[i].Key == "timestamp" {
			props[i].Value = now
			return props
		}
	}
	return append(props, notify.Property{Key: "timestamp", Value: now})
}
