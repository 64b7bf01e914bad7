package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/openvotes/voteflow/services/voting-data/internal/model"
	"github.com/openvotes/voteflow/services/voting-data/internal/notify"
	"github.com/openvotes/voteflow/services/voting-data/internal/outbox"
	"github.com/openvotes/voteflow/services/voting-data/internal/storage"
)

const (
	eventTypeUpdated = "voting.vote.updated.v1"
	eventTypeDeleted = "voting.vote.deleted.v1"
)

// Notifier delivers a mutation event; *notify.Dispatcher conforms.
type Notifier interface {
	Dispatch(ctx context.Context, evt notify.Event) error
}

// OutboxStore records a mutation event inside the mutation's transaction;
// *outbox.Repository conforms.
type OutboxStore interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// VoteDataHandler owns the sequencing between the counter store and the
// notification path: persist first, notify after, never the other way
// around. With an outbox the event is written in the mutation's transaction
// and delivered asynchronously; without one the dispatch happens after
// commit and a dispatch failure is surfaced to the client even though the
// mutation already committed.
type VoteDataHandler struct {
	store    storage.Store
	outbox   OutboxStore // nil: dispatch directly via notifier
	notifier Notifier
	logger   *slog.Logger
}

func NewVoteDataHandler(store storage.Store, outboxStore OutboxStore, notifier Notifier, logger *slog.Logger) *VoteDataHandler {
	return &VoteDataHandler{
		store:    store,
		outbox:   outboxStore,
		notifier: notifier,
		logger:   logger,
	}
}

type countPair struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// List handles GET /api/VoteData.
func (h *VoteDataHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counters, err := h.store.ListAll(r.Context())
	if err != nil {
		h.logger.Error("list counters failed", "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	pairs := make([]countPair, 0, len(counters))
	for _, c := range counters {
		pairs = append(pairs, countPair{Name: c.Name, Count: c.Count})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pairs)
}

// Mutate handles PUT and DELETE on /api/VoteData/{name}.
func (h *VoteDataHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/VoteData/")

	switch r.Method {
	case http.MethodPut:
		h.put(w, r, name)
	case http.MethodDelete:
		h.delete(w, r, name)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *VoteDataHandler) put(w http.ResponseWriter, r *http.Request, name string) {
	if strings.TrimSpace(name) == "" {
		h.logger.Warn("vote rejected: blank name")
		http.Error(w, "name must not be blank", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	counter, err := h.store.Increment(ctx, tx, name)
	if err != nil {
		h.logger.Error("increment failed", "err", err, "name", name)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	evt, err := mutationEvent(counter)
	if err != nil {
		http.Error(w, "failed to build notification", http.StatusInternalServerError)
		return
	}

	if !h.record(ctx, w, tx, counter.Name, eventTypeUpdated, evt) {
		return
	}

	h.logger.Info("vote recorded", "name", counter.Name, "count", counter.Count)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(countPair{Name: counter.Name, Count: counter.Count})
}

func (h *VoteDataHandler) delete(w http.ResponseWriter, r *http.Request, name string) {
	if strings.TrimSpace(name) == "" {
		h.logger.Warn("delete rejected: blank name")
		http.Error(w, "name must not be blank", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.store.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existed, err := h.store.DeleteByName(ctx, tx, name)
	if err != nil {
		h.logger.Error("delete failed", "err", err, "name", name)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	// A zero-count event goes out whether or not a row existed; consumers
	// cannot tell "deleted" from "never there" and that is intentional.
	evt, err := mutationEvent(model.Counter{Name: name})
	if err != nil {
		http.Error(w, "failed to build notification", http.StatusInternalServerError)
		return
	}

	if !h.record(ctx, w, tx, name, eventTypeDeleted, evt) {
		return
	}

	h.logger.Info("counter deleted", "name", name, "existed", existed)
	w.WriteHeader(http.StatusNoContent)
}

// record finishes a mutation: outbox insert + commit, or commit + direct
// dispatch. It writes the error response itself and reports success.
func (h *VoteDataHandler) record(ctx context.Context, w http.ResponseWriter, tx pgx.Tx, name, eventType string, evt notify.Event) bool {
	if h.outbox != nil {
		err := h.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "counter",
			AggregateID:   name,
			EventType:     eventType,
			Payload:       evt.Body,
			Properties:    evt.Properties,
		})
		if err != nil {
			h.logger.Error("outbox insert failed", "err", err, "name", name)
			http.Error(w, "db error", http.StatusInternalServerError)
			return false
		}
		if err := tx.Commit(ctx); err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return false
		}
		return true
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return false
	}
	// The mutation is committed at this point; a dispatch failure still
	// fails the request, so the client sees an error for an operation that
	// partially succeeded.
	if err := h.notifier.Dispatch(ctx, evt); err != nil {
		h.logger.Error("notification dispatch failed", "err", err, "name", name)
		http.Error(w, "notification dispatch failed", http.StatusInternalServerError)
		return false
	}
	return true
}

func mutationEvent(c model.Counter) (notify.Event, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return notify.Event{}, err
	}
	props := []notify.Property{
		{Key: "name", Value: c.Name},
		{Key: "votes", Value: strconv.FormatInt(c.Count, 10)},
		{Key: "timestamp", Value: time.Now().UTC().Format(time.RFC3339)},
	}
	return notify.Event{Body: body, Properties: props}, nil
}
