package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/openvotes/voteflow/services/voting-data/internal/model"
	"github.com/openvotes/voteflow/services/voting-data/internal/notify"
	"github.com/openvotes/voteflow/services/voting-data/internal/outbox"
)

type fakeTx struct {
	pgx.Tx
}

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

// memStore is the in-memory Store used to exercise the coordinator without
// Postgres.
type memStore struct {
	counters   map[string]model.Counter
	increments int
	deletes    int
}

func newMemStore() *memStore {
	return &memStore{counters: map[string]model.Counter{}}
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) {
	return fakeTx{}, nil
}

func (s *memStore) FindByName(_ context.Context, name string) (model.Counter, bool, error) {
	c, ok := s.counters[name]
	return c, ok, nil
}

func (s *memStore) ListAll(context.Context) ([]model.Counter, error) {
	var out []model.Counter
	for _, c := range s.counters {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, c model.Counter) (model.Counter, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	for name, existing := range s.counters {
		if existing.ID == c.ID && name != c.Name {
			delete(s.counters, name)
		}
	}
	s.counters[c.Name] = c
	return c, nil
}

func (s *memStore) Increment(_ context.Context, _ pgx.Tx, name string) (model.Counter, error) {
	s.increments++
	c, ok := s.counters[name]
	if !ok {
		c = model.Counter{ID: fmt.Sprintf("mem-%d", len(s.counters)+1), Name: name}
	}
	c.Count++
	s.counters[name] = c
	return c, nil
}

func (s *memStore) DeleteByName(_ context.Context, _ pgx.Tx, name string) (bool, error) {
	s.deletes++
	if _, ok := s.counters[name]; !ok {
		return false, nil
	}
	delete(s.counters, name)
	return true, nil
}

type recordingNotifier struct {
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Dispatch(_ context.Context, evt notify.Event) error {
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, evt)
	return nil
}

type recordingOutbox struct {
	events []outbox.Event
	err    error
}

func (o *recordingOutbox) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	if o.err != nil {
		return o.err
	}
	o.events = append(o.events, evt)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func propValue(props []notify.Property, key string) string {
	for _, p := range props {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

func doRequest(h *VoteDataHandler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rw := httptest.NewRecorder()
	switch {
	case target == "/api/VoteData":
		h.List(rw, req)
	default:
		h.Mutate(rw, req)
	}
	return rw
}

func TestPutCreatesThenIncrements(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	h := NewVoteDataHandler(store, nil, notifier, testLogger())

	rw := doRequest(h, http.MethodPut, "/api/VoteData/rust")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var resp countPair
	if err := json.NewDecoder(rw.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Name != "rust" || resp.Count != 1 {
		t.Fatalf("expected rust=1, got %s=%d", resp.Name, resp.Count)
	}

	rw = doRequest(h, http.MethodPut, "/api/VoteData/rust")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	_ = json.NewDecoder(rw.Body).Decode(&resp)
	if resp.Count != 2 {
		t.Fatalf("expected count 2, got %d", resp.Count)
	}

	if len(notifier.events) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notifier.events))
	}
	for i, want := range []string{"1", "2"} {
		evt := notifier.events[i]
		if got := propValue(evt.Properties, "name"); got != "rust" {
			t.Fatalf("event %d: expected name rust, got %q", i, got)
		}
		if got := propValue(evt.Properties, "votes"); got != want {
			t.Fatalf("event %d: expected votes %s, got %q", i, want, got)
		}
		if propValue(evt.Properties, "timestamp") == "" {
			t.Fatalf("event %d: missing timestamp property", i)
		}
		var body model.Counter
		if err := json.Unmarshal(evt.Body, &body); err != nil {
			t.Fatalf("event %d: body not a counter: %v", i, err)
		}
		if body.Name != "rust" {
			t.Fatalf("event %d: body name %q", i, body.Name)
		}
	}
}

func TestPutBlankNameRejectedBeforeStore(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	h := NewVoteDataHandler(store, nil, notifier, testLogger())

	for _, target := range []string{"/api/VoteData/", "/api/VoteData/%20%20"} {
		rw := doRequest(h, http.MethodPut, target)
		if rw.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rw.Code)
		}
	}
	if store.increments != 0 {
		t.Fatalf("expected no store calls, got %d increments", store.increments)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("expected no notifications, got %d", len(notifier.events))
	}
}

func TestDeleteExistingCounter(t *testing.T) {
	store := newMemStore()
	store.counters["rust"] = model.Counter{ID: "mem-1", Name: "rust", Count: 2}
	notifier := &recordingNotifier{}
	h := NewVoteDataHandler(store, nil, notifier, testLogger())

	rw := doRequest(h, http.MethodDelete, "/api/VoteData/rust")
	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rw.Code)
	}
	if _, ok := store.counters["rust"]; ok {
		t.Fatal("expected rust to be deleted")
	}
	if len(notifier.events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.events))
	}
	evt := notifier.events[0]
	if propValue(evt.Properties, "name") != "rust" || propValue(evt.Properties, "votes") != "0" {
		t.Fatalf("expected zero-count event for rust, got %+v", evt.Properties)
	}
}

func TestDeleteAbsentNameIsNoOpButNotifies(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	h := NewVoteDataHandler(store, nil, notifier, testLogger())

	rw := doRequest(h, http.MethodDelete, "/api/VoteData/nonexistent")
	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rw.Code)
	}
	if len(store.counters) != 0 {
		t.Fatal("expected store unchanged")
	}
	if len(notifier.events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.events))
	}
	if got := propValue(notifier.events[0].Properties, "votes"); got != "0" {
		t.Fatalf("expected votes 0, got %q", got)
	}
}

func TestDispatchFailureSurfacesAfterCommit(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{err: errors.New("broker down")}
	h := NewVoteDataHandler(store, nil, notifier, testLogger())

	rw := doRequest(h, http.MethodPut, "/api/VoteData/rust")
	if rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rw.Code)
	}
	// The increment committed before dispatch was attempted; the client sees
	// an error for a partially succeeded operation.
	if c := store.counters["rust"]; c.Count != 1 {
		t.Fatalf("expected persisted count 1, got %d", c.Count)
	}
}

func TestListReflectsMutations(t *testing.T) {
	store := newMemStore()
	h := NewVoteDataHandler(store, nil, &recordingNotifier{}, testLogger())

	doRequest(h, http.MethodPut, "/api/VoteData/rust")
	doRequest(h, http.MethodPut, "/api/VoteData/rust")
	doRequest(h, http.MethodPut, "/api/VoteData/go")

	rw := doRequest(h, http.MethodGet, "/api/VoteData")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var pairs []countPair
	if err := json.NewDecoder(rw.Body).Decode(&pairs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	got := map[string]int64{}
	for _, p := range pairs {
		got[p.Name] = p.Count
	}
	if got["rust"] != 2 || got["go"] != 1 {
		t.Fatalf("unexpected counts: %v", got)
	}

	doRequest(h, http.MethodDelete, "/api/VoteData/rust")
	rw = doRequest(h, http.MethodGet, "/api/VoteData")
	pairs = nil
	_ = json.NewDecoder(rw.Body).Decode(&pairs)
	for _, p := range pairs {
		if p.Name == "rust" {
			t.Fatal("expected rust to be gone from listing")
		}
	}
}

func TestOutboxModeRecordsInsteadOfDispatching(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	ob := &recordingOutbox{}
	h := NewVoteDataHandler(store, ob, notifier, testLogger())

	rw := doRequest(h, http.MethodPut, "/api/VoteData/rust")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	rw = doRequest(h, http.MethodDelete, "/api/VoteData/rust")
	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rw.Code)
	}

	if len(notifier.events) != 0 {
		t.Fatalf("expected no direct dispatch in outbox mode, got %d", len(notifier.events))
	}
	if len(ob.events) != 2 {
		t.Fatalf("expected 2 outbox events, got %d", len(ob.events))
	}
	if ob.events[0].EventType != "voting.vote.updated.v1" || ob.events[1].EventType != "voting.vote.deleted.v1" {
		t.Fatalf("unexpected event types: %s, %s", ob.events[0].EventType, ob.events[1].EventType)
	}
	if ob.events[0].AggregateID != "rust" {
		t.Fatalf("expected aggregate id rust, got %q", ob.events[0].AggregateID)
	}
	if propValue(ob.events[1].Properties, "votes") != "0" {
		t.Fatal("expected deletion event with votes 0")
	}
}

func TestOutboxInsertFailureFailsRequest(t *testing.T) {
	store := newMemStore()
	ob := &recordingOutbox{err: errors.New("insert failed")}
	h := NewVoteDataHandler(store, ob, &recordingNotifier{}, testLogger())

	rw := doRequest(h, http.MethodPut, "/api/VoteData/rust")
	if rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rw.Code)
	}
}

func TestStoreUpsertAssignsIDAndReplacesByID(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	created, err := store.Upsert(ctx, model.Counter{Name: "rust", Count: 3})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected an id to be assigned on insert")
	}
	if _, err := uuid.Parse(created.ID); err != nil {
		t.Fatalf("assigned id %q is not a uuid: %v", created.ID, err)
	}

	updated, err := store.Upsert(ctx, model.Counter{ID: created.ID, Name: "rust", Count: 7})
	if err != nil {
		t.Fatalf("upsert existing: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("expected id %q to be kept, got %q", created.ID, updated.ID)
	}

	got, ok, err := store.FindByName(ctx, "rust")
	if err != nil || !ok {
		t.Fatalf("expected rust to be found, ok=%v err=%v", ok, err)
	}
	if got.Count != 7 {
		t.Fatalf("expected count 7 after replace, got %d", got.Count)
	}
	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single row after replace, got %d", len(all))
	}
}

func TestStoreFindByNameAbsent(t *testing.T) {
	store := newMemStore()

	_, ok, err := store.FindByName(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ok {
		t.Fatal("expected absent name to report not found")
	}
}

func TestMutateRejectsOtherMethods(t *testing.T) {
	h := NewVoteDataHandler(newMemStore(), nil, &recordingNotifier{}, testLogger())

	rw := doRequest(h, http.MethodPost, "/api/VoteData/rust")
	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rw.Code)
	}
	rw = doRequest(h, http.MethodPost, "/api/VoteData")
	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rw.Code)
	}
}
