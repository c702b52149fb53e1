package queue

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// memStore records saves so persistence scheduling can be asserted without
// touching disk.
type memStore struct {
	mu    sync.Mutex
	saves int
	last  map[string][]Message
}

func (s *memStore) Load(ctx context.Context) (map[string][]Message, error) {
	return make(map[string][]Message), nil
}

func (s *memStore) Save(ctx context.Context, snapshot map[string][]Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = snapshot
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot() (int, map[string][]Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.last
}

func newTestQueue(t *testing.T, opts Options) (*Durable, *memStore) {
	t.Helper()
	store := &memStore{}
	q, err := NewDurable(store, opts, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, store
}

func msg(channel, id string) Message {
	return Message{ID: id, Channel: channel, Payload: []byte(id), EnqueuedAt: time.Now().UTC()}
}

func TestFIFOWithinChannel(t *testing.T) {
	q, _ := newTestQueue(t, Options{PersistDelay: time.Hour})
	for i := 0; i < 10; i++ {
		q.Enqueue(msg("x", fmt.Sprintf("m%d", i)))
	}
	for i := 0; i < 10; i++ {
		m, ok := q.Dequeue("x")
		if !ok {
			t.Fatalf("dequeue %d: queue empty", i)
		}
		if want := fmt.Sprintf("m%d", i); m.ID != want {
			t.Fatalf("dequeue %d: got %s, want %s", i, m.ID, want)
		}
	}
	if _, ok := q.Dequeue("x"); ok {
		t.Fatal("dequeue on drained channel returned a message")
	}
}

func TestDequeueEmptyIsNotAnError(t *testing.T) {
	q, _ := newTestQueue(t, Options{PersistDelay: time.Hour})
	if _, ok := q.Dequeue("never-written"); ok {
		t.Fatal("unseen channel returned a message")
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	q, _ := newTestQueue(t, Options{PersistDelay: time.Hour})
	q.Enqueue(msg("a", "a1"))
	q.Enqueue(msg("b", "b1"))
	if m, _ := q.Dequeue("b"); m.ID != "b1" {
		t.Fatalf("got %s, want b1", m.ID)
	}
	if q.Size("a") != 1 {
		t.Fatalf("channel a depth = %d, want 1", q.Size("a"))
	}
}

func TestClear(t *testing.T) {
	q, _ := newTestQueue(t, Options{PersistDelay: time.Hour})
	q.Enqueue(msg("x", "m1"))
	q.Enqueue(msg("x", "m2"))
	q.Clear("x")
	if q.Size("x") != 0 {
		t.Fatalf("depth after clear = %d", q.Size("x"))
	}
	stats := q.Stats()["x"]
	if stats.Enqueued != 2 || stats.Depth != 0 {
		t.Fatalf("stats after clear = %+v", stats)
	}
}

func TestDebouncedPersistence(t *testing.T) {
	q, store := newTestQueue(t, Options{PersistDelay: 50 * time.Millisecond})
	q.Enqueue(msg("x", "m1"))
	q.Enqueue(msg("x", "m2"))

	if saves, _ := store.snapshot(); saves != 0 {
		t.Fatal("flushed before the debounce window elapsed")
	}
	time.Sleep(200 * time.Millisecond)
	saves, last := store.snapshot()
	if saves != 1 {
		t.Fatalf("saves = %d, want 1 (debounced)", saves)
	}
	if len(last["x"]) != 2 {
		t.Fatalf("snapshot depth = %d, want 2", len(last["x"]))
	}
}

func TestBatchTriggersImmediateFlush(t *testing.T) {
	q, store := newTestQueue(t, Options{PersistDelay: time.Hour, MaxBatch: 5})
	for i := 0; i < 5; i++ {
		q.Enqueue(msg("x", fmt.Sprintf("m%d", i)))
	}
	deadline := time.Now().Add(time.Second)
	for {
		if saves, _ := store.snapshot(); saves >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch threshold did not force a flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gatedStore blocks its first Save until released, exposing the window where
// a second flush could otherwise capture and write out of order.
type gatedStore struct {
	memStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) Save(ctx context.Context, snapshot map[string][]Message) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.memStore.Save(ctx, snapshot)
}

func TestConcurrentFlushesPersistNewestSnapshotLast(t *testing.T) {
	store := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	q, err := NewDurable(store, Options{PersistDelay: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	q.Enqueue(msg("x", "m1"))
	go q.Flush()
	<-store.entered // first flush is mid-write with the one-message snapshot

	q.Enqueue(msg("x", "m2"))
	flushed := make(chan struct{})
	go func() {
		q.Flush()
		close(flushed)
	}()

	select {
	case <-flushed:
		t.Fatal("second flush completed while the first was still writing")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	<-flushed

	saves, last := store.snapshot()
	if saves != 2 {
		t.Fatalf("saves = %d, want 2", saves)
	}
	if len(last["x"]) != 2 {
		t.Fatalf("final persisted depth = %d, want 2 (newest snapshot last)", len(last["x"]))
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCloseForcesFinalFlush(t *testing.T) {
	store := &memStore{}
	q, err := NewDurable(store, Options{PersistDelay: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	q.Enqueue(msg("x", "m1"))
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	saves, last := store.snapshot()
	if saves != 1 || len(last["x"]) != 1 {
		t.Fatalf("close flush: saves=%d snapshot=%v", saves, last)
	}
}

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	open := func() *sql.DB {
		db, err := sql.Open("sqlite", "file:"+dbPath+"?cache=shared&mode=rwc")
		if err != nil {
			t.Fatal(err)
		}
		db.SetMaxOpenConns(1)
		if err := EnsureSchema(db); err != nil {
			t.Fatal(err)
		}
		return db
	}

	q1, err := NewDurable(NewSQLiteStore(open()), Options{PersistDelay: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	const n = 20
	for i := 0; i < n; i++ {
		q1.Enqueue(msg("x", fmt.Sprintf("m%d", i)))
	}
	if err := q1.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulated restart: the snapshot seeds memory and preserves order.
	q2, err := NewDurable(NewSQLiteStore(open()), Options{PersistDelay: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()
	if q2.Size("x") != n {
		t.Fatalf("reloaded depth = %d, want %d", q2.Size("x"), n)
	}
	for i := 0; i < n; i++ {
		m, ok := q2.Dequeue("x")
		if !ok || m.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("dequeue %d after reload: got %q ok=%v", i, m.ID, ok)
		}
	}
}
