package pqueue

import (
	"path/filepath"
	"testing"
)

func open(t *testing.T, maxEntries int, maxBytes int64) *Queue {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "q.db")
	q, err := Open(dbPath, "XB_", "node1", "queue1", maxEntries, maxBytes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueuePutPeekRandomRemoveEmpties(t *testing.T) {
	q := open(t, 10, 1<<20)

	e := Entry{UniqueID: 1, Priority: 5, Persistent: true, EmbeddedType: "MSG_XML|publish", Blob: []byte("hello")}
	if err := q.Put(e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	peeked := q.PeekWithSamePriority(10, 0)
	if len(peeked) != 1 || peeked[0].UniqueID != 1 {
		t.Fatalf("Peek = %+v, want [entry 1]", peeked)
	}

	if n, err := q.RandomRemove([]int64{1}); err != nil || n != 1 {
		t.Fatalf("RandomRemove = %d, %v; want 1, nil", n, err)
	}
	if !q.Empty() {
		t.Fatal("expected queue to be empty after removing its only entry")
	}
}

func TestQueuePopOrderIsPriorityDescThenFIFO(t *testing.T) {
	q := open(t, 10, 1<<20)

	entries := []Entry{
		{UniqueID: 1, Priority: 5, EmbeddedType: "t", Blob: []byte("a")},
		{UniqueID: 2, Priority: 9, EmbeddedType: "t", Blob: []byte("b")},
		{UniqueID: 3, Priority: 9, EmbeddedType: "t", Blob: []byte("c")},
		{UniqueID: 4, Priority: 1, EmbeddedType: "t", Blob: []byte("d")},
	}
	for _, e := range entries {
		if err := q.Put(e); err != nil {
			t.Fatalf("Put(%d): %v", e.UniqueID, err)
		}
	}

	// Same-priority batch should be exactly the two priority-9 entries,
	// in FIFO (ascending uniqueId) order; the lower-priority entries must
	// not appear even though maxN allows more.
	batch := q.PeekWithSamePriority(10, 0)
	if len(batch) != 2 || batch[0].UniqueID != 2 || batch[1].UniqueID != 3 {
		t.Fatalf("batch = %+v, want [2, 3] (priority 9, FIFO order)", batch)
	}

	q.RandomRemove([]int64{2, 3})
	next := q.PeekWithSamePriority(10, 0)
	if len(next) != 1 || next[0].UniqueID != 1 {
		t.Fatalf("next batch = %+v, want [entry 1] (priority 5)", next)
	}
}

func TestQueuePutRejectsOverMaxEntries(t *testing.T) {
	q := open(t, 1, 1<<20)
	if err := q.Put(Entry{UniqueID: 1, Priority: 1, EmbeddedType: "t", Blob: []byte("a")}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	err := q.Put(Entry{UniqueID: 2, Priority: 1, EmbeddedType: "t", Blob: []byte("b")})
	if _, ok := err.(*ErrQuotaExceeded); !ok {
		t.Fatalf("expected *ErrQuotaExceeded, got %v", err)
	}
	if q.NumEntries() != 1 {
		t.Fatalf("expected no partial state after a rejected Put, NumEntries = %d", q.NumEntries())
	}
}

func TestQueuePutRejectsOverMaxBytes(t *testing.T) {
	q := open(t, 100, 4)
	err := q.Put(Entry{UniqueID: 1, Priority: 1, EmbeddedType: "t", Blob: []byte("toolong")})
	if _, ok := err.(*ErrQuotaExceeded); !ok {
		t.Fatalf("expected *ErrQuotaExceeded, got %v", err)
	}
}

func TestQueueRestartRestoresEntriesByteIdentical(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "q.db")
	q, err := Open(dbPath, "XB_", "node1", "queue1", 10, 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	blob := []byte{0, 1, 2, 3, 0xff, 0}
	want := Entry{UniqueID: 42, Priority: 7, Persistent: true, EmbeddedType: "MSG_XML|publish", Blob: blob}
	if err := q.Put(want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	q.Close()

	reopened, err := Open(dbPath, "XB_", "node1", "queue1", 10, 1<<20)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got := reopened.PeekWithSamePriority(10, 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 restored entry, got %d", len(got))
	}
	e := got[0]
	if e.UniqueID != want.UniqueID || e.Priority != want.Priority || e.EmbeddedType != want.EmbeddedType ||
		e.Persistent != want.Persistent || string(e.Blob) != string(want.Blob) {
		t.Fatalf("restored entry = %+v, want %+v", e, want)
	}
}

func TestQueueClear(t *testing.T) {
	q := open(t, 10, 1<<20)
	q.Put(Entry{UniqueID: 1, Priority: 1, EmbeddedType: "t", Blob: []byte("a")})
	q.Put(Entry{UniqueID: 2, Priority: 1, EmbeddedType: "t", Blob: []byte("b")})
	if err := q.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if !q.Empty() || q.NumBytes() != 0 {
		t.Fatalf("expected an empty queue after Clear, got NumEntries=%d NumBytes=%d", q.NumEntries(), q.NumBytes())
	}
}
