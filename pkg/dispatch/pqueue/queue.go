package pqueue

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/twmb/go-rbtree"
)

// Queue is the persistent, priority-ordered, at-least-once queue of spec
// §4.6. All operations are internally serialized (queue mutex, spec §5);
// the sqlite-backed store gives durability and the rbtree gives ordered
// peek/pop without a table scan per call.
type Queue struct {
	mu sync.Mutex

	st *store

	maxEntries int
	maxBytes   int64

	tree     rbtree.Tree
	byID     map[int64]Entry // uniqueId -> full entry, blob included
	nEntries int
	nBytes   int64
}

// Open (re)opens a queue backed by dbPath, restoring numOfEntries and
// numOfBytes from what is already on disk (spec §4.6 "Restart behavior").
func Open(dbPath, tablePrefix, nodeID, queueName string, maxEntries int, maxBytes int64) (*Queue, error) {
	st, err := openStore(dbPath, tablePrefix, nodeID, queueName, maxEntries, maxBytes)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		st:         st,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		byID:       make(map[int64]Entry),
	}

	existing, err := st.loadAll()
	if err != nil {
		st.close()
		return nil, err
	}
	for _, e := range existing {
		q.indexInsert(e)
	}
	return q, nil
}

func (q *Queue) indexInsert(e Entry) {
	q.tree.Insert(indexItem{priority: e.Priority, uniqueID: e.UniqueID})
	q.byID[e.UniqueID] = e
	q.nEntries++
	q.nBytes += e.ByteSize()
}

func (q *Queue) indexRemove(e Entry) {
	if n := q.tree.Get(indexItem{priority: e.Priority, uniqueID: e.UniqueID}); n != nil {
		q.tree.Delete(n)
	}
	delete(q.byID, e.UniqueID)
	q.nEntries--
	q.nBytes -= e.ByteSize()
}

// ErrQuotaExceeded is returned by Put when maxEntries or maxBytes would be
// exceeded; no partial state is left behind (spec §8 boundary behavior).
type ErrQuotaExceeded struct {
	MaxEntries int
	MaxBytes   int64
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("pqueue: quota exceeded (maxEntries=%d, maxBytes=%s)", e.MaxEntries, humanize.Bytes(uint64(e.MaxBytes)))
}

// Put durably inserts e, failing with *ErrQuotaExceeded if it would push
// the queue past maxEntries or maxBytes (spec §4.6).
func (q *Queue) Put(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxEntries > 0 && q.nEntries+1 > q.maxEntries {
		return &ErrQuotaExceeded{MaxEntries: q.maxEntries, MaxBytes: q.maxBytes}
	}
	if q.maxBytes > 0 && q.nBytes+e.ByteSize() > q.maxBytes {
		return &ErrQuotaExceeded{MaxEntries: q.maxEntries, MaxBytes: q.maxBytes}
	}

	if err := q.st.insert(e); err != nil {
		return err
	}
	q.indexInsert(e)
	return nil
}

// PeekWithSamePriority returns up to maxN entries of the highest priority
// currently queued, stopping early if the cumulative byte size would
// exceed maxBytes or the next candidate is of a lower priority than the
// first (spec §4.6). The first entry is always returned, even if it alone
// exceeds maxBytes. Entries remain in the queue.
func (q *Queue) PeekWithSamePriority(maxN int, maxBytes int64) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	var size int64
	var firstPriority int
	first := true

	for n := q.tree.Min(); n != nil && len(out) < maxN; n = n.Next() {
		item := n.Item.(indexItem)
		if first {
			firstPriority = item.priority
			first = false
		} else if item.priority != firstPriority {
			break
		}
		e := q.byID[item.uniqueID]
		if maxBytes > 0 && len(out) > 0 && size+e.ByteSize() > maxBytes {
			break
		}
		out = append(out, e)
		size += e.ByteSize()
	}
	return out
}

// RandomRemove deletes the entries named by ids (by UniqueID) regardless
// of position, returning the count actually removed. Used after the broker
// acknowledges a drained batch (spec §4.6, §4.7 step 2c).
func (q *Queue) RandomRemove(ids []int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	toDelete := ids[:0:0]
	for _, id := range ids {
		if _, ok := q.byID[id]; ok {
			toDelete = append(toDelete, id)
		}
	}
	n, err := q.st.deleteByIDs(toDelete)
	if err != nil {
		return n, err
	}
	for _, id := range toDelete {
		if e, ok := q.byID[id]; ok {
			q.indexRemove(e)
		}
	}
	return n, nil
}

// Clear empties the queue, both on disk and in memory.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.st.clear(); err != nil {
		return err
	}
	q.tree = rbtree.Tree{}
	q.byID = make(map[int64]Entry)
	q.nEntries = 0
	q.nBytes = 0
	return nil
}

// Empty reports whether the queue currently holds no entries.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nEntries == 0
}

// NumEntries returns the number of entries currently queued.
func (q *Queue) NumEntries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nEntries
}

// NumBytes returns the total byte size of all queued entries' blobs.
func (q *Queue) NumBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nBytes
}

// Close releases the underlying store handle. Safe to call once.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st.close()
}
