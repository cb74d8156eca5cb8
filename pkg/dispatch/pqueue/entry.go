// Package pqueue implements the priority-ordered, at-least-once persistent
// queue described in spec §4.6/§6.5: a durable FIFO-within-priority store
// of pending Invocations, backed by a sqlite-equivalent schema
// (NODES/QUEUES/ENTRIES) with an in-memory priority index kept in sync on
// every mutation so peek/pop never need a table scan.
package pqueue

// Entry is one queue entry (spec §3 "Queue entry"). UniqueID is the
// primary key and doubles as a strictly increasing timestamp so FIFO order
// within a priority falls straight out of numeric ordering.
type Entry struct {
	UniqueID     int64
	Priority     int
	Persistent   bool
	EmbeddedType string
	Blob         []byte
}

// ByteSize is the size accounted against a queue's maxBytes cap.
func (e Entry) ByteSize() int64 { return int64(len(e.Blob)) }

// indexItem is the rbtree.Item stored in the in-memory priority index. Its
// ordering is primary DESC by Priority, secondary ASC by UniqueID, giving
// in-order traversal exactly the pop order spec §3 requires.
type indexItem struct {
	priority int
	uniqueID int64
}

// Less implements rbtree.Item: higher priority sorts first; within equal
// priority, lower (older) uniqueId sorts first.
func (a indexItem) Less(than interface{}) bool {
	b := than.(indexItem)
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.uniqueID < b.uniqueID
}
