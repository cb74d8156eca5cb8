package pqueue

import (
	"database/sql"
	"encoding/base64"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// store wraps the three tables of spec §6.5 over a modernc.org/sqlite
// (pure Go, cgo-free) handle. Blobs are base64-encoded before insert and
// decoded on read, matching the "printable-safe encoding" contract in
// spec §4.6/§6.5 — the original xmlBlaster SQLiteQueue.c does the same
// because its backing store is text-oriented.
type store struct {
	db          *sql.DB
	tablePrefix string
	nodeID      string
	queueName   string
}

func openStore(dbPath, tablePrefix, nodeID, queueName string, maxEntries int, maxBytes int64) (*store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("pqueue: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // the spec's "concurrent callers are serialized internally" contract

	s := &store{db: db, tablePrefix: tablePrefix, nodeID: nodeID, queueName: queueName}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureQueueRow(maxEntries, maxBytes); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) nodesTable() string   { return s.tablePrefix + "NODES" }
func (s *store) queuesTable() string  { return s.tablePrefix + "QUEUES" }
func (s *store) entriesTable() string { return s.tablePrefix + "ENTRIES" }

func (s *store) migrate() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			nodeId TEXT PRIMARY KEY
		)`, s.nodesTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			queueName TEXT NOT NULL,
			nodeId    TEXT NOT NULL,
			maxBytes  INTEGER NOT NULL,
			maxEntries INTEGER NOT NULL,
			PRIMARY KEY (queueName, nodeId),
			FOREIGN KEY (nodeId) REFERENCES %s(nodeId)
		)`, s.queuesTable(), s.nodesTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			uniqueId     INTEGER NOT NULL,
			nodeId       TEXT NOT NULL,
			queueName    TEXT NOT NULL,
			priority     INTEGER NOT NULL,
			embeddedType TEXT NOT NULL,
			persistent   INTEGER NOT NULL,
			byteSize     INTEGER NOT NULL,
			blob         TEXT NOT NULL,
			PRIMARY KEY (uniqueId, queueName),
			FOREIGN KEY (queueName, nodeId) REFERENCES %s(queueName, nodeId)
		)`, s.entriesTable(), s.queuesTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_prio_idx ON %s (queueName, priority DESC, uniqueId ASC)`,
			s.tablePrefix+"ENTRIES", s.entriesTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("pqueue: migrate: %w", err)
		}
	}
	return nil
}

func (s *store) ensureQueueRow(maxEntries int, maxBytes int64) error {
	_, err := s.db.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (nodeId) VALUES (?)`, s.nodesTable()), s.nodeID)
	if err != nil {
		return fmt.Errorf("pqueue: insert node: %w", err)
	}
	_, err = s.db.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (queueName, nodeId, maxBytes, maxEntries) VALUES (?, ?, ?, ?)`,
		s.queuesTable()), s.queueName, s.nodeID, maxBytes, maxEntries)
	if err != nil {
		return fmt.Errorf("pqueue: insert queue: %w", err)
	}
	return nil
}

func (s *store) insert(e Entry) error {
	_, err := s.db.Exec(
		fmt.Sprintf(`INSERT INTO %s (uniqueId, nodeId, queueName, priority, embeddedType, persistent, byteSize, blob)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.entriesTable()),
		e.UniqueID, s.nodeID, s.queueName, e.Priority, e.EmbeddedType, boolToInt(e.Persistent), len(e.Blob),
		base64.StdEncoding.EncodeToString(e.Blob),
	)
	if err != nil {
		return fmt.Errorf("pqueue: insert entry %d: %w", e.UniqueID, err)
	}
	return nil
}

func (s *store) deleteByIDs(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("pqueue: begin delete tx: %w", err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`DELETE FROM %s WHERE uniqueId = ? AND queueName = ?`, s.entriesTable()))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("pqueue: prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		res, err := stmt.Exec(id, s.queueName)
		if err != nil {
			tx.Rollback()
			return total, fmt.Errorf("pqueue: delete %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return total, fmt.Errorf("pqueue: commit delete tx: %w", err)
	}
	return total, nil
}

func (s *store) clear() error {
	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE queueName = ?`, s.entriesTable()), s.queueName)
	if err != nil {
		return fmt.Errorf("pqueue: clear: %w", err)
	}
	return nil
}

// loadAll reads every entry for this queueName back from disk, used to
// rebuild the in-memory priority index on (re)open (spec §4.6 "Restart
// behavior").
func (s *store) loadAll() ([]Entry, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT uniqueId, priority, embeddedType, persistent, byteSize, blob FROM %s WHERE queueName = ?`,
			s.entriesTable()), s.queueName)
	if err != nil {
		return nil, fmt.Errorf("pqueue: loadAll: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var persistentInt int
		var byteSize int64
		var blobText string
		if err := rows.Scan(&e.UniqueID, &e.Priority, &e.EmbeddedType, &persistentInt, &byteSize, &blobText); err != nil {
			return nil, fmt.Errorf("pqueue: scan: %w", err)
		}
		blob, err := base64.StdEncoding.DecodeString(blobText)
		if err != nil {
			return nil, fmt.Errorf("pqueue: decode blob for entry %d: %w", e.UniqueID, err)
		}
		if int64(len(blob)) != byteSize {
			return nil, fmt.Errorf("pqueue: entry %d byteSize mismatch: stored %d, decoded %d", e.UniqueID, byteSize, len(blob))
		}
		e.Persistent = persistentInt != 0
		e.Blob = blob
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *store) close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
