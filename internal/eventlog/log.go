// Package eventlog provides the durable, append-only transaction log
// backed by SQLite.
package eventlog

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the version this binary writes. Databases written
// by a newer binary are rejected before any mutation.
const schemaVersion = 1

// migrations maps each prior schema version to the SQL bringing it
// forward one step. Index 0 is unused; version 1 is the base schema.
var migrations = map[int]string{}

// StorageError wraps an I/O, lock, or persistence failure. The
// in-flight transaction is fully rolled back; the log is unchanged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SchemaVersionError indicates the on-disk schema does not match what
// this binary supports.
type SchemaVersionError struct {
	Found int
	Want  int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("schema version %d on disk, this binary supports %d", e.Found, e.Want)
}

// Log is the append-only event log.
type Log struct {
	conn *sql.DB
	path string
}

// Open opens or creates the log database. The schema version is
// checked before anything else; a database from a newer binary fails
// with SchemaVersionError and is left untouched.
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	l := &Log{conn: conn, path: path}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	// The version check precedes any DDL: a database written by a
	// newer binary must be rejected untouched.
	version, err := l.storedVersion()
	if err != nil {
		return err
	}
	if version > schemaVersion {
		return &SchemaVersionError{Found: version, Want: schemaVersion}
	}

	if _, err := l.conn.Exec(schemaSQL); err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	if version == 0 {
		_, err = l.conn.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprintf("%d", schemaVersion))
		if err != nil {
			return &StorageError{Op: "migrate", Err: err}
		}
		return nil
	}

	for v := version; v < schemaVersion; v++ {
		stmt, ok := migrations[v]
		if !ok {
			return &SchemaVersionError{Found: version, Want: schemaVersion}
		}
		tx, err := l.conn.Begin()
		if err != nil {
			return &StorageError{Op: "migrate", Err: err}
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return &StorageError{Op: "migrate", Err: err}
		}
		if _, err := tx.Exec(`UPDATE meta SET value = ? WHERE key = 'schema_version'`,
			fmt.Sprintf("%d", v+1)); err != nil {
			tx.Rollback()
			return &StorageError{Op: "migrate", Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &StorageError{Op: "migrate", Err: err}
		}
	}
	return nil
}

// storedVersion reads the schema version from an existing database.
// A database without a meta table (fresh file) reports version 0.
func (l *Log) storedVersion() (int, error) {
	var hasMeta int
	err := l.conn.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'meta'`).Scan(&hasMeta)
	if err != nil {
		return 0, &StorageError{Op: "migrate", Err: err}
	}
	if hasMeta == 0 {
		return 0, nil
	}

	var versionStr string
	err = l.conn.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&versionStr)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &StorageError{Op: "migrate", Err: err}
	}

	var version int
	if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
		return 0, &StorageError{Op: "migrate", Err: fmt.Errorf("bad schema_version %q", versionStr)}
	}
	return version, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.conn.Close()
}

// Append durably records a group of events as one transaction. Either
// every event becomes visible or none does; any failure rolls the
// whole group back and returns a StorageError.
func (l *Log) Append(description, actor string, events []Event) (int64, error) {
	if len(events) == 0 {
		return 0, &StorageError{Op: "append", Err: fmt.Errorf("empty transaction")}
	}

	tx, err := l.conn.Begin()
	if err != nil {
		return 0, &StorageError{Op: "append", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`INSERT INTO transactions (description, actor, created_at) VALUES (?, ?, ?)`,
		description, actor, now)
	if err != nil {
		return 0, &StorageError{Op: "append", Err: err}
	}
	txID, err := res.LastInsertId()
	if err != nil {
		return 0, &StorageError{Op: "append", Err: err}
	}

	for i := range events {
		e := events[i]
		if err := e.Validate(); err != nil {
			return 0, &StorageError{Op: "append", Err: err}
		}
		if e.Timestamp == 0 {
			e.Timestamp = now
		}
		if e.Actor == "" {
			e.Actor = actor
		}
		body, err := e.marshalPayload()
		if err != nil {
			return 0, &StorageError{Op: "append", Err: err}
		}
		_, err = tx.Exec(`INSERT INTO events (tx_id, timestamp, actor, kind, payload) VALUES (?, ?, ?, ?, ?)`,
			txID, e.Timestamp, e.Actor, string(e.Kind), body)
		if err != nil {
			return 0, &StorageError{Op: "append", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "append", Err: err}
	}
	return txID, nil
}

// ReadFrom returns all events with id >= eventID in log order.
func (l *Log) ReadFrom(eventID int64) ([]Event, error) {
	rows, err := l.conn.Query(`
		SELECT id, tx_id, timestamp, actor, kind, payload
		FROM events WHERE id >= ? ORDER BY id ASC
	`, eventID)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadAll returns the entire event log in order.
func (l *Log) ReadAll() ([]Event, error) {
	return l.ReadFrom(0)
}

// CurrentTransactionID returns the id of the most recent transaction,
// or 0 when the log is empty.
func (l *Log) CurrentTransactionID() (int64, error) {
	var id sql.NullInt64
	err := l.conn.QueryRow(`SELECT MAX(id) FROM transactions`).Scan(&id)
	if err != nil {
		return 0, &StorageError{Op: "read", Err: err}
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// Transactions returns the most recent transactions, newest first,
// each with its events in log order. limit <= 0 returns all.
func (l *Log) Transactions(limit int) ([]Transaction, error) {
	query := `SELECT id, description, actor, created_at FROM transactions ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.conn.Query(query, args...)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.Description, &t.Actor, &t.CreatedAt); err != nil {
			return nil, &StorageError{Op: "read", Err: err}
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}

	for i := range txs {
		events, err := l.eventsForTransaction(txs[i].ID)
		if err != nil {
			return nil, err
		}
		txs[i].Events = events
	}
	return txs, nil
}

func (l *Log) eventsForTransaction(txID int64) ([]Event, error) {
	rows, err := l.conn.Query(`
		SELECT id, tx_id, timestamp, actor, kind, payload
		FROM events WHERE tx_id = ? ORDER BY id ASC
	`, txID)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var kind, body string
		if err := rows.Scan(&e.ID, &e.TxID, &e.Timestamp, &e.Actor, &kind, &body); err != nil {
			return nil, &StorageError{Op: "read", Err: err}
		}
		e.Kind = Kind(kind)
		if err := e.unmarshalPayload(body); err != nil {
			return nil, &StorageError{Op: "read", Err: err}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	return events, nil
}
