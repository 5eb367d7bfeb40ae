package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nzlov/medsync/protocol"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection    TEXT NOT NULL,
		id            TEXT NOT NULL,
		body          TEXT NOT NULL,
		last_modified INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_changes (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		type        TEXT NOT NULL,
		collection  TEXT NOT NULL,
		document_id TEXT NOT NULL,
		body        TEXT,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// SQLiteStore persists the device state in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(collection string) ([]protocol.Document, error) {
	rows, err := s.db.Query(`SELECT body FROM documents WHERE collection = ? ORDER BY rowid ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	out := []protocol.Document{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		d, err := decodeDocument(body)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}

func (s *SQLiteStore) Get(collection, id string) (protocol.Document, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeDocument(body)
}

func (s *SQLiteStore) Put(collection string, doc protocol.Document) error {
	if doc.ID() == "" {
		return protocol.ErrMissingID
	}
	return putDocument(s.db, collection, doc)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func putDocument(e execer, collection string, doc protocol.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, doc.ID(), err)
	}
	_, err = e.Exec(`
		INSERT INTO documents (collection, id, body, last_modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			body = excluded.body,
			last_modified = excluded.last_modified
	`, collection, doc.ID(), string(body), doc.LastModified())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, doc.ID(), err)
	}
	return nil
}

func (s *SQLiteStore) Delete(collection, id string) (protocol.Document, error) {
	var out protocol.Document
	err := s.withTx(func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRow(`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if out, err = decodeDocument(body); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Replace(collection string, docs []protocol.Document) error {
	for _, d := range docs {
		if d.ID() == "" {
			return protocol.ErrMissingID
		}
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM documents WHERE collection = ?`, collection); err != nil {
			return fmt.Errorf("clear %s: %w", collection, err)
		}
		for _, d := range docs {
			if err := putDocument(tx, collection, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Collections() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Enqueue(c *PendingChange) error {
	var body sql.NullString
	if c.Document != nil {
		b, err := json.Marshal(c.Document)
		if err != nil {
			return fmt.Errorf("encode pending change: %w", err)
		}
		body = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.Exec(`
		INSERT INTO pending_changes (type, collection, document_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(c.Type), c.Collection, c.DocumentID, body, c.Timestamp)
	if err != nil {
		return fmt.Errorf("enqueue pending change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("enqueue pending change: %w", err)
	}
	c.Seq = seq
	return nil
}

func (s *SQLiteStore) Pending() ([]PendingChange, error) {
	rows, err := s.db.Query(`
		SELECT seq, type, collection, document_id, body, created_at
		FROM pending_changes ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	out := []PendingChange{}
	for rows.Next() {
		var (
			p    PendingChange
			typ  string
			body sql.NullString
		)
		if err := rows.Scan(&p.Seq, &typ, &p.Collection, &p.DocumentID, &body, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pending change: %w", err)
		}
		p.Type = protocol.MessageType(typ)
		if body.Valid {
			if p.Document, err = decodeDocument(body.String); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ack(seq int64) error {
	if _, err := s.db.Exec(`DELETE FROM pending_changes WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("ack %d: %w", seq, err)
	}
	return nil
}

func (s *SQLiteStore) GetMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *SQLiteStore) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeDocument(body string) (protocol.Document, error) {
	d := protocol.Document{}
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}
