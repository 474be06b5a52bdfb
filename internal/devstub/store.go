package devstub

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_bases (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	kb_id TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	uploaded_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
	message_id TEXT PRIMARY KEY,
	query_id TEXT NOT NULL,
	rating TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	submitted_at TEXT NOT NULL
);
`

// Store persists stub state in SQLite so restarts keep uploaded documents.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the stub database in dataDir.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func OpenStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "devstub.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// KnowledgeBaseRow mirrors the knowledge_bases table.
type KnowledgeBaseRow struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// DocumentRow mirrors the documents table.
type DocumentRow struct {
	ID           string
	KBID         string
	Name         string
	Status       string
	ErrorMessage string
	UploadedAt   time.Time
}

// FeedbackRow mirrors the feedback table.
type FeedbackRow struct {
	MessageID   string
	QueryID     string
	Rating      string
	Comment     string
	SubmittedAt time.Time
}

func (s *Store) CreateKnowledgeBase(kb KnowledgeBaseRow) error {
	_, err := s.db.Exec(`INSERT INTO knowledge_bases (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.Description, kb.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetKnowledgeBase(id string) (KnowledgeBaseRow, error) {
	var kb KnowledgeBaseRow
	var createdAt string
	err := s.db.QueryRow(`SELECT id, name, description, created_at FROM knowledge_bases WHERE id = ?`, id).
		Scan(&kb.ID, &kb.Name, &kb.Description, &createdAt)
	if err == sql.ErrNoRows {
		return KnowledgeBaseRow{}, ErrNotFound
	}
	if err != nil {
		return KnowledgeBaseRow{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return KnowledgeBaseRow{}, fmt.Errorf("parsing created_at: %w", err)
	}
	kb.CreatedAt = t
	return kb, nil
}

func (s *Store) ListKnowledgeBases() ([]KnowledgeBaseRow, error) {
	rows, err := s.db.Query(`SELECT id, name, description, created_at FROM knowledge_bases ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []KnowledgeBaseRow
	for rows.Next() {
		var kb KnowledgeBaseRow
		var createdAt string
		if err := rows.Scan(&kb.ID, &kb.Name, &kb.Description, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		kb.CreatedAt = t
		results = append(results, kb)
	}
	return results, rows.Err()
}

// UpdateKnowledgeBase applies the non-nil fields. Passing both nil is a no-op.
func (s *Store) UpdateKnowledgeBase(id string, name, description *string) error {
	var sets []string
	var args []any
	if name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *name)
	}
	if description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *description)
	}
	if len(sets) == 0 {
		if _, err := s.GetKnowledgeBase(id); err != nil {
			return err
		}
		return nil
	}
	args = append(args, id)
	res, err := s.db.Exec(`UPDATE knowledge_bases SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteKnowledgeBase(id string) error {
	res, err := s.db.Exec(`DELETE FROM knowledge_bases WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err = s.db.Exec(`DELETE FROM documents WHERE kb_id = ?`, id)
	return err
}

func (s *Store) InsertDocument(doc DocumentRow) error {
	_, err := s.db.Exec(`INSERT INTO documents (id, kb_id, name, status, error_message, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.KBID, doc.Name, doc.Status, doc.ErrorMessage, doc.UploadedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) ListDocuments(kbID string) ([]DocumentRow, error) {
	rows, err := s.db.Query(`SELECT id, kb_id, name, status, error_message, uploaded_at FROM documents WHERE kb_id = ? ORDER BY uploaded_at ASC`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DocumentRow
	for rows.Next() {
		var d DocumentRow
		var uploadedAt string
		if err := rows.Scan(&d.ID, &d.KBID, &d.Name, &d.Status, &d.ErrorMessage, &uploadedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, uploadedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing uploaded_at: %w", err)
		}
		d.UploadedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) DeleteDocument(kbID, docID string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE kb_id = ? AND id = ?`, kbID, docID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceDocuments moves every non-terminal document one step through the
// ingestion lifecycle. Documents whose name contains "fail" end up FAILED with
// a canned error message, everything else completes.
func (s *Store) AdvanceDocuments() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning advance transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE documents SET status = 'FAILED', error_message = 'simulated processing failure'
		WHERE status = 'PROCESSING' AND name LIKE '%fail%'`); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE documents SET status = 'COMPLETED' WHERE status = 'PROCESSING'`); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE documents SET status = 'PROCESSING' WHERE status = 'PENDING'`); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) SaveFeedback(fb FeedbackRow) error {
	_, err := s.db.Exec(`INSERT INTO feedback (message_id, query_id, rating, comment, submitted_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET rating = excluded.rating, comment = excluded.comment, submitted_at = excluded.submitted_at`,
		fb.MessageID, fb.QueryID, fb.Rating, fb.Comment, fb.SubmittedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetFeedback(messageID string) (FeedbackRow, error) {
	var fb FeedbackRow
	var submittedAt string
	err := s.db.QueryRow(`SELECT message_id, query_id, rating, comment, submitted_at FROM feedback WHERE message_id = ?`, messageID).
		Scan(&fb.MessageID, &fb.QueryID, &fb.Rating, &fb.Comment, &submittedAt)
	if err == sql.ErrNoRows {
		return FeedbackRow{}, ErrNotFound
	}
	if err != nil {
		return FeedbackRow{}, err
	}
	t, err := time.Parse(time.RFC3339, submittedAt)
	if err != nil {
		return FeedbackRow{}, fmt.Errorf("parsing submitted_at: %w", err)
	}
	fb.SubmittedAt = t
	return fb, nil
}
