package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mfenderov/specialist/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_records (
	source_id         TEXT PRIMARY KEY,
	origin            TEXT NOT NULL,
	fingerprint       TEXT NOT NULL DEFAULT '',
	processed_at      INTEGER NOT NULL DEFAULT 0,
	chunk_ids         TEXT NOT NULL DEFAULT '[]',
	pending_chunk_ids TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS processed_records_origin_idx ON processed_records (origin);

CREATE TABLE IF NOT EXISTS ledger_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id   TEXT NOT NULL,
	event       TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_history_source_idx ON ledger_history (source_id, id);
`

// SQLiteStore persists the ledger in a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the ledger database at path.
// Use ":memory:" for a throwaway ledger.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// One writer keeps commits serialized across both ingestion loops,
	// and keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, sourceID string) (*models.ProcessedRecord, error) {
	return getRecord(ctx, s.db, sourceID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, sourceID string) (*models.ProcessedRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT source_id, origin, fingerprint, processed_at, chunk_ids, pending_chunk_ids
		FROM processed_records
		WHERE source_id = ?
	`, sourceID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get %s: %w", sourceID, err)
	}
	return rec, nil
}

// MarkPending implements Store.
func (s *SQLiteStore) MarkPending(ctx context.Context, sourceID string, origin models.Origin, chunkIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, sourceID)
	if err != nil {
		return err
	}
	var pending []string
	if rec != nil {
		pending = rec.PendingChunkIDs
	}
	pendingJSON, err := encodeIDs(union(pending, chunkIDs))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_records (source_id, origin, pending_chunk_ids)
		VALUES (?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET pending_chunk_ids = excluded.pending_chunk_ids
	`, sourceID, string(origin), pendingJSON)
	if err != nil {
		return fmt.Errorf("ledger mark pending %s: %w", sourceID, err)
	}
	if err := appendEvent(ctx, tx, sourceID, EventPending, "", len(chunkIDs)); err != nil {
		return err
	}
	return tx.Commit()
}

// Commit implements Store.
func (s *SQLiteStore) Commit(ctx context.Context, rec models.ProcessedRecord) error {
	idsJSON, err := encodeIDs(rec.ChunkIDs)
	if err != nil {
		return err
	}
	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_records (source_id, origin, fingerprint, processed_at, chunk_ids, pending_chunk_ids)
		VALUES (?, ?, ?, ?, ?, '[]')
		ON CONFLICT (source_id) DO UPDATE SET
			origin = excluded.origin,
			fingerprint = excluded.fingerprint,
			processed_at = excluded.processed_at,
			chunk_ids = excluded.chunk_ids,
			pending_chunk_ids = '[]'
	`, rec.SourceID, string(rec.Origin), rec.Fingerprint, processedAt.UnixNano(), idsJSON)
	if err != nil {
		return fmt.Errorf("ledger commit %s: %w", rec.SourceID, err)
	}
	if err := appendEvent(ctx, tx, rec.SourceID, EventCommitted, rec.Fingerprint, len(rec.ChunkIDs)); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sourceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_records WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("ledger delete %s: %w", sourceID, err)
	}
	if err := appendEvent(ctx, tx, sourceID, EventDeleted, "", 0); err != nil {
		return err
	}
	return tx.Commit()
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, origin models.Origin) ([]models.ProcessedRecord, error) {
	query := `
		SELECT source_id, origin, fingerprint, processed_at, chunk_ids, pending_chunk_ids
		FROM processed_records`
	var args []any
	if origin != "" {
		query += ` WHERE origin = ?`
		args = append(args, string(origin))
	}
	query += ` ORDER BY source_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	defer rows.Close()

	var records []models.ProcessedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger list: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, sourceID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, event, fingerprint, chunk_count, at
		FROM ledger_history
		WHERE source_id = ?
		ORDER BY id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var typ string
		var at int64
		if err := rows.Scan(&e.SourceID, &typ, &e.Fingerprint, &e.ChunkCount, &at); err != nil {
			return nil, fmt.Errorf("ledger history: %w", err)
		}
		e.Type = EventType(typ)
		e.At = time.Unix(0, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.ProcessedRecord, error) {
	var rec models.ProcessedRecord
	var origin, idsJSON, pendingJSON string
	var processedAt int64
	if err := row.Scan(&rec.SourceID, &origin, &rec.Fingerprint, &processedAt, &idsJSON, &pendingJSON); err != nil {
		return nil, err
	}
	rec.Origin = models.Origin(origin)
	if processedAt > 0 {
		rec.ProcessedAt = time.Unix(0, processedAt)
	}
	if err := json.Unmarshal([]byte(idsJSON), &rec.ChunkIDs); err != nil {
		return nil, fmt.Errorf("decoding chunk ids: %w", err)
	}
	if err := json.Unmarshal([]byte(pendingJSON), &rec.PendingChunkIDs); err != nil {
		return nil, fmt.Errorf("decoding pending ids: %w", err)
	}
	if len(rec.PendingChunkIDs) == 0 {
		rec.PendingChunkIDs = nil
	}
	return &rec, nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encoding chunk ids: %w", err)
	}
	return string(data), nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, sourceID string, typ EventType, fingerprint string, chunks int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_history (source_id, event, fingerprint, chunk_count, at)
		VALUES (?, ?, ?, ?, ?)
	`, sourceID, string(typ), fingerprint, chunks, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("ledger history append: %w", err)
	}
	return nil
}
