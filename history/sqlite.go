package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/richinsley/comfyjobs/job"
)

const createHistoryTable string = `
CREATE TABLE IF NOT EXISTS history_entries (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    document   TEXT NOT NULL,
    status     TEXT NOT NULL,
    descriptor TEXT NOT NULL,
    results    TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE (document, job_id)
);
`

const insertEntryQuery string = `
INSERT OR IGNORE INTO history_entries (job_id, document, status, descriptor, results, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`

const loadEntriesQuery string = `
SELECT job_id, document, status, descriptor, results, error, created_at
FROM history_entries WHERE document = ? ORDER BY seq DESC LIMIT ?;
`

// SQLite persists history entries in a single table keyed by document and job id.
type SQLite struct {
	dbConn *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("missing history database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway and this keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, createHistoryTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &SQLite{dbConn: db}, nil
}

func (repo *SQLite) Append(ctx context.Context, e Entry) error {
	desc, err := json.Marshal(e.Descriptor)
	if err != nil {
		return err
	}
	results, err := json.Marshal(e.Results)
	if err != nil {
		return err
	}
	_, err = repo.dbConn.ExecContext(ctx, insertEntryQuery,
		e.JobID, e.Document, string(e.Status), string(desc), string(results), e.Error, e.Timestamp.UnixNano(),
	)
	return err
}

func (repo *SQLite) Delete(ctx context.Context, document string, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(jobIDs)+1)
	args = append(args, document)
	for _, id := range jobIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobIDs)), ",")
	query := "DELETE FROM history_entries WHERE document = ? AND job_id IN (" + placeholders + ");"
	_, err := repo.dbConn.ExecContext(ctx, query, args...)
	return err
}

func (repo *SQLite) Load(ctx context.Context, document string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := repo.dbConn.QueryContext(ctx, loadEntriesQuery, document, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			status, desc, res string
			createdAt         int64
		)
		if err := rows.Scan(&e.JobID, &e.Document, &status, &desc, &res, &e.Error, &createdAt); err != nil {
			return nil, err
		}
		e.Status = job.Status(status)
		if err := json.Unmarshal([]byte(desc), &e.Descriptor); err != nil {
			return nil, fmt.Errorf("decode descriptor of %s: %w", e.JobID, err)
		}
		if err := json.Unmarshal([]byte(res), &e.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", e.JobID, err)
		}
		e.Timestamp = time.Unix(0, createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest first from the query; callers want insertion order
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

func (repo *SQLite) Close() error {
	return repo.dbConn.Close()
}
