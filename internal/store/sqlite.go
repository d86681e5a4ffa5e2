package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLite persists files, results and ingest runs in a sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// a single connection keeps :memory: databases and pragmas consistent
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) AddFiles(ctx context.Context, files []ingest.File) ([]ingest.File, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(ctx, tx)

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO files (data_source, path, size, mod_time) VALUES (?,?,?,?) RETURNING id`,
	)
	if err != nil {
		return nil, fmt.Errorf("preparing sql insert failed: %w", err)
	}
	defer stmt.Close()

	ret := make([]ingest.File, len(files))
	for i, f := range files {
		if err := stmt.QueryRowContext(ctx, f.DataSource, f.Path, f.Size, unixNano(f.ModTime)).Scan(&f.ID); err != nil {
			return nil, fmt.Errorf("executing sql insert failed: %w", err)
		}
		ret[i] = f
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction failed: %w", err)
	}
	return ret, nil
}

func (s *SQLite) Files(ctx context.Context, ids []int64) ([]ingest.File, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, data_source, path, size, mod_time FROM files WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]ingest.File, len(ids))
	for rows.Next() {
		var f ingest.File
		var modTime int64
		if err := rows.Scan(&f.ID, &f.DataSource, &f.Path, &f.Size, &modTime); err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		if modTime != 0 {
			f.ModTime = time.Unix(0, modTime)
		}
		byID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ret := make([]ingest.File, 0, len(ids))
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (s *SQLite) PostResults(ctx context.Context, results ...ingest.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	for _, r := range results {
		var attrs *string
		if len(r.Attributes) > 0 {
			b, err := json.Marshal(r.Attributes)
			if err != nil {
				return fmt.Errorf("marshaling attributes: %w", err)
			}
			v := string(b)
			attrs = &v
		}
		var fileID *int64
		if r.FileID != 0 {
			fileID = &r.FileID
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO results (job_id, file_id, module, type, value, attributes) VALUES (?,?,?,?,?,?)`,
			r.JobID, fileID, r.Module, r.Type, r.Value, attrs,
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func (s *SQLite) Results(ctx context.Context, jobID int64) ([]ingest.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, file_id, module, type, value, attributes FROM results WHERE job_id=? ORDER BY id`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []ingest.Result
	for rows.Next() {
		var r ingest.Result
		var fileID sql.NullInt64
		var attrs sql.NullString
		if err := rows.Scan(&r.JobID, &fileID, &r.Module, &r.Type, &r.Value, &attrs); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		r.FileID = fileID.Int64
		if attrs.Valid {
			if err := json.Unmarshal([]byte(attrs.String), &r.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshaling attributes: %w", err)
			}
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
	}
}
