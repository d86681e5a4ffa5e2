package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Run is one ingest pass of the service supervisor.
type Run struct {
	UUID          string
	InProgress    bool
	Success       *bool
	UploadKey     *string
	FailureReason *string
}

type RunRow struct {
	Run
	ID int
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, in_progress: %t", r.UUID, r.InProgress)
	if r.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *r.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if r.UploadKey != nil {
		fmt.Fprintf(&sb, ", upload_key: %q", *r.UploadKey)
	} else {
		sb.WriteString(", upload_key: nil")
	}
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	} else {
		sb.WriteString(", failure_reason: nil")
	}
	return sb.String()
}

// StartRun records that the run identified by uuid is in progress. Starting a
// run still in progress is not an error, starting a finished one returns
// ErrAlreadyFinished.
func (s *SQLite) StartRun(ctx context.Context, uuid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	var inProgress bool
	err = tx.QueryRowContext(ctx, `SELECT in_progress FROM runs WHERE uuid=?`, uuid).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil:
		return ErrAlreadyFinished
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (uuid, in_progress) VALUES (?,?)`, uuid, true); err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Run returns the run identified by uuid or ErrNotFound.
func (s *SQLite) Run(ctx context.Context, uuid string) (RunRow, error) {
	var row RunRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uuid, in_progress, success, upload_key, failure_reason FROM runs WHERE uuid=?`, uuid,
	).Scan(&row.ID, &row.UUID, &row.InProgress, &row.Success, &row.UploadKey, &row.FailureReason)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row, nil
}

// FinishRunOK marks the run as successful and stores where its report was
// uploaded to.
func (s *SQLite) FinishRunOK(ctx context.Context, uuid, uploadKey string) error {
	return s.finishRun(ctx, uuid,
		`UPDATE runs SET in_progress = false, success = true, upload_key = ? WHERE uuid = ?`, uploadKey)
}

// FinishRunErr marks the run as failed with reason.
func (s *SQLite) FinishRunErr(ctx context.Context, uuid, reason string) error {
	return s.finishRun(ctx, uuid,
		`UPDATE runs SET in_progress = false, success = false, failure_reason = ? WHERE uuid = ?`, reason)
}

func (s *SQLite) finishRun(ctx context.Context, uuid, update, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	var inProgress bool
	err = tx.QueryRowContext(ctx, `SELECT in_progress FROM runs WHERE uuid=?`, uuid).Scan(&inProgress)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	case !inProgress:
		return ErrAlreadyFinished
	}

	if _, err := tx.ExecContext(ctx, update, value, uuid); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}
