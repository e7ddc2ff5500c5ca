// Package history keeps a record of every tool invocation of squadt projects
// in a sqlite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/project"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type RunRow struct {
	project.Run
	RowID      int
	InProgress bool
}

func (r RunRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("uuid: %q, operation: %s, processor: %d, tool: %q, in_progress: %t",
		r.ID, r.Operation, r.Processor, r.Tool, r.InProgress))
	if r.Output != "" {
		sb.WriteString(fmt.Sprintf(", output: %q", r.Output))
	}
	if !r.InProgress {
		sb.WriteString(fmt.Sprintf(", success: %t, duration: %s", r.Success(), r.Finished.Sub(r.Started).Round(time.Millisecond)))
	}
	if r.Error != "" {
		sb.WriteString(fmt.Sprintf(", failure_reason: %q", r.Error))
	}
	return sb.String()
}

// Store is a project.Recorder writing to a sqlite database
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath, ":memory:" keeps it in memory
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := InitDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a memory database exists per connection
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			project TEXT NOT NULL,
			processor INTEGER NOT NULL,
			tool TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			started INTEGER NOT NULL,
			finished INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Started implements project.Recorder
func (s *Store) Started(ctx context.Context, r project.Run) error {
	return Start(ctx, s.db, r)
}

// Finished implements project.Recorder
func (s *Store) Finished(ctx context.Context, r project.Run) error {
	return Finish(ctx, s.db, r)
}

func (s *Store) Get(ctx context.Context, uuid string) (RunRow, error) {
	return Get(ctx, s.db, uuid)
}

func (s *Store) List(ctx context.Context, projectPath string, limit int) ([]RunRow, error) {
	return List(ctx, s.db, projectPath, limit)
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	return Prune(ctx, s.db, before)
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

// Start persists that the run r is in progress. Starting a run which is still in
// progress is a no-op, a finished one gives ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, r project.Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, r.ID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, r.ID,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, project, processor, tool, output, operation, in_progress, started)
		 VALUES (?,?,?,?,?,?,?,?);`,
		r.ID, r.Project, int64(r.Processor), r.Tool, r.Output, string(r.Operation), true, r.Started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the end of the run r together with its failure reason, if any
func Finish(ctx context.Context, db *sql.DB, r project.Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, r.ID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, r.ID,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var reason *string
	if r.Error != "" {
		reason = &r.Error
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			finished = ?,
			failure_reason = ?
		WHERE uuid = ?;
		`, r.Finished.UnixNano(), reason, r.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const columns = `id, uuid, project, processor, tool, output, operation, in_progress, started, finished, failure_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (RunRow, error) {
	var (
		r         RunRow
		processor int64
		operation string
		started   int64
		finished  *int64
		reason    *string
	)
	err := row.Scan(&r.RowID, &r.ID, &r.Project, &processor, &r.Tool, &r.Output, &operation,
		&r.InProgress, &started, &finished, &reason)
	if err != nil {
		return RunRow{}, err
	}
	r.Processor = project.ProcessorID(processor)
	r.Operation = project.Operation(operation)
	r.Started = time.Unix(0, started).UTC()
	if finished != nil {
		r.Finished = time.Unix(0, *finished).UTC()
	}
	if reason != nil {
		r.Error = *reason
	}
	return r, nil
}

// Get returns the run identified by 'uuid', ErrNotFound when it does not exist
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM runs WHERE uuid=?`, uuid,
	)
	r, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns the newest runs first. An empty projectPath lists runs of all
// projects, a limit <= 0 lists everything.
func List(ctx context.Context, db *sql.DB, projectPath string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM runs
		 WHERE ? = '' OR project = ?
		 ORDER BY started DESC, id DESC
		 LIMIT ?`, projectPath, projectPath, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []RunRow
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// Prune deletes finished runs started before the given time and returns how
// many were removed
func Prune(ctx context.Context, db *sql.DB, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM runs WHERE in_progress = false AND started < ?`, before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return ra, nil
}
