package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evalbench/evalbench/api/batch"
)

const appendRetries = 5

// SQLiteStore persists test results as a replayable append log keyed by
// job_id. WAL mode keeps appends from blocking concurrent readers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) the append log at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open append log: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize append log schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS test_results (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		test_id TEXT NOT NULL,
		passed INTEGER NOT NULL,
		output TEXT,
		error TEXT,
		duration_ms INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		discarded INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_test_results_job ON test_results(job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append records one terminal result, retrying on a busy database.
func (s *SQLiteStore) Append(ctx context.Context, result batch.TestResult, discarded bool) error {
	if err := result.Validate(); err != nil {
		return err
	}
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO test_results (job_id, test_id, passed, output, error, duration_ms, attempts, discarded, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.JobID, result.TestID, boolToInt(result.Passed), result.Output, result.Error,
			result.Duration.Milliseconds(), result.Attempts, boolToInt(discarded), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("%w: append %s/%s: %v", ErrUnavailable, result.JobID, result.TestID, err)
		}
		return nil
	})
}

// Results returns every result appended for a job in append order.
func (s *SQLiteStore) Results(ctx context.Context, jobID string) ([]batch.TestResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, passed, output, error, duration_ms, attempts
		 FROM test_results WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrUnavailable, jobID, err)
	}
	defer rows.Close()

	var results []batch.TestResult
	for rows.Next() {
		var r batch.TestResult
		var passed int
		var durationMS int64
		if err := rows.Scan(&r.TestID, &passed, &r.Output, &r.Error, &durationMS, &r.Attempts); err != nil {
			return nil, err
		}
		r.JobID = jobID
		r.Passed = passed != 0
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

// Replay rebuilds per-job counters from the append log, so queue membership
// and job state survive a process restart.
func (s *SQLiteStore) Replay(ctx context.Context, jobID string) (ReplayCounters, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT passed, discarded FROM test_results WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return ReplayCounters{}, fmt.Errorf("%w: replay %s: %v", ErrUnavailable, jobID, err)
	}
	defer rows.Close()

	counters := ReplayCounters{}
	for rows.Next() {
		var passed, discarded int
		if err := rows.Scan(&passed, &discarded); err != nil {
			return ReplayCounters{}, err
		}
		switch {
		case discarded != 0:
			counters.Discarded++
		case passed != 0:
			counters.Completed++
		default:
			counters.Failed++
		}
	}
	return counters, rows.Err()
}

// Jobs lists every job_id present in the append log, oldest first.
func (s *SQLiteStore) Jobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM test_results GROUP BY job_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var jobs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		jobs = append(jobs, id)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	var err error
	for i := 0; i < appendRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "SQLITE_BUSY") {
			return err
		}
		time.Sleep(time.Duration(10*(1<<uint(i))) * time.Millisecond)
	}
	return fmt.Errorf("append log busy after %d retries: %w", appendRetries, err)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
