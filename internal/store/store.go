package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// JobStatus represents asynchronous job state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("not found")

// Job represents an interpolation request and its progress.
type Job struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Status      JobStatus              `json:"status"`
	Stage       string                 `json:"stage,omitempty"`
	Progress    int                    `json:"progress,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempt     int                    `json:"attempt"`
	MaxAttempts int                    `json:"maxAttempts"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// JobLogEntry is one line of a job's execution log.
type JobLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
}

// HistoryEntry stores past actions (completed renders, builds, retries).
type HistoryEntry struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	JobID     string                 `json:"jobId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Store wraps the SQL database used for persistence.
type Store struct {
	db     *sql.DB
	driver string
}

// Open initializes the datastore using the supplied DSN/file path and driver.
// Supported drivers are "sqlite" (default) and "postgres".
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create datastore directory: %w", err)
		}
		conn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dsn)
		db, err = sql.Open("sqlite", conn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite datastore: %w", err)
		}
		// sqlite permits a single writer.
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres datastore: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}

	s := &Store{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT,
			progress INTEGER DEFAULT 0,
			message TEXT,
			payload TEXT,
			result TEXT,
			error TEXT,
			attempt INTEGER DEFAULT 0,
			max_attempts INTEGER DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_logs (
			id %s,
			job_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			stage TEXT,
			message TEXT
		);`, serial),
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS history (
			id %s,
			event TEXT NOT NULL,
			job_id TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		);`, serial),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema apply failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity for health probes.
func (s *Store) Ping() error {
	if s == nil || s.db == nil {
		return errors.New("datastore not configured")
	}
	return s.db.Ping()
}

const jobColumns = `id, type, status, stage, progress, message, payload, result, error, attempt, max_attempts, created_at, updated_at`

// CreateJob inserts a new job record.
func (s *Store) CreateJob(job *Job) error {
	if job.ID == "" {
		return errors.New("job id required")
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	payload, result, err := encodeMaps(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.rebind(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Type, job.Status, job.Stage, job.Progress, job.Message, payload, result, job.Error,
		job.Attempt, job.MaxAttempts, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// UpdateJob mutates an existing job.
func (s *Store) UpdateJob(job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	payload, result, err := encodeMaps(job)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(s.rebind(`UPDATE jobs SET type=?, status=?, stage=?, progress=?, message=?, payload=?, result=?, error=?, attempt=?, max_attempts=?, updated_at=? WHERE id=?`),
		job.Type, job.Status, job.Stage, job.Progress, job.Message, payload, result, job.Error,
		job.Attempt, job.MaxAttempts, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// UpdateJobIf writes job only while the stored row still has the expected
// status. It reports whether the row changed; false means another writer
// moved the job first.
func (s *Store) UpdateJobIf(job *Job, expected JobStatus) (bool, error) {
	updatedAt := time.Now().UTC()
	payload, result, err := encodeMaps(job)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(s.rebind(`UPDATE jobs SET type=?, status=?, stage=?, progress=?, message=?, payload=?, result=?, error=?, attempt=?, max_attempts=?, updated_at=? WHERE id=? AND status=?`),
		job.Type, job.Status, job.Stage, job.Progress, job.Message, payload, result, job.Error,
		job.Attempt, job.MaxAttempts, updatedAt, job.ID, expected,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		job.UpdatedAt = updatedAt
	}
	return n == 1, nil
}

// TransitionJob moves a job from one status to another only when it is
// still in the expected status. It reports whether the row changed.
func (s *Store) TransitionJob(id string, from, to JobStatus) (bool, error) {
	res, err := s.db.Exec(s.rebind(`UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status=?`),
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id=?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns recent jobs sorted from newest to oldest.
func (s *Store) ListJobs(limit int) ([]Job, error) {
	return s.listJobs("", limit)
}

// ListJobsByStatus returns jobs in the given status, oldest first so
// pollers drain in submission order.
func (s *Store) ListJobsByStatus(status JobStatus, limit int) ([]Job, error) {
	return s.listJobs(status, limit)
}

func (s *Store) listJobs(status JobStatus, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status=? ORDER BY created_at ASC`
		args = append(args, status)
	} else {
		query += ` ORDER BY created_at DESC`
	}
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job                    Job
		stage, message, errMsg sql.NullString
		payload, result        sql.NullString
	)
	if err := row.Scan(&job.ID, &job.Type, &job.Status, &stage, &job.Progress, &message, &payload, &result, &errMsg,
		&job.Attempt, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Stage = stage.String
	job.Message = message.String
	job.Error = errMsg.String
	if payload.Valid {
		_ = json.Unmarshal([]byte(payload.String), &job.Payload)
	}
	if result.Valid {
		_ = json.Unmarshal([]byte(result.String), &job.Result)
	}
	return &job, nil
}

func encodeMaps(job *Job) (string, string, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return "", "", err
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return "", "", err
	}
	return string(payload), string(result), nil
}

// AppendJobLog records a log line for a job.
func (s *Store) AppendJobLog(jobID string, entry JobLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(s.rebind(`INSERT INTO job_logs (job_id, ts, level, stage, message) VALUES (?, ?, ?, ?, ?)`),
		jobID, entry.Timestamp, entry.Level, entry.Stage, entry.Message,
	)
	return err
}

// ListJobLogs returns a job's log lines in insertion order.
func (s *Store) ListJobLogs(jobID string) ([]JobLogEntry, error) {
	rows, err := s.db.Query(s.rebind(`SELECT ts, level, stage, message FROM job_logs WHERE job_id=? ORDER BY id ASC`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JobLogEntry
	for rows.Next() {
		var (
			e              JobLogEntry
			stage, message sql.NullString
		)
		if err := rows.Scan(&e.Timestamp, &e.Level, &stage, &message); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		e.Message = message.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendHistory writes an entry to the history log.
func (s *Store) AppendHistory(entry *HistoryEntry) error {
	entry.CreatedAt = time.Now().UTC()
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	var id int64
	err = s.db.QueryRow(s.rebind(`INSERT INTO history (event, job_id, metadata, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		entry.Event, entry.JobID, string(metadata), entry.CreatedAt,
	).Scan(&id)
	if err != nil {
		return err
	}
	entry.ID = strconv.FormatInt(id, 10)
	return nil
}

// ListHistory returns the newest history entries.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	query := `SELECT id, event, job_id, metadata, created_at FROM history ORDER BY id DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var (
			e               HistoryEntry
			jobID, metadata sql.NullString
			id              int64
		)
		if err := rows.Scan(&id, &e.Event, &jobID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = strconv.FormatInt(id, 10)
		e.JobID = jobID.String
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupJobsBefore deletes jobs in the given statuses last updated before
// the cutoff, along with their log lines. It returns the number of jobs
// removed.
func (s *Store) CleanupJobsBefore(before time.Time, statuses ...JobStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := []interface{}{before.UTC()}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	where := fmt.Sprintf(`updated_at < ? AND status IN (%s)`, strings.Join(placeholders, ","))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(s.rebind(`DELETE FROM job_logs WHERE job_id IN (SELECT id FROM jobs WHERE `+where+`)`), args...); err != nil {
		return 0, err
	}
	res, err := tx.Exec(s.rebind(`DELETE FROM jobs WHERE `+where), args...)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return removed, tx.Commit()
}

// CleanupHistoryBefore deletes history entries recorded before the cutoff.
func (s *Store) CleanupHistoryBefore(before time.Time) (int64, error) {
	res, err := s.db.Exec(s.rebind(`DELETE FROM history WHERE created_at < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
