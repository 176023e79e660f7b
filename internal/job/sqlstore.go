package job

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore is the durable Job Store backend, adapted from the teacher's
// cloud/internal/job/store.go SQLiteStore/MySQLStore pair: same
// initSchema idiom (CREATE TABLE/INDEX IF NOT EXISTS, duplicate-index
// errors ignored; no ALTER TABLE column migrations), same
// sentinel-error-wrapping style, re-keyed from the teacher's OSS-job schema
// to this spec's request/retry/timeout schema. Unlike the teacher, sqlite
// and mysql share one implementation here — both drivers accept "?"
// placeholders and timestamps are kept as RFC3339 text, so the dialect only
// changes which driver is opened and a couple of column type affinities.
type SQLStore struct {
	db      *sql.DB
	dialect string // "sqlite3" or "mysql"
}

// NewSQLStore opens (and migrates) a durable job store per cfg.
func NewSQLStore(cfg *DBConfig) (*SQLStore, error) {
	switch {
	case cfg.IsMySQLConfigured():
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			cfg.MySQLUser, cfg.MySQLPassword, cfg.MySQLHost, cfg.MySQLPort, cfg.MySQLDatabase, cfg.MySQLParams)
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		s := &SQLStore{db: db, dialect: "mysql"}
		if err := s.initSchema(); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	case cfg.IsSQLiteConfigured():
		db, err := sql.Open("sqlite3", cfg.SQLitePath+"?_foreign_keys=1")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		s := &SQLStore{db: db, dialect: "sqlite3"}
		if err := s.initSchema(); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("no durable backend configured")
	}
}

func (s *SQLStore) initSchema() error {
	pk := "TEXT PRIMARY KEY"
	autoinc := ""
	if s.dialect == "mysql" {
		pk = "VARCHAR(255) PRIMARY KEY"
		autoinc = " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS jobs (
		id %s,
		idempotency_key TEXT,
		command TEXT,
		payload BLOB,
		priority INTEGER NOT NULL DEFAULT 0,
		target_agent_id TEXT,
		required_capabilities TEXT,
		required_tags TEXT,
		timeout_ns INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		request_metadata TEXT,
		status TEXT NOT NULL,
		assigned_agent_id TEXT,
		created_at TEXT NOT NULL,
		assigned_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		result_json TEXT,
		error TEXT,
		error_code TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		timeout_count INTEGER NOT NULL DEFAULT 0,
		last_progress_json TEXT,
		cancellation_reason TEXT
	)%s;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_assigned_agent ON jobs(assigned_agent_id);
	`, pk, autoinc)

	for _, stmt := range strings.Split(query, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			// MySQL's CREATE INDEX IF NOT EXISTS support varies by version;
			// ignore duplicate-index errors the way the teacher's own
			// initSchema ignores duplicate-column errors.
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				continue
			}
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLStore) Enqueue(req Request) (*Job, bool, error) {
	var existingID string
	err := s.db.QueryRow(`SELECT id FROM jobs WHERE idempotency_key = ?`, req.IdempotencyKey).Scan(&existingID)
	if err == nil {
		existing, getErr := s.Get(existingID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	caps, err := marshalJSON(req.RequiredCapabilities)
	if err != nil {
		return nil, false, err
	}
	tags, err := marshalJSON(req.RequiredTags)
	if err != nil {
		return nil, false, err
	}
	meta, err := marshalJSON(req.Metadata)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO jobs (
			id, idempotency_key, command, payload, priority, target_agent_id,
			required_capabilities, required_tags, timeout_ns, max_retries,
			request_metadata, status, created_at, retry_count, timeout_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		req.ID, req.IdempotencyKey, req.Command, req.Payload, req.Priority, req.TargetAgentID,
		caps, tags, int64(req.Timeout), req.MaxRetries, meta, string(StatusPending),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	return &Job{ID: req.ID, Request: req, Status: StatusPending, CreatedAt: now}, true, nil
}

type scannedJob struct {
	id, idempotencyKey, command                                    string
	payload                                                        []byte
	priority                                                       int
	targetAgentID                                                  sql.NullString
	capsJSON, tagsJSON                                             sql.NullString
	timeoutNS                                                      int64
	maxRetries                                                     int
	metaJSON                                                       sql.NullString
	status                                                         string
	assignedAgentID                                                sql.NullString
	createdAt                                                      string
	assignedAt, startedAt, completedAt                             sql.NullString
	resultJSON                                                     sql.NullString
	errMsg, errCode                                                sql.NullString
	retryCount, timeoutCount                                       int
	lastProgressJSON                                               sql.NullString
	cancellationReason                                             sql.NullString
}

const selectColumns = `
	id, idempotency_key, command, payload, priority, target_agent_id,
	required_capabilities, required_tags, timeout_ns, max_retries, request_metadata,
	status, assigned_agent_id, created_at, assigned_at, started_at, completed_at,
	result_json, error, error_code, retry_count, timeout_count, last_progress_json,
	cancellation_reason
	FROM jobs`

func scanJob(scan func(...any) error) (*Job, error) {
	var r scannedJob
	err := scan(
		&r.id, &r.idempotencyKey, &r.command, &r.payload, &r.priority, &r.targetAgentID,
		&r.capsJSON, &r.tagsJSON, &r.timeoutNS, &r.maxRetries, &r.metaJSON,
		&r.status, &r.assignedAgentID, &r.createdAt, &r.assignedAt, &r.startedAt, &r.completedAt,
		&r.resultJSON, &r.errMsg, &r.errCode, &r.retryCount, &r.timeoutCount, &r.lastProgressJSON,
		&r.cancellationReason,
	)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:     r.id,
		Status: Status(r.status),
		Request: Request{
			ID:             r.id,
			IdempotencyKey: r.idempotencyKey,
			Command:        r.command,
			Payload:        r.payload,
			Priority:       r.priority,
			TargetAgentID:  r.targetAgentID.String,
			Timeout:        time.Duration(r.timeoutNS),
			MaxRetries:     r.maxRetries,
		},
		AssignedAgentID:    r.assignedAgentID.String,
		RetryCount:         r.retryCount,
		TimeoutCount:       r.timeoutCount,
		Error:              r.errMsg.String,
		ErrorCode:          r.errCode.String,
		CancellationReason: r.cancellationReason.String,
	}
	if r.capsJSON.Valid && r.capsJSON.String != "" {
		_ = json.Unmarshal([]byte(r.capsJSON.String), &j.Request.RequiredCapabilities)
	}
	if r.tagsJSON.Valid && r.tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(r.tagsJSON.String), &j.Request.RequiredTags)
	}
	if r.metaJSON.Valid && r.metaJSON.String != "" {
		_ = json.Unmarshal([]byte(r.metaJSON.String), &j.Request.Metadata)
	}
	if r.resultJSON.Valid && r.resultJSON.String != "" {
		var res Result
		if err := json.Unmarshal([]byte(r.resultJSON.String), &res); err == nil {
			j.Result = &res
		}
	}
	if r.lastProgressJSON.Valid && r.lastProgressJSON.String != "" {
		var p Progress
		if err := json.Unmarshal([]byte(r.lastProgressJSON.String), &p); err == nil {
			j.LastProgress = &p
		}
	}

	j.CreatedAt, err = parseTimestamp(r.createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	j.AssignedAt = parseNullableTimestamp(r.assignedAt)
	j.StartedAt = parseNullableTimestamp(r.startedAt)
	j.CompletedAt = parseNullableTimestamp(r.completedAt)

	return j, nil
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTimestamp(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func (s *SQLStore) Get(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` WHERE id = ?`, jobID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLStore) GetJobs(status *Status, agentID string) ([]*Job, error) {
	query := `SELECT ` + selectColumns
	var args []any
	var where []string
	if status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*status))
	}
	if agentID != "" {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, agentID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLStore) DequeueNext(caps map[string]bool) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` WHERE status = ? ORDER BY priority DESC, created_at ASC`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	var candidates []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range candidates {
		if !subsetOf(j.Request.RequiredCapabilities, caps) {
			continue
		}
		res, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
			string(StatusAssigned), j.ID, string(StatusPending))
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			j.Status = StatusAssigned
			return j, nil
		}
		// Lost the race to another dequeuer; try the next candidate.
	}
	return nil, nil
}

func (s *SQLStore) Assign(jobID, agentID string) (bool, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET assigned_agent_id = ?, assigned_at = ? WHERE id = ? AND status = ? AND (assigned_agent_id IS NULL OR assigned_agent_id = '')`,
		agentID, now, jobID, string(StatusAssigned))
	if err != nil {
		return false, fmt.Errorf("assign job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) Unassign(jobID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE jobs SET assigned_agent_id = '', assigned_at = NULL WHERE id = ? AND status = ?`,
		jobID, string(StatusAssigned))
	if err != nil {
		return false, fmt.Errorf("unassign job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) Acknowledge(jobID, agentID string) (bool, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ? AND assigned_agent_id = ?`,
		string(StatusRunning), now, jobID, string(StatusAssigned), agentID)
	if err != nil {
		return false, fmt.Errorf("acknowledge job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) Complete(jobID string, result Result) (bool, error) {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return false, err
	}
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, result_json = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(StatusCompleted), resultJSON, now, jobID, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) Fail(jobID, errMsg, errCode string) (bool, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, error = ?, error_code = ?, completed_at = ? WHERE id = ? AND (status = ? OR status = ?)`,
		string(StatusFailed), errMsg, errCode, now, jobID, string(StatusAssigned), string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) Cancel(jobID, reason string) (bool, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, cancellation_reason = ?, completed_at = ? WHERE id = ? AND (status = ? OR status = ? OR status = ?)`,
		string(StatusCancelled), reason, now, jobID, string(StatusPending), string(StatusAssigned), string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) Requeue(jobID string) (bool, error) {
	j, err := s.Get(jobID)
	if err != nil {
		return false, err
	}
	if j.Status != StatusFailed || !j.CanRetry() {
		return false, nil
	}
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, assigned_agent_id = NULL, assigned_at = NULL,
		started_at = NULL, completed_at = NULL, error = NULL, error_code = NULL, retry_count = retry_count + 1
		WHERE id = ? AND status = ?`,
		string(StatusPending), jobID, string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) RequeueForTimeout(jobID string, maxTimeoutRetries int) (bool, error) {
	j, err := s.Get(jobID)
	if err != nil {
		return false, err
	}
	if (j.Status != StatusAssigned && j.Status != StatusRunning) || j.TimeoutCount >= maxTimeoutRetries {
		return false, nil
	}
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, assigned_agent_id = NULL, assigned_at = NULL,
		started_at = NULL, completed_at = NULL, error = NULL, error_code = NULL, timeout_count = timeout_count + 1
		WHERE id = ? AND (status = ? OR status = ?)`,
		string(StatusPending), jobID, string(StatusAssigned), string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("requeue for timeout: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) UpdateProgress(p Progress) (bool, error) {
	j, err := s.Get(p.JobID)
	if err != nil {
		return false, err
	}
	if j.Status != StatusRunning {
		return false, nil
	}
	if j.LastProgress != nil && p.Sequence <= j.LastProgress.Sequence {
		return false, nil
	}
	progJSON, err := marshalJSON(p)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(`UPDATE jobs SET last_progress_json = ? WHERE id = ? AND status = ?`,
		progJSON, p.JobID, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// NewStore picks a Store implementation per cfg: a durable SQL backend if
// configured, otherwise the in-memory default (spec §6: the core requires
// only linearizable single-record operations and the §4.2 pending-job
// ordering, not any particular backend).
func NewStore(cfg *DBConfig) (Store, error) {
	if cfg == nil || (!cfg.IsMySQLConfigured() && !cfg.IsSQLiteConfigured()) {
		return NewInMemoryStore(), nil
	}
	return NewSQLStore(cfg)
}
