package jobstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, project_name, session_id, command, options, status, priority,
	created_at, started_at, completed_at, error_message, user_id`

// timeLayout is fixed-width so that lexical order in SQL equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const defaultListLimit = 50

// Enqueue inserts a pending job and returns its id.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	project := strings.TrimSpace(p.ProjectName)
	if project == "" {
		return 0, errors.New("project name is required")
	}

	opts := p.Options
	if len(bytes.TrimSpace(opts)) == 0 {
		opts = json.RawMessage(`{}`)
	}
	if !json.Valid(opts) {
		return 0, ErrInvalidOptions
	}

	var id int64
	err := s.do(ctx, "enqueue", func() error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO jobs
			 (project_name, session_id, command, options, status, priority, created_at, user_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 RETURNING id`,
			project, nullString(p.SessionID), p.Command, string(opts),
			string(StatusPending), p.Priority, formatTime(s.now()), nullString(p.UserID),
		).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimNext selects the next job the project should run, or nil when
// nothing is eligible.
//
// Candidates are pending or failed jobs whose session is not currently
// running anywhere. Pending jobs come before failed ones (failed jobs are
// retried only after fresh work), then higher priority, then oldest first.
//
// ClaimNext does not change the row; callers must follow up with
// MarkRunning before starting work.
func (s *Store) ClaimNext(ctx context.Context, projectName string) (*Job, error) {
	return s.ClaimNextExcluding(ctx, projectName, nil)
}

// ClaimNextExcluding is ClaimNext with a set of job ids to ignore.
func (s *Store) ClaimNextExcluding(ctx context.Context, projectName string, skip []int64) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE project_name = ?
		  AND status IN ('pending', 'failed')
		  AND (session_id IS NULL OR session_id NOT IN (
				SELECT session_id FROM jobs
				WHERE status = 'running' AND session_id IS NOT NULL))`
	args := []any{projectName}
	if len(skip) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(skip)) + `)`
		for _, id := range skip {
			args = append(args, id)
		}
	}
	query += `
		ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END,
		         priority DESC,
		         created_at ASC,
		         id ASC
		LIMIT 1`

	var job *Job
	err := s.do(ctx, "claim_next", func() error {
		j, err := scanJob(s.db.QueryRowContext(ctx, query, args...).Scan)
		if errors.Is(err, sql.ErrNoRows) {
			job = nil
			return nil
		}
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkRunning moves a claimed job to running.
//
// The update is conditional: it only applies while the job is still pending
// or failed and no other job with the same session is running. It returns
// false when the row was taken by someone else in the meantime.
func (s *Store) MarkRunning(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.do(ctx, "mark_running", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs
			 SET status = 'running', started_at = ?, completed_at = NULL
			 WHERE id = ?
			   AND status IN ('pending', 'failed')
			   AND (session_id IS NULL OR NOT EXISTS (
					SELECT 1 FROM jobs AS other
					WHERE other.session_id = jobs.session_id
					  AND other.status = 'running'
					  AND other.id <> jobs.id))`,
			formatTime(s.now()), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// SetStatus transitions a job and stamps the matching timestamp: started_at
// on running, completed_at on completed or failed. errorMessage is written
// only when non-nil.
func (s *Store) SetStatus(ctx context.Context, id int64, status Status, errorMessage *string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	from := allowedFrom[status]
	now := formatTime(s.now())

	set := []string{"status = ?"}
	args := []any{string(status)}
	switch status {
	case StatusRunning:
		set = append(set, "started_at = ?", "completed_at = NULL")
		args = append(args, now)
	case StatusCompleted, StatusFailed:
		set = append(set, "completed_at = ?")
		args = append(args, now)
	}
	if errorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *errorMessage)
	}

	query := `UPDATE jobs SET ` + strings.Join(set, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	return s.do(ctx, "set_status", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var current string
		err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %d %s -> %s", ErrInvalidTransition, id, current, status)
	})
}

// AttachSession records a session id discovered while the job ran. Jobs that
// already carry a session id are left unchanged.
func (s *Store) AttachSession(ctx context.Context, id int64, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	return s.do(ctx, "attach_session", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET session_id = ? WHERE id = ? AND session_id IS NULL`,
			sessionID, id)
		return err
	})
}

// Get returns a single job.
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	var job *Job
	err := s.do(ctx, "get", func() error {
		j, err := scanJob(s.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id).Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListActive returns every pending or running job, grouped by project and
// ordered the way a worker would pick them up.
func (s *Store) ListActive(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, "list_active",
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status IN ('pending', 'running')
		 ORDER BY project_name ASC, priority DESC, created_at ASC, id ASC`)
}

// ListForProject returns the most recent jobs for a project, newest first,
// regardless of status. A non-positive limit selects the default of 50.
func (s *Store) ListForProject(ctx context.Context, projectName string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryJobs(ctx, "list_for_project",
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE project_name = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		projectName, limit)
}

// ListStuck returns running jobs whose started_at is before olderThan.
func (s *Store) ListStuck(ctx context.Context, olderThan time.Time) ([]Job, error) {
	return s.queryJobs(ctx, "list_stuck",
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = 'running'
		   AND (started_at IS NULL OR started_at < ?)
		 ORDER BY started_at ASC, id ASC`,
		formatTime(olderThan))
}

// EligibleProjects lists projects that have at least one pending or failed job.
func (s *Store) EligibleProjects(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "eligible_projects",
		`SELECT DISTINCT project_name FROM jobs
		 WHERE status IN ('pending', 'failed')
		 ORDER BY project_name ASC`)
}

// Projects lists every distinct project present in the store.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "projects",
		`SELECT DISTINCT project_name FROM jobs ORDER BY project_name ASC`)
}

// RetentionCleanup deletes completed and failed jobs beyond the newest keep
// (by completed_at) for projectName, or for every project when projectName
// is empty. A non-positive keep selects DefaultRetention.
//
// A failure on one project does not stop the sweep; the deleted count covers
// the projects that succeeded and the returned error joins the failures.
func (s *Store) RetentionCleanup(ctx context.Context, projectName string, keep int) (int64, error) {
	if keep <= 0 {
		keep = DefaultRetention
	}

	projects := []string{projectName}
	if strings.TrimSpace(projectName) == "" {
		all, err := s.Projects(ctx)
		if err != nil {
			return 0, err
		}
		projects = all
	}

	var (
		total int64
		errs  []error
	)
	for _, project := range projects {
		var deleted int64
		err := s.do(ctx, "retention_cleanup", func() error {
			res, err := s.db.ExecContext(ctx,
				`DELETE FROM jobs
				 WHERE id IN (
					SELECT id FROM (
						SELECT id,
							   ROW_NUMBER() OVER (
								   ORDER BY completed_at DESC, id DESC
							   ) AS rn
						FROM jobs
						WHERE project_name = ?
						  AND status IN ('completed', 'failed')
					)
					WHERE rn > ?
				 )`,
				project, keep)
			if err != nil {
				return err
			}
			deleted, err = res.RowsAffected()
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", project, err))
			continue
		}
		total += deleted
	}
	return total, errors.Join(errs...)
}

// Stats counts jobs per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, "stats", func() error {
		st = Stats{}
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			switch Status(status) {
			case StatusPending:
				st.Pending = n
			case StatusRunning:
				st.Running = n
			case StatusCompleted:
				st.Completed = n
			case StatusFailed:
				st.Failed = n
			}
		}
		return rows.Err()
	})
	return st, err
}

func (s *Store) queryJobs(ctx context.Context, op string, query string, args ...any) ([]Job, error) {
	var jobs []Job
	err := s.do(ctx, op, func() error {
		jobs = jobs[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			j, err := scanJob(rows.Scan)
			if err != nil {
				return err
			}
			jobs = append(jobs, *j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) queryStrings(ctx context.Context, op string, query string, args ...any) ([]string, error) {
	var out []string
	err := s.do(ctx, op, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var (
		j            Job
		sessionID    sql.NullString
		options      string
		status       string
		createdAt    string
		startedAt    sql.NullString
		completedAt  sql.NullString
		errorMessage sql.NullString
		userID       sql.NullString
	)

	err := scan(
		&j.ID, &j.ProjectName, &sessionID, &j.Command, &options, &status, &j.Priority,
		&createdAt, &startedAt, &completedAt, &errorMessage, &userID)
	if err != nil {
		return nil, err
	}

	j.Options = json.RawMessage(options)
	j.Status = Status(status)

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if j.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if sessionID.Valid {
		j.SessionID = &sessionID.String
	}
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	if userID.Valid {
		j.UserID = &userID.String
	}
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
