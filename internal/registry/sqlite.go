package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"correctord/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; lease CAS relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("registry opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users / projects / documents ----

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, plan, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, plan=excluded.plan`,
		u.ID, u.Email, u.Plan, u.CreatedAt.UnixMilli(),
	)
	return err
}

const userCols = `id, email, plan, created_at`

func (s *sqliteStore) GetUser(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

func (s *sqliteStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email))
}

func scanUser(row *sql.Row) (User, error) {
	var (
		u  User
		at int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Plan, &at); err != nil {
		return User{}, notFound(err)
	}
	u.CreatedAt = time.UnixMilli(at)
	return u, nil
}

func (s *sqliteStore) PutProject(ctx context.Context, p Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id, owner_id, name, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name`,
		p.ID, p.OwnerID, p.Name, p.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetProject(ctx context.Context, id string) (Project, error) {
	var (
		p  Project
		at int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, owner_id, name, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name, &at)
	if err != nil {
		return Project{}, notFound(err)
	}
	p.CreatedAt = time.UnixMilli(at)
	return p, nil
}

func (s *sqliteStore) PutDocument(ctx context.Context, d Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(id, project_id, name, path, kind, checksum, content_backup, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, path=excluded.path, kind=excluded.kind,
		   checksum=excluded.checksum, content_backup=excluded.content_backup`,
		d.ID, d.ProjectID, d.Name, d.Path, d.Kind, nullStr(d.Checksum), d.ContentBackup, d.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var (
		d        Document
		checksum sql.NullString
		at       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, path, kind, checksum, content_backup, created_at FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.ProjectID, &d.Name, &d.Path, &d.Kind, &checksum, &d.ContentBackup, &at)
	if err != nil {
		return Document{}, notFound(err)
	}
	d.Checksum = checksum.String
	d.CreatedAt = time.UnixMilli(at)
	return d, nil
}

// ---- jobs / tasks ----

func (s *sqliteStore) CreateJob(ctx context.Context, j Job, tasks []Task) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(id, owner_user_id, project_id, mode, status, created_at, started_at, finished_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			j.ID, j.OwnerUserID, j.ProjectID, j.Mode, string(j.Status), j.CreatedAt.UnixMilli(),
			msPtr(j.StartedAt), msPtr(j.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for i, t := range tasks {
			if t.Status == "" {
				t.Status = TaskQueued
			}
			if t.Position == 0 {
				t.Position = i
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tasks(id, job_id, document_id, position, status, use_ai, locked_by, locked_at, heartbeat_at, attempt_count, last_error)
				 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
				t.ID, j.ID, t.DocumentID, t.Position, string(t.Status), boolInt(t.UseAI),
				nullStr(t.LockedBy), msPtr(t.LockedAt), msPtr(t.HeartbeatAt), t.AttemptCount, nullStr(t.LastError),
			)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.DocumentID, err)
			}
		}
		return nil
	})
}

const jobCols = `id, owner_user_id, project_id, mode, status, created_at, started_at, finished_at`

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q querier, id string) (Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	var (
		j                 Job
		status            string
		created           int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.OwnerUserID, &j.ProjectID, &j.Mode, &status, &created, &started, &finished); err != nil {
		return Job{}, notFound(err)
	}
	j.Status = JobStatus(status)
	j.CreatedAt = time.UnixMilli(created)
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	return j, nil
}

const taskCols = `t.id, t.job_id, t.document_id, t.position, t.status, t.use_ai, t.locked_by, t.locked_at, t.heartbeat_at, t.attempt_count, t.last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner, extra ...any) (Task, error) {
	var (
		t                   Task
		status              string
		useAI               int
		lockedBy, lastError sql.NullString
		lockedAt, beatAt    sql.NullInt64
	)
	dest := []any{&t.ID, &t.JobID, &t.DocumentID, &t.Position, &status, &useAI, &lockedBy, &lockedAt, &beatAt, &t.AttemptCount, &lastError}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.UseAI = useAI != 0
	t.LockedBy = lockedBy.String
	t.LockedAt = timePtr(lockedAt)
	t.HeartbeatAt = timePtr(beatAt)
	t.LastError = lastError.String
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, jobID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.job_id = ? ORDER BY t.position, t.rowid`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetTask(ctx context.Context, jobID, documentID string) (Task, error) {
	return getTask(ctx, s.db, jobID, documentID)
}

func getTask(ctx context.Context, q querier, jobID, documentID string) (Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.job_id = ? AND t.document_id = ?`, jobID, documentID)
	t, err := scanTask(row)
	if err != nil {
		return Task{}, notFound(err)
	}
	return t, nil
}

func (s *sqliteStore) TryLock(ctx context.Context, req LockRequest) (Task, bool, error) {
	var (
		out Task
		ok  bool
	)
	now := req.Now.UnixMilli()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET locked_by = ?, locked_at = ?, heartbeat_at = ?, status = 'processing', attempt_count = attempt_count + 1
			 WHERE job_id = ? AND document_id = ?
			   AND status IN ('queued', 'processing')
			   AND (locked_by IS NULL OR locked_at IS NULL OR locked_at < ?)`,
			req.WorkerID, now, now, req.JobID, req.DocumentID, req.expiredBefore().UnixMilli(),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'processing', started_at = COALESCE(started_at, ?) WHERE id = ? AND status = 'queued'`,
			now, req.JobID,
		); err != nil {
			return err
		}
		out, err = getTask(ctx, tx, req.JobID, req.DocumentID)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	return out, ok, nil
}

func (s *sqliteStore) RenewLease(ctx context.Context, taskID, workerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET locked_at = ?, heartbeat_at = ? WHERE id = ? AND locked_by = ? AND status = 'processing'`,
		now.UnixMilli(), now.UnixMilli(), taskID, workerID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) CompleteTask(ctx context.Context, taskID string, exports []Export, now time.Time) (bool, error) {
	completed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		if err := tx.QueryRowContext(ctx, `SELECT job_id FROM tasks WHERE id = ?`, taskID).Scan(&jobID); err != nil {
			return notFound(err)
		}
		for _, e := range exports {
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO exports(id, job_id, document_id, kind, path, created_at)
				 SELECT ?,?,?,?,?,? WHERE NOT EXISTS (SELECT 1 FROM exports WHERE job_id = ? AND path = ?)`,
				e.ID, jobID, nullStr(e.DocumentID), e.Kind, e.Path, e.CreatedAt.UnixMilli(), jobID, e.Path,
			); err != nil {
				return fmt.Errorf("insert export %s: %w", e.Kind, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'completed', locked_by = NULL, locked_at = NULL WHERE id = ? AND status != 'failed'`, taskID,
		); err != nil {
			return err
		}
		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE job_id = ? AND status != 'completed'`, jobID,
		).Scan(&remaining); err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'completed', finished_at = ? WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')`,
			now.UnixMilli(), jobID,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		completed = n == 1
		return nil
	})
	return completed, err
}

func (s *sqliteStore) FailTask(ctx context.Context, taskID, reason string, now time.Time) (bool, error) {
	failed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		if err := tx.QueryRowContext(ctx, `SELECT job_id FROM tasks WHERE id = ?`, taskID).Scan(&jobID); err != nil {
			return notFound(err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'failed', last_error = ?, locked_by = NULL, locked_at = NULL
			 WHERE id = ? AND status != 'completed'`,
			reason, taskID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', finished_at = COALESCE(finished_at, ?) WHERE id = ? AND status NOT IN ('failed', 'canceled')`,
			now.UnixMilli(), jobID,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		failed = n == 1
		return nil
	})
	return failed, err
}

// ---- suggestions / exports ----

func (s *sqliteStore) AddSuggestions(ctx context.Context, items []Suggestion) error {
	if len(items) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO suggestions(id, job_id, document_id, token_id, line, type, severity, before_text, after_text, reason, source, context, sentence, status, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, it := range items {
			if it.Status == "" {
				it.Status = SuggestionPending
			}
			if it.CreatedAt.IsZero() {
				it.CreatedAt = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				it.ID, it.JobID, it.DocumentID, it.TokenID, it.Line, it.Type, it.Severity, it.Before, it.After,
				nullStr(it.Reason), it.Source, nullStr(it.Context), nullStr(it.Sentence), it.Status, it.CreatedAt.UnixMilli(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

const suggestionColumns = `id, job_id, document_id, token_id, line, type, severity, before_text, after_text, reason, source, context, sentence, status, created_at`

func scanSuggestion(row interface{ Scan(...any) error }) (Suggestion, error) {
	var (
		it                        Suggestion
		reason, ctxText, sentence sql.NullString
		at                        int64
	)
	if err := row.Scan(&it.ID, &it.JobID, &it.DocumentID, &it.TokenID, &it.Line, &it.Type, &it.Severity,
		&it.Before, &it.After, &reason, &it.Source, &ctxText, &sentence, &it.Status, &at); err != nil {
		return Suggestion{}, err
	}
	it.Reason, it.Context, it.Sentence = reason.String, ctxText.String, sentence.String
	it.CreatedAt = time.UnixMilli(at)
	return it, nil
}

func (s *sqliteStore) ListSuggestions(ctx context.Context, jobID string) ([]Suggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Suggestion
	for rows.Next() {
		it, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSuggestion(ctx context.Context, id string) (Suggestion, error) {
	it, err := scanSuggestion(s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id))
	if err != nil {
		return Suggestion{}, notFound(err)
	}
	return it, nil
}

func (s *sqliteStore) UpdateSuggestionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE suggestions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ResolvePendingSuggestions(ctx context.Context, jobID, status string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET status = ? WHERE job_id = ? AND status = ?`, status, jobID, SuggestionPending)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListExports(ctx context.Context, jobID string) ([]Export, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, document_id, kind, path, created_at FROM exports WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Export
	for rows.Next() {
		var (
			e     Export
			docID sql.NullString
			at    int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &docID, &e.Kind, &e.Path, &at); err != nil {
			return nil, err
		}
		e.DocumentID = docID.String
		e.CreatedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- recovery ----

const pendingSelect = `SELECT ` + taskCols + `,
	j.id, j.owner_user_id, j.project_id, j.mode, j.status, j.created_at, COALESCE(u.plan, 'free')
	FROM tasks t
	JOIN jobs j ON j.id = t.job_id
	LEFT JOIN users u ON u.id = j.owner_user_id`

func (s *sqliteStore) QueuedTasks(ctx context.Context) ([]PendingTask, error) {
	return s.pending(ctx, pendingSelect+` WHERE t.status = 'queued' ORDER BY j.created_at, j.rowid, t.position, t.rowid`)
}

func (s *sqliteStore) ExpiredLeases(ctx context.Context, before time.Time) ([]PendingTask, error) {
	return s.pending(ctx, pendingSelect+` WHERE t.status = 'processing' AND (t.locked_at IS NULL OR t.locked_at < ?)
		ORDER BY j.created_at, j.rowid, t.position, t.rowid`, before.UnixMilli())
}

func (s *sqliteStore) pending(ctx context.Context, query string, args ...any) ([]PendingTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingTask
	for rows.Next() {
		var (
			p       PendingTask
			status  string
			created int64
		)
		t, err := scanTask(rows, &p.Job.ID, &p.Job.OwnerUserID, &p.Job.ProjectID, &p.Job.Mode, &status, &created, &p.Plan)
		if err != nil {
			return nil, err
		}
		p.Task = t
		p.Job.Status = JobStatus(status)
		p.Job.CreatedAt = time.UnixMilli(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- helpers ----

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func msPtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
