package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"correctord/pkg/logx"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type pgStore struct {
	db  *gorm.DB
	log logx.Logger
}

type userModel struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;not null"`
	Plan      string `gorm:"not null;default:free"`
	CreatedAt time.Time
}

func (userModel) TableName() string { return "users" }

type projectModel struct {
	ID        string `gorm:"primaryKey"`
	OwnerID   string `gorm:"index;not null"`
	Name      string `gorm:"not null"`
	CreatedAt time.Time
}

func (projectModel) TableName() string { return "projects" }

type documentModel struct {
	ID            string `gorm:"primaryKey"`
	ProjectID     string `gorm:"index;not null"`
	Name          string `gorm:"not null"`
	Path          string `gorm:"not null"`
	Kind          string `gorm:"not null"`
	Checksum      string
	ContentBackup []byte
	CreatedAt     time.Time
}

func (documentModel) TableName() string { return "documents" }

type jobModel struct {
	ID          string `gorm:"primaryKey"`
	OwnerUserID string `gorm:"index;not null"`
	ProjectID   string `gorm:"not null"`
	Mode        string `gorm:"not null"`
	Status      string `gorm:"not null"`
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

func (jobModel) TableName() string { return "jobs" }

type taskModel struct {
	ID           string `gorm:"primaryKey"`
	JobID        string `gorm:"uniqueIndex:uq_tasks_job_document;not null"`
	DocumentID   string `gorm:"uniqueIndex:uq_tasks_job_document;not null"`
	Position     int    `gorm:"not null;default:0"`
	Status       string `gorm:"index;not null"`
	UseAI        bool   `gorm:"not null;default:false"`
	LockedBy     *string
	LockedAt     *time.Time
	HeartbeatAt  *time.Time
	AttemptCount int `gorm:"not null;default:0"`
	LastError    *string
}

func (taskModel) TableName() string { return "tasks" }

type exportModel struct {
	ID         string `gorm:"primaryKey"`
	JobID      string `gorm:"index;not null"`
	DocumentID string
	Kind       string `gorm:"not null"`
	Path       string `gorm:"not null"`
	CreatedAt  time.Time
}

func (exportModel) TableName() string { return "exports" }

type suggestionModel struct {
	ID         string `gorm:"primaryKey"`
	JobID      string `gorm:"index;not null"`
	DocumentID string `gorm:"not null"`
	TokenID    int
	Line       int
	Type       string `gorm:"not null"`
	Severity   string `gorm:"not null"`
	BeforeText string
	AfterText  string
	Reason     string
	Source     string `gorm:"not null"`
	Context    string
	Sentence   string
	Status     string `gorm:"not null;default:pending"`
	CreatedAt  time.Time
}

func (suggestionModel) TableName() string { return "suggestions" }

func openPostgres(cfg Config, log logx.Logger) (*pgStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(
		&userModel{},
		&projectModel{},
		&documentModel{},
		&jobModel{},
		&taskModel{},
		&exportModel{},
		&suggestionModel{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	log.Debug("registry opened", logx.String("driver", "postgres"))
	return &pgStore{db: gdb, log: log}, nil
}

func (p *pgStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---- users / projects / documents ----

func (p *pgStore) PutUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m := userModel{ID: u.ID, Email: u.Email, Plan: u.Plan, CreatedAt: u.CreatedAt}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "plan"}),
	}).Create(&m).Error
}

func (p *pgStore) GetUser(ctx context.Context, id string) (User, error) {
	var m userModel
	if err := p.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return User{}, gormNotFound(err)
	}
	return User{ID: m.ID, Email: m.Email, Plan: m.Plan, CreatedAt: m.CreatedAt}, nil
}

func (p *pgStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var m userModel
	if err := p.db.WithContext(ctx).First(&m, "email = ?", email).Error; err != nil {
		return User{}, gormNotFound(err)
	}
	return User{ID: m.ID, Email: m.Email, Plan: m.Plan, CreatedAt: m.CreatedAt}, nil
}

func (p *pgStore) PutProject(ctx context.Context, pr Project) error {
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now()
	}
	m := projectModel{ID: pr.ID, OwnerID: pr.OwnerID, Name: pr.Name, CreatedAt: pr.CreatedAt}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&m).Error
}

func (p *pgStore) GetProject(ctx context.Context, id string) (Project, error) {
	var m projectModel
	if err := p.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return Project{}, gormNotFound(err)
	}
	return Project{ID: m.ID, OwnerID: m.OwnerID, Name: m.Name, CreatedAt: m.CreatedAt}, nil
}

func (p *pgStore) PutDocument(ctx context.Context, d Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m := documentModel{
		ID: d.ID, ProjectID: d.ProjectID, Name: d.Name, Path: d.Path, Kind: d.Kind,
		Checksum: d.Checksum, ContentBackup: d.ContentBackup, CreatedAt: d.CreatedAt,
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "path", "kind", "checksum", "content_backup"}),
	}).Create(&m).Error
}

func (p *pgStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var m documentModel
	if err := p.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return Document{}, gormNotFound(err)
	}
	return Document{
		ID: m.ID, ProjectID: m.ProjectID, Name: m.Name, Path: m.Path, Kind: m.Kind,
		Checksum: m.Checksum, ContentBackup: m.ContentBackup, CreatedAt: m.CreatedAt,
	}, nil
}

// ---- jobs / tasks ----

func (p *pgStore) CreateJob(ctx context.Context, j Job, tasks []Task) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		jm := jobModel{
			ID: j.ID, OwnerUserID: j.OwnerUserID, ProjectID: j.ProjectID, Mode: j.Mode,
			Status: string(j.Status), CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, FinishedAt: j.FinishedAt,
		}
		if err := tx.Create(&jm).Error; err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if len(tasks) == 0 {
			return nil
		}
		ms := make([]taskModel, 0, len(tasks))
		for i, t := range tasks {
			t.JobID = j.ID
			if t.Status == "" {
				t.Status = TaskQueued
			}
			if t.Position == 0 {
				t.Position = i
			}
			ms = append(ms, toTaskModel(t))
		}
		if err := tx.Create(&ms).Error; err != nil {
			return fmt.Errorf("insert tasks: %w", err)
		}
		return nil
	})
}

func (p *pgStore) GetJob(ctx context.Context, id string) (Job, error) {
	var m jobModel
	if err := p.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return Job{}, gormNotFound(err)
	}
	return fromJobModel(m), nil
}

func (p *pgStore) ListTasks(ctx context.Context, jobID string) ([]Task, error) {
	var ms []taskModel
	if err := p.db.WithContext(ctx).Where("job_id = ?", jobID).Order("position").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(ms))
	for _, m := range ms {
		out = append(out, fromTaskModel(m))
	}
	return out, nil
}

func (p *pgStore) GetTask(ctx context.Context, jobID, documentID string) (Task, error) {
	var m taskModel
	if err := p.db.WithContext(ctx).First(&m, "job_id = ? AND document_id = ?", jobID, documentID).Error; err != nil {
		return Task{}, gormNotFound(err)
	}
	return fromTaskModel(m), nil
}

// TryLock reads the row under FOR UPDATE and decides in Go; the row lock
// serializes concurrent lease attempts on the same task.
func (p *pgStore) TryLock(ctx context.Context, req LockRequest) (Task, bool, error) {
	var (
		out Task
		ok  bool
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m taskModel
		res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ? AND document_id = ?", req.JobID, req.DocumentID).
			Limit(1).Find(&m)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if m.Status != string(TaskQueued) && m.Status != string(TaskProcessing) {
			return nil
		}
		if m.LockedBy != nil && m.LockedAt != nil && !m.LockedAt.Before(req.expiredBefore()) {
			return nil
		}

		now := req.Now
		if err := tx.Model(&taskModel{}).Where("id = ?", m.ID).Updates(map[string]any{
			"locked_by":     req.WorkerID,
			"locked_at":     now,
			"heartbeat_at":  now,
			"status":        string(TaskProcessing),
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&jobModel{}).
			Where("id = ? AND status = ?", req.JobID, string(JobQueued)).
			Updates(map[string]any{
				"status":     string(JobProcessing),
				"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
			}).Error; err != nil {
			return err
		}

		worker := req.WorkerID
		m.LockedBy = &worker
		m.LockedAt = &now
		m.HeartbeatAt = &now
		m.Status = string(TaskProcessing)
		m.AttemptCount++
		out = fromTaskModel(m)
		ok = true
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	return out, ok, nil
}

func (p *pgStore) RenewLease(ctx context.Context, taskID, workerID string, now time.Time) (bool, error) {
	res := p.db.WithContext(ctx).Model(&taskModel{}).
		Where("id = ? AND locked_by = ? AND status = ?", taskID, workerID, string(TaskProcessing)).
		Updates(map[string]any{"locked_at": now, "heartbeat_at": now})
	return res.RowsAffected == 1, res.Error
}

func (p *pgStore) CompleteTask(ctx context.Context, taskID string, exports []Export, now time.Time) (bool, error) {
	completed := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m taskModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", taskID).Error; err != nil {
			return gormNotFound(err)
		}
		for _, e := range exports {
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			var dup int64
			if err := tx.Model(&exportModel{}).Where("job_id = ? AND path = ?", m.JobID, e.Path).Count(&dup).Error; err != nil {
				return err
			}
			if dup > 0 {
				continue
			}
			em := exportModel{ID: e.ID, JobID: m.JobID, DocumentID: e.DocumentID, Kind: e.Kind, Path: e.Path, CreatedAt: e.CreatedAt}
			if err := tx.Create(&em).Error; err != nil {
				return fmt.Errorf("insert export %s: %w", e.Kind, err)
			}
		}
		if err := tx.Model(&taskModel{}).
			Where("id = ? AND status <> ?", taskID, string(TaskFailed)).
			Updates(map[string]any{"status": string(TaskCompleted), "locked_by": nil, "locked_at": nil}).Error; err != nil {
			return err
		}
		var remaining int64
		if err := tx.Model(&taskModel{}).
			Where("job_id = ? AND status <> ?", m.JobID, string(TaskCompleted)).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		res := tx.Model(&jobModel{}).
			Where("id = ? AND status NOT IN ?", m.JobID, []string{string(JobCompleted), string(JobFailed), string(JobCanceled)}).
			Updates(map[string]any{"status": string(JobCompleted), "finished_at": now})
		if res.Error != nil {
			return res.Error
		}
		completed = res.RowsAffected == 1
		return nil
	})
	return completed, err
}

func (p *pgStore) FailTask(ctx context.Context, taskID, reason string, now time.Time) (bool, error) {
	failed := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m taskModel
		if err := tx.First(&m, "id = ?", taskID).Error; err != nil {
			return gormNotFound(err)
		}
		res := tx.Model(&taskModel{}).
			Where("id = ? AND status <> ?", taskID, string(TaskCompleted)).
			Updates(map[string]any{"status": string(TaskFailed), "last_error": reason, "locked_by": nil, "locked_at": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		res = tx.Model(&jobModel{}).
			Where("id = ? AND status NOT IN ?", m.JobID, []string{string(JobFailed), string(JobCanceled)}).
			Updates(map[string]any{"status": string(JobFailed), "finished_at": gorm.Expr("COALESCE(finished_at, ?)", now)})
		if res.Error != nil {
			return res.Error
		}
		failed = res.RowsAffected == 1
		return nil
	})
	return failed, err
}

// ---- suggestions / exports ----

func (p *pgStore) AddSuggestions(ctx context.Context, items []Suggestion) error {
	if len(items) == 0 {
		return nil
	}
	ms := make([]suggestionModel, 0, len(items))
	for _, it := range items {
		if it.Status == "" {
			it.Status = SuggestionPending
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = time.Now()
		}
		ms = append(ms, suggestionModel{
			ID: it.ID, JobID: it.JobID, DocumentID: it.DocumentID, TokenID: it.TokenID, Line: it.Line,
			Type: it.Type, Severity: it.Severity, BeforeText: it.Before, AfterText: it.After, Reason: it.Reason,
			Source: it.Source, Context: it.Context, Sentence: it.Sentence, Status: it.Status, CreatedAt: it.CreatedAt,
		})
	}
	return p.db.WithContext(ctx).CreateInBatches(ms, 200).Error
}

func fromSuggestionModel(m suggestionModel) Suggestion {
	return Suggestion{
		ID: m.ID, JobID: m.JobID, DocumentID: m.DocumentID, TokenID: m.TokenID, Line: m.Line,
		Type: m.Type, Severity: m.Severity, Before: m.BeforeText, After: m.AfterText, Reason: m.Reason,
		Source: m.Source, Context: m.Context, Sentence: m.Sentence, Status: m.Status, CreatedAt: m.CreatedAt,
	}
}

func (p *pgStore) ListSuggestions(ctx context.Context, jobID string) ([]Suggestion, error) {
	var ms []suggestionModel
	if err := p.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at, token_id").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]Suggestion, 0, len(ms))
	for _, m := range ms {
		out = append(out, fromSuggestionModel(m))
	}
	return out, nil
}

func (p *pgStore) GetSuggestion(ctx context.Context, id string) (Suggestion, error) {
	var m suggestionModel
	if err := p.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return Suggestion{}, gormNotFound(err)
	}
	return fromSuggestionModel(m), nil
}

func (p *pgStore) UpdateSuggestionStatus(ctx context.Context, id, status string) error {
	res := p.db.WithContext(ctx).Model(&suggestionModel{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgStore) ResolvePendingSuggestions(ctx context.Context, jobID, status string) (int, error) {
	res := p.db.WithContext(ctx).Model(&suggestionModel{}).
		Where("job_id = ? AND status = ?", jobID, SuggestionPending).
		Update("status", status)
	return int(res.RowsAffected), res.Error
}

func (p *pgStore) ListExports(ctx context.Context, jobID string) ([]Export, error) {
	var ms []exportModel
	if err := p.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]Export, 0, len(ms))
	for _, m := range ms {
		out = append(out, Export{ID: m.ID, JobID: m.JobID, DocumentID: m.DocumentID, Kind: m.Kind, Path: m.Path, CreatedAt: m.CreatedAt})
	}
	return out, nil
}

// ---- recovery ----

type pendingRow struct {
	taskModel
	JobOwnerUserID string
	JobProjectID   string
	JobMode        string
	JobStatus      string
	JobCreatedAt   time.Time
	Plan           string
}

func (p *pgStore) pendingQuery(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx).Table("tasks AS t").
		Select(`t.*, j.owner_user_id AS job_owner_user_id, j.project_id AS job_project_id, j.mode AS job_mode,
			j.status AS job_status, j.created_at AS job_created_at, COALESCE(u.plan, 'free') AS plan`).
		Joins("JOIN jobs j ON j.id = t.job_id").
		Joins("LEFT JOIN users u ON u.id = j.owner_user_id").
		Order("j.created_at, j.id, t.position")
}

func (p *pgStore) QueuedTasks(ctx context.Context) ([]PendingTask, error) {
	var rows []pendingRow
	if err := p.pendingQuery(ctx).Where("t.status = ?", string(TaskQueued)).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return fromPendingRows(rows), nil
}

func (p *pgStore) ExpiredLeases(ctx context.Context, before time.Time) ([]PendingTask, error) {
	var rows []pendingRow
	if err := p.pendingQuery(ctx).
		Where("t.status = ? AND (t.locked_at IS NULL OR t.locked_at < ?)", string(TaskProcessing), before).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return fromPendingRows(rows), nil
}

func fromPendingRows(rows []pendingRow) []PendingTask {
	out := make([]PendingTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, PendingTask{
			Task: fromTaskModel(r.taskModel),
			Job: Job{
				ID:          r.JobID,
				OwnerUserID: r.JobOwnerUserID,
				ProjectID:   r.JobProjectID,
				Mode:        r.JobMode,
				Status:      JobStatus(r.JobStatus),
				CreatedAt:   r.JobCreatedAt,
			},
			Plan: r.Plan,
		})
	}
	return out
}

// ---- mapping ----

func toTaskModel(t Task) taskModel {
	m := taskModel{
		ID: t.ID, JobID: t.JobID, DocumentID: t.DocumentID, Position: t.Position, Status: string(t.Status),
		UseAI: t.UseAI, LockedAt: t.LockedAt, HeartbeatAt: t.HeartbeatAt, AttemptCount: t.AttemptCount,
	}
	if t.LockedBy != "" {
		v := t.LockedBy
		m.LockedBy = &v
	}
	if t.LastError != "" {
		v := t.LastError
		m.LastError = &v
	}
	return m
}

func fromTaskModel(m taskModel) Task {
	t := Task{
		ID: m.ID, JobID: m.JobID, DocumentID: m.DocumentID, Position: m.Position, Status: TaskStatus(m.Status),
		UseAI: m.UseAI, LockedAt: m.LockedAt, HeartbeatAt: m.HeartbeatAt, AttemptCount: m.AttemptCount,
	}
	if m.LockedBy != nil {
		t.LockedBy = *m.LockedBy
	}
	if m.LastError != nil {
		t.LastError = *m.LastError
	}
	return t
}

func fromJobModel(m jobModel) Job {
	return Job{
		ID: m.ID, OwnerUserID: m.OwnerUserID, ProjectID: m.ProjectID, Mode: m.Mode,
		Status: JobStatus(m.Status), CreatedAt: m.CreatedAt, StartedAt: m.StartedAt, FinishedAt: m.FinishedAt,
	}
}
