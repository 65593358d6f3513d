package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "qubic-autopilot/internal/errors"
)

// MySQLStore 使用 MySQL 保存任务，步骤与日志以 JSON 列存储。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreWithDB 复用已有连接创建 MySQLStore。
func NewMySQLStoreWithDB(db *sql.DB) (*MySQLStore, error) {
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS agent_tasks (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        goal TEXT NOT NULL,
        dry_run TINYINT(1) NOT NULL DEFAULT 0,
        status VARCHAR(32) NOT NULL,
        steps MEDIUMTEXT,
        logs MEDIUMTEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_task_user_created (user_id, created_at),
        INDEX idx_task_status (status)
)`)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化任务表失败")
	}
	return nil
}

// Create 插入新任务。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	steps, logs, err := encodeTask(task)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (id, user_id, goal, dry_run, status, steps, logs, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.Goal, task.DryRun, string(task.Status),
		steps, logs, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const selectTask = `SELECT id, user_id, goal, dry_run, status, steps, logs, created_at, updated_at
        FROM agent_tasks`

// Get 返回指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+` WHERE id = ?`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
		}
		return nil, ErrTaskNotFound
	}
	return scanTask(rows)
}

// Claim 用守卫 UPDATE 原子地把 PENDING 任务转为 RUNNING。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), time.Now().Unix(), id, string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrTaskConflict
	}
	return s.Get(ctx, id)
}

// Update 写回任务的状态、步骤与日志。
func (s *MySQLStore) Update(ctx context.Context, task *Task) error {
	steps, logs, err := encodeTask(task)
	if err != nil {
		return err
	}
	task.UpdatedAt = time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, steps = ?, logs = ?, updated_at = ? WHERE id = ?`,
		string(task.Status), steps, logs, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := s.Get(ctx, task.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Transition 带前置状态守卫地修改任务状态。
func (s *MySQLStore) Transition(ctx context.Context, id string, from, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().Unix(), id, string(from),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "任务状态流转失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTaskConflict
	}
	return nil
}

// ListByUser 返回用户的任务，按创建时间倒序。
func (s *MySQLStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectTask+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeTask(task *Task) (string, string, error) {
	steps, err := json.Marshal(task.Steps)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务步骤失败")
	}
	logs, err := json.Marshal(task.Logs)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务日志失败")
	}
	return string(steps), string(logs), nil
}

func scanTask(rows *sql.Rows) (*Task, error) {
	var (
		task   Task
		status string
		steps  sql.NullString
		logs   sql.NullString
	)
	if err := rows.Scan(
		&task.ID,
		&task.UserID,
		&task.Goal,
		&task.DryRun,
		&status,
		&steps,
		&logs,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
	}
	task.Status = Status(status)
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &task.Steps); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务步骤失败")
		}
	}
	if logs.Valid && logs.String != "" {
		if err := json.Unmarshal([]byte(logs.String), &task.Logs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务日志失败")
		}
	}
	return &task, nil
}

var _ Store = (*MySQLStore)(nil)
