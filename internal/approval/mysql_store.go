package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/internal/intent"
)

// MySQLStore 使用 MySQL 保存审批请求与用户配置。
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
	statements := []string{
		`CREATE TABLE IF NOT EXISTS approval_requests (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        task_id VARCHAR(64) DEFAULT '',
        action VARCHAR(32) NOT NULL,
        amount BIGINT NOT NULL,
        asset VARCHAR(16) NOT NULL,
        destination VARCHAR(128) DEFAULT '',
        description TEXT,
        risk_level VARCHAR(16) NOT NULL DEFAULT 'low',
        status VARCHAR(32) NOT NULL,
        decision_note TEXT,
        metadata TEXT,
        created_at BIGINT NOT NULL,
        expires_at BIGINT NOT NULL,
        decided_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_approval_user_created (user_id, created_at),
        INDEX idx_approval_user_status (user_id, status)
)`,
		`CREATE TABLE IF NOT EXISTS approval_settings (
        user_id VARCHAR(64) PRIMARY KEY,
        settings TEXT NOT NULL,
        updated_at BIGINT NOT NULL
)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化审批表失败")
		}
	}
	return nil
}

// CreateRequest 插入审批请求。
func (s *MySQLStore) CreateRequest(ctx context.Context, request *Request) error {
	if request == nil || request.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	metadata, err := encodeMetadata(request.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests
        (id, user_id, task_id, action, amount, asset, destination, description,
         risk_level, status, decision_note, metadata, created_at, expires_at, decided_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		request.ID, request.UserID, request.TaskID, request.Action, request.Amount,
		request.Asset, request.Destination, request.Description,
		string(request.RiskLevel), string(request.Status), request.DecisionNote,
		metadata, request.CreatedAt, request.ExpiresAt, request.DecidedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "审批请求已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入审批请求失败")
	}
	return nil
}

const selectRequest = `SELECT id, user_id, task_id, action, amount, asset, destination, description,
        risk_level, status, decision_note, metadata, created_at, expires_at, decided_at
        FROM approval_requests`

// Request 返回指定 ID 的审批请求。
func (s *MySQLStore) Request(ctx context.Context, id string) (*Request, error) {
	rows, err := s.db.QueryContext(ctx, selectRequest+` WHERE id = ?`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批请求失败")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批请求失败")
		}
		return nil, ErrNotFound
	}
	return scanRequest(rows)
}

// UpdateRequest 写回审批请求的可变字段。
func (s *MySQLStore) UpdateRequest(ctx context.Context, request *Request) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, decision_note = ?, decided_at = ? WHERE id = ?`,
		string(request.Status), request.DecisionNote, request.DecidedAt, request.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批请求失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		// 字段值未变化时 MySQL 也返回 0，这里再确认一次存在性。
		if _, getErr := s.Request(ctx, request.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListPending 返回用户未过期的 PENDING 请求。
func (s *MySQLStore) ListPending(ctx context.Context, userID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectRequest+` WHERE user_id = ? AND status = ? AND expires_at > ?
        ORDER BY created_at DESC LIMIT ?`,
		userID, string(StatusPending), time.Now().Unix(), limit,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待审批请求失败")
	}
	defer rows.Close()
	return collectRequests(rows)
}

// History 返回用户的审批记录。
func (s *MySQLStore) History(ctx context.Context, userID string, limit, offset int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectRequest+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批历史失败")
	}
	defer rows.Close()
	return collectRequests(rows)
}

// SettingsByUser 返回用户配置，未设置时给默认值。
func (s *MySQLStore) SettingsByUser(ctx context.Context, userID string) (Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings FROM approval_settings WHERE user_id = ?`, userID,
	).Scan(&raw)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return DefaultSettings(), nil
		}
		return Settings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批配置失败")
	}
	var settings Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return Settings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批配置失败")
	}
	return settings, nil
}

// SaveSettings 保存用户配置。
func (s *MySQLStore) SaveSettings(ctx context.Context, userID string, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批配置失败")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_settings (user_id, settings, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE settings = VALUES(settings), updated_at = VALUES(updated_at)`,
		userID, string(raw), time.Now().Unix(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存审批配置失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func collectRequests(rows *sql.Rows) ([]*Request, error) {
	var requests []*Request
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审批请求失败")
	}
	return requests, nil
}

func scanRequest(rows *sql.Rows) (*Request, error) {
	var (
		request   Request
		risk      string
		status    string
		note      sql.NullString
		metadata  sql.NullString
		desc      sql.NullString
	)
	if err := rows.Scan(
		&request.ID,
		&request.UserID,
		&request.TaskID,
		&request.Action,
		&request.Amount,
		&request.Asset,
		&request.Destination,
		&desc,
		&risk,
		&status,
		&note,
		&metadata,
		&request.CreatedAt,
		&request.ExpiresAt,
		&request.DecidedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批请求失败")
	}
	request.RiskLevel = intent.RiskLevel(risk)
	request.Status = Status(status)
	request.DecisionNote = note.String
	request.Description = desc.String
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		decoded := make(map[string]string)
		if err := json.Unmarshal([]byte(metadata.String), &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批 metadata 失败")
		}
		request.Metadata = decoded
	}
	return &request, nil
}

func encodeMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批 metadata 失败")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

var _ Store = (*MySQLStore)(nil)
