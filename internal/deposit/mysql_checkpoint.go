package deposit

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "qubic-autopilot/internal/errors"
)

// MySQLCheckpointStore 使用 MySQL 保存扫描进度。
type MySQLCheckpointStore struct {
	db *sql.DB
}

var _ CheckpointStore = (*MySQLCheckpointStore)(nil)

// NewMySQLCheckpointStore 创建一个新的 MySQLCheckpointStore。
func NewMySQLCheckpointStore(dsn string) (*MySQLCheckpointStore, error) {
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

	store := &MySQLCheckpointStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLCheckpointStoreWithDB 复用已有连接创建 MySQLCheckpointStore。
func NewMySQLCheckpointStoreWithDB(db *sql.DB) (*MySQLCheckpointStore, error) {
	store := &MySQLCheckpointStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLCheckpointStore) initSchema() error {
	stmt := `CREATE TABLE IF NOT EXISTS deposit_checkpoints (
        identity VARCHAR(128) PRIMARY KEY,
        block BIGINT UNSIGNED NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(stmt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化入账进度表失败")
	}
	return nil
}

// Checkpoint 返回已处理到的区块，没有记录时返回 0。
func (s *MySQLCheckpointStore) Checkpoint(ctx context.Context, identity string) (uint64, error) {
	var block uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT block FROM deposit_checkpoints WHERE identity = ?", identity,
	).Scan(&block)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询入账进度失败")
	}
	return block, nil
}

// SaveCheckpoint 保存扫描进度。
func (s *MySQLCheckpointStore) SaveCheckpoint(ctx context.Context, identity string, block uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deposit_checkpoints (identity, block, updated_at) VALUES (?, ?, ?)
         ON DUPLICATE KEY UPDATE block = VALUES(block), updated_at = VALUES(updated_at)`,
		identity, block, time.Now().Unix(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存入账进度失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLCheckpointStore) Close() error {
	return s.db.Close()
}
