package wallet

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

// MySQLStore 使用 MySQL 保存钱包余额与账本流水。
//
// 余额行更新与流水追加在同一事务内完成；余额扣减通过带守卫条件的
// UPDATE 实现，并发操作同一余额行时不会丢失写。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
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
		`CREATE TABLE IF NOT EXISTS wallet_accounts (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        custody_type VARCHAR(32) NOT NULL DEFAULT 'agent_custody',
        onchain_identity VARCHAR(128) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uq_wallet_user (user_id)
)`,
		`CREATE TABLE IF NOT EXISTS wallet_balances (
        wallet_account_id VARCHAR(64) NOT NULL,
        asset VARCHAR(16) NOT NULL,
        available BIGINT NOT NULL DEFAULT 0,
        reserved BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (wallet_account_id, asset)
)`,
		`CREATE TABLE IF NOT EXISTS wallet_ledger (
        id VARCHAR(64) PRIMARY KEY,
        wallet_account_id VARCHAR(64) NOT NULL,
        kind VARCHAR(32) NOT NULL,
        amount BIGINT NOT NULL,
        asset VARCHAR(16) NOT NULL,
        tx_id VARCHAR(128),
        source_wallet_id VARCHAR(64) DEFAULT '',
        dest_wallet_id VARCHAR(64) DEFAULT '',
        metadata TEXT,
        description TEXT,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uq_ledger_wallet_tx (wallet_account_id, tx_id),
        INDEX idx_ledger_wallet_created (wallet_account_id, created_at),
        INDEX idx_ledger_kind (kind)
)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化钱包表失败")
		}
	}
	return nil
}

// CreateAccount 插入钱包账户并初始化指定资产的零余额。
func (s *MySQLStore) CreateAccount(ctx context.Context, account *Account, asset string) error {
	if account == nil || account.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "account 不能为空")
	}
	if asset == "" {
		asset = DefaultAsset
	}
	now := time.Now().Unix()
	if account.CreatedAt == 0 {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallet_accounts (id, user_id, custody_type, onchain_identity, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID, account.UserID, account.CustodyType, account.OnchainIdentity, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 并发创建：读取已有账户。
			existing, getErr := s.AccountByUser(ctx, account.UserID)
			if getErr != nil {
				return getErr
			}
			*account = *existing
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入钱包账户失败")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallet_balances (wallet_account_id, asset, available, reserved, updated_at)
        VALUES (?, ?, 0, 0, ?)`,
		account.ID, asset, now,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化钱包余额失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交钱包创建事务失败")
	}
	return nil
}

// AccountByUser 返回用户的钱包账户。
func (s *MySQLStore) AccountByUser(ctx context.Context, userID string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, custody_type, onchain_identity, created_at, updated_at
        FROM wallet_accounts WHERE user_id = ?`, userID))
}

// Account 返回指定 ID 的钱包账户。
func (s *MySQLStore) Account(ctx context.Context, walletID string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, custody_type, onchain_identity, created_at, updated_at
        FROM wallet_accounts WHERE id = ?`, walletID))
}

func (s *MySQLStore) scanAccount(row *sql.Row) (*Account, error) {
	var account Account
	if err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.CustodyType,
		&account.OnchainIdentity,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包账户失败")
	}
	return &account, nil
}

// Balance 返回余额，不存在余额行时返回零值。
func (s *MySQLStore) Balance(ctx context.Context, walletID, asset string) (Balance, error) {
	var balance Balance
	err := s.db.QueryRowContext(ctx,
		`SELECT wallet_account_id, asset, available, reserved, updated_at
        FROM wallet_balances WHERE wallet_account_id = ? AND asset = ?`,
		walletID, asset,
	).Scan(&balance.WalletID, &balance.Asset, &balance.Available, &balance.Reserved, &balance.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Balance{WalletID: walletID, Asset: asset}, nil
		}
		return Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包余额失败")
	}
	return balance, nil
}

// AppendCredit 在一个事务内增加可用余额并追加流水。
func (s *MySQLStore) AppendCredit(ctx context.Context, entry *LedgerEntry) error {
	if entry == nil || entry.Amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "credit 金额必须为正")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO wallet_balances (wallet_account_id, asset, available, reserved, updated_at)
            VALUES (?, ?, ?, 0, ?)
            ON DUPLICATE KEY UPDATE available = available + VALUES(available), updated_at = VALUES(updated_at)`,
			entry.WalletID, entry.Asset, entry.Amount, now,
		)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新余额失败")
		}
		return s.insertEntry(ctx, tx, entry)
	})
}

// AppendDebit 在一个事务内扣减可用余额并追加流水。
func (s *MySQLStore) AppendDebit(ctx context.Context, entry *LedgerEntry) error {
	if entry == nil || entry.Amount >= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "debit 金额必须为负")
	}
	amount := -entry.Amount
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE wallet_balances SET available = available - ?, updated_at = ?
            WHERE wallet_account_id = ? AND asset = ? AND available >= ?`,
			amount, time.Now().Unix(), entry.WalletID, entry.Asset, amount,
		)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减余额失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			return ErrInsufficientBalance
		}
		return s.insertEntry(ctx, tx, entry)
	})
}

// Reserve 将金额从可用余额移入预留余额。
func (s *MySQLStore) Reserve(ctx context.Context, walletID, asset string, amount int64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "reserve 金额必须为正")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallet_balances SET available = available - ?, reserved = reserved + ?, updated_at = ?
        WHERE wallet_account_id = ? AND asset = ? AND available >= ?`,
		amount, amount, time.Now().Unix(), walletID, asset, amount,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "预留余额失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Release 将金额移出预留余额。
func (s *MySQLStore) Release(ctx context.Context, walletID, asset string, amount int64, toBalance bool) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "release 金额必须为正")
	}
	var restore int64
	if toBalance {
		restore = amount
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallet_balances SET reserved = reserved - ?, available = available + ?, updated_at = ?
        WHERE wallet_account_id = ? AND asset = ? AND reserved >= ?`,
		amount, restore, time.Now().Unix(), walletID, asset, amount,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放预留余额失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrInsufficientReserved
	}
	return nil
}

// AppendEntry 只追加流水，不修改余额。
func (s *MySQLStore) AppendEntry(ctx context.Context, entry *LedgerEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertEntry(ctx, tx, entry)
	})
}

// EntryByTx 返回指定交易的流水。
func (s *MySQLStore) EntryByTx(ctx context.Context, walletID, txID string) (*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+` WHERE wallet_account_id = ? AND tx_id = ?`, walletID, txID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本流水失败")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEntry(rows)
}

const selectEntry = `SELECT id, wallet_account_id, kind, amount, asset, tx_id, source_wallet_id, dest_wallet_id, metadata, description, created_at
        FROM wallet_ledger`

// Entries 返回账本流水，按时间倒序。
func (s *MySQLStore) Entries(ctx context.Context, walletID string, query LedgerQuery) ([]*LedgerEntry, error) {
	if query.Limit <= 0 {
		query.Limit = 50
	}
	stmt := selectEntry + ` WHERE wallet_account_id = ?`
	args := []any{walletID}
	if query.Kind != "" {
		stmt += ` AND kind = ?`
		args = append(args, string(query.Kind))
	}
	stmt += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, query.Limit, query.Offset)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本流水失败")
	}
	defer rows.Close()

	entries := make([]*LedgerEntry, 0, query.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账本流水失败")
	}
	return entries, nil
}

// OutboundSince 统计指定时间之后的出账总额。
func (s *MySQLStore) OutboundSince(ctx context.Context, walletID, asset string, since int64, kinds []EntryKind) (int64, error) {
	stmt := `SELECT COALESCE(SUM(-amount), 0) FROM wallet_ledger
        WHERE wallet_account_id = ? AND asset = ? AND created_at >= ? AND amount < 0`
	args := []any{walletID, asset, since}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, kind := range kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		stmt += ` AND kind IN (` + strings.Join(placeholders, ",") + `)`
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&total); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计出账总额失败")
	}
	return total, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func (s *MySQLStore) insertEntry(ctx context.Context, tx *sql.Tx, entry *LedgerEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	metadataValue, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码流水 metadata 失败")
	}
	var txID any
	if entry.TxID != "" {
		txID = entry.TxID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallet_ledger
        (id, wallet_account_id, kind, amount, asset, tx_id, source_wallet_id, dest_wallet_id, metadata, description, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.WalletID,
		string(entry.Kind),
		entry.Amount,
		entry.Asset,
		txID,
		entry.SourceWalletID,
		entry.DestWalletID,
		metadataValue,
		entry.Description,
		entry.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateDeposit
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入账本流水失败")
	}
	return nil
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

type entryScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row entryScanner) (*LedgerEntry, error) {
	var (
		entry    LedgerEntry
		txID     sql.NullString
		metadata sql.NullString
		desc     sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&entry.WalletID,
		&entry.Kind,
		&entry.Amount,
		&entry.Asset,
		&txID,
		&entry.SourceWalletID,
		&entry.DestWalletID,
		&metadata,
		&desc,
		&entry.CreatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本流水失败")
	}
	entry.TxID = txID.String
	entry.Description = desc.String
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		decoded := make(map[string]string)
		if err := json.Unmarshal([]byte(metadata.String), &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水 metadata 失败")
		}
		entry.Metadata = decoded
	}
	return &entry, nil
}

var _ Store = (*MySQLStore)(nil)
