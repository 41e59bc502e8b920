package mysql

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	insertAttemptSQL = `INSERT INTO authorization_attempts
    (event_id, operation, chain_id, wallet, nonce, safe_tx_hash, tx_hash, status, error_code, message, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectAttemptColumns = `SELECT id, event_id, operation, chain_id, wallet, nonce, safe_tx_hash, tx_hash, status, error_code, message, created_at
    FROM authorization_attempts`
)

// SQLAttemptRepository 使用 MySQL 存储授权记录。
type SQLAttemptRepository struct {
	db *sql.DB
}

// NewSQLAttemptRepository 创建连接池并执行嵌入的迁移。
func NewSQLAttemptRepository(ctx context.Context, cfg Config) (*SQLAttemptRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAttemptRepository{db: db}, nil
}

// Save 写入一条记录并回填自增 ID。
func (s *SQLAttemptRepository) Save(ctx context.Context, record *AttemptRecord) error {
	if record == nil {
		return fmt.Errorf("授权记录不能为空")
	}
	result, err := s.db.ExecContext(ctx, insertAttemptSQL,
		record.EventID,
		record.Operation,
		record.ChainID,
		record.Wallet,
		record.Nonce,
		record.SafeTxHash,
		record.TxHash,
		record.Status,
		record.ErrorCode,
		record.Message,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 查询最近的若干条记录。
func (s *SQLAttemptRepository) ListLatest(ctx context.Context, limit int) ([]AttemptRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectAttemptColumns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询授权记录失败: %w", err)
	}
	return scanAttempts(rows)
}

// ListByEvent 查询某个动作的全部尝试。
func (s *SQLAttemptRepository) ListByEvent(ctx context.Context, eventID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectAttemptColumns+` WHERE event_id = ? ORDER BY id DESC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("查询授权记录失败: %w", err)
	}
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]AttemptRecord, error) {
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var r AttemptRecord
		if err := rows.Scan(&r.ID, &r.EventID, &r.Operation, &r.ChainID, &r.Wallet, &r.Nonce,
			&r.SafeTxHash, &r.TxHash, &r.Status, &r.ErrorCode, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析授权记录失败: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历授权记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLAttemptRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
