package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// 授权尝试的最终状态。
const (
	AttemptSubmitted = "submitted"
	AttemptCompleted = "completed"
	AttemptRejected  = "rejected"
	AttemptFailed    = "failed"
)

// memoryRetention 是内存仓库保留的最近记录条数。
const memoryRetention = 512

// AttemptRecord 记录一次授权操作（confirm 或 sign）的落库结构。
type AttemptRecord struct {
	ID         int64  `json:"id"`
	EventID    string `json:"event_id"`
	Operation  string `json:"operation"`
	ChainID    uint64 `json:"chain_id"`
	Wallet     string `json:"wallet"`
	Nonce      uint64 `json:"nonce"`
	SafeTxHash string `json:"safe_tx_hash"`
	TxHash     string `json:"tx_hash"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	CreatedAt  int64  `json:"created_at"`
}

// AttemptRepository 抽象授权记录的持久化接口。
type AttemptRepository interface {
	Save(ctx context.Context, record *AttemptRecord) error
	ListLatest(ctx context.Context, limit int) ([]AttemptRecord, error)
	ListByEvent(ctx context.Context, eventID string) ([]AttemptRecord, error)
}

// MemoryAttemptRepository 将记录追加写入本地 JSONL 文件，重启后从文件恢复最近的记录。
type MemoryAttemptRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []AttemptRecord
	nextID   int64
}

// NewMemoryAttemptRepository 在 dataDir 下创建 attempts.log。
func NewMemoryAttemptRepository(dataDir string) (*MemoryAttemptRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryAttemptRepository{dataFile: filepath.Join(dataDir, "attempts.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录授权结果，并为记录分配自增 ID。
func (m *MemoryAttemptRepository) Save(_ context.Context, record *AttemptRecord) error {
	if record == nil {
		return fmt.Errorf("授权记录不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开授权日志失败: %w", err)
	}
	defer file.Close()

	m.nextID++
	record.ID = m.nextID
	encoded, err := json.Marshal(record)
	if err != nil {
		m.nextID--
		return fmt.Errorf("序列化授权记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		m.nextID--
		return fmt.Errorf("写入授权日志失败: %w", err)
	}

	m.records = append([]AttemptRecord{*record}, m.records...)
	if len(m.records) > memoryRetention {
		m.records = m.records[:memoryRetention]
	}
	return nil
}

// ListLatest 返回最近的记录，按写入顺序倒序排列。
func (m *MemoryAttemptRepository) ListLatest(_ context.Context, limit int) ([]AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]AttemptRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// ListByEvent 返回某个动作的全部尝试，最新的在前。
func (m *MemoryAttemptRepository) ListByEvent(_ context.Context, eventID string) ([]AttemptRecord, error) {
	eventID = strings.TrimSpace(eventID)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []AttemptRecord
	for _, record := range m.records {
		if record.EventID == eventID {
			results = append(results, record)
		}
	}
	return results, nil
}

func (m *MemoryAttemptRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取授权日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []AttemptRecord
	for scanner.Scan() {
		var record AttemptRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID > m.nextID {
			m.nextID = record.ID
		}
		restored = append([]AttemptRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析授权日志失败: %w", err)
	}

	if len(restored) > memoryRetention {
		restored = restored[:memoryRetention]
	}
	m.records = restored
	return nil
}
