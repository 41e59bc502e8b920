package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"
)

const defaultRetention = 1024

// MemoryStore 以内存方式保存作业状态。已结束的作业超过保留上限后按更新时间淘汰。
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	active    map[string]string
	retention int
	now       func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		active:    make(map[string]string),
		retention: defaultRetention,
		now:       time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if job.ID == "" || job.EventID == "" {
		return xerrors.New(CodeJobValidation, "作业 ID 与事件 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	if existing, ok := m.active[job.EventID]; ok {
		return xerrors.New(CodeJobConflict, "该事件已有未完成的作业",
			xerrors.WithSeverity(xerrors.SeverityInfo),
			xerrors.WithMetadata("job_id", existing))
	}
	now := m.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job.clone()
	if !job.Status.Terminal() {
		m.active[job.EventID] = job.ID
	}
	m.pruneLocked()
	return nil
}

// Get 返回作业。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

// Claim 将待执行作业标记为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	switch job.Status {
	case StatusSucceeded, StatusFailed:
		return job.clone(), ErrJobCompleted
	case StatusRunning:
		return job.clone(), ErrJobConflict
	}
	job.Status = StatusRunning
	job.UpdatedAt = m.now().Unix()
	return job.clone(), nil
}

// MarkSucceeded 记录作业结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, outcome conversation.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusSucceeded
	job.Outcome = &outcome
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = m.now().Unix()
	m.releaseLocked(job)
	return nil
}

// MarkFailed 标记作业失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusFailed
	job.LastError = lastError
	job.ErrorCode = string(code)
	job.UpdatedAt = m.now().Unix()
	m.releaseLocked(job)
	return nil
}

// List 返回符合过滤条件的作业。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	results := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if opts.matches(job) {
			results = append(results, job.clone())
		}
	}
	sortJobs(results, opts.Order)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的作业数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (JobStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	stats := JobStats{}
	for _, job := range m.jobs {
		if opts.matches(job) {
			stats.add(job)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) releaseLocked(job *Job) {
	if m.active[job.EventID] == job.ID {
		delete(m.active, job.EventID)
	}
	m.pruneLocked()
}

func (m *MemoryStore) pruneLocked() {
	if m.retention <= 0 || len(m.jobs) <= m.retention {
		return
	}
	done := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.Status.Terminal() {
			done = append(done, job)
		}
	}
	sortJobs(done, SortByUpdatedAsc)
	for _, job := range done {
		if len(m.jobs) <= m.retention {
			return
		}
		delete(m.jobs, job.ID)
	}
}

func sortJobs(jobs []*Job, order SortOrder) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if order == SortByUpdatedAsc {
			if a.UpdatedAt == b.UpdatedAt {
				if a.CreatedAt == b.CreatedAt {
					return a.ID < b.ID
				}
				return a.CreatedAt < b.CreatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID < b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})
}

var _ Store = (*MemoryStore)(nil)
