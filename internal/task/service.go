package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"CoSign-Agent/internal/dispatch"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/pkg/logger"
)

// Checker 在入队前校验事件能否被该操作处理。
type Checker interface {
	Check(op dispatch.Operation, eventID string) error
}

// Service 负责授权作业的创建与查询。
type Service struct {
	store    Store
	producer Producer
	checker  Checker
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithChecker 配置入队前的动作校验。
func WithChecker(checker Checker) ServiceOption {
	return func(s *Service) {
		s.checker = checker
	}
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 为事件创建一个授权作业并推送到队列。
// 同一事件已有未结束的作业时直接返回该作业。
func (s *Service) Submit(ctx context.Context, op dispatch.Operation, eventID string) (*Job, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, xerrors.New(CodeJobValidation, "事件 ID 不能为空")
	}
	if _, err := dispatch.ParseOperation(string(op)); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	if s.checker != nil {
		if err := s.checker.Check(op, eventID); err != nil {
			return nil, err
		}
	}

	job := &Job{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Operation: op,
		Status:    StatusPending,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if existing, ok := s.existing(ctx, err); ok {
			return existing, nil
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("授权作业入队",
		slog.String("job_id", job.ID),
		slog.String("event_id", eventID),
		slog.String("operation", string(op)),
	)
	return job, nil
}

func (s *Service) existing(ctx context.Context, err error) (*Job, bool) {
	xe, ok := xerrors.From(err)
	if !ok || xe.Code() != CodeJobConflict {
		return nil, false
	}
	id := xe.Metadata()["job_id"]
	if id == "" {
		return nil, false
	}
	job, getErr := s.store.Get(ctx, id)
	if getErr != nil {
		return nil, false
	}
	return job, true
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询作业状态直到结束或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
