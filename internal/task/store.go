package task

import (
	"context"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"
)

// Store 抽象了作业状态的持久化接口。
//
// 同一事件同时最多存在一个未结束的作业，Create 在冲突时返回
// 携带 job_id 元数据的 ErrJobConflict。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, outcome conversation.Outcome) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}
