package task

import (
	"context"
	"log/slog"

	"CoSign-Agent/internal/conversation"
	"CoSign-Agent/internal/dispatch"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/observability/alerting"
	"CoSign-Agent/internal/observability/metrics"
	"CoSign-Agent/pkg/logger"
)

// Executor 定义了处理器所需的授权能力，由 dispatch.Dispatcher 实现。
type Executor interface {
	Dispatch(ctx context.Context, op dispatch.Operation, eventID string) (conversation.Outcome, error)
}

// Processor 负责从队列消费作业并交给授权调度器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器，仅用于作业基础设施故障。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("task")
	}
	return p
}

// Start 启动作业处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if IsJobError(err, CodeJobNotFound) || IsJobError(err, CodeJobCompleted) || IsJobError(err, CodeJobConflict) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, err)
		return err
	}

	outcome, execErr := p.executor.Dispatch(ctx, job.Operation, job.EventID)
	if execErr != nil {
		code := xerrors.CodeOf(execErr)
		metrics.ObserveJob(string(job.Operation), string(StatusFailed))
		if err := p.store.MarkFailed(ctx, job.ID, code, xerrors.UserMessage(execErr)); err != nil {
			p.logger.Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, err)
			return err
		}
		logger.Audit().Warn("授权作业失败",
			slog.String("job_id", job.ID),
			slog.String("event_id", job.EventID),
			slog.String("operation", string(job.Operation)),
			slog.String("error_code", string(code)),
			slog.String("error", execErr.Error()),
		)
		return execErr
	}

	metrics.ObserveJob(string(job.Operation), string(StatusSucceeded))
	if err := p.store.MarkSucceeded(ctx, job.ID, outcome); err != nil {
		p.logger.Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, err)
		return err
	}
	logger.Audit().Info("授权作业完成",
		slog.String("job_id", job.ID),
		slog.String("event_id", job.EventID),
		slog.String("operation", string(job.Operation)),
		slog.String("outcome", string(outcome.Kind)),
		slog.String("tx_hash", outcome.TxHash),
	)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, cause error) {
	if p.alerter == nil || job == nil {
		return
	}
	event := alerting.FromError(job.EventID, string(job.Operation), cause)
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["job_id"] = job.ID
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", job.ID))
	}
}
