package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/observability/metrics"
	"CoSign-Agent/internal/session"
	"CoSign-Agent/pkg/logger"
)

// HistorySource 获取用户的历史事件，*backend.Client 满足该接口。
type HistorySource interface {
	FetchHistory(ctx context.Context, identity string) ([]conversation.Event, error)
}

// Channel 是会话通道的抽象，*session.Channel 满足该接口。
type Channel interface {
	Open(ctx context.Context, identity string) (<-chan conversation.Event, error)
	Send(ctx context.Context, msg session.Outbound) error
	State() session.Status
	Subscribe() (<-chan session.Status, func())
	Close() error
}

// Agent 把会话通道、历史记录与会话状态机串联起来。
type Agent struct {
	machine        *conversation.Machine
	channel        Channel
	history        HistorySource
	identity       string
	historyTimeout time.Duration
	log            *slog.Logger

	mu      sync.Mutex
	started bool
	stop    func()
	wg      sync.WaitGroup
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const defaultHistoryTimeout = 10 * time.Second

// WithHistoryTimeout 设置获取历史记录的超时时间。
func WithHistoryTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.historyTimeout = timeout
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

// New 创建一个 Agent。history 可以为空，此时日志以欢迎事件开始。
func New(machine *conversation.Machine, channel Channel, history HistorySource, identity string, opts ...Option) (*Agent, error) {
	if machine == nil || channel == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话状态机或会话通道")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话身份不能为空")
	}
	ag := &Agent{
		machine:        machine,
		channel:        channel,
		history:        history,
		identity:       identity,
		historyTimeout: defaultHistoryTimeout,
		log:            logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag, nil
}

// Machine 返回底层的会话状态机。
func (a *Agent) Machine() *conversation.Machine {
	return a.machine
}

// Start 初始化会话日志并打开会话通道，事件在后台写入状态机。
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return xerrors.New(xerrors.CodeConflict, "会话已经启动")
	}

	seeded, err := a.machine.Seed(a.loadHistory(ctx))
	if err != nil {
		return err
	}
	for _, e := range seeded {
		metrics.ObserveEvent(string(e.Kind), string(e.Sender))
	}

	statuses, unsubscribe := a.channel.Subscribe()
	events, err := a.channel.Open(ctx, a.identity)
	if err != nil {
		unsubscribe()
		return err
	}
	a.started = true
	a.stop = unsubscribe

	a.wg.Add(2)
	go a.pump(events)
	go a.watch(statuses)
	a.log.Info("会话已启动", slog.Int("history", len(seeded)))
	return nil
}

// loadHistory 获取历史记录，失败时返回空列表以便状态机写入欢迎事件。
func (a *Agent) loadHistory(ctx context.Context) []conversation.Event {
	if a.history == nil {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, a.historyTimeout)
	defer cancel()
	history, err := a.history.FetchHistory(fetchCtx, a.identity)
	if err != nil {
		a.log.Warn("获取历史记录失败，使用欢迎消息", slog.Any("error", err))
		return nil
	}
	return history
}

func (a *Agent) pump(events <-chan conversation.Event) {
	defer a.wg.Done()
	for e := range events {
		stored := a.machine.Append(e)
		metrics.ObserveEvent(string(stored.Kind), string(stored.Sender))
		if stored.Actionable() {
			a.log.Info("收到待决动作",
				slog.String("event_id", stored.ID),
				slog.String("action", string(stored.Action.Kind)),
			)
		}
	}
}

func (a *Agent) watch(statuses <-chan session.Status) {
	defer a.wg.Done()
	reconnects := -1
	for st := range statuses {
		metrics.SetConnectionState(string(st.State))
		if reconnects >= 0 && st.Reconnects > reconnects {
			metrics.ObserveReconnect()
		}
		reconnects = st.Reconnects
	}
}

// SendQuery 先在日志中追加用户消息，再发送到代理后端。
// 发送失败时追加一条错误事件并返回错误，消息不会被排队重发。
func (a *Agent) SendQuery(ctx context.Context, text string) (conversation.Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Event{}, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	local := a.machine.AppendLocal(conversation.Event{
		Kind:   conversation.KindNormal,
		Sender: conversation.SenderUser,
		Text:   text,
	})
	metrics.ObserveEvent(string(local.Kind), string(local.Sender))

	if err := a.channel.Send(ctx, session.Outbound{Query: text}); err != nil {
		failed := a.machine.AppendLocal(conversation.Event{
			Kind:   conversation.KindError,
			Sender: conversation.SenderSystem,
			Text:   xerrors.UserMessage(err),
		})
		metrics.ObserveEvent(string(failed.Kind), string(failed.Sender))
		a.log.Warn("发送消息失败", slog.String("event_id", local.ID), slog.Any("error", err))
		return local, err
	}
	return local, nil
}

// Connection 返回会话通道的连接状态。
func (a *Agent) Connection() session.Status {
	return a.channel.State()
}

// Close 关闭会话通道并等待后台协程退出。
func (a *Agent) Close() error {
	a.mu.Lock()
	started := a.started
	stop := a.stop
	a.started = false
	a.stop = nil
	a.mu.Unlock()
	if !started {
		return nil
	}
	err := a.channel.Close()
	if stop != nil {
		stop()
	}
	a.wg.Wait()
	return err
}
