package conversation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/pkg/logger"

	"github.com/google/uuid"
)

// WelcomeText 是历史记录不可用时的固定欢迎语。
const WelcomeText = "Hi! I'm your trading agent. Tell me what you'd like to do, and I'll prepare the transaction for your approval."

type entry struct {
	index     int
	state     State
	outcome   *Outcome
	lastError string
}

// Machine 维护有序活动日志以及每个可操作事件的待决状态。
// 所有写入都经过同一把锁，因此远端事件与本地结果共享同一顺序。
type Machine struct {
	mu      sync.Mutex
	log     []Event
	entries map[string]*entry
	seeded  bool

	now      func() time.Time
	observer func(Event)
	slogger  *slog.Logger
}

// Option 调整状态机。
type Option func(*Machine)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver 在每个事件写入日志后回调，回调在锁外执行。
func WithObserver(fn func(Event)) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithLogger 指定状态机的日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) { m.slogger = log }
}

// NewMachine 创建空的状态机。
func NewMachine(opts ...Option) *Machine {
	m := &Machine{entries: make(map[string]*entry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WelcomeEvent 构造历史获取失败时使用的欢迎事件。
func WelcomeEvent(at time.Time) Event {
	return Event{Kind: KindNormal, Sender: SenderAgent, Text: WelcomeText, Timestamp: at}
}

// Seed 用历史记录初始化日志，只能调用一次。
// 历史中已经带有最终结果的动作直接记为已解决：结果事件优先按 resolves_id
// 配对，否则配对到它之前最近一个尚未配对的动作。
func (m *Machine) Seed(history []Event) ([]Event, error) {
	m.mu.Lock()
	if m.seeded || len(m.log) > 0 {
		m.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, "会话日志已初始化")
	}
	m.seeded = true
	if len(history) == 0 {
		history = []Event{WelcomeEvent(m.now())}
	}
	out := make([]Event, 0, len(history))
	var open []string
	for _, e := range history {
		if e.Sender == "" {
			e.Sender = SenderAgent
		}
		stored := m.appendLocked(e)
		out = append(out, stored)
		switch {
		case stored.Actionable():
			open = append(open, stored.ID)
		case stored.Action != nil && stored.Action.Kind.Terminal():
			open = m.settleLocked(stored, open)
		}
	}
	m.mu.Unlock()
	m.notify(out...)
	return out, nil
}

// Append 追加一条远端事件。
func (m *Machine) Append(e Event) Event {
	if e.Sender == "" {
		e.Sender = SenderAgent
	}
	e.Local = false
	return m.append(e)
}

// AppendLocal 追加一条本地合成事件，例如用户自己的消息。
func (m *Machine) AppendLocal(e Event) Event {
	if e.Sender == "" {
		e.Sender = SenderUser
	}
	e.Local = true
	return m.append(e)
}

func (m *Machine) append(e Event) Event {
	m.mu.Lock()
	stored := m.appendLocked(e)
	m.mu.Unlock()
	m.notify(stored)
	return stored
}

// settleLocked 用历史结果事件解决一个仍待决的历史动作，返回剩余的待配对动作。
func (m *Machine) settleLocked(result Event, open []string) []string {
	idx := len(open) - 1
	if result.ResolvesID != "" {
		idx = -1
		for i, id := range open {
			if id == result.ResolvesID {
				idx = i
			}
		}
	}
	if idx < 0 {
		return open
	}
	ent := m.entries[open[idx]]
	text := result.Action.Text
	if text == "" {
		text = result.Text
	}
	ent.state = StateResolved
	ent.outcome = &Outcome{
		Kind:    result.Action.Kind,
		Text:    text,
		TxHash:  result.Action.TxHash,
		EventID: result.ID,
		At:      result.Timestamp,
	}
	return append(open[:idx], open[idx+1:]...)
}

// appendLocked 在持锁状态下分配序号与 ID 并写入日志，调用方负责通知。
// 远端 ID 与已有事件冲突时分配新 ID，原值保留在 RemoteID 中。
func (m *Machine) appendLocked(e Event) Event {
	e = e.clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	} else if _, dup := m.entries[e.ID]; dup {
		e.RemoteID = e.ID
		e.ID = uuid.NewString()
		m.logger().Warn("事件 ID 重复，已重新分配",
			slog.String("remote_id", e.RemoteID), slog.String("event_id", e.ID))
	}
	if e.Kind == "" {
		e.Kind = KindNormal
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	e.Seq = uint64(len(m.log)) + 1

	state := StateDisplayed
	if e.Actionable() {
		state = StatePending
	}
	m.entries[e.ID] = &entry{index: len(m.log), state: state}
	m.log = append(m.log, e)
	return e.clone()
}

// Resolve 为待决动作记录最终结果并追加一条结果事件。
// 对已解决的事件再次调用时返回首次记录的结果，不追加任何事件。
func (m *Machine) Resolve(eventID string, out Outcome) (Outcome, error) {
	if !out.Kind.Terminal() {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("结果类型 %q 不是最终结果", out.Kind))
	}

	m.mu.Lock()
	ent, err := m.actionableLocked(eventID)
	if err != nil {
		m.mu.Unlock()
		return Outcome{}, err
	}
	if ent.state == StateResolved {
		recorded := *ent.outcome
		m.mu.Unlock()
		return recorded, nil
	}

	out.At = m.now()
	if out.Text == "" {
		out.Text = defaultOutcomeText(out)
	}
	kind := KindTransaction
	if out.Kind == ActionFailed {
		kind = KindError
	}
	stored := m.appendLocked(Event{
		Kind:       kind,
		Sender:     SenderSystem,
		Text:       out.Text,
		Timestamp:  out.At,
		Local:      true,
		ResolvesID: eventID,
		Action:     &Action{Kind: out.Kind, Text: out.Text, TxHash: out.TxHash},
	})
	out.EventID = stored.ID
	ent.state = StateResolved
	ent.outcome = &out
	ent.lastError = ""
	m.mu.Unlock()

	m.notify(stored)
	return out, nil
}

// Fail 为可操作事件追加一条错误事件，动作保持待决以便用户重试。
func (m *Machine) Fail(eventID string, cause error) (Event, error) {
	m.mu.Lock()
	ent, err := m.actionableLocked(eventID)
	if err != nil {
		m.mu.Unlock()
		return Event{}, err
	}
	if ent.state == StateResolved {
		m.mu.Unlock()
		return Event{}, xerrors.New(xerrors.CodeActionNotActionable, fmt.Sprintf("事件 %s 已有最终结果", eventID))
	}
	msg := xerrors.UserMessage(cause)
	ent.lastError = msg
	stored := m.appendLocked(Event{
		Kind:       KindError,
		Sender:     SenderSystem,
		Text:       msg,
		Local:      true,
		ResolvesID: eventID,
	})
	m.mu.Unlock()

	m.notify(stored)
	return stored, nil
}

func (m *Machine) actionableLocked(eventID string) (*entry, error) {
	ent, ok := m.entries[eventID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeActionNotFound, fmt.Sprintf("事件 %s 不存在", eventID),
			xerrors.WithMetadata("event_id", eventID))
	}
	if ent.state == StateDisplayed {
		return nil, xerrors.New(xerrors.CodeActionNotActionable, fmt.Sprintf("事件 %s 没有待决动作", eventID),
			xerrors.WithMetadata("event_id", eventID))
	}
	return ent, nil
}

// Snapshot 返回日志的完整副本。
func (m *Machine) Snapshot() []Event {
	return m.Since(0)
}

// Since 返回序号大于 seq 的事件。
func (m *Machine) Since(seq uint64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq >= uint64(len(m.log)) {
		return []Event{}
	}
	out := make([]Event, 0, uint64(len(m.log))-seq)
	for _, e := range m.log[seq:] {
		out = append(out, e.clone())
	}
	return out
}

// Len 返回日志长度。
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}

// Get 返回事件当前的状态视图。
func (m *Machine) Get(eventID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entries[eventID]
	if !ok {
		return Entry{}, false
	}
	return m.viewLocked(ent), true
}

// Pending 按日志顺序返回所有待决的可操作事件。
func (m *Machine) Pending() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range m.log {
		ent := m.entries[e.ID]
		if ent.state == StatePending {
			out = append(out, m.viewLocked(ent))
		}
	}
	return out
}

func (m *Machine) viewLocked(ent *entry) Entry {
	view := Entry{Event: m.log[ent.index].clone(), State: ent.state, LastError: ent.lastError}
	if ent.outcome != nil {
		o := *ent.outcome
		view.Outcome = &o
	}
	return view
}

func (m *Machine) logger() *slog.Logger {
	if m.slogger != nil {
		return m.slogger
	}
	return logger.Named("conversation")
}

func (m *Machine) notify(events ...Event) {
	if m.observer == nil {
		return
	}
	for _, e := range events {
		m.observer(e)
	}
}

func defaultOutcomeText(out Outcome) string {
	switch out.Kind {
	case ActionSubmitted:
		return fmt.Sprintf("Transaction submitted: %s", out.TxHash)
	case ActionCompleted:
		if out.TxHash != "" {
			return fmt.Sprintf("Transaction completed: %s", out.TxHash)
		}
		return "Transaction completed."
	case ActionRejected:
		return "You declined the signature request."
	case ActionFailed:
		return "The transaction could not be completed."
	default:
		return string(out.Kind)
	}
}
