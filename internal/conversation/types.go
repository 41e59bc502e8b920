package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind 是事件的类型标签。
type Kind string

const (
	KindStatus      Kind = "status"
	KindThinking    Kind = "thinking"
	KindToolCall    Kind = "tool_call"
	KindTransaction Kind = "transaction"
	KindError       Kind = "error"
	KindNormal      Kind = "normal"
)

// ParseKind 解析事件类型，未知取值按 normal 处理。
func ParseKind(raw string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindStatus, KindThinking, KindToolCall, KindTransaction, KindError, KindNormal:
		return k
	default:
		return KindNormal
	}
}

// ActionKind 是动作描述的类型标签。
type ActionKind string

const (
	ActionConfirm           ActionKind = "confirm"
	ActionNeedUserSignature ActionKind = "need_user_signature"
	ActionInfo              ActionKind = "info"
	ActionCompleted         ActionKind = "completed"
	ActionRejected          ActionKind = "rejected"
	ActionSubmitted         ActionKind = "submitted"
	// ActionFailed 是钱包或链上失败后的最终结果，动作不再接受重试。
	ActionFailed            ActionKind = "error"
)

// ParseActionKind 解析动作类型，未知取值按仅展示的 info 处理。
func ParseActionKind(raw string) ActionKind {
	switch k := ActionKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case ActionConfirm, ActionNeedUserSignature, ActionInfo, ActionCompleted, ActionRejected, ActionSubmitted, ActionFailed:
		return k
	default:
		return ActionInfo
	}
}

// Actionable 表示该动作需要用户做出决定。
func (k ActionKind) Actionable() bool {
	return k == ActionConfirm || k == ActionNeedUserSignature
}

// Terminal 表示该动作类型是一个最终结果。
func (k ActionKind) Terminal() bool {
	return k == ActionCompleted || k == ActionRejected || k == ActionSubmitted || k == ActionFailed
}

// Sender 标识事件来源。
type Sender string

const (
	SenderAgent  Sender = "agent"
	SenderUser   Sender = "user"
	SenderSystem Sender = "system"
)

// State 是单个事件在状态机中的阶段。
type State string

const (
	StateDisplayed State = "displayed"
	StatePending   State = "pending"
	StateResolved  State = "resolved"
)

// Action 是附着在事件上的结构化动作。
type Action struct {
	Kind    ActionKind      `json:"type"`
	RawKind string          `json:"raw_type,omitempty"`
	Text    string          `json:"text,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	TxHash  string          `json:"tx_hash,omitempty"`
}

// Event 是活动日志中的一条不可变记录。
type Event struct {
	Seq        uint64          `json:"seq"`
	ID         string          `json:"id"`
	Kind       Kind            `json:"message_type"`
	RawKind    string          `json:"raw_message_type,omitempty"`
	Sender     Sender          `json:"sender"`
	Text       string          `json:"text"`
	Timestamp  time.Time       `json:"timestamp"`
	Action     *Action         `json:"action,omitempty"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	Progress   json.RawMessage `json:"progress,omitempty"`
	ResolvesID string          `json:"resolves_id,omitempty"`
	RemoteID   string          `json:"remote_id,omitempty"`
	Local      bool            `json:"local,omitempty"`
}

// Actionable 表示事件携带待决动作。
func (e Event) Actionable() bool {
	return e.Action != nil && e.Action.Kind.Actionable()
}

func (e Event) clone() Event {
	out := e
	if e.Action != nil {
		a := *e.Action
		a.Data = cloneRaw(e.Action.Data)
		out.Action = &a
	}
	out.Analysis = cloneRaw(e.Analysis)
	out.Progress = cloneRaw(e.Progress)
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// Outcome 是一个待决动作的最终结果。
type Outcome struct {
	Kind    ActionKind `json:"type"`
	Text    string     `json:"text,omitempty"`
	TxHash  string     `json:"tx_hash,omitempty"`
	EventID string     `json:"event_id,omitempty"`
	At      time.Time  `json:"at"`
}

// Entry 是事件及其状态的只读视图。
type Entry struct {
	Event     Event    `json:"event"`
	State     State    `json:"state"`
	Outcome   *Outcome `json:"outcome,omitempty"`
	LastError string   `json:"last_error,omitempty"`
}
