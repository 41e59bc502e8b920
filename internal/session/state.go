package session

import "time"

// ConnState 是会话连接的状态。
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Status 是对外可观测的连接状态快照。
type Status struct {
	State       ConnState `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	Attempts    int       `json:"attempts"`
	Reconnects  int       `json:"reconnects"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// Outbound 是发往代理后端的唯一消息形态。
type Outbound struct {
	Query string `json:"query"`
}
