package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "CoSign-Agent/internal/errors"
)

// millisThreshold 以上的数字时间戳按毫秒解释。
const millisThreshold = 1e12

// previewLimit 是错误事件中原始消息预览的最大字节数。
const previewLimit = 120

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

type wireAction struct {
	Type   string          `json:"type"`
	Text   string          `json:"text"`
	Data   json.RawMessage `json:"data"`
	TxHash string          `json:"tx_hash"`
}

type wireEvent struct {
	ID          string          `json:"id"`
	MessageType string          `json:"message_type"`
	Sender      string          `json:"sender"`
	Text        json.RawMessage `json:"text"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Action      *wireAction     `json:"action"`
	Analysis    json.RawMessage `json:"analysis"`
	Progress    json.RawMessage `json:"progress"`
	ResolvesID  string          `json:"resolves_id"`
}

// DecodeEvent 解析一条入站消息。时间戳无效时使用到达时间，绝不因时间戳拒绝事件。
func DecodeEvent(raw []byte, arrival time.Time) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, xerrors.New(xerrors.CodeProtocolError, "入站消息不是 JSON 对象")
	}
	var wire wireEvent
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeProtocolError, err, "解析入站消息失败")
	}

	e := Event{
		ID:        strings.TrimSpace(wire.ID),
		Kind:      ParseKind(wire.MessageType),
		Text:      decodeText(wire.Text),
		Timestamp: NormalizeTimestamp(wire.Timestamp, arrival),
		Analysis:  nonNull(wire.Analysis),
		Progress:  nonNull(wire.Progress),
	}
	e.ResolvesID = strings.TrimSpace(wire.ResolvesID)
	if string(e.Kind) != wire.MessageType {
		e.RawKind = wire.MessageType
	}
	switch Sender(strings.ToLower(strings.TrimSpace(wire.Sender))) {
	case SenderUser:
		e.Sender = SenderUser
	case SenderSystem:
		e.Sender = SenderSystem
	default:
		e.Sender = SenderAgent
	}
	if wire.Action != nil {
		kind := ParseActionKind(wire.Action.Type)
		action := &Action{
			Kind:   kind,
			Text:   wire.Action.Text,
			Data:   nonNull(wire.Action.Data),
			TxHash: wire.Action.TxHash,
		}
		if string(kind) != wire.Action.Type {
			action.RawKind = wire.Action.Type
		}
		e.Action = action
	}
	return e, nil
}

// MalformedEvent 为无法解析的入站消息合成一条错误事件。
func MalformedEvent(raw []byte, cause error, arrival time.Time) Event {
	preview := strings.ToValidUTF8(strings.TrimSpace(string(raw)), "\uFFFD")
	if len(preview) > previewLimit {
		cut := previewLimit
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut] + "..."
	}
	return Event{
		Kind:      KindError,
		Sender:    SenderSystem,
		Text:      fmt.Sprintf("Received a malformed message from the agent (%v): %s", cause, preview),
		Timestamp: arrival,
	}
}

// NormalizeTimestamp 把任意可序列化的时间表示转换为 UTC 时刻。
func NormalizeTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fallback
		}
		return parseTimestampString(s, fallback)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return fallback
	}
	return fromEpoch(n, fallback)
}

func parseTimestampString(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(n, fallback)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

func fromEpoch(n float64, fallback time.Time) time.Time {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return fallback
	}
	if n >= millisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func decodeText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func nonNull(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}
