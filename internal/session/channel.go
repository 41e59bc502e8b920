package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultBufferSize     = 64
)

// Dialer 建立 websocket 连接，*websocket.Dialer 满足该接口。
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config 控制会话通道的行为。
type Config struct {
	// URL 可以包含 {identity} 占位符，否则身份追加为最后一段路径。
	URL            string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	BufferSize     int
	Dialer         Dialer
	// Active 返回 false 时停止重连。
	Active func() bool
	Now    func() time.Time
	Logger *slog.Logger
}

// Channel 持有到代理后端的单个连接，断开后按固定间隔无限重连。
type Channel struct {
	cfg    Config
	log    *slog.Logger
	dialer Dialer

	mu     sync.Mutex
	status Status
	conn   *websocket.Conn
	subs   map[int]chan Status
	nextID int
	opened bool
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
}

// New 创建会话通道，调用 Open 之前不会发起连接。
func New(cfg Config) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("会话地址不能为空")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Active == nil {
		cfg.Active = func() bool { return true }
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("session")
	}
	return &Channel{
		cfg:    cfg,
		log:    log,
		dialer: dialer,
		status: Status{State: StateDisconnected, ChangedAt: cfg.Now()},
		subs:   make(map[int]chan Status),
	}, nil
}

// Open 以用户身份建立连接并返回有序事件流。事件流在 Close 后关闭。
func (c *Channel) Open(ctx context.Context, identity string) (<-chan conversation.Event, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话身份不能为空")
	}
	target, err := buildURL(c.cfg.URL, identity)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, "会话通道已经打开")
	}
	c.opened = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	// 调用方的 ctx 结束时同样关闭通道。
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	events := make(chan conversation.Event, c.cfg.BufferSize)
	go c.supervise(runCtx, target, events)
	return events, nil
}

// Send 发送一条用户消息。连接不可用时返回 NOT_CONNECTED，消息不会排队。
func (c *Channel) Send(ctx context.Context, msg Outbound) error {
	c.mu.Lock()
	conn := c.conn
	state := c.status.State
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return xerrors.New(xerrors.CodeNotConnected, "会话通道未连接，请重新打开后重试")
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return xerrors.Wrap(xerrors.CodeNotConnected, err, "发送会话消息失败")
	}
	return nil
}

// Close 停止重连并关闭当前连接。
func (c *Channel) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// State 返回当前连接状态。
func (c *Channel) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe 订阅连接状态变化，返回的函数用于取消订阅。订阅者处理过慢时可能错过中间状态。
func (c *Channel) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.status
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.mu.Unlock()
	}
}

func (c *Channel) supervise(ctx context.Context, target string, events chan<- conversation.Event) {
	defer close(c.done)
	defer close(events)
	defer c.setState(StateDisconnected, "", nil)

	for {
		c.setState(StateConnecting, "", nil)
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("连接代理后端失败", slog.String("url", redact(target)), slog.Any("error", err))
			c.setState(StateDisconnected, err.Error(), nil)
		} else {
			c.setState(StateConnected, "", conn)
			c.log.Info("已连接代理后端", slog.String("url", redact(target)))
			err = c.readLoop(ctx, conn, events)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("代理后端连接断开", slog.Any("error", err))
			c.setState(StateDisconnected, errorText(err), nil)
		}

		if !c.cfg.Active() {
			c.log.Info("会话已不再活跃，停止重连")
			return
		}
		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- conversation.Event) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-loopCtx.Done()
		_ = conn.Close()
	}()

	if interval := c.cfg.PingInterval; interval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * interval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * interval))
		})
		go c.pingLoop(loopCtx, conn, interval)
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		arrival := c.cfg.Now()
		event, decodeErr := conversation.DecodeEvent(data, arrival)
		if decodeErr != nil {
			c.log.Warn("收到无法解析的消息", slog.Any("error", decodeErr), slog.Int("bytes", len(data)))
			event = conversation.MalformedEvent(data, decodeErr, arrival)
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("发送心跳失败", slog.Any("error", err))
				return
			}
		}
	}
}

func (c *Channel) setState(state ConnState, lastError string, conn *websocket.Conn) {
	c.mu.Lock()
	prev := c.status
	next := prev
	next.State = state
	next.ChangedAt = c.cfg.Now()
	switch state {
	case StateConnecting:
		next.Attempts++
	case StateConnected:
		next.LastError = ""
		next.ConnectedAt = next.ChangedAt
		if !prev.ConnectedAt.IsZero() {
			next.Reconnects++
		}
	case StateDisconnected:
		if lastError != "" {
			next.LastError = lastError
		}
	}
	c.conn = conn
	c.status = next
	for _, sub := range c.subs {
		select {
		case sub <- next:
		default:
		}
	}
	c.mu.Unlock()
}

func buildURL(base, identity string) (string, error) {
	if strings.Contains(base, "{identity}") {
		return strings.ReplaceAll(base, "{identity}", url.PathEscape(identity)), nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("解析会话地址失败: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + identity
	u.RawPath = ""
	return u.String(), nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

func errorText(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
