package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"CoSign-Agent/internal/conversation"
	"CoSign-Agent/internal/dispatch"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/observability/metrics"
	"CoSign-Agent/internal/session"
	"CoSign-Agent/internal/storage/mysql"
	"CoSign-Agent/internal/task"
	"CoSign-Agent/internal/token"
	"CoSign-Agent/internal/web3"
	"CoSign-Agent/pkg/logger"
)

// Session 是用户会话的抽象，*agent.Agent 满足该接口。
type Session interface {
	SendQuery(ctx context.Context, text string) (conversation.Event, error)
	Connection() session.Status
}

// Log 是会话日志的只读视图，*conversation.Machine 满足该接口。
type Log interface {
	Since(seq uint64) []conversation.Event
	Pending() []conversation.Entry
	Get(eventID string) (conversation.Entry, bool)
}

// Authorizer 同步执行授权，*dispatch.Dispatcher 满足该接口。
type Authorizer interface {
	Dispatch(ctx context.Context, op dispatch.Operation, eventID string) (conversation.Outcome, error)
}

// Jobs 是授权作业队列，*task.Service 满足该接口。
type Jobs interface {
	Submit(ctx context.Context, op dispatch.Operation, eventID string) (*task.Job, error)
	Get(ctx context.Context, id string) (*task.Job, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Job, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.JobStats, error)
	WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*task.Job, error)
}

// Attempts 查询授权尝试记录，mysql.AttemptRepository 满足该接口。
type Attempts interface {
	ListLatest(ctx context.Context, limit int) ([]mysql.AttemptRecord, error)
	ListByEvent(ctx context.Context, eventID string) ([]mysql.AttemptRecord, error)
}

// Chains 汇报各条链的连通情况，*provider.Registry 满足该接口。
type Chains interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Tokens 列出已注册的代币，*token.Registry 满足该接口。
type Tokens interface {
	List() []token.Token
}

// Options 汇总 Server 的依赖，Jobs 为空时授权请求同步执行。
type Options struct {
	Addr       string
	Session    Session
	Log        Log
	Authorizer Authorizer
	Jobs       Jobs
	Attempts   Attempts
	Chains     Chains
	Tokens     Tokens
	// Middleware 包裹所有路由，例如访问令牌校验。
	Middleware func(http.Handler) http.Handler
}

// Server 暴露本地控制接口，供界面读取会话日志并对待决动作做出决定。
type Server struct {
	opts Options
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	return &Server{opts: opts, log: logger.Named("api")}
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/log", s.handleLog)
	mux.HandleFunc("GET /api/v1/connection", s.handleConnection)
	mux.HandleFunc("POST /api/v1/messages", s.handleMessage)
	mux.HandleFunc("GET /api/v1/actions/pending", s.handlePending)
	mux.HandleFunc("POST /api/v1/actions/{id}/{op}", s.handleAction)
	mux.HandleFunc("GET /api/v1/actions/{id}/attempts", s.handleActionAttempts)
	mux.HandleFunc("GET /api/v1/attempts", s.handleAttempts)
	mux.HandleFunc("GET /api/v1/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleJob)
	mux.HandleFunc("GET /api/v1/tokens", s.handleTokens)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	if s.opts.Middleware != nil {
		handler = s.opts.Middleware(handler)
	}
	return withMetrics(handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("控制接口已启动", slog.String("addr", s.opts.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type logResponse struct {
	Events  []conversation.Event `json:"events"`
	LastSeq uint64               `json:"last_seq"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.opts.Log == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "会话日志未初始化"))
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "after 必须是非负整数"))
			return
		}
		after = parsed
	}
	events := s.opts.Log.Since(after)
	resp := logResponse{Events: events, LastSeq: after}
	if n := len(events); n > 0 {
		resp.LastSeq = events[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnection(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Session == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "会话未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Session.Connection())
}

type messageRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Session == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "会话未初始化"))
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	event, err := s.opts.Session.SendQuery(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Log == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "会话日志未初始化"))
		return
	}
	pending := s.opts.Log.Pending()
	if pending == nil {
		pending = []conversation.Entry{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	eventID := strings.TrimSpace(r.PathValue("id"))
	op, err := dispatch.ParseOperation(r.PathValue("op"))
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知的动作操作"))
		return
	}
	if eventID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少事件 ID"))
		return
	}

	if s.opts.Jobs != nil {
		wait, err := parseWait(r.URL.Query().Get("wait"))
		if err != nil {
			writeError(w, err)
			return
		}
		job, err := s.opts.Jobs.Submit(r.Context(), op, eventID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
		if wait > 0 {
			if done, ok := s.awaitJob(r.Context(), job.ID, wait); ok {
				writeJSON(w, http.StatusOK, done)
				return
			}
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	if s.opts.Authorizer == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "授权调度器未初始化"))
		return
	}
	outcome, err := s.opts.Authorizer.Dispatch(r.Context(), op, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.opts.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未启用作业队列"))
		return
	}
	job, err := s.opts.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type healthResponse struct {
	Status     string               `json:"status"`
	Connection *session.Status      `json:"connection,omitempty"`
	Pending    int                  `json:"pending_actions"`
	Jobs       *task.JobStats       `json:"jobs,omitempty"`
	Chains     []web3.ChainSnapshot `json:"chains,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.opts.Session != nil {
		st := s.opts.Session.Connection()
		resp.Connection = &st
		if st.State != session.StateConnected {
			resp.Status = "degraded"
		}
	}
	if s.opts.Log != nil {
		resp.Pending = len(s.opts.Log.Pending())
	}
	if s.opts.Jobs != nil {
		if stats, err := s.opts.Jobs.Stats(r.Context()); err == nil {
			resp.Jobs = &stats
		}
	}
	if s.opts.Chains != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		resp.Chains = s.opts.Chains.Snapshots(ctx)
		cancel()
		for _, snap := range resp.Chains {
			if !snap.Reachable() {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
