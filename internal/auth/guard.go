package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	loggerpkg "CoSign-Agent/pkg/logger"
)

var (
	// ErrMissingToken 表示请求未携带访问令牌。
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken 表示访问令牌不匹配。
	ErrInvalidToken = errors.New("auth: invalid bearer token")
)

// Guard 用静态 Bearer Token 保护本地控制接口。令牌为空时不做校验。
type Guard struct {
	token  []byte
	public map[string]struct{}
	audit  *slog.Logger
}

// Option 调整 Guard 行为。
type Option func(*Guard)

// WithPublicPaths 指定无需令牌即可访问的路径，例如健康检查。
func WithPublicPaths(paths ...string) Option {
	return func(g *Guard) {
		for _, p := range paths {
			g.public[p] = struct{}{}
		}
	}
}

// WithAuditLogger 指定记录拒绝访问事件的日志。
func WithAuditLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.audit = logger }
}

// NewGuard 创建令牌校验器。
func NewGuard(token string, opts ...Option) *Guard {
	g := &Guard{
		token:  []byte(strings.TrimSpace(token)),
		public: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Enabled 表示是否配置了令牌。
func (g *Guard) Enabled() bool {
	return g != nil && len(g.token) > 0
}

// Check 校验 Authorization 头。
func (g *Guard) Check(authorization string) error {
	if !g.Enabled() {
		return nil
	}
	raw := strings.TrimSpace(authorization)
	if raw == "" {
		return ErrMissingToken
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), g.token) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Middleware 返回校验令牌并记录审计日志的 HTTP 中间件。
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := g.public[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if err := g.Check(r.Header.Get("Authorization")); err != nil {
			status := http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", `Bearer realm="cosignd"`)
			http.Error(w, http.StatusText(status), status)
			g.logger().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
				"error", err.Error(),
			)
			return
		}
		if r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r)
		g.logger().Info("api_request",
			"path", r.URL.Path,
			"method", r.Method,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (g *Guard) logger() *slog.Logger {
	if g.audit != nil {
		return g.audit
	}
	return loggerpkg.Audit()
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
