package api

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/observability/metrics"
	"CoSign-Agent/internal/task"
)

type errorBody struct {
	Code      xerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Ambiguous bool              `json:"ambiguous,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Code:      xerrors.CodeOf(err),
		Message:   xerrors.UserMessage(err),
		Ambiguous: xerrors.IsAmbiguous(err),
		Retryable: xerrors.RetryableError(err),
	}
	if xe, ok := xerrors.From(err); ok {
		body.Metadata = xe.Metadata()
	}
	writeJSON(w, statusFor(body.Code), map[string]errorBody{"error": body})
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeActionNotFound, task.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeActionInFlight, xerrors.CodeActionNotActionable,
		task.CodeJobConflict, task.CodeJobCompleted:
		return http.StatusConflict
	case xerrors.CodeInvalidIntent, xerrors.CodeInvalidAmount, xerrors.CodeTokenNotFound, xerrors.CodeUnsupportedChain:
		return http.StatusUnprocessableEntity
	case xerrors.CodeNotConnected, xerrors.CodeWalletUnreachable, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeSubmissionRejected, xerrors.CodeNetworkError, xerrors.CodeSignerFailure,
		xerrors.CodeCoSignatureMissing, xerrors.CodeProtocolError:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}
