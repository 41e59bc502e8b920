package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"CoSign-Agent/internal/dispatch"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/storage/mysql"
	"CoSign-Agent/internal/task"
	"CoSign-Agent/internal/token"
)

const (
	// maxActionWait 是 ?wait= 允许的最长等待时间。
	maxActionWait      = 30 * time.Second
	healthCheckTimeout = 3 * time.Second
	defaultAttemptList = 20
	maxAttemptList     = 200
)

// parseWait 解析授权请求的同步等待时间，例如 wait=5s。
func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "wait 必须是非负的时长，例如 5s")
	}
	if wait > maxActionWait {
		wait = maxActionWait
	}
	return wait, nil
}

// awaitJob 在 wait 内等待作业结束，超时返回 false。
func (s *Server) awaitJob(ctx context.Context, id string, wait time.Duration) (*task.Job, bool) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	job, err := s.opts.Jobs.WaitUntilCompleted(ctx, id, 0)
	if err != nil {
		return nil, false
	}
	return job, true
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未启用作业队列"))
		return
	}
	opts, err := jobListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.opts.Jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*task.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// jobListOptions 把查询参数 event_id、status、op、since、limit、order 转换为过滤条件。
func jobListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if eventID := strings.TrimSpace(q.Get("event_id")); eventID != "" {
		opts = append(opts, task.WithEventID(eventID))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status, ok := task.ParseStatus(part)
			if !ok {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的作业状态 "+strconv.Quote(part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := strings.TrimSpace(q.Get("op")); raw != "" {
		op, err := dispatch.ParseOperation(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithOperation(op))
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "since 必须是 RFC3339 时间")
		}
		opts = append(opts, task.WithUpdatedSince(since))
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 只能是 asc 或 desc")
	}
	return opts, nil
}

func (s *Server) handleActionAttempts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Attempts == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未启用授权记录"))
		return
	}
	records, err := s.opts.Attempts.ListByEvent(r.Context(), strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilAttempts(records))
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Attempts == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未启用授权记录"))
		return
	}
	limit := defaultAttemptList
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		limit = min(parsed, maxAttemptList)
	}
	records, err := s.opts.Attempts.ListLatest(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilAttempts(records))
}

func (s *Server) handleTokens(w http.ResponseWriter, _ *http.Request) {
	tokens := []token.Token{}
	if s.opts.Tokens != nil {
		if list := s.opts.Tokens.List(); list != nil {
			tokens = list
		}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func nonNilAttempts(records []mysql.AttemptRecord) []mysql.AttemptRecord {
	if records == nil {
		return []mysql.AttemptRecord{}
	}
	return records
}
