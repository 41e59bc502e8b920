package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"CoSign-Agent/internal/conversation"
	"CoSign-Agent/internal/dispatch"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/session"
	"CoSign-Agent/internal/storage/mysql"
	"CoSign-Agent/internal/task"
	"CoSign-Agent/internal/token"
	"CoSign-Agent/internal/web3"
)

type stubSession struct {
	machine *conversation.Machine
	state   session.ConnState
	err     error
}

func (s *stubSession) SendQuery(_ context.Context, text string) (conversation.Event, error) {
	e := s.machine.AppendLocal(conversation.Event{Kind: conversation.KindNormal, Text: text})
	return e, s.err
}

func (s *stubSession) Connection() session.Status {
	return session.Status{State: s.state}
}

type stubAuthorizer struct {
	outcome conversation.Outcome
	err     error
	calls   []string
}

func (a *stubAuthorizer) Dispatch(_ context.Context, op dispatch.Operation, eventID string) (conversation.Outcome, error) {
	a.calls = append(a.calls, string(op)+":"+eventID)
	return a.outcome, a.err
}

func newTestMachine(t *testing.T) *conversation.Machine {
	t.Helper()
	m := conversation.NewMachine()
	if _, err := m.Seed([]conversation.Event{
		{ID: "hello", Kind: conversation.KindNormal, Text: "hi"},
		{ID: "tx-1", Kind: conversation.KindTransaction, Text: "please sign",
			Action: &conversation.Action{Kind: conversation.ActionNeedUserSignature}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleLogSince(t *testing.T) {
	m := newTestMachine(t)
	h := NewServer(Options{Log: m}).Handler()

	rec := serve(h, http.MethodGet, "/api/v1/log?after=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	got := decode[logResponse](t, rec)
	if len(got.Events) != 1 || got.Events[0].ID != "tx-1" || got.LastSeq != 2 {
		t.Fatalf("unexpected log response %+v", got)
	}

	if rec := serve(h, http.MethodGet, "/api/v1/log?after=-3", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative cursor, got %d", rec.Code)
	}
}

func TestHandleMessage(t *testing.T) {
	m := newTestMachine(t)
	sess := &stubSession{machine: m, state: session.StateConnected}
	h := NewServer(Options{Log: m, Session: sess}).Handler()

	rec := serve(h, http.MethodPost, "/api/v1/messages", `{"query":"send 1 USDC"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if ev := decode[conversation.Event](t, rec); ev.Text != "send 1 USDC" || !ev.Local {
		t.Fatalf("unexpected event %+v", ev)
	}

	sess.err = xerrors.New(xerrors.CodeNotConnected, "not connected")
	rec = serve(h, http.MethodPost, "/api/v1/messages", `{"query":"again"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when disconnected, got %d", rec.Code)
	}
	body := decode[map[string]errorBody](t, rec)
	if body["error"].Code != xerrors.CodeNotConnected {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestHandleActionSynchronous(t *testing.T) {
	m := newTestMachine(t)
	auth := &stubAuthorizer{outcome: conversation.Outcome{Kind: conversation.ActionSubmitted, EventID: "tx-1", TxHash: "0x01"}}
	h := NewServer(Options{Log: m, Authorizer: auth}).Handler()

	rec := serve(h, http.MethodPost, "/api/v1/actions/tx-1/sign", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if out := decode[conversation.Outcome](t, rec); out.TxHash != "0x01" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(auth.calls) != 1 || auth.calls[0] != "sign:tx-1" {
		t.Fatalf("unexpected calls %v", auth.calls)
	}

	auth.err = xerrors.New(xerrors.CodeNetworkError, "rpc timeout")
	rec = serve(h, http.MethodPost, "/api/v1/actions/tx-1/sign", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if body := decode[map[string]errorBody](t, rec); !body["error"].Ambiguous {
		t.Fatalf("network errors must be flagged ambiguous: %+v", body)
	}

	if rec := serve(h, http.MethodPost, "/api/v1/actions/tx-1/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown operation, got %d", rec.Code)
	}
}

func TestHandleActionQueued(t *testing.T) {
	m := newTestMachine(t)
	jobs := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(4))
	h := NewServer(Options{Log: m, Jobs: jobs}).Handler()

	rec := serve(h, http.MethodPost, "/api/v1/actions/tx-1/sign", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	job := decode[task.Job](t, rec)
	if job.EventID != "tx-1" || job.Status != task.StatusPending {
		t.Fatalf("unexpected job %+v", job)
	}
	if loc := rec.Header().Get("Location"); !strings.HasSuffix(loc, job.ID) {
		t.Fatalf("unexpected location %q", loc)
	}

	rec = serve(h, http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected job status %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/api/v1/jobs/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d", rec.Code)
	}
}

func TestHandleActionWaitsForJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newTestMachine(t)
	store, queue := task.NewMemoryStore(), task.NewMemoryQueue(4)
	jobs := task.NewService(store, queue)
	auth := &stubAuthorizer{outcome: conversation.Outcome{Kind: conversation.ActionSubmitted, TxHash: "0x02"}}
	go func() { _ = task.NewProcessor(auth, store, queue).Start(ctx) }()
	h := NewServer(Options{Log: m, Jobs: jobs}).Handler()

	rec := serve(h, http.MethodPost, "/api/v1/actions/tx-1/sign?wait=5s", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the finished job, got %d: %s", rec.Code, rec.Body.String())
	}
	job := decode[task.Job](t, rec)
	if job.Status != task.StatusSucceeded || job.Outcome == nil || job.Outcome.TxHash != "0x02" {
		t.Fatalf("unexpected job %+v", job)
	}
	if rec := serve(h, http.MethodPost, "/api/v1/actions/tx-1/sign?wait=soon", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed wait, got %d", rec.Code)
	}
}

func TestHandleJobsListFilters(t *testing.T) {
	ctx := context.Background()
	jobs := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(4))
	for _, id := range []string{"tx-1", "tx-2"} {
		if _, err := jobs.Submit(ctx, dispatch.OpSign, id); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	h := NewServer(Options{Jobs: jobs}).Handler()

	rec := serve(h, http.MethodGet, "/api/v1/jobs?event_id=tx-2", "")
	if list := decode[[]task.Job](t, rec); len(list) != 1 || list[0].EventID != "tx-2" {
		t.Fatalf("unexpected filtered jobs %+v", list)
	}
	rec = serve(h, http.MethodGet, "/api/v1/jobs?status=pending,running&op=sign&order=asc&limit=5", "")
	if list := decode[[]task.Job](t, rec); len(list) != 2 {
		t.Fatalf("unexpected pending jobs %+v", list)
	}
	rec = serve(h, http.MethodGet, "/api/v1/jobs?status=succeeded", "")
	if list := decode[[]task.Job](t, rec); len(list) != 0 {
		t.Fatalf("no job has finished yet, got %+v", list)
	}
	for _, bad := range []string{"status=done", "op=cancel", "since=yesterday", "limit=0", "order=random"} {
		if rec := serve(h, http.MethodGet, "/api/v1/jobs?"+bad, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", bad, rec.Code)
		}
	}
}

func TestHandleAttempts(t *testing.T) {
	ctx := context.Background()
	repo, err := mysql.NewMemoryAttemptRepository(t.TempDir())
	if err != nil {
		t.Fatalf("attempt repo: %v", err)
	}
	for _, rec := range []*mysql.AttemptRecord{
		{EventID: "tx-1", Operation: "sign", Status: mysql.AttemptFailed, ErrorCode: "SUBMISSION_REJECTED"},
		{EventID: "tx-2", Operation: "sign", Status: mysql.AttemptSubmitted},
	} {
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	h := NewServer(Options{Attempts: repo}).Handler()

	rec := serve(h, http.MethodGet, "/api/v1/actions/tx-1/attempts", "")
	byEvent := decode[[]mysql.AttemptRecord](t, rec)
	if len(byEvent) != 1 || byEvent[0].ErrorCode != "SUBMISSION_REJECTED" {
		t.Fatalf("unexpected attempts %+v", byEvent)
	}
	rec = serve(h, http.MethodGet, "/api/v1/attempts?limit=1", "")
	if latest := decode[[]mysql.AttemptRecord](t, rec); len(latest) != 1 || latest[0].EventID != "tx-2" {
		t.Fatalf("unexpected latest attempts %+v", latest)
	}
	rec = serve(h, http.MethodGet, "/api/v1/actions/none/attempts", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unknown action should list no attempts, got %s", rec.Body.String())
	}
}

type stubChains struct{ snaps []web3.ChainSnapshot }

func (s stubChains) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if _, ok := ctx.Deadline(); !ok {
		return nil
	}
	return s.snaps
}

func TestHealthReportsChainsAndTokens(t *testing.T) {
	chains := stubChains{snaps: []web3.ChainSnapshot{
		{Name: "base", ChainID: "0x2105", BlockNumber: "0x10"},
		{Name: "ethereum", ChainID: "0x1", Error: "dial tcp: connection refused"},
	}}
	tokens, err := token.NewRegistry(token.Token{ChainID: 8453, Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6})
	if err != nil {
		t.Fatalf("token registry: %v", err)
	}
	h := NewServer(Options{Chains: chains, Tokens: tokens}).Handler()

	health := decode[healthResponse](t, serve(h, http.MethodGet, "/healthz", ""))
	if health.Status != "degraded" || len(health.Chains) != 2 {
		t.Fatalf("an unreachable chain should degrade health, got %+v", health)
	}
	list := decode[[]token.Token](t, serve(h, http.MethodGet, "/api/v1/tokens", ""))
	if len(list) != 1 || list[0].Symbol != "USDC" {
		t.Fatalf("unexpected tokens %+v", list)
	}

	chains.snaps = chains.snaps[:1]
	h = NewServer(Options{Chains: chains}).Handler()
	if health := decode[healthResponse](t, serve(h, http.MethodGet, "/healthz", "")); health.Status != "ok" {
		t.Fatalf("all chains reachable should be ok, got %+v", health)
	}
}

func TestHandlePendingAndHealth(t *testing.T) {
	m := newTestMachine(t)
	sess := &stubSession{machine: m, state: session.StateConnecting}
	h := NewServer(Options{Log: m, Session: sess}).Handler()

	rec := serve(h, http.MethodGet, "/api/v1/actions/pending", "")
	pending := decode[[]conversation.Entry](t, rec)
	if len(pending) != 1 || pending[0].Event.ID != "tx-1" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	rec = serve(h, http.MethodGet, "/healthz", "")
	health := decode[healthResponse](t, rec)
	if health.Status != "degraded" || health.Pending != 1 {
		t.Fatalf("unexpected health %+v", health)
	}

	rec = serve(h, http.MethodGet, "/api/v1/connection", "")
	if st := decode[session.Status](t, rec); st.State != session.StateConnecting {
		t.Fatalf("unexpected connection %+v", st)
	}

	if rec := serve(h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeActionInFlight:      http.StatusConflict,
		xerrors.CodeActionNotFound:      http.StatusNotFound,
		xerrors.CodeTokenNotFound:       http.StatusUnprocessableEntity,
		xerrors.CodeSubmissionRejected:  http.StatusBadGateway,
		xerrors.CodeStorageFailure:      http.StatusInternalServerError,
		task.CodeJobNotFound:            http.StatusNotFound,
		xerrors.CodeActionNotActionable: http.StatusConflict,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Fatalf("statusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
