package dispatch

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/multisig"
	"CoSign-Agent/internal/session"
	"CoSign-Agent/internal/signing"
	"CoSign-Agent/internal/storage/mysql"
	"CoSign-Agent/internal/token"
	"CoSign-Agent/internal/txbuilder"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	usdc      = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	safe      = common.HexToAddress("0x00000000000000000000000000000000000005AF")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000B0")
)

// stubFactory 依次返回配置的 nonce，模拟每次都从链上重新读取。
type stubFactory struct {
	mu     sync.Mutex
	nonces []uint64
	calls  int
}

func (f *stubFactory) Wrap(_ context.Context, payload txbuilder.Payload, wallet common.Address) (multisig.Envelope, error) {
	f.mu.Lock()
	idx := f.calls
	if idx >= len(f.nonces) {
		idx = len(f.nonces) - 1
	}
	f.calls++
	nonce := f.nonces[idx]
	f.mu.Unlock()
	return multisig.NewEnvelope(payload.ChainID, wallet, payload, nonce)
}

func (f *stubFactory) wrapCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gatedSigner 在 gate 关闭前阻塞，模拟等待硬件钱包确认。
type gatedSigner struct {
	inner   *signing.KeySigner
	entered chan struct{}
	gate    chan struct{}
	reject  bool
	fail    error
	calls   atomic.Int32
}

func (s *gatedSigner) Account() common.Address { return s.inner.Account() }

func (s *gatedSigner) SignTypedData(ctx context.Context, req signing.Request) ([]byte, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.reject {
		return nil, xerrors.New(xerrors.CodeUserRejected, "user denied")
	}
	if s.fail != nil {
		return nil, s.fail
	}
	return s.inner.SignTypedData(ctx, req)
}

type submission struct {
	env     multisig.Envelope
	signers []common.Address
	coSig   bool
}

type stubSubmitter struct {
	t      *testing.T
	mu     sync.Mutex
	errs   []error
	calls  []submission
	hashes int
}

func (s *stubSubmitter) next() (common.Hash, error) {
	idx := len(s.calls) - 1
	if idx < len(s.errs) && s.errs[idx] != nil {
		return common.Hash{}, s.errs[idx]
	}
	s.hashes++
	return common.BigToHash(big.NewInt(int64(s.hashes))), nil
}

func (s *stubSubmitter) Submit(_ context.Context, env multisig.Envelope, userSignature []byte, opts ...multisig.SubmitOption) (common.Hash, error) {
	user, err := multisig.Recover(env.Digest, userSignature)
	if err != nil {
		s.t.Errorf("user signature does not recover: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submission{env: env, signers: []common.Address{user.Signer}, coSig: len(opts) > 0})
	return s.next()
}

func (s *stubSubmitter) Execute(_ context.Context, env multisig.Envelope, sigs []multisig.Signature) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := submission{env: env}
	for _, sig := range sigs {
		sub.signers = append(sub.signers, sig.Signer)
	}
	s.calls = append(s.calls, sub)
	return s.next()
}

func (s *stubSubmitter) submissions() []submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submission(nil), s.calls...)
}

type recordingReporter struct {
	mu   sync.Mutex
	sent []session.Outbound
}

func (r *recordingReporter) Send(_ context.Context, msg session.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

type fixture struct {
	machine   *conversation.Machine
	factory   *stubFactory
	signer    *gatedSigner
	submitter *stubSubmitter
	attempts  *mysql.MemoryAttemptRepository
	reporter  *recordingReporter
	dispatch  *Dispatcher
}

func newFixture(t *testing.T, nonces ...uint64) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keySigner, err := signing.NewKeySigner(hexutil.Encode(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("key signer: %v", err)
	}
	tokens, err := token.NewRegistry(token.Token{ChainID: 8453, Symbol: "USDC", Address: usdc.Hex(), Decimals: 6})
	if err != nil {
		t.Fatalf("token registry: %v", err)
	}
	attempts, err := mysql.NewMemoryAttemptRepository(t.TempDir())
	if err != nil {
		t.Fatalf("attempt repo: %v", err)
	}
	if len(nonces) == 0 {
		nonces = []uint64{4}
	}

	f := &fixture{
		machine:   conversation.NewMachine(),
		factory:   &stubFactory{nonces: nonces},
		signer:    &gatedSigner{inner: keySigner},
		submitter: &stubSubmitter{t: t},
		attempts:  attempts,
		reporter:  &recordingReporter{},
	}
	f.dispatch, err = New(Config{
		Machine:        f.machine,
		Builder:        txbuilder.New(tokens),
		Factory:        f.factory,
		Signer:         f.signer,
		Submitter:      f.submitter,
		Wallet:         safe,
		DefaultChainID: 8453,
		Reporter:       f.reporter,
		Attempts:       attempts,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return f
}

func (f *fixture) signAction(t *testing.T, data string) string {
	t.Helper()
	e := f.machine.Append(conversation.Event{
		Kind:   conversation.KindTransaction,
		Text:   "Send 10 USDC",
		Action: &conversation.Action{Kind: conversation.ActionNeedUserSignature, Data: json.RawMessage(data)},
	})
	return e.ID
}

func usdcTransfer(amount string) string {
	return fmt.Sprintf(`{"chain_id":8453,"safe_address":%q,"token":%q,"recipient":%q,"amount":%s}`,
		safe.Hex(), usdc.Hex(), recipient.Hex(), amount)
}

func TestConcurrentSignatureRequestsSubmitOnce(t *testing.T) {
	f := newFixture(t)
	f.signer.entered = make(chan struct{}, 1)
	f.signer.gate = make(chan struct{})
	id := f.signAction(t, usdcTransfer(`"10"`))

	type result struct {
		out conversation.Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := f.dispatch.RequestSignature(context.Background(), id)
		first <- result{out, err}
	}()

	select {
	case <-f.signer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("signer was never invoked")
	}
	if !f.dispatch.InFlight(id) {
		t.Fatal("action must be in flight while the signer is prompting")
	}
	if _, err := f.dispatch.RequestSignature(context.Background(), id); !xerrors.HasCode(err, xerrors.CodeActionInFlight) {
		t.Fatalf("second call should hit the in-flight guard, got %v", err)
	}
	close(f.signer.gate)

	res := <-first
	if res.err != nil {
		t.Fatalf("first call failed: %v", res.err)
	}
	if res.out.Kind != conversation.ActionSubmitted || res.out.TxHash == "" {
		t.Fatalf("unexpected outcome %+v", res.out)
	}
	if n := len(f.submitter.submissions()); n != 1 {
		t.Fatalf("expected exactly one submission, got %d", n)
	}

	again, err := f.dispatch.RequestSignature(context.Background(), id)
	if err != nil || again != res.out {
		t.Fatalf("resolved action should return the recorded outcome, got %+v %v", again, err)
	}
	if n := len(f.submitter.submissions()); n != 1 {
		t.Fatalf("replay must not submit again, got %d submissions", n)
	}
	if f.dispatch.InFlight(id) {
		t.Fatal("guard must be released after completion")
	}

	sub := f.submitter.submissions()[0]
	if sub.env.Nonce != 4 || sub.env.Wallet != safe || sub.env.To != usdc {
		t.Fatalf("unexpected envelope %+v", sub.env)
	}
	if sub.signers[0] != f.signer.Account() {
		t.Fatalf("user signature recovered to %s", sub.signers[0].Hex())
	}
	if len(f.reporter.sent) != 1 || f.reporter.sent[0].Query != res.out.Text {
		t.Fatalf("outcome should be reported back, got %+v", f.reporter.sent)
	}
}

func TestDeclinedSignatureResolvesRejected(t *testing.T) {
	f := newFixture(t)
	f.signer.reject = true
	id := f.signAction(t, usdcTransfer(`"10"`))

	out, err := f.dispatch.RequestSignature(context.Background(), id)
	if err != nil {
		t.Fatalf("decline should not be an error: %v", err)
	}
	if out.Kind != conversation.ActionRejected {
		t.Fatalf("expected rejected outcome, got %s", out.Kind)
	}
	if n := len(f.submitter.submissions()); n != 0 {
		t.Fatalf("declined request must never reach the submitter, got %d", n)
	}
	entry, _ := f.machine.Get(id)
	if entry.State != conversation.StateResolved || entry.Outcome.Kind != conversation.ActionRejected {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if f.dispatch.InFlight(id) {
		t.Fatal("guard must be released after a decline")
	}
	records, _ := f.attempts.ListByEvent(context.Background(), id)
	if len(records) != 1 || records[0].Status != mysql.AttemptRejected || records[0].Nonce != 4 {
		t.Fatalf("unexpected attempt records %+v", records)
	}
}

func TestStaleNonceFailureSettlesActionAndFreshIntentRereadsNonce(t *testing.T) {
	f := newFixture(t, 4, 5)
	f.submitter.errs = []error{xerrors.New(xerrors.CodeSubmissionRejected, "execution reverted: GS026")}
	id := f.signAction(t, usdcTransfer(`"10"`))

	_, err := f.dispatch.RequestSignature(context.Background(), id)
	if !xerrors.HasCode(err, xerrors.CodeSubmissionRejected) {
		t.Fatalf("expected submission rejected, got %v", err)
	}
	entry, _ := f.machine.Get(id)
	if entry.State != conversation.StateResolved || entry.Outcome.Kind != conversation.ActionFailed {
		t.Fatalf("rejected submission must resolve the action to error, got %+v", entry)
	}
	log := f.machine.Snapshot()
	last := log[len(log)-1]
	if last.Kind != conversation.KindError || last.ResolvesID != id {
		t.Fatalf("expected an error outcome event for the action, got %+v", last)
	}

	again, err := f.dispatch.RequestSignature(context.Background(), id)
	if err != nil || again != *entry.Outcome {
		t.Fatalf("settled action should return the recorded outcome, got %+v %v", again, err)
	}
	if f.factory.wrapCalls() != 1 || len(f.submitter.submissions()) != 1 {
		t.Fatal("settled action must not be wrapped or submitted again")
	}

	fresh := f.signAction(t, usdcTransfer(`"10"`))
	out, err := f.dispatch.RequestSignature(context.Background(), fresh)
	if err != nil {
		t.Fatalf("fresh intent failed: %v", err)
	}
	if out.Kind != conversation.ActionSubmitted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	subs := f.submitter.submissions()
	if len(subs) != 2 || subs[0].env.Nonce != 4 || subs[1].env.Nonce != 5 {
		t.Fatalf("fresh intent must re-read the nonce, got %+v", subs)
	}
	if subs[0].env.Digest == subs[1].env.Digest {
		t.Fatal("a new nonce must produce a new digest")
	}
	if !strings.Contains(out.Text, "10 ") || !strings.Contains(out.Text, recipient.Hex()) {
		t.Fatalf("outcome text should describe the transfer, got %q", out.Text)
	}

	failed, _ := f.attempts.ListByEvent(context.Background(), id)
	if len(failed) != 1 || failed[0].Status != mysql.AttemptFailed || failed[0].ErrorCode != string(xerrors.CodeSubmissionRejected) {
		t.Fatalf("unexpected attempt records %+v", failed)
	}
	submitted, _ := f.attempts.ListByEvent(context.Background(), fresh)
	if len(submitted) != 1 || submitted[0].Status != mysql.AttemptSubmitted || submitted[0].Nonce != 5 {
		t.Fatalf("unexpected attempt records for the fresh intent %+v", submitted)
	}
}

func TestAmbiguousSubmissionFailureNeverResubmits(t *testing.T) {
	f := newFixture(t, 4, 5)
	f.submitter.errs = []error{xerrors.Wrap(xerrors.CodeNetworkError, errors.New("read: connection reset"), "提交多签交易失败")}
	id := f.signAction(t, usdcTransfer(`"10"`))

	_, err := f.dispatch.RequestSignature(context.Background(), id)
	if !xerrors.HasCode(err, xerrors.CodeNetworkError) || !xerrors.IsAmbiguous(err) {
		t.Fatalf("expected ambiguous network error, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("a settled failure must not be reported as retryable")
	}
	entry, _ := f.machine.Get(id)
	if entry.State != conversation.StateResolved || entry.Outcome.Kind != conversation.ActionFailed {
		t.Fatalf("ambiguous failure must settle the action, got %+v", entry)
	}
	if !strings.Contains(entry.Outcome.Text, "may have been broadcast") {
		t.Fatalf("outcome must say the transaction may have landed, got %q", entry.Outcome.Text)
	}
	for i := 0; i < 2; i++ {
		out, err := f.dispatch.RequestSignature(context.Background(), id)
		if err != nil || out.Kind != conversation.ActionFailed {
			t.Fatalf("retry %d: got %+v %v", i, out, err)
		}
	}
	if f.factory.wrapCalls() != 1 || f.signer.calls.Load() != 1 || len(f.submitter.submissions()) != 1 {
		t.Fatalf("retries reached the chain: wraps=%d prompts=%d submissions=%d",
			f.factory.wrapCalls(), f.signer.calls.Load(), len(f.submitter.submissions()))
	}
	if len(f.reporter.sent) != 1 || f.reporter.sent[0].Query != entry.Outcome.Text {
		t.Fatalf("failed outcome should be reported once, got %+v", f.reporter.sent)
	}
}

func TestSignerFailureKeepsActionPending(t *testing.T) {
	f := newFixture(t, 4, 5)
	f.signer.fail = xerrors.New(xerrors.CodeSignerFailure, "device locked")
	id := f.signAction(t, usdcTransfer(`"10"`))

	if _, err := f.dispatch.RequestSignature(context.Background(), id); !xerrors.HasCode(err, xerrors.CodeSignerFailure) {
		t.Fatalf("expected signer failure, got %v", err)
	}
	entry, _ := f.machine.Get(id)
	if entry.State != conversation.StatePending || entry.LastError == "" {
		t.Fatalf("signer failure must leave the action pending, got %+v", entry)
	}
	if n := len(f.submitter.submissions()); n != 0 {
		t.Fatalf("nothing should reach the submitter, got %d", n)
	}

	f.signer.fail = nil
	out, err := f.dispatch.RequestSignature(context.Background(), id)
	if err != nil || out.Kind != conversation.ActionSubmitted {
		t.Fatalf("retry after signer failure: %+v %v", out, err)
	}
	if sub := f.submitter.submissions(); len(sub) != 1 || sub[0].env.Nonce != 5 {
		t.Fatalf("retry must wrap against the current nonce, got %+v", sub)
	}
}

func TestUnknownTokenFailsBeforeAnyNetworkCall(t *testing.T) {
	f := newFixture(t)
	data := fmt.Sprintf(`{"chain_id":"0x2105","token":"0x0000000000000000000000000000000000000DEF","to":%q,"amount":1}`, recipient.Hex())
	id := f.signAction(t, data)

	_, err := f.dispatch.RequestSignature(context.Background(), id)
	if !xerrors.HasCode(err, xerrors.CodeTokenNotFound) {
		t.Fatalf("expected token not found, got %v", err)
	}
	if f.factory.wrapCalls() != 0 || f.signer.calls.Load() != 0 {
		t.Fatal("build errors must surface before reading the wallet or prompting the signer")
	}
}

func TestEmbeddedCoSignatureIsForwarded(t *testing.T) {
	f := newFixture(t)
	data := fmt.Sprintf(`{"token":"native","recipient":%q,"amount":"0.5","agent_signature":"0x%s"}`,
		recipient.Hex(), common.Bytes2Hex(make([]byte, 65)))
	id := f.signAction(t, data)

	if _, err := f.dispatch.RequestSignature(context.Background(), id); err != nil {
		t.Fatalf("request signature: %v", err)
	}
	sub := f.submitter.submissions()[0]
	if !sub.coSig {
		t.Fatal("embedded co-signature should be passed to the submitter")
	}
	if sub.env.To != recipient || sub.env.Value.String() != "500000000000000000" || sub.env.ChainID != 8453 {
		t.Fatalf("native transfer envelope wrong: %+v", sub.env)
	}
}

func TestConfirmExecutesPreparedEnvelope(t *testing.T) {
	f := newFixture(t)
	env, err := multisig.NewEnvelope(8453, safe, txbuilder.Payload{To: recipient, Value: common.Big1}, 9)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	keys := []*ecdsa.PrivateKey{mustKey(t), mustKey(t)}
	sigs := make([]string, 0, len(keys))
	for _, key := range keys {
		sig, err := crypto.Sign(env.Digest.Bytes(), key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		sigs = append(sigs, hexutil.Encode(sig))
	}
	data, _ := json.Marshal(map[string]any{"envelope": env, "signatures": sigs})
	confirm := f.machine.Append(conversation.Event{
		Kind:   conversation.KindTransaction,
		Action: &conversation.Action{Kind: conversation.ActionConfirm, Data: data},
	})

	out, err := f.dispatch.Confirm(context.Background(), confirm.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.Kind != conversation.ActionCompleted || out.TxHash == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	sub := f.submitter.submissions()[0]
	if len(sub.signers) != 2 || sub.env.Digest != env.Digest {
		t.Fatalf("unexpected execution %+v", sub)
	}
	if f.signer.calls.Load() != 0 {
		t.Fatal("confirm must not prompt the signer")
	}
}

func TestDispatchRejectsMismatchedActions(t *testing.T) {
	f := newFixture(t)
	id := f.signAction(t, usdcTransfer(`"10"`))
	plain := f.machine.Append(conversation.Event{Kind: conversation.KindThinking, Text: "thinking"})

	if _, err := f.dispatch.Confirm(context.Background(), id); !xerrors.HasCode(err, xerrors.CodeActionNotActionable) {
		t.Fatalf("confirm on a signature request should be refused, got %v", err)
	}
	if _, err := f.dispatch.RequestSignature(context.Background(), plain.ID); !xerrors.HasCode(err, xerrors.CodeActionNotActionable) {
		t.Fatalf("plain event has no action, got %v", err)
	}
	if _, err := f.dispatch.RequestSignature(context.Background(), "missing"); !xerrors.HasCode(err, xerrors.CodeActionNotFound) {
		t.Fatalf("unknown event, got %v", err)
	}
	if _, err := f.dispatch.Dispatch(context.Background(), Operation("cancel"), id); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("unknown operation, got %v", err)
	}
}

func TestParseChainID(t *testing.T) {
	cases := []struct {
		raw  string
		want uint64
		ok   bool
	}{
		{`8453`, 8453, true},
		{`"8453"`, 8453, true},
		{`"0x2105"`, 8453, true},
		{``, 1, true},
		{`null`, 1, true},
		{`"base"`, 0, false},
		{`0`, 0, false},
	}
	for _, tc := range cases {
		got, err := parseChainID(json.RawMessage(tc.raw), 1)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("parseChainID(%s) = %d, %v", tc.raw, got, err)
		}
	}
}

func TestAmountTextKeepsNumericPrecision(t *testing.T) {
	if got := amountText(json.RawMessage(`10.000001`)); got != "10.000001" {
		t.Fatalf("numeric amount changed: %q", got)
	}
	if got := amountText(json.RawMessage(`" 2.5 "`)); got != "2.5" {
		t.Fatalf("string amount not trimmed: %q", got)
	}
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
