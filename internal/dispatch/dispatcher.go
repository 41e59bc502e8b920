package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/multisig"
	"CoSign-Agent/internal/observability/alerting"
	"CoSign-Agent/internal/observability/metrics"
	"CoSign-Agent/internal/session"
	"CoSign-Agent/internal/signing"
	"CoSign-Agent/internal/storage/mysql"
	"CoSign-Agent/internal/txbuilder"
	"CoSign-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Operation 是用户对待决动作发起的操作。
type Operation string

const (
	OpConfirm Operation = "confirm"
	OpSign    Operation = "sign"
)

// ParseOperation 解析操作名称。
func ParseOperation(raw string) (Operation, error) {
	switch op := Operation(raw); op {
	case OpConfirm, OpSign:
		return op, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的操作 %q", raw))
	}
}

func (op Operation) actionKind() conversation.ActionKind {
	if op == OpConfirm {
		return conversation.ActionConfirm
	}
	return conversation.ActionNeedUserSignature
}

// Builder 将转账意图编码为交易载荷。
type Builder interface {
	Build(intent txbuilder.Intent) (txbuilder.Payload, error)
}

// EnvelopeFactory 读取钱包 nonce 并生成多签信封。
type EnvelopeFactory interface {
	Wrap(ctx context.Context, payload txbuilder.Payload, wallet common.Address) (multisig.Envelope, error)
}

// Submitter 收集签名并调用 execTransaction。
type Submitter interface {
	Submit(ctx context.Context, env multisig.Envelope, userSignature []byte, opts ...multisig.SubmitOption) (common.Hash, error)
	Execute(ctx context.Context, env multisig.Envelope, sigs []multisig.Signature) (common.Hash, error)
}

// Reporter 将结果回报给代理后端，通常是会话通道。
type Reporter interface {
	Send(ctx context.Context, msg session.Outbound) error
}

// Config 汇集调度器的依赖。Machine 必填，其余按操作需要提供。
type Config struct {
	Machine        *conversation.Machine
	Builder        Builder
	Factory        EnvelopeFactory
	Signer         signing.Agent
	Submitter      Submitter
	Wallet         common.Address
	DefaultChainID uint64
	Reporter       Reporter
	Attempts       mysql.AttemptRepository
	Alerts         alerting.Dispatcher
	Logger         *slog.Logger
	Now            func() time.Time
}

// Dispatcher 串联构建、包装、签名与提交，并把结果写回活动日志。
// 同一动作在处理期间只允许一个调用，不同动作可以并发处理。
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	inFlight map[string]Operation
}

// New 创建调度器。
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Machine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话状态机")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("dispatch")
	}
	return &Dispatcher{cfg: cfg, log: log, inFlight: make(map[string]Operation)}, nil
}

// attempt 是一次操作的中间结果，用于记录与告警。
type attempt struct {
	kind     conversation.ActionKind
	txHash   common.Hash
	envelope *multisig.Envelope
	summary  string
}

// settlesAction 判断失败是否让动作进入最终的 error 结果。
// 钱包与链上失败以及结果不确定的失败之后，同一动作不再重新签名或提交。
func settlesAction(err error) bool {
	if xerrors.IsAmbiguous(err) {
		return true
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeWalletUnreachable, xerrors.CodeUnsupportedChain, xerrors.CodeSubmissionRejected, xerrors.CodeNetworkError:
		return true
	}
	return false
}

// settle 把失败记为动作的最终结果并回报后端，返回的错误不再可重试。
func (d *Dispatcher) settle(ctx context.Context, log *slog.Logger, eventID string, result attempt, cause error) error {
	failed := conversation.Outcome{Kind: conversation.ActionFailed, Text: xerrors.UserMessage(cause)}
	if result.txHash != (common.Hash{}) {
		failed.TxHash = result.txHash.Hex()
	}
	out, err := d.cfg.Machine.Resolve(eventID, failed)
	if err != nil {
		log.Error("写入失败结果出错", slog.Any("error", err))
		return cause
	}
	d.report(ctx, out)
	return settled(cause)
}

func settled(cause error) error {
	xe, ok := xerrors.From(cause)
	if !ok {
		return cause
	}
	opts := []xerrors.Option{xerrors.WithRetryable(false)}
	for k, v := range xe.Metadata() {
		opts = append(opts, xerrors.WithMetadata(k, v))
	}
	return xerrors.Wrap(xe.Code(), cause, xe.Message(), opts...)
}

// Confirm 提交 confirm 动作中已准备好的信封与签名，成功后结果为 completed。
func (d *Dispatcher) Confirm(ctx context.Context, eventID string) (conversation.Outcome, error) {
	return d.run(ctx, OpConfirm, eventID, d.confirm)
}

// RequestSignature 为 need_user_signature 动作构建交易、请求用户签名并提交。
// 成功结果为 submitted，用户拒绝签名时结果为 rejected。
func (d *Dispatcher) RequestSignature(ctx context.Context, eventID string) (conversation.Outcome, error) {
	return d.run(ctx, OpSign, eventID, d.sign)
}

// Dispatch 按操作名称分发，供任务队列调用。
func (d *Dispatcher) Dispatch(ctx context.Context, op Operation, eventID string) (conversation.Outcome, error) {
	switch op {
	case OpConfirm:
		return d.Confirm(ctx, eventID)
	case OpSign:
		return d.RequestSignature(ctx, eventID)
	default:
		return conversation.Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的操作 %q", op))
	}
}

// InFlight 报告动作是否正在处理。
func (d *Dispatcher) InFlight(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[eventID]
	return ok
}

// Check 在不执行的前提下校验动作当前能否被该操作处理，已解决的动作视为可处理。
func (d *Dispatcher) Check(op Operation, eventID string) error {
	_, err := d.lookup(op, eventID)
	return err
}

func (d *Dispatcher) lookup(op Operation, eventID string) (conversation.Entry, error) {
	entry, ok := d.cfg.Machine.Get(eventID)
	if !ok {
		return conversation.Entry{}, xerrors.New(xerrors.CodeActionNotFound, fmt.Sprintf("事件 %s 不存在", eventID),
			xerrors.WithMetadata("event_id", eventID))
	}
	if entry.State == conversation.StateResolved {
		return entry, nil
	}
	if entry.Event.Action == nil || entry.Event.Action.Kind != op.actionKind() {
		return conversation.Entry{}, xerrors.New(xerrors.CodeActionNotActionable,
			fmt.Sprintf("事件 %s 不是可执行 %s 的动作", eventID, op),
			xerrors.WithMetadata("event_id", eventID))
	}
	return entry, nil
}

func (d *Dispatcher) acquire(op Operation, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if holder, busy := d.inFlight[eventID]; busy {
		metrics.ObserveInFlightRefusal(string(op))
		return xerrors.New(xerrors.CodeActionInFlight, fmt.Sprintf("事件 %s 正在执行 %s", eventID, holder),
			xerrors.WithMetadata("event_id", eventID))
	}
	d.inFlight[eventID] = op
	return nil
}

func (d *Dispatcher) release(eventID string) {
	d.mu.Lock()
	delete(d.inFlight, eventID)
	d.mu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, op Operation, eventID string,
	fn func(context.Context, conversation.Event) (attempt, error)) (conversation.Outcome, error) {
	entry, err := d.lookup(op, eventID)
	if err != nil {
		return conversation.Outcome{}, err
	}
	if entry.Outcome != nil {
		return *entry.Outcome, nil
	}

	if err := d.acquire(op, eventID); err != nil {
		return conversation.Outcome{}, err
	}
	defer d.release(eventID)

	// 等待锁期间动作可能已被另一个调用解决。
	if current, ok := d.cfg.Machine.Get(eventID); ok && current.Outcome != nil {
		return *current.Outcome, nil
	}

	log := d.log.With(slog.String("event_id", eventID), slog.String("operation", string(op)))
	started := d.cfg.Now()
	result, runErr := fn(ctx, entry.Event)
	elapsed := d.cfg.Now().Sub(started)

	if runErr != nil && !(op == OpSign && xerrors.HasCode(runErr, xerrors.CodeUserRejected)) {
		code := string(xerrors.CodeOf(runErr))
		log.Warn("授权操作失败", slog.String("code", code), slog.Any("error", runErr))
		d.record(ctx, op, eventID, result, mysql.AttemptFailed, runErr)
		metrics.ObserveAuthorization(string(op), mysql.AttemptFailed, code, elapsed)
		d.alert(ctx, op, eventID, runErr)
		if settlesAction(runErr) {
			runErr = d.settle(ctx, log, eventID, result, runErr)
		} else if _, err := d.cfg.Machine.Fail(eventID, runErr); err != nil {
			log.Error("写入错误事件失败", slog.Any("error", err))
		}
		return conversation.Outcome{}, runErr
	}
	if runErr != nil {
		result.kind = conversation.ActionRejected
		log.Info("用户拒绝签名")
	}

	out := conversation.Outcome{Kind: result.kind, Text: result.summary}
	if result.txHash != (common.Hash{}) {
		out.TxHash = result.txHash.Hex()
	}
	out, err = d.cfg.Machine.Resolve(eventID, out)
	if err != nil {
		return conversation.Outcome{}, err
	}
	status := string(result.kind)
	d.record(ctx, op, eventID, result, status, nil)
	metrics.ObserveAuthorization(string(op), status, "", elapsed)
	log.Info("授权操作完成", slog.String("status", status), slog.String("tx_hash", out.TxHash))
	d.report(ctx, out)
	return out, nil
}

func (d *Dispatcher) sign(ctx context.Context, event conversation.Event) (attempt, error) {
	if d.cfg.Builder == nil || d.cfg.Factory == nil || d.cfg.Signer == nil || d.cfg.Submitter == nil {
		return attempt{}, xerrors.New(xerrors.CodeInitializationFailure, "签名流程依赖未完整配置")
	}
	req, err := decodeSignRequest(event.Action.Data, d.cfg.DefaultChainID, d.cfg.Wallet)
	if err != nil {
		return attempt{}, err
	}
	payload, err := d.cfg.Builder.Build(req.Intent)
	if err != nil {
		return attempt{}, err
	}
	env, err := d.cfg.Factory.Wrap(ctx, payload, req.Wallet)
	if err != nil {
		return attempt{}, err
	}
	result := attempt{kind: conversation.ActionSubmitted, envelope: &env}

	sig, err := d.cfg.Signer.SignTypedData(ctx, signing.Request{
		Address:   d.cfg.Signer.Account(),
		TypedData: env.TypedData(),
		Digest:    env.Digest,
	})
	if err != nil {
		return result, err
	}

	var opts []multisig.SubmitOption
	if len(req.CoSignature) > 0 {
		opts = append(opts, multisig.WithCoSignature(req.CoSignature))
	}
	hash, err := d.cfg.Submitter.Submit(ctx, env, sig, opts...)
	result.txHash = hash
	if err == nil {
		result.summary = fmt.Sprintf("Transaction submitted: %s %s to %s (%s)",
			txbuilder.FormatAmount(payload.Amount, payload.Decimals), assetLabel(req.Intent), req.Intent.Recipient.Hex(), hash.Hex())
	}
	return result, err
}

func assetLabel(intent txbuilder.Intent) string {
	if intent.IsNative() {
		return "native"
	}
	return intent.Token.Hex()
}

func (d *Dispatcher) confirm(ctx context.Context, event conversation.Event) (attempt, error) {
	if d.cfg.Submitter == nil {
		return attempt{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易提交器")
	}
	req, err := decodeConfirmRequest(event.Action.Data, d.cfg.Wallet)
	if err != nil {
		return attempt{}, err
	}
	result := attempt{kind: conversation.ActionCompleted, envelope: &req.Envelope}
	hash, err := d.cfg.Submitter.Execute(ctx, req.Envelope, req.Signatures)
	result.txHash = hash
	return result, err
}

func (d *Dispatcher) record(ctx context.Context, op Operation, eventID string, result attempt, status string, cause error) {
	rec := &mysql.AttemptRecord{
		EventID:   eventID,
		Operation: string(op),
		Status:    status,
		CreatedAt: d.cfg.Now().Unix(),
	}
	if env := result.envelope; env != nil {
		rec.ChainID = env.ChainID
		rec.Wallet = env.Wallet.Hex()
		rec.Nonce = env.Nonce
		rec.SafeTxHash = env.Digest.Hex()
	}
	if result.txHash != (common.Hash{}) {
		rec.TxHash = result.txHash.Hex()
	}
	if cause != nil {
		rec.ErrorCode = string(xerrors.CodeOf(cause))
		rec.Message = xerrors.UserMessage(cause)
	}

	logger.Audit().Info("authorization",
		slog.String("event_id", rec.EventID),
		slog.String("operation", rec.Operation),
		slog.String("status", rec.Status),
		slog.String("chain_id", strconv.FormatUint(rec.ChainID, 10)),
		slog.String("wallet", rec.Wallet),
		slog.Uint64("nonce", rec.Nonce),
		slog.String("safe_tx_hash", rec.SafeTxHash),
		slog.String("tx_hash", rec.TxHash),
		slog.String("code", rec.ErrorCode),
	)

	if d.cfg.Attempts == nil {
		return
	}
	if err := d.cfg.Attempts.Save(ctx, rec); err != nil {
		d.log.Error("保存授权记录失败", slog.String("event_id", eventID), slog.Any("error", err))
	}
}

func (d *Dispatcher) alert(ctx context.Context, op Operation, eventID string, cause error) {
	if d.cfg.Alerts == nil || !alerting.ShouldAlert(cause) {
		return
	}
	if err := d.cfg.Alerts.Notify(ctx, alerting.FromError(eventID, string(op), cause)); err != nil {
		d.log.Warn("发送告警失败", slog.Any("error", err))
	}
}

func (d *Dispatcher) report(ctx context.Context, out conversation.Outcome) {
	if d.cfg.Reporter == nil {
		return
	}
	if err := d.cfg.Reporter.Send(ctx, session.Outbound{Query: out.Text}); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		d.log.Log(ctx, level, "回报授权结果失败", slog.Any("error", err))
	}
}
