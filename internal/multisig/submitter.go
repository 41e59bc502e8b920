package multisig

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/web3"
	"CoSign-Agent/internal/web3/ethereum"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Transactor 负责把调用数据作为交易广播到链上。
type Transactor interface {
	Transact(ctx context.Context, chainID uint64, to common.Address, data []byte) (common.Hash, error)
}

// CoSigner 提供代理方对信封摘要的签名。
type CoSigner interface {
	CoSign(ctx context.Context, env Envelope) ([]byte, error)
}

// Submitter 合并双方签名并调用钱包的执行入口。
type Submitter struct {
	transactor     Transactor
	cosigner       CoSigner
	receipts       web3.Resolver
	receiptTimeout time.Duration
	pollInterval   time.Duration
}

// SubmitterOption 调整 Submitter 行为。
type SubmitterOption func(*Submitter)

// WithReceiptWait 广播后轮询回执，回执状态为失败时返回 SUBMISSION_REJECTED。
func WithReceiptWait(resolver web3.Resolver, timeout, interval time.Duration) SubmitterOption {
	return func(s *Submitter) {
		s.receipts = resolver
		s.receiptTimeout = timeout
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// NewSubmitter 创建交易提交器。cosigner 可以为空，此时必须通过 WithCoSignature 提供签名。
func NewSubmitter(transactor Transactor, cosigner CoSigner, opts ...SubmitterOption) *Submitter {
	s := &Submitter{transactor: transactor, cosigner: cosigner, pollInterval: 2 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type submitOptions struct {
	coSignature []byte
}

// SubmitOption 调整单次提交。
type SubmitOption func(*submitOptions)

// WithCoSignature 使用动作数据中已经附带的代理方签名。
func WithCoSignature(sig []byte) SubmitOption {
	return func(o *submitOptions) {
		if len(sig) > 0 {
			o.coSignature = sig
		}
	}
}

// Submit 将用户签名与代理方签名组合后提交，返回交易哈希。
func (s *Submitter) Submit(ctx context.Context, env Envelope, userSignature []byte, opts ...SubmitOption) (common.Hash, error) {
	var options submitOptions
	for _, opt := range opts {
		opt(&options)
	}

	user, err := Recover(env.Digest, userSignature)
	if err != nil {
		return common.Hash{}, err
	}

	coSig := options.coSignature
	if len(coSig) == 0 {
		if s.cosigner == nil {
			return common.Hash{}, xerrors.New(xerrors.CodeCoSignatureMissing, "未配置代理方签名来源")
		}
		coSig, err = s.cosigner.CoSign(ctx, env)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return common.Hash{}, err
			}
			return common.Hash{}, xerrors.Wrap(xerrors.CodeCoSignatureMissing, err, "获取代理方签名失败")
		}
	}
	agent, err := Recover(env.Digest, coSig)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeCoSignatureMissing, err, "代理方签名无效")
	}
	return s.Execute(ctx, env, []Signature{user, agent})
}

// Execute 按签名者地址升序提交已收集的签名。
func (s *Submitter) Execute(ctx context.Context, env Envelope, sigs []Signature) (common.Hash, error) {
	if s.transactor == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易广播器")
	}
	blob, err := Combine(sigs...)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := EncodeExecTransaction(env, blob)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidIntent, err, "编码 execTransaction 失败")
	}
	hash, err := s.transactor.Transact(ctx, env.ChainID, env.Wallet, data)
	if err != nil {
		return common.Hash{}, ethereum.ClassifyRPCError(err, "提交多签交易失败")
	}
	if err := s.awaitReceipt(ctx, env.ChainID, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

func (s *Submitter) awaitReceipt(ctx context.Context, chainID uint64, hash common.Hash) error {
	if s.receipts == nil || s.receiptTimeout <= 0 {
		return nil
	}
	client, err := s.receipts.ClientFor(chainID)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil:
			if receipt.Status == coretypes.ReceiptStatusFailed {
				return xerrors.New(xerrors.CodeSubmissionRejected,
					fmt.Sprintf("交易 %s 执行失败", hash.Hex()),
					xerrors.WithMetadata("tx_hash", hash.Hex()))
			}
			return nil
		case errors.Is(err, gethcore.NotFound):
		default:
			if waitCtx.Err() != nil {
				return nil
			}
		}
		select {
		case <-waitCtx.Done():
			// 超时仅表示尚未出块，交易已广播。
			return nil
		case <-ticker.C:
		}
	}
}
