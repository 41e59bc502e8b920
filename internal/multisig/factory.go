package multisig

import (
	"context"
	"fmt"
	"math/big"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/txbuilder"
	"CoSign-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// RequiredThreshold 是 2-of-2 钱包要求的签名门限。
const RequiredThreshold = 2

// Factory 负责把交易负载封装为多签信封。
type Factory struct {
	resolver web3.Resolver
}

// NewFactory 创建信封工厂。
func NewFactory(resolver web3.Resolver) *Factory {
	return &Factory{resolver: resolver}
}

// Wrap 读取钱包当前 nonce 并生成信封。nonce 每次都重新读取。
func (f *Factory) Wrap(ctx context.Context, payload txbuilder.Payload, wallet common.Address) (Envelope, error) {
	client, err := f.client(payload.ChainID)
	if err != nil {
		return Envelope{}, err
	}
	nonce, err := f.readUint(ctx, client, wallet, "nonce")
	if err != nil {
		return Envelope{}, err
	}
	if !nonce.IsUint64() {
		return Envelope{}, xerrors.New(xerrors.CodeWalletUnreachable, fmt.Sprintf("钱包 nonce 超出范围: %s", nonce))
	}
	return NewEnvelope(client.ChainID(), wallet, payload, nonce.Uint64())
}

// Threshold 读取钱包的签名门限。
func (f *Factory) Threshold(ctx context.Context, chainID uint64, wallet common.Address) (uint64, error) {
	client, err := f.client(chainID)
	if err != nil {
		return 0, err
	}
	threshold, err := f.readUint(ctx, client, wallet, "getThreshold")
	if err != nil {
		return 0, err
	}
	return threshold.Uint64(), nil
}

// VerifyWallet 确认钱包合约的门限为 RequiredThreshold。
// 门限不符时返回 INITIALIZATION_FAILURE，读取失败时返回原始错误。
func (f *Factory) VerifyWallet(ctx context.Context, chainID uint64, wallet common.Address) error {
	threshold, err := f.Threshold(ctx, chainID, wallet)
	if err != nil {
		return err
	}
	if threshold != RequiredThreshold {
		return xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("钱包 %s 的签名门限为 %d，需要 %d", wallet.Hex(), threshold, RequiredThreshold),
			xerrors.WithMetadata("wallet", wallet.Hex()))
	}
	return nil
}

func (f *Factory) client(chainID uint64) (web3.Client, error) {
	if f == nil || f.resolver == nil {
		return nil, xerrors.New(xerrors.CodeUnsupportedChain, "未配置任何链的 RPC 端点")
	}
	return f.resolver.ClientFor(chainID)
}

func (f *Factory) readUint(ctx context.Context, client web3.Client, wallet common.Address, method string) (*big.Int, error) {
	input, err := safeABI.Pack(method)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "编码钱包调用失败")
	}
	output, err := client.CallContract(ctx, gethcore.CallMsg{To: &wallet, Data: input}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletUnreachable, err,
			fmt.Sprintf("读取钱包 %s 的 %s 失败", wallet.Hex(), method),
			xerrors.WithMetadata("wallet", wallet.Hex()))
	}
	if len(output) == 0 {
		return nil, xerrors.New(xerrors.CodeWalletUnreachable,
			fmt.Sprintf("地址 %s 在链 %d 上没有钱包合约", wallet.Hex(), client.ChainID()),
			xerrors.WithMetadata("wallet", wallet.Hex()))
	}
	value, err := decodeUint256(method, output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletUnreachable, err, fmt.Sprintf("解析钱包 %s 返回值失败", method))
	}
	return value, nil
}
