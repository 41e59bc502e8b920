package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// gasBufferPercent pads the estimate returned by the node.
const gasBufferPercent = 20

// KeyedTransactor signs and broadcasts contract calls from a locally held key.
// It is used as the relayer that pays gas for execTransaction.
type KeyedTransactor struct {
	key      *ecdsa.PrivateKey
	from     common.Address
	resolver web3.Resolver

	// mu serializes nonce allocation for the relayer account.
	mu sync.Mutex
}

// NewKeyedTransactor creates a relayer for the given hex encoded private key.
func NewKeyedTransactor(hexKey string, resolver web3.Resolver) (*KeyedTransactor, error) {
	if resolver == nil {
		return nil, errors.New("未配置链客户端解析器")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析广播私钥失败: %w", err)
	}
	return &KeyedTransactor{
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		resolver: resolver,
	}, nil
}

// From returns the relayer account address.
func (t *KeyedTransactor) From() common.Address { return t.from }

// Transact sends a zero-value call carrying data to the target contract.
func (t *KeyedTransactor) Transact(ctx context.Context, chainID uint64, to common.Address, data []byte) (common.Hash, error) {
	client, err := t.resolver.ClientFor(chainID)
	if err != nil {
		return common.Hash{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	msg := gethcore.CallMsg{From: t.from, To: &to, Data: data, Value: new(big.Int)}
	gas, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, ClassifyRPCError(err, "估算 execTransaction gas 失败")
	}
	gas += gas * gasBufferPercent / 100

	nonce, err := client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return common.Hash{}, ClassifyRPCError(err, "查询广播账户 nonce 失败")
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, ClassifyRPCError(err, "查询 gas 小费失败")
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, ClassifyRPCError(err, "查询最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}

	chain := new(big.Int).SetUint64(chainID)
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chain,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chain), t.key)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSignerFailure, err, "签名广播交易失败")
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, ClassifyRPCError(err, "广播 execTransaction 失败")
	}
	return signed.Hash(), nil
}

// ClassifyRPCError maps node errors onto the submission taxonomy. A JSON-RPC
// error means the node answered and refused (crisp rejection); anything else
// is a transport failure whose outcome is unknown.
func ClassifyRPCError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return xerrors.Wrap(xerrors.CodeSubmissionRejected, err, message)
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		return xerrors.Wrap(xerrors.CodeSubmissionRejected, err, message)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "execution reverted") || strings.Contains(lower, "nonce too low") || strings.Contains(lower, "insufficient funds") {
		return xerrors.Wrap(xerrors.CodeSubmissionRejected, err, message)
	}
	return xerrors.Wrap(xerrors.CodeNetworkError, err, message)
}
