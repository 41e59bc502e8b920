package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// userRejectedCode 是 EIP-1193 定义的用户拒绝错误码。
const userRejectedCode = 4001

// RPCSigner 通过外部钱包的 JSON-RPC 接口请求签名。
type RPCSigner struct {
	rpc     *gethrpc.Client
	address common.Address
}

// DialRPCSigner 连接钱包 RPC 端点。
func DialRPCSigner(ctx context.Context, url string, address common.Address) (*RPCSigner, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("签名器 RPC 地址不能为空")
	}
	if address == (common.Address{}) {
		return nil, errors.New("签名器账户地址不能为空")
	}
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接签名器失败: %w", err)
	}
	return &RPCSigner{rpc: client, address: address}, nil
}

// Account 返回签名账户。
func (s *RPCSigner) Account() common.Address { return s.address }

// SignTypedData 调用 eth_signTypedData_v4，用户拒绝时返回 USER_REJECTED。
func (s *RPCSigner) SignTypedData(ctx context.Context, req Request) ([]byte, error) {
	account := req.Address
	if account == (common.Address{}) {
		account = s.address
	}
	var sig hexutil.Bytes
	if err := s.rpc.CallContext(ctx, &sig, "eth_signTypedData_v4", account, typedDataPayload(req.TypedData)); err != nil {
		return nil, classifySignerError(err)
	}
	return sig, nil
}

// Transact 通过钱包的 eth_sendTransaction 广播交易。
func (s *RPCSigner) Transact(ctx context.Context, _ uint64, to common.Address, data []byte) (common.Hash, error) {
	tx := map[string]any{
		"from": s.address,
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var hash common.Hash
	if err := s.rpc.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		if isUserRejection(err) {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeUserRejected, err, "用户拒绝发送交易")
		}
		return common.Hash{}, ethereum.ClassifyRPCError(err, "钱包发送交易失败")
	}
	return hash, nil
}

// Close 释放 RPC 连接。
func (s *RPCSigner) Close() {
	if s != nil && s.rpc != nil {
		s.rpc.Close()
	}
}

func typedDataPayload(td apitypes.TypedData) map[string]any {
	domain := map[string]any{"verifyingContract": td.Domain.VerifyingContract}
	if td.Domain.ChainId != nil {
		domain["chainId"] = td.Domain.ChainId
	}
	return map[string]any{
		"types":       td.Types,
		"primaryType": td.PrimaryType,
		"domain":      domain,
		"message":     td.Message,
	}
}

func isUserRejection(err error) bool {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "user denied") || strings.Contains(lower, "user rejected")
}

func classifySignerError(err error) error {
	if isUserRejection(err) {
		return xerrors.Wrap(xerrors.CodeUserRejected, err, "用户拒绝签名")
	}
	return xerrors.Wrap(xerrors.CodeSignerFailure, err, "请求钱包签名失败")
}
