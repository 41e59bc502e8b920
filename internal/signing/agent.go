package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	xerrors "CoSign-Agent/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Request 描述一次用户签名请求。
type Request struct {
	Address   common.Address
	TypedData apitypes.TypedData
	Digest    common.Hash
}

// Agent 表示持有用户私钥的签名环境，例如硬件钱包或浏览器插件。
// 调用可能长时间阻塞，直到用户在设备上确认。
type Agent interface {
	Account() common.Address
	SignTypedData(ctx context.Context, req Request) ([]byte, error)
}

// KeySigner 使用本地私钥签名，仅用于开发与测试网环境。
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner 从十六进制私钥创建签名器。
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Account 返回签名地址。
func (k *KeySigner) Account() common.Address { return k.address }

// SignTypedData 对 EIP-712 摘要签名，返回 v 为 27/28 的签名。
func (k *KeySigner) SignTypedData(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := digestOf(req)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), k.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerFailure, err, "本地签名失败")
	}
	sig[64] += 27
	return sig, nil
}

func digestOf(req Request) (common.Hash, error) {
	if req.Digest != (common.Hash{}) {
		return req.Digest, nil
	}
	hash, _, err := apitypes.TypedDataAndHash(req.TypedData)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSignerFailure, err, "计算签名摘要失败")
	}
	return common.BytesToHash(hash), nil
}
