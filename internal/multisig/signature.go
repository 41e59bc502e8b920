package multisig

import (
	"bytes"
	"fmt"
	"sort"

	xerrors "CoSign-Agent/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature 是一份已恢复出签名者的 65 字节 ECDSA 签名。
type Signature struct {
	Signer common.Address
	Bytes  []byte
}

// Recover 校验签名并恢复签名者地址。
// v 为 0/1 时规范化为 27/28；v 大于 30 表示 eth_sign 签名，按带前缀的消息哈希恢复。
func Recover(digest common.Hash, sig []byte) (Signature, error) {
	if len(sig) != crypto.SignatureLength {
		return Signature{}, xerrors.New(xerrors.CodeSignerFailure, fmt.Sprintf("签名长度应为 65 字节，实际 %d", len(sig)))
	}
	normalized := append([]byte(nil), sig...)
	v := normalized[64]
	if v < 27 {
		v += 27
		normalized[64] = v
	}

	hash := digest.Bytes()
	var recoveryID byte
	switch {
	case v == 27 || v == 28:
		recoveryID = v - 27
	case v == 31 || v == 32:
		hash = accounts.TextHash(digest.Bytes())
		recoveryID = v - 31
	default:
		return Signature{}, xerrors.New(xerrors.CodeSignerFailure, fmt.Sprintf("不支持的签名 v 值 %d", v))
	}

	raw := append(append([]byte(nil), normalized[:64]...), recoveryID)
	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return Signature{}, xerrors.Wrap(xerrors.CodeSignerFailure, err, "无法从签名恢复公钥")
	}
	return Signature{Signer: crypto.PubkeyToAddress(*pub), Bytes: normalized}, nil
}

// Combine 按签名者地址升序拼接签名，重复签名者视为错误。
func Combine(sigs ...Signature) ([]byte, error) {
	ordered := append([]Signature(nil), sigs...)
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i].Signer.Bytes(), ordered[j].Signer.Bytes()) < 0
	})
	out := make([]byte, 0, len(ordered)*crypto.SignatureLength)
	for i, sig := range ordered {
		if len(sig.Bytes) != crypto.SignatureLength {
			return nil, xerrors.New(xerrors.CodeSignerFailure, fmt.Sprintf("签名者 %s 的签名长度无效", sig.Signer.Hex()))
		}
		if i > 0 && ordered[i-1].Signer == sig.Signer {
			return nil, xerrors.New(xerrors.CodeSignerFailure, fmt.Sprintf("签名者 %s 重复签名", sig.Signer.Hex()))
		}
		out = append(out, sig.Bytes...)
	}
	return out, nil
}
