package multisig

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/txbuilder"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Envelope 是一次授权尝试中需要双方签名的钱包交易。
type Envelope struct {
	ChainID        uint64
	Wallet         common.Address
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      txbuilder.Operation
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
	Digest         common.Hash
}

var safeTxTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"SafeTx": {
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
		{Name: "operation", Type: "uint8"},
		{Name: "safeTxGas", Type: "uint256"},
		{Name: "baseGas", Type: "uint256"},
		{Name: "gasPrice", Type: "uint256"},
		{Name: "gasToken", Type: "address"},
		{Name: "refundReceiver", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

// NewEnvelope 基于已读取的 nonce 构造信封并计算摘要。
func NewEnvelope(chainID uint64, wallet common.Address, payload txbuilder.Payload, nonce uint64) (Envelope, error) {
	env := Envelope{
		ChainID:   chainID,
		Wallet:    wallet,
		To:        payload.To,
		Value:     bigOrZero(payload.Value),
		Data:      nonNilBytes(payload.Data),
		Operation: payload.Operation,
		SafeTxGas: new(big.Int),
		BaseGas:   new(big.Int),
		GasPrice:  new(big.Int),
		Nonce:     nonce,
	}
	if err := env.seal(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// TypedData 返回签名方需要签署的 EIP-712 结构。
func (e Envelope) TypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types:       safeTxTypes,
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(e.ChainID)),
			VerifyingContract: e.Wallet.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":             e.To.Hex(),
			"value":          bigOrZero(e.Value).String(),
			"data":           hexutil.Encode(nonNilBytes(e.Data)),
			"operation":      fmt.Sprint(uint8(e.Operation)),
			"safeTxGas":      bigOrZero(e.SafeTxGas).String(),
			"baseGas":        bigOrZero(e.BaseGas).String(),
			"gasPrice":       bigOrZero(e.GasPrice).String(),
			"gasToken":       e.GasToken.Hex(),
			"refundReceiver": e.RefundReceiver.Hex(),
			"nonce":          new(big.Int).SetUint64(e.Nonce).String(),
		},
	}
}

func (e *Envelope) seal() error {
	if e.Wallet == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidIntent, "缺少多签钱包地址")
	}
	if e.ChainID == 0 {
		return xerrors.New(xerrors.CodeInvalidIntent, "缺少链 ID")
	}
	digest, _, err := apitypes.TypedDataAndHash(e.TypedData())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidIntent, err, "计算 EIP-712 摘要失败")
	}
	e.Digest = common.BytesToHash(digest)
	return nil
}

// envelopeWire 是信封在动作数据与任务队列中的 JSON 形态。
type envelopeWire struct {
	ChainID        uint64 `json:"chain_id"`
	Wallet         string `json:"safe_address"`
	To             string `json:"to"`
	Value          string `json:"value"`
	Data           string `json:"data"`
	Operation      uint8  `json:"operation"`
	SafeTxGas      string `json:"safe_tx_gas,omitempty"`
	BaseGas        string `json:"base_gas,omitempty"`
	GasPrice       string `json:"gas_price,omitempty"`
	GasToken       string `json:"gas_token,omitempty"`
	RefundReceiver string `json:"refund_receiver,omitempty"`
	Nonce          uint64 `json:"nonce"`
	SafeTxHash     string `json:"safe_tx_hash,omitempty"`
}

// MarshalJSON 以字符串形式输出大整数与地址。
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeWire{
		ChainID:        e.ChainID,
		Wallet:         e.Wallet.Hex(),
		To:             e.To.Hex(),
		Value:          bigOrZero(e.Value).String(),
		Data:           hexutil.Encode(nonNilBytes(e.Data)),
		Operation:      uint8(e.Operation),
		SafeTxGas:      bigOrZero(e.SafeTxGas).String(),
		BaseGas:        bigOrZero(e.BaseGas).String(),
		GasPrice:       bigOrZero(e.GasPrice).String(),
		GasToken:       e.GasToken.Hex(),
		RefundReceiver: e.RefundReceiver.Hex(),
		Nonce:          e.Nonce,
		SafeTxHash:     e.Digest.Hex(),
	})
}

// UnmarshalJSON 解析预先准备好的信封，并重新计算摘要。
// 若数据中携带 safe_tx_hash 且与重算结果不一致则报错。
func (e *Envelope) UnmarshalJSON(raw []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidIntent, err, "解析交易信封失败")
	}
	if !common.IsHexAddress(wire.Wallet) || !common.IsHexAddress(wire.To) {
		return xerrors.New(xerrors.CodeInvalidIntent, "交易信封地址无效")
	}
	data, err := decodeHexBytes(wire.Data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidIntent, err, "交易信封 data 字段无效")
	}
	parsed := Envelope{
		ChainID:        wire.ChainID,
		Wallet:         common.HexToAddress(wire.Wallet),
		To:             common.HexToAddress(wire.To),
		Data:           data,
		Operation:      txbuilder.Operation(wire.Operation),
		GasToken:       addressOrZero(wire.GasToken),
		RefundReceiver: addressOrZero(wire.RefundReceiver),
		Nonce:          wire.Nonce,
	}
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"value", wire.Value, &parsed.Value},
		{"safe_tx_gas", wire.SafeTxGas, &parsed.SafeTxGas},
		{"base_gas", wire.BaseGas, &parsed.BaseGas},
		{"gas_price", wire.GasPrice, &parsed.GasPrice},
	}
	for _, f := range fields {
		v, err := parseBig(f.raw)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidIntent, err, fmt.Sprintf("交易信封 %s 字段无效", f.name))
		}
		*f.dst = v
	}
	if err := parsed.seal(); err != nil {
		return err
	}
	if wire.SafeTxHash != "" && !strings.EqualFold(wire.SafeTxHash, parsed.Digest.Hex()) {
		return xerrors.New(xerrors.CodeInvalidIntent,
			fmt.Sprintf("交易信封摘要不一致: 声明 %s, 计算 %s", wire.SafeTxHash, parsed.Digest.Hex()))
	}
	*e = parsed
	return nil
}

func parseBig(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := math.ParseBig256(raw)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("无法解析整数 %q", raw)
	}
	return v, nil
}

func decodeHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	return hexutil.Decode(raw)
}
