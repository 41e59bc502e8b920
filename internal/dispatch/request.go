package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/multisig"
	"CoSign-Agent/internal/txbuilder"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

// signRequest 是 need_user_signature 动作数据解析后的结果。
type signRequest struct {
	Intent      txbuilder.Intent
	Wallet      common.Address
	CoSignature []byte
}

// signData 兼容后端使用的几种字段命名。
type signData struct {
	ChainID        json.RawMessage `json:"chain_id"`
	SafeAddress    string          `json:"safe_address"`
	Wallet         string          `json:"wallet"`
	Token          string          `json:"token"`
	TokenAddress   string          `json:"token_address"`
	Recipient      string          `json:"recipient"`
	To             string          `json:"to"`
	Amount         json.RawMessage `json:"amount"`
	CoSignature    string          `json:"cosignature"`
	AgentSignature string          `json:"agent_signature"`
}

func decodeSignRequest(raw json.RawMessage, defaultChain uint64, defaultWallet common.Address) (signRequest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return signRequest{}, xerrors.New(xerrors.CodeInvalidIntent, "签名动作缺少转账数据")
	}
	var data signData
	if err := json.Unmarshal(raw, &data); err != nil {
		return signRequest{}, xerrors.Wrap(xerrors.CodeInvalidIntent, err, "解析转账数据失败")
	}

	chainID, err := parseChainID(data.ChainID, defaultChain)
	if err != nil {
		return signRequest{}, err
	}
	wallet, err := optionalAddress("safe_address", firstNonEmpty(data.SafeAddress, data.Wallet))
	if err != nil {
		return signRequest{}, err
	}
	if wallet == (common.Address{}) {
		wallet = defaultWallet
	}
	if wallet == (common.Address{}) {
		return signRequest{}, xerrors.New(xerrors.CodeInvalidIntent, "未指定多签钱包地址")
	}

	var token common.Address
	if t := firstNonEmpty(data.Token, data.TokenAddress); t != "" && !strings.EqualFold(t, "native") {
		if token, err = optionalAddress("token", t); err != nil {
			return signRequest{}, err
		}
	}
	recipient, err := optionalAddress("recipient", firstNonEmpty(data.Recipient, data.To))
	if err != nil {
		return signRequest{}, err
	}

	req := signRequest{
		Intent: txbuilder.Intent{
			ChainID:   chainID,
			Token:     token,
			Recipient: recipient,
			Amount:    amountText(data.Amount),
		},
		Wallet: wallet,
	}
	if sig := firstNonEmpty(data.CoSignature, data.AgentSignature); sig != "" {
		decoded, err := hexutil.Decode(sig)
		if err != nil {
			return signRequest{}, xerrors.Wrap(xerrors.CodeInvalidIntent, err, "代理方签名格式无效")
		}
		req.CoSignature = decoded
	}
	return req, nil
}

// confirmRequest 是 confirm 动作数据解析后的结果。
type confirmRequest struct {
	Envelope   multisig.Envelope
	Signatures []multisig.Signature
}

func decodeConfirmRequest(raw json.RawMessage, defaultWallet common.Address) (confirmRequest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return confirmRequest{}, xerrors.New(xerrors.CodeInvalidIntent, "确认动作缺少交易信封")
	}
	var data struct {
		Envelope   json.RawMessage `json:"envelope"`
		Signatures []string        `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return confirmRequest{}, xerrors.Wrap(xerrors.CodeInvalidIntent, err, "解析确认数据失败")
	}
	envRaw := data.Envelope
	if len(envRaw) == 0 || string(envRaw) == "null" {
		envRaw = raw
	}
	var env multisig.Envelope
	if err := json.Unmarshal(envRaw, &env); err != nil {
		if _, ok := xerrors.From(err); ok {
			return confirmRequest{}, err
		}
		return confirmRequest{}, xerrors.Wrap(xerrors.CodeInvalidIntent, err, "解析交易信封失败")
	}
	if defaultWallet != (common.Address{}) && env.Wallet != defaultWallet {
		return confirmRequest{}, xerrors.New(xerrors.CodeInvalidIntent,
			fmt.Sprintf("交易信封指向钱包 %s，与配置的 %s 不一致", env.Wallet.Hex(), defaultWallet.Hex()))
	}
	if len(data.Signatures) == 0 {
		return confirmRequest{}, xerrors.New(xerrors.CodeInvalidIntent, "确认动作缺少签名")
	}

	req := confirmRequest{Envelope: env}
	for i, s := range data.Signatures {
		sig, err := hexutil.Decode(strings.TrimSpace(s))
		if err != nil {
			return confirmRequest{}, xerrors.Wrap(xerrors.CodeInvalidIntent, err, fmt.Sprintf("第 %d 个签名格式无效", i+1))
		}
		recovered, err := multisig.Recover(env.Digest, sig)
		if err != nil {
			return confirmRequest{}, err
		}
		req.Signatures = append(req.Signatures, recovered)
	}
	return req, nil
}

func parseChainID(raw json.RawMessage, fallback uint64) (uint64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		if fallback == 0 {
			return 0, xerrors.New(xerrors.CodeInvalidIntent, "缺少 chain_id")
		}
		return fallback, nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeInvalidIntent, err, "chain_id 格式无效")
		}
		text = strings.TrimSpace(s)
	}
	id, ok := math.ParseUint64(text)
	if !ok || id == 0 {
		return 0, xerrors.New(xerrors.CodeInvalidIntent, fmt.Sprintf("chain_id %q 无效", text))
	}
	return id, nil
}

func optionalAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidIntent, fmt.Sprintf("%s 不是合法地址: %s", field, value),
			xerrors.WithMetadata("field", field))
	}
	return common.HexToAddress(value), nil
}

// amountText 同时接受字符串与 JSON 数字，数字保持原始文本以避免精度损失。
func amountText(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	if text == "null" {
		return ""
	}
	return text
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
