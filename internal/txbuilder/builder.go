package txbuilder

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "CoSign-Agent/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Operation 对应多签钱包的调用类型。
type Operation uint8

const (
	// OperationCall 普通调用。
	OperationCall Operation = 0
	// OperationDelegateCall 委托调用，转账意图不会产生。
	OperationDelegateCall Operation = 1
)

// DefaultNativeDecimals 是未配置链原生精度时使用的值。
const DefaultNativeDecimals uint8 = 18

const erc20ABIJSON = `[{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

var erc20ABI = mustParseABI(erc20ABIJSON)

// Intent 描述一次资产转账意图。Token 为零地址时表示原生资产。
type Intent struct {
	ChainID   uint64
	Token     common.Address
	Recipient common.Address
	Amount    string
}

// IsNative 判断意图是否为原生资产转账。
func (i Intent) IsNative() bool {
	return i.Token == (common.Address{})
}

// Payload 是等待多签封装的未签名交易。
type Payload struct {
	ChainID   uint64
	To        common.Address
	Value     *big.Int
	Data      []byte
	Operation Operation
	// Decimals 与 Amount 仅用于展示与审计。
	Decimals uint8
	Amount   *big.Int
}

// TokenMetadata 按地址解析代币精度。
type TokenMetadata interface {
	Decimals(chainID uint64, token common.Address) (uint8, error)
}

// Builder 把转账意图转换为交易负载，不访问网络。
type Builder struct {
	tokens         TokenMetadata
	nativeDecimals func(chainID uint64) uint8
}

// Option 调整 Builder 行为。
type Option func(*Builder)

// WithNativeDecimals 指定各链原生资产的精度来源。
func WithNativeDecimals(fn func(chainID uint64) uint8) Option {
	return func(b *Builder) {
		if fn != nil {
			b.nativeDecimals = fn
		}
	}
}

// New 创建交易构造器。
func New(tokens TokenMetadata, opts ...Option) *Builder {
	b := &Builder{
		tokens:         tokens,
		nativeDecimals: func(uint64) uint8 { return DefaultNativeDecimals },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build 根据意图生成交易负载。
func (b *Builder) Build(intent Intent) (Payload, error) {
	if intent.Recipient == (common.Address{}) {
		return Payload{}, xerrors.New(xerrors.CodeInvalidIntent, "转账意图缺少收款地址")
	}

	if intent.IsNative() {
		decimals := b.nativeDecimals(intent.ChainID)
		amount, err := ParseAmount(intent.Amount, decimals)
		if err != nil {
			return Payload{}, err
		}
		return Payload{
			ChainID:   intent.ChainID,
			To:        intent.Recipient,
			Value:     amount,
			Data:      []byte{},
			Operation: OperationCall,
			Decimals:  decimals,
			Amount:    amount,
		}, nil
	}

	if b.tokens == nil {
		return Payload{}, xerrors.New(xerrors.CodeTokenNotFound,
			fmt.Sprintf("未配置代币注册表，无法解析 %s", intent.Token.Hex()))
	}
	decimals, err := b.tokens.Decimals(intent.ChainID, intent.Token)
	if err != nil {
		return Payload{}, err
	}
	amount, err := ParseAmount(intent.Amount, decimals)
	if err != nil {
		return Payload{}, err
	}
	data, err := EncodeTransfer(intent.Recipient, amount)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		ChainID:   intent.ChainID,
		To:        intent.Token,
		Value:     new(big.Int),
		Data:      data,
		Operation: OperationCall,
		Decimals:  decimals,
		Amount:    amount,
	}, nil
}

// EncodeTransfer 生成 ERC20 transfer(address,uint256) 调用数据。
func EncodeTransfer(recipient common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transfer", recipient, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidIntent, err, "编码 transfer 调用失败")
	}
	return data, nil
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("解析 ABI 失败: %v", err))
	}
	return parsed
}
