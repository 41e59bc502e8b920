package multisig

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const safeABIJSON = `[
 {"type":"function","name":"nonce","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getThreshold","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"execTransaction","stateMutability":"payable","inputs":[
  {"name":"to","type":"address"},
  {"name":"value","type":"uint256"},
  {"name":"data","type":"bytes"},
  {"name":"operation","type":"uint8"},
  {"name":"safeTxGas","type":"uint256"},
  {"name":"baseGas","type":"uint256"},
  {"name":"gasPrice","type":"uint256"},
  {"name":"gasToken","type":"address"},
  {"name":"refundReceiver","type":"address"},
  {"name":"signatures","type":"bytes"}],
  "outputs":[{"name":"success","type":"bool"}]}
]`

var safeABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(safeABIJSON))
	if err != nil {
		panic(fmt.Sprintf("解析 Safe ABI 失败: %v", err))
	}
	return parsed
}()

// EncodeExecTransaction 生成钱包合约 execTransaction 的调用数据。
func EncodeExecTransaction(env Envelope, signatures []byte) ([]byte, error) {
	return safeABI.Pack("execTransaction",
		env.To,
		bigOrZero(env.Value),
		nonNilBytes(env.Data),
		uint8(env.Operation),
		bigOrZero(env.SafeTxGas),
		bigOrZero(env.BaseGas),
		bigOrZero(env.GasPrice),
		env.GasToken,
		env.RefundReceiver,
		nonNilBytes(signatures),
	)
}

func decodeUint256(method string, output []byte) (*big.Int, error) {
	values, err := safeABI.Unpack(method, output)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s 返回值数量异常: %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, values[0])
	}
	return value, nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func addressOrZero(s string) common.Address {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s)
	}
	return common.Address{}
}
