package txbuilder

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "CoSign-Agent/internal/errors"
)

// uint256Max 用于拒绝无法编码进 ABI uint256 的金额。
var uint256Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseAmount 将十进制字符串精确转换为最小单位整数。
// 仅接受形如 "10"、"0.25" 的正数；小数位超过 decimals 时报错而非截断。
func ParseAmount(raw string, decimals uint8) (*big.Int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, invalidAmount(raw, "金额为空")
	}

	whole, frac, hasDot := strings.Cut(value, ".")
	if hasDot && frac == "" {
		return nil, invalidAmount(raw, "小数点后缺少数字")
	}
	if whole == "" {
		whole = "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, invalidAmount(raw, "金额只能包含数字和一个小数点")
	}

	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, invalidAmount(raw, fmt.Sprintf("小数位超过代币精度 %d", decimals))
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))

	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, invalidAmount(raw, "无法解析金额")
	}
	if amount.Sign() <= 0 {
		return nil, invalidAmount(raw, "金额必须大于零")
	}
	if amount.Cmp(uint256Max) > 0 {
		return nil, invalidAmount(raw, "金额超出 uint256 范围")
	}
	return amount, nil
}

// FormatAmount 将最小单位整数格式化为十进制字符串，去掉末尾多余的零。
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if pad := int(decimals) + 1 - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	split := len(digits) - int(decimals)
	out := digits[:split]
	if frac := strings.TrimRight(digits[split:], "0"); frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func invalidAmount(raw, reason string) error {
	return xerrors.New(xerrors.CodeInvalidAmount, fmt.Sprintf("金额 %q 无效: %s", raw, reason),
		xerrors.WithMetadata("amount", raw))
}
