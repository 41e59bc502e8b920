package token

import (
	"fmt"
	"os"
	"sort"
	"strings"

	xerrors "CoSign-Agent/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// maxDecimals 是 uint256 可以容纳的最大精度。
const maxDecimals = 77

// Token 描述一个可转账代币的元数据。
type Token struct {
	ChainID  uint64 `yaml:"chain_id" json:"chain_id"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Address  string `yaml:"address" json:"address"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
}

type tokenKey struct {
	chainID uint64
	address common.Address
}

// Registry 按 (链 ID, 合约地址) 解析代币精度。
type Registry struct {
	tokens map[tokenKey]Token
}

type registryFile struct {
	Tokens []Token `yaml:"tokens"`
}

// Load 从 YAML 文件加载代币注册表，路径为空时返回空注册表。
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return NewRegistry()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取代币配置失败: %w", err)
	}
	return Parse(content)
}

// Parse 解析 YAML 格式的代币列表。
func Parse(content []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析代币配置失败: %w", err)
	}
	return NewRegistry(file.Tokens...)
}

// NewRegistry 使用给定代币构造注册表。
func NewRegistry(tokens ...Token) (*Registry, error) {
	r := &Registry{tokens: make(map[tokenKey]Token, len(tokens))}
	for _, t := range tokens {
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("代币 %s 的地址无效: %q", t.Symbol, t.Address)
		}
		if t.ChainID == 0 {
			return nil, fmt.Errorf("代币 %s 缺少 chain_id", t.Symbol)
		}
		if t.Decimals > maxDecimals {
			return nil, fmt.Errorf("代币 %s 的精度 %d 超出范围", t.Symbol, t.Decimals)
		}
		addr := common.HexToAddress(t.Address)
		t.Address = addr.Hex()
		key := tokenKey{chainID: t.ChainID, address: addr}
		if _, dup := r.tokens[key]; dup {
			return nil, fmt.Errorf("代币 %s 在链 %d 上重复配置", t.Address, t.ChainID)
		}
		r.tokens[key] = t
	}
	return r, nil
}

// Lookup 按地址匹配代币，未找到时返回 TOKEN_NOT_FOUND。
func (r *Registry) Lookup(chainID uint64, address common.Address) (Token, error) {
	if r != nil {
		if t, ok := r.tokens[tokenKey{chainID: chainID, address: address}]; ok {
			return t, nil
		}
	}
	return Token{}, xerrors.New(xerrors.CodeTokenNotFound,
		fmt.Sprintf("代币 %s 未在链 %d 的注册表中", address.Hex(), chainID),
		xerrors.WithMetadata("token", address.Hex()))
}

// Decimals 返回代币的转账精度。
func (r *Registry) Decimals(chainID uint64, address common.Address) (uint8, error) {
	t, err := r.Lookup(chainID, address)
	if err != nil {
		return 0, err
	}
	return t.Decimals, nil
}

// List 返回注册表中的全部代币，按链 ID 与符号排序。
func (r *Registry) List() []Token {
	if r == nil {
		return nil
	}
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID == out[j].ChainID {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ChainID < out[j].ChainID
	})
	return out
}
