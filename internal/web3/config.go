package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultNativeDecimals is used when a chain definition omits native_decimals.
const DefaultNativeDecimals = 18

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type           string `yaml:"type"`
	ChainID        uint64 `yaml:"chain_id"`
	RPCURL         string `yaml:"rpc_url"`
	NativeSymbol   string `yaml:"native_symbol"`
	NativeDecimals uint8  `yaml:"native_decimals"`
	Description    string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata from raw YAML.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if def.ChainID == 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 chain_id", name)
		}
		if def.NativeDecimals == 0 {
			def.NativeDecimals = DefaultNativeDecimals
		}
		if def.NativeSymbol == "" {
			def.NativeSymbol = "ETH"
		}
		defs.Chains[name] = def
	}
	return defs, nil
}
