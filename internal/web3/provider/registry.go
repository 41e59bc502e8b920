package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/web3"
	"CoSign-Agent/internal/web3/ethereum"
)

// Registry manages chain clients indexed by chain ID.
type Registry struct {
	defaultChain uint64
	clients      map[uint64]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, chainConfig string, defaultChain uint64) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(chainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[uint64]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		if _, dup := clients[chain.ChainID]; dup {
			closeAll(clients)
			return nil, fmt.Errorf("链 ID %d 重复配置", chain.ChainID)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           name,
			ChainID:        chain.ChainID,
			RPCURL:         chain.RPCURL,
			NativeDecimals: chain.NativeDecimals,
			Notes:          chain.Description,
		})
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[chain.ChainID] = client
	}
	registry, err := New(clients, defaultChain)
	if err != nil {
		closeAll(clients)
		return nil, err
	}
	return registry, nil
}

// New builds a registry from ready clients.
func New(clients map[uint64]web3.Client, defaultChain uint64) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == 0 {
		ids := make([]uint64, 0, len(clients))
		for id := range clients {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		defaultChain = ids[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %d 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultChainID returns the chain used when an intent omits one.
func (r *Registry) DefaultChainID() uint64 {
	if r == nil {
		return 0
	}
	return r.defaultChain
}

// ClientFor returns the client for chainID or an UNSUPPORTED_CHAIN error.
func (r *Registry) ClientFor(chainID uint64) (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	if chainID == 0 {
		chainID = r.defaultChain
	}
	client, ok := r.clients[chainID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnsupportedChain, fmt.Sprintf("链 %d 未配置 RPC 端点", chainID),
			xerrors.WithMetadata("chain_id", fmt.Sprint(chainID)))
	}
	return client, nil
}

// Snapshots collects metadata from every registered chain. Unreachable chains
// carry the failure in Error rather than failing the whole call.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	out := make([]web3.ChainSnapshot, 0, len(r.clients))
	for _, id := range r.Chains() {
		client := r.clients[id]
		snap, err := client.FetchChainSnapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Name: client.Name(), ChainID: fmt.Sprintf("0x%x", id), Error: err.Error()}
		}
		out = append(out, snap)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the registered chain IDs in ascending order.
func (r *Registry) Chains() []uint64 {
	if r == nil {
		return nil
	}
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func closeAll(clients map[uint64]web3.Client) {
	for id, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, id)
	}
}
