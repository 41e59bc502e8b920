package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"CoSign-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	ChainID        uint64
	RPCURL         string
	NativeDecimals uint8
	Notes          string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	chainID        uint64
	nativeDecimals uint8

	mu        sync.RWMutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("未配置链 ID")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	decimals := cfg.NativeDecimals
	if decimals == 0 {
		decimals = web3.DefaultNativeDecimals
	}

	return &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		chainID:        cfg.ChainID,
		nativeDecimals: decimals,
		rpcClient:      rpcClient,
		eth:            ethclient.NewClient(rpcClient),
	}, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// ChainID returns the configured chain ID.
func (c *Client) ChainID() uint64 { return c.chainID }

// NativeDecimals returns the precision of the chain's native asset.
func (c *Client) NativeDecimals() uint8 { return c.nativeDecimals }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func (c *Client) backend() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.eth == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.eth, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	eth, err := c.backend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if chainID.Uint64() != c.chainID {
		return web3.ChainSnapshot{}, fmt.Errorf("节点链 ID %s 与配置 %d 不一致", chainID, c.chainID)
	}
	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// CallContract executes a read-only call against the latest state.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.CallContract(ctx, msg, blockNumber)
}

// PendingNonceAt returns the account nonce including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	return eth.PendingNonceAt(ctx, account)
}

// SuggestGasTipCap returns the node's priority fee suggestion.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.SuggestGasTipCap(ctx)
}

// HeaderByNumber returns a block header; nil selects the latest block.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.HeaderByNumber(ctx, number)
}

// EstimateGas simulates the call and returns the gas it needs.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	return eth.EstimateGas(ctx, msg)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	eth, err := c.backend()
	if err != nil {
		return err
	}
	return eth.SendTransaction(ctx, tx)
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.TransactionReceipt(ctx, hash)
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
