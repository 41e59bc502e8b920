package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Reachable reports whether the snapshot was fetched from a live node.
func (s ChainSnapshot) Reachable() bool { return s.Error == "" }

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TransactionSender is the write surface used by keyed relayers.
type TransactionSender interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ReceiptReader fetches mined receipts.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Resolver looks up the client configured for a chain ID.
type Resolver interface {
	ClientFor(chainID uint64) (Client, error)
}

// Client defines the interface any chain implementation must provide so the
// multisig pipeline can interact with different networks uniformly.
type Client interface {
	ContractCaller
	TransactionSender
	ReceiptReader
	ChainID() uint64
	Name() string
	NativeDecimals() uint8
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
