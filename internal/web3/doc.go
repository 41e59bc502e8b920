// Package web3 houses blockchain connectivity utilities: YAML chain
// definitions and the capability interfaces (contract calls, transaction
// sending, receipts) the multisig pipeline depends on. Concrete EVM clients
// live in the ethereum subpackage and are indexed by chain ID in provider.
package web3
