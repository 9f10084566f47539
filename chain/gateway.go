// chain/gateway.go
package chain

import (
	"context"
	"errors"
	"fmt"
)

// Receipt is the confirmed outcome of a submitted chain operation.
type Receipt struct {
	TxHash          string `json:"tx_hash"`
	ContractAddress string `json:"contract_address,omitempty"`
	Status          string `json:"status"` // "success" | "reverted" | "pending"
}

const (
	ReceiptStatusSuccess  = "success"
	ReceiptStatusReverted = "reverted"
	ReceiptStatusPending  = "pending"
)

// Gateway is the opaque chain capability: submit a call, wait for its
// confirmation, read a receipt back. Implementations hide every
// chain-family-specific detail (ABI, encoding, signing); the coordinator
// only ever sees opaque addresses and hashes.
//
// The three failure modes callers must be able to tell apart are modeled as
// sentinels: ErrTimeout (confirmation window elapsed, outcome unknown),
// ErrReverted (terminal on-chain rejection) and ErrNetwork (transient
// transport failure, retriable).
// Every submission carries the caller's idempotency key: the signer dedupes
// resubmissions under the same key, so a call whose outcome was lost (crash,
// severed connection) can be replayed without risking a second on-chain
// effect.
type Gateway interface {
	// Deploy submits an escrow contract deployment with constructor
	// arguments (token, buyIn) and blocks until a confirmed receipt carrying
	// the new contract address is available.
	Deploy(ctx context.Context, idemKey, token, buyIn string) (*Receipt, error)

	// Call submits a state-changing function call against a deployed
	// contract and blocks until confirmation.
	Call(ctx context.Context, idemKey, contractAddress, function string, args any) (*Receipt, error)

	// WaitForReceipt re-polls a previously submitted transaction. Used by
	// the reconciler to resolve attempts whose first wait timed out.
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

var (
	ErrTimeout  = errors.New("chain: confirmation timed out")
	ErrReverted = errors.New("chain: transaction reverted")
	ErrNetwork  = errors.New("chain: network error")
)

// Retriable reports whether an error from a Gateway call may be retried
// without risking a duplicate on-chain effect. Only transport failures
// before submission qualify; a timeout means the transaction may still land.
func Retriable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func revertErr(txHash string) error {
	return fmt.Errorf("%w (tx %s)", ErrReverted, txHash)
}
