// chain/mock.go
package chain

import (
	"context"
	"fmt"
	"sync"
)

// MockGateway is a scriptable in-memory Gateway for tests. Each scripted
// step is consumed in order by the next Deploy/Call; WaitForReceipt answers
// from the recorded receipts.
type MockGateway struct {
	mu       sync.Mutex
	seq      int
	steps    []mockStep
	receipts map[string]*Receipt

	// DeployCalls / CallCalls / WaitCalls record everything submitted, for
	// assertions.
	DeployCalls []MockDeploy
	CallCalls   []MockCall
	WaitCalls   []string

	// OnStep, when set, runs while a Deploy/Call is in flight, before its
	// scripted result is returned. Lets tests interleave store writes with
	// chain round trips. Must not call back into the gateway.
	OnStep func()
}

type MockDeploy struct {
	Key   string
	Token string
	BuyIn string
}

type MockCall struct {
	Key             string
	ContractAddress string
	Function        string
	Args            any
}

type mockStep struct {
	receipt *Receipt
	err     error
}

func NewMockGateway() *MockGateway {
	return &MockGateway{receipts: make(map[string]*Receipt)}
}

// ScriptSuccess queues a confirmed receipt. A generated address is attached
// so deployments get a contract address for free.
func (m *MockGateway) ScriptSuccess() *Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r := &Receipt{
		TxHash:          fmt.Sprintf("0xtx%04d", m.seq),
		ContractAddress: fmt.Sprintf("0xescrow%04d", m.seq),
		Status:          ReceiptStatusSuccess,
	}
	m.steps = append(m.steps, mockStep{receipt: r})
	m.receipts[r.TxHash] = r
	return r
}

// ScriptError queues a failure for the next submission.
func (m *MockGateway) ScriptError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{err: err})
}

// ScriptTimeoutThenConfirm queues a timeout whose transaction nevertheless
// confirms, reachable later via WaitForReceipt. Models the asymmetric case
// where the wait gives up but the payout lands anyway.
func (m *MockGateway) ScriptTimeoutThenConfirm() *Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r := &Receipt{
		TxHash: fmt.Sprintf("0xtx%04d", m.seq),
		Status: ReceiptStatusSuccess,
	}
	m.steps = append(m.steps, mockStep{
		receipt: &Receipt{TxHash: r.TxHash, Status: ReceiptStatusPending},
		err:     fmt.Errorf("%w: tx %s still pending", ErrTimeout, r.TxHash),
	})
	m.receipts[r.TxHash] = r
	return r
}

// RevertReceipt flips a recorded transaction to reverted, so a later
// WaitForReceipt sees the bad outcome.
func (m *MockGateway) RevertReceipt(txHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[txHash]; ok {
		r.Status = ReceiptStatusReverted
	}
}

func (m *MockGateway) next() (*Receipt, error) {
	if len(m.steps) == 0 {
		return nil, fmt.Errorf("%w: mock gateway has no scripted step", ErrNetwork)
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	return step.receipt, step.err
}

func (m *MockGateway) Deploy(_ context.Context, idemKey, token, buyIn string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeployCalls = append(m.DeployCalls, MockDeploy{Key: idemKey, Token: token, BuyIn: buyIn})
	if m.OnStep != nil {
		m.OnStep()
	}
	return m.next()
}

func (m *MockGateway) Call(_ context.Context, idemKey, contractAddress, function string, args any) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCalls = append(m.CallCalls, MockCall{
		Key:             idemKey,
		ContractAddress: contractAddress,
		Function:        function,
		Args:            args,
	})
	if m.OnStep != nil {
		m.OnStep()
	}
	return m.next()
}

func (m *MockGateway) WaitForReceipt(_ context.Context, txHash string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WaitCalls = append(m.WaitCalls, txHash)
	r, ok := m.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tx %s", ErrNetwork, txHash)
	}
	if r.Status == ReceiptStatusReverted {
		return r, revertErr(r.TxHash)
	}
	return r, nil
}
