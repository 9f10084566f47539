// chain/signer_client.go
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"
)

// SignerClient implements Gateway against the chain signer sidecar — the
// service that holds the hot key, the escrow ABI and bytecode. The
// coordinator ships constructor/call arguments; the sidecar encodes, signs,
// submits and tracks the transaction.
type SignerClient struct {
	BaseURL string
	Token   string
	Client  *http.Client

	// ConfirmTimeout bounds a single deploy/call round trip including the
	// sidecar's receipt wait.
	ConfirmTimeout time.Duration
}

func NewSignerClient(baseURL, token string, confirmTimeout time.Duration) *SignerClient {
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}
	return &SignerClient{
		BaseURL:        baseURL,
		Token:          token,
		ConfirmTimeout: confirmTimeout,
		Client: &http.Client{
			Timeout: confirmTimeout + 10*time.Second,
		},
	}
}

type deployRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Contract       string `json:"contract"`
	Token          string `json:"token"`
	BuyIn          string `json:"buy_in"`
}

type callRequest struct {
	IdempotencyKey  string `json:"idempotency_key"`
	ContractAddress string `json:"contract_address"`
	Function        string `json:"function"`
	Args            any    `json:"args"`
}

func (c *SignerClient) Deploy(ctx context.Context, idemKey, token, buyIn string) (*Receipt, error) {
	return c.post(ctx, "/v1/deploy", deployRequest{
		IdempotencyKey: idemKey,
		Contract:       "escrow",
		Token:          token,
		BuyIn:          buyIn,
	})
}

func (c *SignerClient) Call(ctx context.Context, idemKey, contractAddress, function string, args any) (*Receipt, error) {
	return c.post(ctx, "/v1/call", callRequest{
		IdempotencyKey:  idemKey,
		ContractAddress: contractAddress,
		Function:        function,
		Args:            args,
	})
}

func (c *SignerClient) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ConfirmTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/receipts/%s", c.BaseURL, txHash), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	return c.do(req)
}

func (c *SignerClient) post(ctx context.Context, path string, body any) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ConfirmTimeout)
	defer cancel()

	jsonData, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	return c.do(req)
}

func (c *SignerClient) do(req *http.Request) (*Receipt, error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		// A deadline here means the confirmation window elapsed and the
		// transaction may still land — never classify it as retriable.
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusGatewayTimeout:
		// The signer may have submitted before giving up; keep the hash
		// when its timeout payload carries one so the reconciler can poll
		// the receipt instead of resubmitting.
		var receipt Receipt
		if json.Unmarshal(respBody, &receipt) == nil && receipt.TxHash != "" {
			return &receipt, fmt.Errorf("%w: tx %s still unconfirmed at signer", ErrTimeout, receipt.TxHash)
		}
		return nil, fmt.Errorf("%w: signer reported confirmation timeout", ErrTimeout)
	case resp.StatusCode >= 500:
		log.Printf("ChainSigner %s returned %d: %s", req.URL.Path, resp.StatusCode, string(respBody))
		return nil, fmt.Errorf("%w: signer returned %d", ErrNetwork, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: signer rejected request: %d %s", ErrReverted, resp.StatusCode, string(respBody))
	}

	var receipt Receipt
	if err := json.Unmarshal(respBody, &receipt); err != nil {
		return nil, fmt.Errorf("%w: bad receipt payload: %v", ErrNetwork, err)
	}

	switch receipt.Status {
	case ReceiptStatusSuccess:
		return &receipt, nil
	case ReceiptStatusReverted:
		return &receipt, revertErr(receipt.TxHash)
	case ReceiptStatusPending:
		return &receipt, fmt.Errorf("%w: tx %s still pending", ErrTimeout, receipt.TxHash)
	default:
		return nil, fmt.Errorf("%w: unknown receipt status %q", ErrNetwork, receipt.Status)
	}
}
