// Package chain provides the read-only balance checks the entitlement
// resolver needs: fungible token balances and collectible counts, queried
// from a chain RPC node.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// BalanceSource is the contract the entitlement resolver consumes. No write
// access is ever needed.
type BalanceSource interface {
	FungibleBalance(ctx context.Context, address, contract string) (int64, error)
	CollectibleCount(ctx context.Context, address, contract string) (int64, error)
}

// Client provides JSON-RPC access to a chain node.
type Client struct {
	mu         sync.RWMutex
	rpcURL     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	RPCURL  string        `yaml:"rpc_url"`
	Timeout time.Duration `yaml:"timeout"`
}

var _ BalanceSource = (*Client)(nil)

// NewClient creates a new chain RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call makes an RPC call to the chain node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.mu.RLock()
	url := c.rpcURL
	c.mu.RUnlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// FungibleBalance returns the token balance the address holds on the given
// contract, in the token's integer representation.
func (c *Client) FungibleBalance(ctx context.Context, address, contract string) (int64, error) {
	return c.invokeBalanceOf(ctx, address, contract)
}

// CollectibleCount returns how many collectibles of the given collection the
// address holds. NEP-11 exposes this through the same balanceOf method.
func (c *Client) CollectibleCount(ctx context.Context, address, contract string) (int64, error) {
	return c.invokeBalanceOf(ctx, address, contract)
}

func (c *Client) invokeBalanceOf(ctx context.Context, address, contract string) (int64, error) {
	result, err := c.Call(ctx, "invokefunction", []interface{}{
		contract,
		"balanceOf",
		[]interface{}{
			map[string]interface{}{"type": "Hash160", "value": address},
		},
	})
	if err != nil {
		return 0, err
	}

	parsed := gjson.ParseBytes(result)
	if state := parsed.Get("state").String(); state != "HALT" {
		return 0, fmt.Errorf("balanceOf on %s faulted: %s", contract, parsed.Get("exception").String())
	}

	stackValue := parsed.Get("stack.0.value")
	if !stackValue.Exists() {
		return 0, fmt.Errorf("balanceOf on %s returned empty stack", contract)
	}

	// Integer stack items arrive as decimal strings.
	balance, err := strconv.ParseInt(stackValue.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balanceOf result %q: %w", stackValue.String(), err)
	}
	return balance, nil
}

// SetRPCURL switches the node endpoint, e.g. after a failover.
func (c *Client) SetRPCURL(url string) {
	c.mu.Lock()
	c.rpcURL = url
	c.mu.Unlock()
}
