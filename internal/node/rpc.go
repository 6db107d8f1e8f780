package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcClient is a minimal JSON-RPC client shared by both dialects.
type rpcClient struct {
	url       string
	version   string // "1.0" or "2.0"
	user      string // basic auth; empty when the transport authenticates
	pass      string
	http      *http.Client
	idCounter uint64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

const maxResponseSize = 32 << 20

// call invokes method and decodes the result into out (when non-nil).
// Transport failures wrap domain.ErrNodeUnreachable; payloads that do not
// decode wrap domain.ErrMalformedResponse; error objects are *RPCError.
func (c *rpcClient) call(ctx context.Context, method string, params, out any) error {
	id := atomic.AddUint64(&c.idCounter, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: c.version, ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w: %v", method, domain.ErrNodeUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", method, domain.ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: %w: %v", method, domain.ErrNodeUnreachable, err)
	}

	// bitcoind reports RPC errors with HTTP 500 and a JSON body, so the
	// envelope is checked before the status code.
	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: %w: http %d", method, domain.ErrNodeUnreachable, resp.StatusCode)
		}
		return fmt.Errorf("%s: %w: %v", method, domain.ErrMalformedResponse, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: %w", method, envelope.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w: http %d", method, domain.ErrNodeUnreachable, resp.StatusCode)
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		if out == nil {
			return nil
		}
		return fmt.Errorf("%s: %w: missing result", method, domain.ErrMalformedResponse)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%s: %w: %v", method, domain.ErrMalformedResponse, err)
	}
	return nil
}
