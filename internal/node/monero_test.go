package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

var xmrAddr = domain.DepositAddress{Coin: "XMR", Address: "8Sub", AccountIndex: 0, SubaddrIndex: 3}

func xmrTx(txid string, atomic int64, confirmations, height int64) map[string]any {
	return map[string]any{
		"txid":          txid,
		"address":       "8Sub",
		"amount":        atomic,
		"confirmations": confirmations,
		"height":        height,
		"subaddr_index": map[string]any{"major": 0, "minor": 3},
	}
}

func TestMonero_ListIncoming(t *testing.T) {
	f := newFakeNode(t, func(c rpcCall) any {
		return map[string]any{
			"in": []any{
				xmrTx("a", 1500000000000, 12, 100),
				xmrTx("c", 250000000000, 3, 103),
				xmrTx("b", 1000000000000, 1, 105),
				map[string]any{"txid": "d", "amount": "1.5", "confirmations": 9, "height": 90},
			},
			"pool": []any{xmrTx("p", 1, 0, 0)},
		}
	})
	cfg := configFor(t, f.srv, "XMR", TypeMonero)
	cfg.User = ""
	m := NewMonero(cfg)

	page, err := m.ListIncoming(context.Background(), xmrAddr, domain.Cursor{Height: 95})
	require.NoError(t, err)

	call := f.lastCall(t)
	assert.Equal(t, "/json_rpc", call.Path)
	assert.Equal(t, "2.0", call.JSONRPC)
	assert.Equal(t, "get_transfers", call.Method)
	assert.JSONEq(t, `{"in":true,"pool":true,"account_index":0,"subaddr_indices":[3],"filter_by_height":true,"min_height":95}`, string(call.Params))

	require.Len(t, page.Transfers, 4)
	assert.True(t, page.Transfers[0].Amount.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, page.Transfers[3].Amount.Equal(decimal.RequireFromString("0.000000000001")))
	assert.Equal(t, 1, page.Malformed)
	assert.EqualValues(t, 103, page.Next.Height)
}

func TestMonero_CursorCapping(t *testing.T) {
	tests := []struct {
		name   string
		in     []any
		cursor int64
		want   int64
	}{
		{"confirmed only", []any{xmrTx("a", 1, 10, 200)}, 0, 200},
		{"capped below unconfirmed", []any{xmrTx("a", 1, 10, 210), xmrTx("b", 1, 1, 205)}, 0, 204},
		{"never below cursor", []any{xmrTx("b", 1, 1, 150)}, 180, 180},
		{"nothing new", []any{}, 77, 77},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeNode(t, func(rpcCall) any { return map[string]any{"in": tt.in} })
			cfg := configFor(t, f.srv, "XMR", TypeMonero)
			cfg.User = ""
			page, err := NewMonero(cfg).ListIncoming(context.Background(), xmrAddr, domain.Cursor{Height: tt.cursor})
			require.NoError(t, err)
			assert.Equal(t, tt.want, page.Next.Height)
		})
	}
}

func TestMonero_DigestAuth(t *testing.T) {
	var authorized int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Digest ") {
			w.Header().Set("WWW-Authenticate", `Digest realm="monero-rpc", qop="auth", algorithm=MD5, nonce="abc123", stale=false`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Contains(t, auth, `username="rpcuser"`)
		authorized++
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": map[string]any{"address": "8New", "address_index": 7}})
	}))
	t.Cleanup(srv.Close)

	a, err := NewMonero(configFor(t, srv, "XMR", TypeMonero)).NewAddress(context.Background(), "user_9")
	require.NoError(t, err)
	assert.Equal(t, 1, authorized)
	assert.Equal(t, domain.DepositAddress{Coin: "XMR", Address: "8New", SubaddrIndex: 7, Label: "user_9"}, a)
}

func TestMonero_Confirmations(t *testing.T) {
	f := newFakeNode(t, func(c rpcCall) any {
		return map[string]any{"transfer": map[string]any{"confirmations": 4, "txid": "a"}}
	})
	cfg := configFor(t, f.srv, "XMR", TypeMonero)
	cfg.User = ""
	n, err := NewMonero(cfg).Confirmations(context.Background(), "a")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.JSONEq(t, `{"txid":"a"}`, string(f.lastCall(t).Params))
}

func TestMonero_Send(t *testing.T) {
	f := newFakeNode(t, func(c rpcCall) any { return map[string]any{"tx_hash": "h1", "fee": 100} })
	cfg := configFor(t, f.srv, "XMR", TypeMonero)
	cfg.User = ""
	m := NewMonero(cfg)

	txid, err := m.Send(context.Background(), "4Dest", decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "h1", txid)
	assert.JSONEq(t,
		`{"destinations":[{"amount":500000000000,"address":"4Dest"}],"account_index":0,"priority":2}`,
		string(f.lastCall(t).Params))

	_, err = m.Send(context.Background(), "4Dest", decimal.RequireFromString("0.0000000000001"))
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestMonero_RPCError(t *testing.T) {
	// wallet-rpc answers errors with HTTP 200.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-2,"message":"not enough money"}}`))
	}))
	t.Cleanup(srv.Close)
	cfg := configFor(t, srv, "XMR", TypeMonero)
	cfg.User = ""

	_, err := NewMonero(cfg).Send(context.Background(), "4Dest", decimal.RequireFromString("1"))
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -2, rpcErr.Code)
}
