package reconciler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/events"
	"github.com/efreitasn/cryptoexchange/internal/metrics"
	"github.com/efreitasn/cryptoexchange/internal/node"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

// fakeAdapter serves scripted pages. block, when set, is received from
// before ListIncoming returns.
type fakeAdapter struct {
	coin string

	mu      sync.Mutex
	pages   []node.Page
	err     error
	confs   map[string]int64
	cursors []domain.Cursor
	calls   int
	block   chan struct{}
}

func (f *fakeAdapter) Coin() string     { return f.coin }
func (f *fakeAdapter) Type() node.Type  { return node.TypeBTC }
func (f *fakeAdapter) Threshold() int64 { return domain.MinConfirmations }

func (f *fakeAdapter) ListIncoming(ctx context.Context, _ domain.DepositAddress, cursor domain.Cursor) (node.Page, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return node.Page{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return node.Page{}, f.err
	}
	if len(f.pages) == 0 {
		return node.Page{Next: cursor}, nil
	}
	p := f.pages[0]
	if len(f.pages) > 1 {
		f.pages = f.pages[1:]
	}
	return p, nil
}

func (f *fakeAdapter) Confirmations(_ context.Context, txid string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.confs[txid]
	if !ok {
		return 0, fmt.Errorf("gettransaction: %w", domain.ErrMalformedResponse)
	}
	return n, nil
}

func (f *fakeAdapter) NewAddress(context.Context, string) (domain.DepositAddress, error) {
	return domain.DepositAddress{}, nil
}

func (f *fakeAdapter) Send(context.Context, string, decimal.Decimal) (string, error) {
	return "", nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func transfer(txid, amount string, confirmations, height int64) node.Transfer {
	return node.Transfer{TxID: txid, Address: "DAddr", Amount: d(amount), Confirmations: confirmations, Height: height}
}

var testAddr = domain.DepositAddress{Coin: "DGB", Address: "DAddr", User: "alice"}

type harness struct {
	rec     *Reconciler
	store   *store.Memory
	adapter *fakeAdapter
	feed    *events.Feed
	metrics *metrics.Metrics
	logs    *bytes.Buffer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateAddress(context.Background(), testAddr))

	adapter := &fakeAdapter{coin: "DGB", confs: map[string]int64{}}
	reg, err := node.NewRegistry(nil)
	require.NoError(t, err)
	reg.Add(adapter)

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	feed := events.NewFeed(100)
	m := metrics.New(nil)
	return &harness{
		rec:     New(cfg, st, reg, events.NewMulti(slog.New(slog.NewTextHandler(io.Discard, nil)), feed), m, logger),
		store:   st,
		adapter: adapter,
		feed:    feed,
		metrics: m,
		logs:    logs,
	}
}

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := h.store.Balance(context.Background(), "alice", "DGB")
	require.NoError(t, err)
	return b.Available
}

func (h *harness) cursor(t *testing.T) domain.Cursor {
	t.Helper()
	c, err := h.store.Cursor(context.Background(), "DGB", "DAddr")
	require.NoError(t, err)
	return c
}

func TestSyncAddress_CreditsOnceAtThreshold(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.adapter.pages = []node.Page{
		{Transfers: []node.Transfer{transfer("tx1", "1.5", 1, 0)}, Next: domain.Cursor{BlockHash: "b1"}},
		{Transfers: []node.Transfer{transfer("tx1", "1.5", 2, 100)}, Next: domain.Cursor{Height: 100, BlockHash: "b2"}},
	}

	credited, err := h.rec.SyncAddress(ctx, testAddr)
	require.NoError(t, err)
	assert.Empty(t, credited)
	assert.True(t, h.balance(t).IsZero(), "one confirmation is not enough")

	deps, err := h.store.Deposits(ctx, "DGB", "DAddr")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.False(t, deps[0].Credited)

	credited, err = h.rec.SyncAddress(ctx, testAddr)
	require.NoError(t, err)
	require.Len(t, credited, 1)
	assert.True(t, h.balance(t).Equal(d("1.5")))
	assert.EqualValues(t, 100, h.cursor(t).Height)
	assert.Equal(t, "b2", h.cursor(t).BlockHash)

	// The node keeps listing the same transfer; nothing is credited again.
	credited, err = h.rec.SyncAddress(ctx, testAddr)
	require.NoError(t, err)
	assert.Empty(t, credited)
	assert.True(t, h.balance(t).Equal(d("1.5")))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DepositsCredited.WithLabelValues("DGB")))
	assert.Equal(t, 1.5, testutil.ToFloat64(h.metrics.DepositAmount.WithLabelValues("DGB")))
	assert.Equal(t, 100.0, testutil.ToFloat64(h.metrics.CursorHeight.WithLabelValues("DGB")))

	evs := h.feed.Since(0, 0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeDepositCredited, evs[0].Type)
}

func TestSyncAddress_LogLine(t *testing.T) {
	h := newHarness(t, Config{})
	h.adapter.pages = []node.Page{{Transfers: []node.Transfer{transfer("tx9", "0.25", 6, 50)}, Next: domain.Cursor{Height: 50}}}

	_, err := h.rec.SyncAddress(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Contains(t, h.logs.String(), "[DGB] DAddr | 0.25 | tx9")
}

func TestSyncAddress_UnreachableLeavesCursor(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.adapter.pages = []node.Page{{Next: domain.Cursor{Height: 40, BlockHash: "b40"}}}
	_, err := h.rec.SyncAddress(ctx, testAddr)
	require.NoError(t, err)

	h.adapter.err = fmt.Errorf("listsinceblock: %w: connection refused", domain.ErrNodeUnreachable)
	_, err = h.rec.SyncAddress(ctx, testAddr)
	assert.ErrorIs(t, err, domain.ErrNodeUnreachable)
	assert.EqualValues(t, 40, h.cursor(t).Height)
	assert.Equal(t, "b40", h.cursor(t).BlockHash)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReconcileErrors.WithLabelValues("DGB", "unreachable")))
}

func TestSyncAddress_MalformedHoldsCursor(t *testing.T) {
	h := newHarness(t, Config{})
	h.adapter.pages = []node.Page{{
		Transfers: []node.Transfer{transfer("tx1", "2", 5, 90)},
		Malformed: 1,
		Next:      domain.Cursor{Height: 95, BlockHash: "b95"},
	}}

	credited, err := h.rec.SyncAddress(context.Background(), testAddr)
	require.NoError(t, err)
	require.Len(t, credited, 1, "valid transfers are still credited")
	assert.True(t, h.cursor(t).IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReconcileErrors.WithLabelValues("DGB", "malformed_item")))
}

func TestSyncAddress_RefreshesStalePending(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.adapter.pages = []node.Page{
		{Transfers: []node.Transfer{transfer("tx1", "3", 1, 0)}},
		{Next: domain.Cursor{Height: 120}},
	}
	_, err := h.rec.SyncAddress(ctx, testAddr)
	require.NoError(t, err)

	// tx1 is no longer listed; the node reports it confirmed.
	h.adapter.confs["tx1"] = 4
	credited, err := h.rec.SyncAddress(ctx, testAddr)
	require.NoError(t, err)
	require.Len(t, credited, 1)
	assert.Equal(t, "tx1", credited[0].TxID)
	assert.True(t, h.balance(t).Equal(d("3")))
}

func TestSyncAddress_UnknownCoin(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.rec.SyncAddress(context.Background(), domain.DepositAddress{Coin: "LTC", Address: "L1"})
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestTick_SkipsBusyAddress(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.adapter.block = make(chan struct{})
	ctx := context.Background()

	assert.Equal(t, 1, h.rec.Tick(ctx))
	// The first sync is parked inside ListIncoming.
	assert.Equal(t, 0, h.rec.Tick(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReconcileSkipped.WithLabelValues("DGB")))

	close(h.adapter.block)
	h.rec.Wait()
	assert.Equal(t, 1, h.adapter.callCount())

	assert.Equal(t, 1, h.rec.Tick(ctx))
	h.rec.Wait()
	assert.Equal(t, 2, h.adapter.callCount())
}

func TestStart_TicksImmediatelyAndStops(t *testing.T) {
	h := newHarness(t, Config{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	h.rec.Start(ctx)
	require.Eventually(t, func() bool { return h.adapter.callCount() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		h.rec.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", domain.ErrNodeUnreachable), "unreachable"},
		{fmt.Errorf("x: %w", domain.ErrMalformedResponse), "malformed"},
		{fmt.Errorf("x: %w", &node.RPCError{Code: -5}), "rpc"},
		{context.DeadlineExceeded, "timeout"},
		{io.EOF, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorKind(tt.err), tt.err.Error())
	}
}
