// Package reconciler scans deposit addresses on their coin nodes and
// credits confirmed deposits exactly once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/events"
	"github.com/efreitasn/cryptoexchange/internal/metrics"
	"github.com/efreitasn/cryptoexchange/internal/node"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

// Store is the part of the Ledger Store the reconciler needs.
type Store interface {
	Addresses(ctx context.Context, coin string) ([]domain.DepositAddress, error)
	Cursor(ctx context.Context, coin, address string) (domain.Cursor, error)
	Deposits(ctx context.Context, coin, address string) ([]domain.Deposit, error)
	CommitDeposits(ctx context.Context, c store.DepositCommit) ([]domain.Deposit, error)
}

// Nodes resolves coins to adapters.
type Nodes interface {
	Coins() []string
	Get(coin string) (node.Adapter, error)
}

// Config tunes the scan loop.
type Config struct {
	Interval   time.Duration // default 2m
	RPCTimeout time.Duration // default 15s
	Workers    int64         // concurrent address syncs, default 4
}

type addrKey struct {
	coin    string
	address string
}

// Reconciler periodically syncs every stored deposit address.
type Reconciler struct {
	cfg     Config
	store   Store
	nodes   Nodes
	pub     events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	sem   *semaphore.Weighted
	locks sync.Map // addrKey → *sync.Mutex
	wg    sync.WaitGroup

	heightMu sync.Mutex
	heights  map[string]int64 // coin → highest committed cursor height
}

// New creates a Reconciler with the given dependencies.
func New(cfg Config, st Store, nodes Nodes, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Reconciler{
		cfg:     cfg,
		store:   st,
		nodes:   nodes,
		pub:     pub,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		sem:     semaphore.NewWeighted(cfg.Workers),
		heights: make(map[string]int64),
	}
}

// Start launches a background goroutine that ticks immediately and then
// at the configured interval. It stops when ctx is cancelled; Wait blocks
// until the loop and every running sync have returned.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Wait blocks until all goroutines started by Start and Tick return.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Tick launches one sync per stored address of every configured coin. An
// address whose previous sync is still running is skipped, not queued.
// It returns the number of syncs launched.
func (r *Reconciler) Tick(ctx context.Context) int {
	launched := 0
	for _, coin := range r.nodes.Coins() {
		addrs, err := r.store.Addresses(ctx, coin)
		if err != nil {
			r.logger.Error("failed to list deposit addresses", "coin", coin, "error", err)
			r.metrics.ReconcileErrors.WithLabelValues(coin, "store").Inc()
			continue
		}
		for _, addr := range addrs {
			lock := r.lockFor(addr)
			if !lock.TryLock() {
				r.metrics.ReconcileSkipped.WithLabelValues(coin).Inc()
				r.logger.Debug("address sync still running, skipping", "coin", coin, "address", addr.Address)
				continue
			}

			r.wg.Add(1)
			launched++
			go func(addr domain.DepositAddress) {
				defer r.wg.Done()
				defer lock.Unlock()
				if err := r.sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer r.sem.Release(1)
				_, _ = r.SyncAddress(ctx, addr)
			}(addr)
		}
	}
	return launched
}

func (r *Reconciler) lockFor(addr domain.DepositAddress) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(addrKey{coin: addr.Coin, address: addr.Address}, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// SyncAddress reads incoming transfers for addr since its cursor, credits
// those that reached the confirmation threshold and stores the new cursor
// in one atomic commit. It returns the deposits credited by this call.
//
// A node failure returns before anything is written. A page with
// undecodable items still commits its valid transfers but keeps the
// cursor where it was.
func (r *Reconciler) SyncAddress(ctx context.Context, addr domain.DepositAddress) ([]domain.Deposit, error) {
	start := r.now()
	coin := addr.Coin
	defer func() {
		r.metrics.ReconcileDuration.WithLabelValues(coin).Observe(r.now().Sub(start).Seconds())
	}()

	adapter, err := r.nodes.Get(coin)
	if err != nil {
		return nil, err
	}
	cursor, err := r.store.Cursor(ctx, coin, addr.Address)
	if err != nil {
		r.metrics.ReconcileErrors.WithLabelValues(coin, "store").Inc()
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
	defer cancel()

	page, err := adapter.ListIncoming(rctx, addr, cursor)
	if err != nil {
		r.logger.Warn("failed to list incoming transfers",
			"coin", coin,
			"address", addr.Address,
			"error", err,
		)
		r.metrics.ReconcileErrors.WithLabelValues(coin, errorKind(err)).Inc()
		return nil, err
	}

	commit := store.DepositCommit{Address: addr, Cursor: page.Next}
	threshold := adapter.Threshold()
	listed := make(map[string]bool, len(page.Transfers))
	for _, t := range page.Transfers {
		listed[t.TxID] = true
		dep := domain.Deposit{
			Coin:          coin,
			Address:       addr.Address,
			User:          addr.User,
			TxID:          t.TxID,
			Amount:        t.Amount,
			Confirmations: t.Confirmations,
			Height:        t.Height,
		}
		if t.Confirmations >= threshold {
			commit.Credits = append(commit.Credits, dep)
		} else {
			commit.Pending = append(commit.Pending, dep)
		}
	}

	if err := r.refreshPending(rctx, adapter, addr, listed, &commit); err != nil {
		r.metrics.ReconcileErrors.WithLabelValues(coin, "store").Inc()
		return nil, err
	}

	if page.Malformed > 0 {
		r.logger.Warn("node returned malformed transfers, holding cursor",
			"coin", coin,
			"address", addr.Address,
			"malformed", page.Malformed,
		)
		r.metrics.ReconcileErrors.WithLabelValues(coin, "malformed_item").Add(float64(page.Malformed))
		commit.Cursor = cursor
	}

	credited, err := r.store.CommitDeposits(ctx, commit)
	if err != nil {
		r.logger.Error("failed to commit deposits", "coin", coin, "address", addr.Address, "error", err)
		r.metrics.ReconcileErrors.WithLabelValues(coin, "store").Inc()
		return nil, err
	}
	r.observeHeight(coin, commit.Cursor.Height)

	for _, dep := range credited {
		r.logger.Info(fmt.Sprintf("[%s] %s | %s | %s", dep.Coin, dep.Address, dep.Amount, dep.TxID),
			"user", dep.User,
			"confirmations", dep.Confirmations,
		)
		r.metrics.DepositsCredited.WithLabelValues(coin).Inc()
		metrics.Add(r.metrics.DepositAmount.WithLabelValues(coin), dep.Amount)
		r.pub.Publish(ctx, events.TypeDepositCredited, events.NewDepositData(dep))
	}
	return credited, nil
}

// refreshPending asks the node about stored pending deposits that the
// page no longer lists and moves those past the threshold to credits.
func (r *Reconciler) refreshPending(ctx context.Context, adapter node.Adapter, addr domain.DepositAddress, listed map[string]bool, commit *store.DepositCommit) error {
	stored, err := r.store.Deposits(ctx, addr.Coin, addr.Address)
	if err != nil {
		return fmt.Errorf("failed to load deposits: %w", err)
	}
	for _, dep := range stored {
		if dep.Credited || listed[dep.TxID] {
			continue
		}
		confs, err := adapter.Confirmations(ctx, dep.TxID)
		if err != nil {
			r.logger.Warn("failed to refresh pending deposit",
				"coin", addr.Coin,
				"txid", dep.TxID,
				"error", err,
			)
			continue
		}
		dep.Confirmations = confs
		if confs >= adapter.Threshold() {
			commit.Credits = append(commit.Credits, dep)
		} else {
			commit.Pending = append(commit.Pending, dep)
		}
	}
	return nil
}

func (r *Reconciler) observeHeight(coin string, height int64) {
	r.heightMu.Lock()
	defer r.heightMu.Unlock()
	if height > r.heights[coin] {
		r.heights[coin] = height
		r.metrics.CursorHeight.WithLabelValues(coin).Set(float64(height))
	}
}

func errorKind(err error) string {
	var rpcErr *node.RPCError
	switch {
	case errors.Is(err, domain.ErrNodeUnreachable):
		return "unreachable"
	case errors.Is(err, domain.ErrMalformedResponse):
		return "malformed"
	case errors.As(err, &rpcErr):
		return "rpc"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "other"
}
