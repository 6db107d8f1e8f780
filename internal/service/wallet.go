package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/events"
	"github.com/efreitasn/cryptoexchange/internal/metrics"
	"github.com/efreitasn/cryptoexchange/internal/node"
)

// addressAttempts bounds how often GenerateAddress asks the node for a
// fresh address after a collision.
const addressAttempts = 5

// WalletStore is the part of the Ledger Store the wallet service uses.
type WalletStore interface {
	Credit(ctx context.Context, user, coin string, amount decimal.Decimal) error
	Debit(ctx context.Context, user, coin string, amount decimal.Decimal) error
	Balances(ctx context.Context, user string) ([]domain.Balance, error)
	CreateAddress(ctx context.Context, a domain.DepositAddress) error
	UserAddresses(ctx context.Context, user string) ([]domain.DepositAddress, error)
	RecordWithdrawal(ctx context.Context, w domain.Withdrawal) error
	Withdrawals(ctx context.Context, user, coin string, limit int) ([]domain.Withdrawal, error)
}

// Nodes resolves a coin to its node adapter.
type Nodes interface {
	Get(coin string) (node.Adapter, error)
	Supported() []node.CoinInfo
}

// WithdrawRequest is a raw withdrawal command.
type WithdrawRequest struct {
	User    string
	Coin    string
	Address string
	Amount  string
}

// WalletService handles balances, deposit addresses and withdrawals.
type WalletService struct {
	store      WalletStore
	nodes      Nodes
	pub        events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	rpcTimeout time.Duration
}

// NewWalletService creates a new WalletService with the given dependencies.
func NewWalletService(st WalletStore, nodes Nodes, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger, rpcTimeout time.Duration) *WalletService {
	if rpcTimeout <= 0 {
		rpcTimeout = 15 * time.Second
	}
	return &WalletService{
		store:      st,
		nodes:      nodes,
		pub:        pub,
		metrics:    m,
		logger:     logger,
		rpcTimeout: rpcTimeout,
	}
}

// Coins lists the coins the exchange runs a node for.
func (s *WalletService) Coins() []node.CoinInfo {
	return s.nodes.Supported()
}

// Balances returns every balance the user holds.
func (s *WalletService) Balances(ctx context.Context, user string) ([]domain.Balance, error) {
	if err := validateOwner(user); err != nil {
		return nil, err
	}
	return s.store.Balances(ctx, user)
}

// Addresses returns the deposit addresses issued to the user.
func (s *WalletService) Addresses(ctx context.Context, user string) ([]domain.DepositAddress, error) {
	if err := validateOwner(user); err != nil {
		return nil, err
	}
	return s.store.UserAddresses(ctx, user)
}

// GenerateAddress asks the coin's node for a new address labelled
// user_<id> and binds it to the user.
func (s *WalletService) GenerateAddress(ctx context.Context, user, coin string) (domain.DepositAddress, error) {
	if err := validateOwner(user); err != nil {
		return domain.DepositAddress{}, err
	}
	coin = strings.ToUpper(strings.TrimSpace(coin))
	adapter, err := s.nodes.Get(coin)
	if err != nil {
		return domain.DepositAddress{}, err
	}

	label := "user_" + user
	for attempt := 1; attempt <= addressAttempts; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
		addr, err := adapter.NewAddress(rctx, label)
		cancel()
		if err != nil {
			return domain.DepositAddress{}, fmt.Errorf("failed to create %s address: %w", coin, err)
		}

		addr.Coin = coin
		addr.User = user
		err = s.store.CreateAddress(ctx, addr)
		if err == nil {
			s.logger.Info("deposit address created", "coin", coin, "user", user, "address", addr.Address)
			return addr, nil
		}
		if !errors.Is(err, domain.ErrAddressExists) {
			return domain.DepositAddress{}, err
		}
		s.logger.Warn("node returned an address already in use, retrying",
			"coin", coin,
			"address", addr.Address,
			"attempt", attempt,
		)
	}
	return domain.DepositAddress{}, fmt.Errorf("no fresh %s address after %d attempts: %w", coin, addressAttempts, domain.ErrAddressExists)
}

// Withdraw debits the user and sends the amount on chain. The debit is
// refunded only when the node definitely rejected the send; any other
// failure leaves the funds debited for manual reconciliation.
func (s *WalletService) Withdraw(ctx context.Context, req WithdrawRequest) (domain.Withdrawal, error) {
	if err := validateOwner(req.User); err != nil {
		return domain.Withdrawal{}, err
	}
	coin := strings.ToUpper(strings.TrimSpace(req.Coin))
	address := strings.TrimSpace(req.Address)
	if address == "" {
		return domain.Withdrawal{}, &domain.ValidationError{Message: "address is required"}
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		return domain.Withdrawal{}, &domain.ValidationError{Message: err.Error()}
	}
	adapter, err := s.nodes.Get(coin)
	if err != nil {
		return domain.Withdrawal{}, err
	}

	if err := s.store.Debit(ctx, req.User, coin, amount); err != nil {
		s.metrics.Withdrawals.WithLabelValues(coin, "rejected").Inc()
		return domain.Withdrawal{}, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	txid, sendErr := adapter.Send(rctx, address, amount)
	cancel()
	if sendErr != nil {
		if !sendRejected(sendErr) {
			s.metrics.Withdrawals.WithLabelValues(coin, "unknown").Inc()
			s.logger.Error("withdrawal outcome unknown, funds stay debited",
				"user", req.User,
				"coin", coin,
				"address", address,
				"amount", amount,
				"error", sendErr,
			)
			return domain.Withdrawal{}, fmt.Errorf("failed to send %s: %w", coin, sendErr)
		}
		s.metrics.Withdrawals.WithLabelValues(coin, "failed").Inc()
		// The refund must land even if the request was cancelled.
		if err := s.store.Credit(context.WithoutCancel(ctx), req.User, coin, amount); err != nil {
			s.logger.Error("failed to refund withdrawal",
				"user", req.User,
				"coin", coin,
				"amount", amount,
				"error", err,
			)
		}
		return domain.Withdrawal{}, fmt.Errorf("failed to send %s: %w", coin, sendErr)
	}

	w := domain.Withdrawal{
		ID:      uuid.New().String(),
		User:    req.User,
		Coin:    coin,
		Address: address,
		Amount:  amount,
		TxID:    txid,
		SentAt:  time.Now(),
	}
	s.metrics.Withdrawals.WithLabelValues(coin, "sent").Inc()
	s.logger.Info("withdrawal sent", "user", w.User, "coin", coin, "address", address, "amount", amount, "txid", txid)
	if err := s.store.RecordWithdrawal(context.WithoutCancel(ctx), w); err != nil {
		// The coins are gone; the txid in this log line is the record.
		s.logger.Error("failed to record withdrawal",
			"withdrawal_id", w.ID,
			"user", w.User,
			"coin", coin,
			"txid", txid,
			"error", err,
		)
	}
	s.pub.Publish(ctx, events.TypeWithdrawalSent, events.WithdrawalData{
		User:    w.User,
		Coin:    w.Coin,
		Address: w.Address,
		Amount:  w.Amount,
		TxID:    w.TxID,
	})
	return w, nil
}

// sendRejected reports whether a Send error proves no funds left the
// wallet: the node answered with an error object, or the request never
// passed local validation.
func sendRejected(err error) bool {
	var rpcErr *node.RPCError
	var vErr *domain.ValidationError
	return errors.As(err, &rpcErr) || errors.As(err, &vErr)
}

// Withdrawals returns the user's recorded withdrawals, newest first.
func (s *WalletService) Withdrawals(ctx context.Context, user, coin string, limit int) ([]domain.Withdrawal, error) {
	if err := validateOwner(user); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 200 {
		return nil, &domain.ValidationError{Message: "limit must be between 1 and 200"}
	}
	coin = strings.ToUpper(strings.TrimSpace(coin))
	if coin != "" && !domain.ValidCoin(coin) {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("invalid coin symbol: %s", coin)}
	}
	return s.store.Withdrawals(ctx, user, coin, limit)
}
