// Package events fans confirmed exchange activity out to the poll feed and
// the configured message sinks (NATS, Kafka, webhook).
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

// Event types.
const (
	TypeDepositCredited = "deposit.credited"
	TypeTradeExecuted   = "trade.executed"
	TypeOrderCancelled  = "order.cancelled"
	TypeWithdrawalSent  = "withdrawal.sent"
)

// Event is one published fact. Seq increases by one per event.
type Event struct {
	ID   string          `json:"id"`
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Publisher is what the engine, reconciler and wallet publish through.
// Publishing never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, typ string, data any)
}

// Sink receives stamped events.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi stamps events and hands them to every sink in order.
type Multi struct {
	mu     sync.Mutex
	seq    uint64
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewMulti creates a fan-out over sinks.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger, now: time.Now}
}

// Publish encodes data, stamps the event and sends it to every sink.
// Sink errors are logged.
func (m *Multi) Publish(ctx context.Context, typ string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("failed to encode event", "type", typ, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e := Event{
		ID:   uuid.New().String(),
		Seq:  m.seq,
		Type: typ,
		Time: m.now().UTC(),
		Data: body,
	}
	for _, s := range m.sinks {
		if err := s.Send(ctx, e); err != nil {
			m.logger.Warn("event sink failed", "type", typ, "seq", e.Seq, "error", err)
		}
	}
}

type discard struct{}

func (discard) Publish(context.Context, string, any) {}

// Discard drops every event.
var Discard Publisher = discard{}

// TradeData is the payload of trade.executed.
type TradeData struct {
	TradeID      string          `json:"trade_id"`
	Market       string          `json:"market"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
	Buyer        string          `json:"buyer"`
	Seller       string          `json:"seller"`
	TakerSide    string          `json:"taker_side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	BuyerFee     decimal.Decimal `json:"buyer_fee"`
	SellerFee    decimal.Decimal `json:"seller_fee"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// NewTradeData builds the trade.executed payload.
func NewTradeData(t domain.Trade) TradeData {
	return TradeData{
		TradeID:      t.ID,
		Market:       t.Market,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		Buyer:        t.Buyer,
		Seller:       t.Seller,
		TakerSide:    string(t.TakerSide),
		Price:        t.Price,
		Quantity:     t.Quantity,
		BuyerFee:     t.BuyerFee,
		SellerFee:    t.SellerFee,
		ExecutedAt:   t.ExecutedAt,
	}
}

// OrderData is the payload of order.cancelled.
type OrderData struct {
	OrderID   string          `json:"order_id"`
	Market    string          `json:"market"`
	Owner     string          `json:"owner"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    string          `json:"status"`
}

// NewOrderData builds the order.cancelled payload.
func NewOrderData(o domain.Order) OrderData {
	return OrderData{
		OrderID:   o.ID,
		Market:    o.Market,
		Owner:     o.Owner,
		Side:      string(o.Side),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Filled:    o.Filled(),
		Remaining: o.Remaining,
		Status:    string(o.Status),
	}
}

// DepositData is the payload of deposit.credited.
type DepositData struct {
	Coin          string          `json:"coin"`
	Address       string          `json:"address"`
	User          string          `json:"user"`
	TxID          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
}

// NewDepositData builds the deposit.credited payload.
func NewDepositData(d domain.Deposit) DepositData {
	return DepositData{
		Coin:          d.Coin,
		Address:       d.Address,
		User:          d.User,
		TxID:          d.TxID,
		Amount:        d.Amount,
		Confirmations: d.Confirmations,
	}
}

// WithdrawalData is the payload of withdrawal.sent.
type WithdrawalData struct {
	User    string          `json:"user"`
	Coin    string          `json:"coin"`
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	TxID    string          `json:"txid"`
}
