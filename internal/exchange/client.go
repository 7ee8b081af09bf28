// Package exchange defines the typed client surface the rest of the
// control plane consumes (spec §6 "External Interfaces"). Concrete
// exchange adapters (okx/) implement Client; the core never depends on a
// specific venue SDK.
package exchange

import (
	"context"
	"time"

	"tradingbot/internal/market"
)

// Market describes one tradable instrument as returned by load_markets.
type Market struct {
	Symbol       string
	ContractSize float64
	MinAmount    float64
	MinCost      float64
	AmountStep   float64
	PriceStep    float64
}

// Balance is the unified account snapshot.
type Balance struct {
	TotalEquityUSD float64
	USDTFree       float64
	USDTUsed       float64
	Holdings       map[string]float64 // other coin balances valued in USD
}

// Ticker is a last-price snapshot.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	Ts     time.Time
}

// Side is a normalized order/position side.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position mirrors spec §3's Position entity.
type Position struct {
	Symbol        string
	Side          Side
	SizeContracts float64
	ContractSize  float64
	EntryPrice    float64
	UnrealizedPnl float64
	Leverage      int
	Mode          string
}

// CoinSize is sizeContracts * contractSize (spec §3).
func (p Position) CoinSize() float64 { return p.SizeContracts * p.ContractSize }

// Trade is a single fill as returned by fetch_my_trades.
type Trade struct {
	Symbol     string
	Side       Side
	Amount     float64
	Price      float64
	RealizedPnl float64
	Ts         time.Time
}

// Fee is the taker/maker fee schedule for a symbol.
type Fee struct {
	TakerRate float64
	MakerRate float64
}

// FundingRate is the latest perpetual funding rate.
type FundingRate struct {
	Symbol string
	Rate   float64
	NextTs time.Time
}

// LedgerEntry is one funding-ledger row (deposits/withdrawals/transfers).
type LedgerEntry struct {
	ID       string
	Currency string
	Amount   float64
	Type     string // "deposit", "withdrawal", "transfer", "trade", ...
	Ts       time.Time
}

// OrderParams carries the order-shaping fields named in spec §6.
type OrderParams struct {
	TdMode     string // cash | cross | isolated
	ReduceOnly bool
	TgtCcy     string // "base_ccy" for spot buys sized in base currency
	MarginMode string
	ClientID   string
}

// OrderResult is what create_order/create_market_order return.
type OrderResult struct {
	OrderID    string
	Symbol     string
	Status     string
	FilledQty  float64
	FilledAvg  float64
	ErrorCode  string
	ErrorMsg   string
}

// InsufficientBalance reports whether the order failed specifically due to
// insufficient margin/balance (as opposed to any other rejection reason).
func (r OrderResult) InsufficientBalance() bool {
	return r.ErrorCode == "insufficient_balance" || r.ErrorCode == "51008" || r.ErrorCode == "51004"
}

// Client is the full exchange surface consumed by the control plane
// (spec §6). Order params include tdMode, reduceOnly, and tgtCcy as
// described there.
type Client interface {
	LoadMarkets(ctx context.Context) (map[string]Market, error)
	FetchBalance(ctx context.Context) (Balance, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	FetchPositions(ctx context.Context, symbols []string) ([]Position, error)
	FetchMyTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	FetchTradingFee(ctx context.Context, symbol string) (Fee, error)
	FetchFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	FetchLedger(ctx context.Context, currency string, limit int) ([]LedgerEntry, error)
	CreateMarketOrder(ctx context.Context, symbol string, side Side, amount float64, params OrderParams) (OrderResult, error)
	CreateOrder(ctx context.Context, orderType string, symbol string, side Side, amount, price float64, params OrderParams) (OrderResult, error)
	SetLeverage(ctx context.Context, leverage int, symbol string, marginMode string) error
}
