package portfolio

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"kalitrade-go/internal/database"
	"kalitrade-go/internal/gateway"
	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/models"
	"kalitrade-go/internal/orders"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockExchange is a mock venue for ledger tests.
type MockExchange struct {
	mock.Mock
	name string
}

func (m *MockExchange) Name() string { return m.name }

func (m *MockExchange) PlaceOrder(ctx context.Context, userID string, req *gateway.OrderRequest) (*gateway.OrderResult, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.OrderResult), args.Error(1)
}

func (m *MockExchange) CancelOrder(ctx context.Context, userID, symbol, exchangeOrderID string) error {
	args := m.Called(ctx, userID, symbol, exchangeOrderID)
	return args.Error(0)
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, userID, symbol, exchangeOrderID string) (*gateway.OrderResult, error) {
	args := m.Called(ctx, userID, symbol, exchangeOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.OrderResult), args.Error(1)
}

func (m *MockExchange) GetBalances(ctx context.Context, userID string) ([]gateway.Balance, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gateway.Balance), args.Error(1)
}

func (m *MockExchange) UpdateTriggerPrice(ctx context.Context, userID, symbol, exchangeOrderID string, trigger float64) (string, error) {
	args := m.Called(ctx, userID, symbol, exchangeOrderID, trigger)
	return args.String(0), args.Error(1)
}

func (m *MockExchange) FindOrderByClientID(ctx context.Context, userID, symbol, clientOrderID string) (*gateway.OrderResult, error) {
	args := m.Called(ctx, userID, symbol, clientOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.OrderResult), args.Error(1)
}

// MockMarket is a mock market data provider.
type MockMarket struct {
	mock.Mock
}

func (m *MockMarket) GetTicker(ctx context.Context, symbol string) (*marketdata.Ticker, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*marketdata.Ticker), args.Error(1)
}

func (m *MockMarket) GetPriceHistory(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Kline, error) {
	args := m.Called(ctx, symbol, interval, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]marketdata.Kline), args.Error(1)
}

func setupLedger(t *testing.T, exchanges ...*MockExchange) (*Ledger, *orders.Store, *MockMarket) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)

	registry := gateway.NewRegistry()
	store := orders.NewStore(db)
	for _, ex := range exchanges {
		registry.Register(ex)
		require.NoError(t, db.Create(&models.ExchangeConnection{
			UserID:   "user-1",
			Exchange: ex.name,
			IsActive: true,
		}).Error)
	}

	market := new(MockMarket)
	ledger := NewLedger(store, registry, market, "USDT", zap.NewNop())
	return ledger, store, market
}

func TestGetSnapshot_AllocationSumsToHundred(t *testing.T) {
	binance := &MockExchange{name: "binance"}
	ledger, _, market := setupLedger(t, binance)

	binance.On("GetBalances", mock.Anything, "user-1").Return([]gateway.Balance{
		{Asset: "BTC", Free: 0.5},
		{Asset: "ETH", Free: 2, Locked: 1},
		{Asset: "USDT", Free: 1000},
	}, nil)
	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 50000}, nil)
	market.On("GetTicker", mock.Anything, "ETHUSDT").Return(&marketdata.Ticker{Symbol: "ETHUSDT", Price: 3000}, nil)

	snapshot, err := ledger.GetSnapshot(context.Background(), "user-1")
	require.NoError(t, err)

	// 0.5 BTC at 50000 + 3 ETH at 3000 + 1000 USDT.
	assert.InDelta(t, 35000.0, snapshot.TotalValue, 1e-9)
	assert.Equal(t, 1000.0, snapshot.QuoteBalance)
	require.Len(t, snapshot.Positions, 2)

	var sum float64
	for _, pct := range Allocation(snapshot) {
		sum += pct
	}
	assert.InDelta(t, 100.0, sum, 0.1)
}

func TestGetSnapshot_EmptyPortfolio(t *testing.T) {
	binance := &MockExchange{name: "binance"}
	ledger, _, _ := setupLedger(t, binance)

	binance.On("GetBalances", mock.Anything, "user-1").Return([]gateway.Balance{}, nil)

	snapshot, err := ledger.GetSnapshot(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, snapshot.TotalValue)
	assert.Empty(t, snapshot.Positions)
	assert.Empty(t, Allocation(snapshot))
	assert.Equal(t, RiskLow, snapshot.Risk.Level)
}

func TestGetSnapshot_FailedExchangeCountsAsZero(t *testing.T) {
	binance := &MockExchange{name: "binance"}
	kraken := &MockExchange{name: "kraken"}
	ledger, _, market := setupLedger(t, binance, kraken)

	binance.On("GetBalances", mock.Anything, "user-1").Return([]gateway.Balance{
		{Asset: "BTC", Free: 1},
	}, nil)
	kraken.On("GetBalances", mock.Anything, "user-1").
		Return(nil, models.ErrUpstreamUnavailable)
	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 50000}, nil)

	snapshot, err := ledger.GetSnapshot(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, snapshot.Positions, 1)
	assert.Equal(t, "binance", snapshot.Positions[0].Exchange)
	assert.InDelta(t, 50000.0, snapshot.TotalValue, 1e-9)
}

func TestGetSnapshot_CostBasisIdempotent(t *testing.T) {
	binance := &MockExchange{name: "binance"}
	ledger, store, market := setupLedger(t, binance)

	fills := []*models.Order{
		{UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.TypeMarket, Quantity: 1, Status: models.StatusFilled, FilledQuantity: 1, AvgFillPrice: 50000, ClientOrderID: "f-1"},
		{UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.TypeMarket, Quantity: 1, Status: models.StatusFilled, FilledQuantity: 1, AvgFillPrice: 60000, ClientOrderID: "f-2"},
	}
	for _, fill := range fills {
		require.NoError(t, store.Create(fill))
	}

	binance.On("GetBalances", mock.Anything, "user-1").Return([]gateway.Balance{
		{Asset: "BTC", Free: 2},
	}, nil)
	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 65000}, nil)

	first, err := ledger.GetSnapshot(context.Background(), "user-1")
	require.NoError(t, err)
	second, err := ledger.GetSnapshot(context.Background(), "user-1")
	require.NoError(t, err)

	require.Len(t, first.Positions, 1)
	assert.InDelta(t, 55000.0, first.Positions[0].CostBasis, 1e-9)
	assert.InDelta(t, first.Positions[0].CostBasis, second.Positions[0].CostBasis, 1e-9)
	assert.InDelta(t, 20000.0, first.Positions[0].UnrealizedPnL, 1e-9)
}

func TestGetSnapshot_StalePriceFlagged(t *testing.T) {
	binance := &MockExchange{name: "binance"}
	ledger, _, market := setupLedger(t, binance)

	binance.On("GetBalances", mock.Anything, "user-1").Return([]gateway.Balance{
		{Asset: "BTC", Free: 1},
	}, nil)
	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 48000, Stale: true}, nil)

	snapshot, err := ledger.GetSnapshot(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, snapshot.Positions, 1)
	assert.True(t, snapshot.Positions[0].Stale)
}

func TestRiskLevelBands(t *testing.T) {
	assert.Equal(t, RiskLow, riskLevel(0.01, 0.2))
	assert.Equal(t, RiskMedium, riskLevel(0.03, 0.2))
	assert.Equal(t, RiskMedium, riskLevel(0.01, 0.4))
	assert.Equal(t, RiskHigh, riskLevel(0.06, 0.2))
	assert.Equal(t, RiskExtreme, riskLevel(0.01, 0.9))
}

func TestMaxDrawdown(t *testing.T) {
	curve := []EquityPoint{
		{Equity: 10000}, {Equity: 12000}, {Equity: 9000}, {Equity: 11000},
	}
	assert.InDelta(t, 0.25, maxDrawdown(curve), 1e-9)
	assert.Zero(t, maxDrawdown(nil))
}

func TestPercentile(t *testing.T) {
	values := []float64{-0.05, -0.02, 0.01, 0.02, 0.03}
	assert.InDelta(t, -0.05, percentile(values, 5), 1e-9)
	assert.Zero(t, percentile(nil, 5))
}

func TestRebalancer_ProposesBuyForUnderweightTarget(t *testing.T) {
	market := new(MockMarket)
	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 50000}, nil)
	rebalancer := NewRebalancer(market, "binance", 1.0, zap.NewNop())

	snapshot := &Snapshot{
		UserID:        "user-1",
		QuoteCurrency: "USDT",
		QuoteBalance:  1000,
		TotalValue:    1000,
	}

	proposals, err := rebalancer.Propose(context.Background(), snapshot, map[string]float64{"BTCUSDT": 20})
	require.NoError(t, err)
	require.Len(t, proposals, 1)

	proposal := proposals[0]
	assert.Equal(t, models.SideBuy, proposal.Side)
	assert.Equal(t, "binance", proposal.Exchange)
	assert.InDelta(t, 200.0/50000.0, proposal.Quantity, 1e-9)
	assert.InDelta(t, 200.0, proposal.DiffValue, 1e-9)
}

func TestRebalancer_IdempotentAtTarget(t *testing.T) {
	market := new(MockMarket)
	rebalancer := NewRebalancer(market, "binance", 1.0, zap.NewNop())

	snapshot := &Snapshot{
		UserID:        "user-1",
		QuoteCurrency: "USDT",
		QuoteBalance:  800,
		TotalValue:    1000,
		Positions: []Position{
			{Exchange: "binance", Symbol: "BTCUSDT", Asset: "BTC", Quantity: 0.004, CurrentPrice: 50000, Value: 200, AllocationPct: 20},
		},
	}

	proposals, err := rebalancer.Propose(context.Background(), snapshot, map[string]float64{"BTCUSDT": 20})
	require.NoError(t, err)
	assert.Empty(t, proposals)
	market.AssertNotCalled(t, "GetTicker", mock.Anything, mock.Anything)
}

func TestRebalancer_ImmaterialDriftIgnored(t *testing.T) {
	market := new(MockMarket)
	rebalancer := NewRebalancer(market, "binance", 1.0, zap.NewNop())

	snapshot := &Snapshot{
		UserID:        "user-1",
		QuoteCurrency: "USDT",
		QuoteBalance:  795,
		TotalValue:    1000,
		Positions: []Position{
			{Exchange: "binance", Symbol: "BTCUSDT", Asset: "BTC", Quantity: 0.0041, CurrentPrice: 50000, Value: 205, AllocationPct: 20.5},
		},
	}

	proposals, err := rebalancer.Propose(context.Background(), snapshot, map[string]float64{"BTCUSDT": 20})
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestRebalancer_SellsUntargetedPosition(t *testing.T) {
	market := new(MockMarket)
	rebalancer := NewRebalancer(market, "binance", 1.0, zap.NewNop())

	snapshot := &Snapshot{
		UserID:        "user-1",
		QuoteCurrency: "USDT",
		TotalValue:    1000,
		Positions: []Position{
			{Exchange: "kraken", Symbol: "ETHUSDT", Asset: "ETH", Quantity: 0.1, CurrentPrice: 3000, Value: 300, AllocationPct: 30},
			{Exchange: "binance", Symbol: "BTCUSDT", Asset: "BTC", Quantity: 0.014, CurrentPrice: 50000, Value: 700, AllocationPct: 70},
		},
	}

	proposals, err := rebalancer.Propose(context.Background(), snapshot, map[string]float64{"BTCUSDT": 70})
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "ETHUSDT", proposals[0].Symbol)
	assert.Equal(t, models.SideSell, proposals[0].Side)
	assert.Equal(t, "kraken", proposals[0].Exchange)
	assert.InDelta(t, 0.1, proposals[0].Quantity, 1e-9)
}

func TestRebalancer_UnpriceableTargetErrors(t *testing.T) {
	market := new(MockMarket)
	market.On("GetTicker", mock.Anything, "SOLUSDT").Return(nil, errors.New("no such symbol"))
	rebalancer := NewRebalancer(market, "binance", 1.0, zap.NewNop())

	snapshot := &Snapshot{QuoteCurrency: "USDT", QuoteBalance: 1000, TotalValue: 1000}
	_, err := rebalancer.Propose(context.Background(), snapshot, map[string]float64{"SOLUSDT": 10})
	assert.Error(t, err)
}
