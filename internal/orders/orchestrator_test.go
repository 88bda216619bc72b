package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"kalitrade-go/internal/database"
	"kalitrade-go/internal/gateway"
	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MockExchange is a mock venue for orchestrator tests.
type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) Name() string { return "binance" }

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

func setupOrchestrator(t *testing.T) (*Orchestrator, *Store, *MockExchange, *MockMarket, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.ExchangeConnection{
		UserID:   "user-1",
		Exchange: "binance",
		IsActive: true,
	}).Error)

	exchange := new(MockExchange)
	market := new(MockMarket)
	registry := gateway.NewRegistry()
	registry.Register(exchange)

	store := NewStore(db)
	orchestrator := NewOrchestrator(store, registry, market, false, zap.NewNop())
	return orchestrator, store, exchange, market, db
}

func TestPlaceOrder_ValidationFailureSkipsExchange(t *testing.T) {
	orchestrator, _, exchange, market, _ := setupOrchestrator(t)

	// No connection for this user at all.
	_, err := orchestrator.PlaceOrder(context.Background(), &PlaceRequest{
		UserID:   "stranger",
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Type:     models.TypeMarket,
		Quantity: 1,
	}, nil)
	assert.True(t, errors.Is(err, models.ErrNoActiveConnection))

	// Connection exists but the quantity is invalid.
	_, err = orchestrator.PlaceOrder(context.Background(), &PlaceRequest{
		UserID:   "user-1",
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Type:     models.TypeMarket,
		Quantity: 0,
	}, nil)
	assert.True(t, errors.Is(err, models.ErrValidation))

	exchange.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything)
	market.AssertNotCalled(t, "GetTicker", mock.Anything, mock.Anything)
}

func TestPlaceOrder_WithProtectiveLegs(t *testing.T) {
	orchestrator, store, exchange, market, _ := setupOrchestrator(t)

	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 50000}, nil)
	exchange.On("PlaceOrder", mock.Anything, "user-1", mock.Anything).
		Return(&gateway.OrderResult{ExchangeOrderID: "ex-1", Status: models.StatusPending}, nil).Times(3)

	result, err := orchestrator.PlaceOrder(context.Background(), &PlaceRequest{
		UserID:   "user-1",
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Type:     models.TypeMarket,
		Quantity: 0.5,
	}, &ConditionalConfig{
		StopLoss:   &StopLossConfig{TriggerPrice: 47000},
		TakeProfit: &TakeProfitConfig{TargetPrice: 55000},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Primary)
	assert.Equal(t, models.IntentPrimary, result.Primary.Intent)
	require.Len(t, result.Legs, 2)

	group, err := store.ByGroup(result.GroupID)
	require.NoError(t, err)
	require.Len(t, group, 3)

	stopLoss := group[1]
	assert.Equal(t, models.IntentStopLoss, stopLoss.Intent)
	assert.Equal(t, models.SideSell, stopLoss.Side)
	assert.Equal(t, models.TypeStopLimit, stopLoss.Type)
	assert.Equal(t, 47000.0, stopLoss.StopPrice)
	assert.Equal(t, 0.5, stopLoss.Quantity)

	takeProfit := group[2]
	assert.Equal(t, models.IntentTakeProfit, takeProfit.Intent)
	assert.Equal(t, models.SideSell, takeProfit.Side)
	assert.Equal(t, models.TypeLimit, takeProfit.Type)
	assert.Equal(t, 55000.0, takeProfit.Price)

	exchange.AssertExpectations(t)
}

func TestPlaceOrder_DCALadder(t *testing.T) {
	orchestrator, store, exchange, market, _ := setupOrchestrator(t)

	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 50000}, nil)

	var placed []*gateway.OrderRequest
	exchange.On("PlaceOrder", mock.Anything, "user-1", mock.Anything).
		Run(func(args mock.Arguments) {
			placed = append(placed, args.Get(2).(*gateway.OrderRequest))
		}).
		Return(&gateway.OrderResult{ExchangeOrderID: "ex-dca", Status: models.StatusPending}, nil).Times(3)

	result, err := orchestrator.PlaceOrder(context.Background(), &PlaceRequest{
		UserID:   "user-1",
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Type:     models.TypeMarket,
		Quantity: 0.3,
	}, &ConditionalConfig{
		DCA: &DCAConfig{Levels: 3, StepSize: 100},
	})
	require.NoError(t, err)
	require.Len(t, result.Legs, 3)
	require.Len(t, placed, 3)

	wantPrices := []float64{49900, 49800, 49700}
	for i, req := range placed {
		assert.Equal(t, models.TypeLimit, req.Type)
		assert.InDelta(t, 0.1, req.Quantity, 1e-9)
		assert.Equal(t, wantPrices[i], req.Price)
	}

	group, err := store.ByGroup(result.GroupID)
	require.NoError(t, err)
	require.Len(t, group, 3)
	for i, leg := range group {
		assert.Equal(t, models.IntentDCALeg, leg.Intent)
		assert.Equal(t, i+1, leg.IntentLevel)
		assert.Equal(t, 3, leg.IntentTotal)
	}
}

func TestPlaceOrder_PartialExecution(t *testing.T) {
	orchestrator, store, exchange, market, _ := setupOrchestrator(t)

	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 50000}, nil)
	exchange.On("PlaceOrder", mock.Anything, "user-1", mock.MatchedBy(func(req *gateway.OrderRequest) bool {
		return req.Type == models.TypeMarket
	})).Return(&gateway.OrderResult{ExchangeOrderID: "ex-primary", Status: models.StatusFilled, FilledQuantity: 0.5, AvgFillPrice: 50010}, nil)
	exchange.On("PlaceOrder", mock.Anything, "user-1", mock.MatchedBy(func(req *gateway.OrderRequest) bool {
		return req.Type == models.TypeStopLimit
	})).Return(nil, errors.New("insufficient margin"))

	result, err := orchestrator.PlaceOrder(context.Background(), &PlaceRequest{
		UserID:   "user-1",
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Type:     models.TypeMarket,
		Quantity: 0.5,
	}, &ConditionalConfig{
		StopLoss: &StopLossConfig{TriggerPrice: 47000},
	})

	assert.True(t, errors.Is(err, models.ErrPartialExecution))
	require.NotNil(t, result)
	assert.Equal(t, models.StatusFilled, result.Primary.Status)
	require.Len(t, result.Legs, 1)
	assert.Nil(t, result.Legs[0].Order)
	assert.Contains(t, result.Legs[0].Error, "insufficient margin")

	// The failed leg is persisted as rejected with its reason.
	group, err := store.ByGroup(result.GroupID)
	require.NoError(t, err)
	require.Len(t, group, 2)
	assert.Equal(t, models.StatusRejected, group[1].Status)
	assert.NotEmpty(t, group[1].FailureReason)
}

func TestCancelOrder_CascadesOverGroup(t *testing.T) {
	orchestrator, store, exchange, _, _ := setupOrchestrator(t)

	seed := []*models.Order{
		{UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.TypeLimit, Quantity: 1, Price: 50000, Status: models.StatusPending, GroupID: "grp", Intent: models.IntentPrimary, ClientOrderID: "c-1", ExchangeOrderID: "ex-1"},
		{UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideSell, Type: models.TypeStopLimit, Quantity: 1, Price: 47000, StopPrice: 47000, Status: models.StatusPending, GroupID: "grp", Intent: models.IntentStopLoss, ClientOrderID: "c-2", ExchangeOrderID: "ex-2"},
		{UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideSell, Type: models.TypeLimit, Quantity: 1, Price: 55000, Status: models.StatusPending, GroupID: "grp", Intent: models.IntentTakeProfit, ClientOrderID: "c-3", ExchangeOrderID: "ex-3"},
	}
	for _, order := range seed {
		require.NoError(t, store.Create(order))
	}

	exchange.On("CancelOrder", mock.Anything, "user-1", "BTCUSDT", mock.Anything).Return(nil).Times(3)

	cancelled, err := orchestrator.CancelOrder(context.Background(), seed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	group, err := store.ByGroup("grp")
	require.NoError(t, err)
	for _, order := range group {
		assert.Equal(t, models.StatusCancelled, order.Status)
	}
	exchange.AssertExpectations(t)
}

func TestCancelOrder_TerminalOrderRejected(t *testing.T) {
	orchestrator, store, exchange, _, _ := setupOrchestrator(t)

	filled := &models.Order{
		UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT",
		Side: models.SideBuy, Type: models.TypeMarket, Quantity: 1,
		Status: models.StatusFilled, GroupID: "grp-f",
		ClientOrderID: "c-f", ExchangeOrderID: "ex-f",
	}
	require.NoError(t, store.Create(filled))

	_, err := orchestrator.CancelOrder(context.Background(), filled.ID)
	assert.True(t, errors.Is(err, models.ErrValidation))
	exchange.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefreshStatus(t *testing.T) {
	orchestrator, store, exchange, _, _ := setupOrchestrator(t)

	order := &models.Order{
		UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT",
		Side: models.SideBuy, Type: models.TypeLimit, Quantity: 1, Price: 50000,
		Status: models.StatusPending, GroupID: "grp-r",
		ClientOrderID: "c-r", ExchangeOrderID: "ex-r",
	}
	require.NoError(t, store.Create(order))

	exchange.On("GetOrderStatus", mock.Anything, "user-1", "BTCUSDT", "ex-r").
		Return(&gateway.OrderResult{ExchangeOrderID: "ex-r", Status: models.StatusFilled, FilledQuantity: 1, AvgFillPrice: 50005}, nil).Once()

	refreshed, err := orchestrator.RefreshStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, refreshed.Status)
	assert.Equal(t, 1.0, refreshed.FilledQuantity)
	assert.Equal(t, 50005.0, refreshed.AvgFillPrice)

	// Terminal orders are a no-op; the venue is not queried again.
	again, err := orchestrator.RefreshStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, again.Status)
	exchange.AssertExpectations(t)
}

func TestRefreshStatus_FillRegression(t *testing.T) {
	orchestrator, store, exchange, _, _ := setupOrchestrator(t)

	order := &models.Order{
		UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT",
		Side: models.SideBuy, Type: models.TypeLimit, Quantity: 1, Price: 50000,
		Status: models.StatusPartiallyFilled, FilledQuantity: 0.6,
		GroupID: "grp-x", ClientOrderID: "c-x", ExchangeOrderID: "ex-x",
	}
	require.NoError(t, store.Create(order))

	exchange.On("GetOrderStatus", mock.Anything, "user-1", "BTCUSDT", "ex-x").
		Return(&gateway.OrderResult{ExchangeOrderID: "ex-x", Status: models.StatusPartiallyFilled, FilledQuantity: 0.2}, nil)

	_, err := orchestrator.RefreshStatus(context.Background(), order.ID)
	assert.True(t, errors.Is(err, models.ErrInconsistentState))

	// The local record keeps its history.
	kept, err := store.ByID(order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, kept.FilledQuantity)
}

func TestRefreshStatus_AdoptsLostPlacement(t *testing.T) {
	orchestrator, store, exchange, _, _ := setupOrchestrator(t)

	// A placement whose response was lost: pending, no exchange id.
	order := &models.Order{
		UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT",
		Side: models.SideBuy, Type: models.TypeLimit, Quantity: 1, Price: 50000,
		Status: models.StatusPending, GroupID: "grp-a",
		ClientOrderID: "c-lost", FailureReason: "placement outcome unknown",
	}
	require.NoError(t, store.Create(order))

	exchange.On("FindOrderByClientID", mock.Anything, "user-1", "BTCUSDT", "c-lost").
		Return(&gateway.OrderResult{ExchangeOrderID: "ex-found", Status: models.StatusPartiallyFilled, FilledQuantity: 0.4, AvgFillPrice: 50002}, nil).Once()

	refreshed, err := orchestrator.RefreshStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "ex-found", refreshed.ExchangeOrderID)
	assert.Equal(t, models.StatusPartiallyFilled, refreshed.Status)
	assert.Equal(t, 0.4, refreshed.FilledQuantity)
	assert.Equal(t, 50002.0, refreshed.AvgFillPrice)
	assert.Empty(t, refreshed.FailureReason)

	// The next refresh uses the adopted exchange id.
	exchange.On("GetOrderStatus", mock.Anything, "user-1", "BTCUSDT", "ex-found").
		Return(&gateway.OrderResult{ExchangeOrderID: "ex-found", Status: models.StatusFilled, FilledQuantity: 1, AvgFillPrice: 50003}, nil).Once()
	again, err := orchestrator.RefreshStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, again.Status)
	exchange.AssertExpectations(t)
}

func TestRefreshStatus_RejectsPlacementUnknownToVenue(t *testing.T) {
	orchestrator, store, exchange, _, _ := setupOrchestrator(t)

	order := &models.Order{
		UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT",
		Side: models.SideBuy, Type: models.TypeLimit, Quantity: 1, Price: 50000,
		Status: models.StatusPending, GroupID: "grp-b",
		ClientOrderID: "c-never", FailureReason: "placement outcome unknown",
	}
	require.NoError(t, store.Create(order))

	// The venue answers definitively that no such order exists.
	exchange.On("FindOrderByClientID", mock.Anything, "user-1", "BTCUSDT", "c-never").
		Return(nil, fmt.Errorf("no order: %w", models.ErrOrderNotFound)).Once()

	refreshed, err := orchestrator.RefreshStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, refreshed.Status)
	assert.NotEmpty(t, refreshed.FailureReason)

	// An unreachable venue leaves the record pending for the next sweep.
	pending := &models.Order{
		UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT",
		Side: models.SideBuy, Type: models.TypeLimit, Quantity: 1, Price: 50000,
		Status: models.StatusPending, GroupID: "grp-b2",
		ClientOrderID: "c-maybe",
	}
	require.NoError(t, store.Create(pending))
	exchange.On("FindOrderByClientID", mock.Anything, "user-1", "BTCUSDT", "c-maybe").
		Return(nil, models.ErrUpstreamUnavailable).Once()

	_, err = orchestrator.RefreshStatus(context.Background(), pending.ID)
	assert.True(t, errors.Is(err, models.ErrUpstreamUnavailable))
	kept, err := store.ByID(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, kept.Status)
	exchange.AssertExpectations(t)
}

func TestPlaceOrder_DryRunNeverTouchesExchange(t *testing.T) {
	_, store, exchange, market, _ := setupOrchestrator(t)
	registry := gateway.NewRegistry()
	registry.Register(exchange)
	orchestrator := NewOrchestrator(store, registry, market, true, zap.NewNop())

	market.On("GetTicker", mock.Anything, "BTCUSDT").Return(&marketdata.Ticker{Symbol: "BTCUSDT", Price: 50000}, nil)

	result, err := orchestrator.PlaceOrder(context.Background(), &PlaceRequest{
		UserID:   "user-1",
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Type:     models.TypeMarket,
		Quantity: 0.5,
	}, &ConditionalConfig{
		StopLoss: &StopLossConfig{TriggerPrice: 47000},
	})
	require.NoError(t, err)

	// The market primary fills instantly at the ticker price.
	assert.True(t, result.Primary.IsSimulation)
	assert.Equal(t, models.StatusFilled, result.Primary.Status)
	assert.Equal(t, 50000.0, result.Primary.AvgFillPrice)
	assert.Equal(t, 0.5, result.Primary.FilledQuantity)
	assert.Contains(t, result.Primary.ExchangeOrderID, "sim-")

	// The resting stop-loss leg stays pending.
	require.Len(t, result.Legs, 1)
	leg := result.Legs[0].Order
	require.NotNil(t, leg)
	assert.True(t, leg.IsSimulation)
	assert.Equal(t, models.StatusPending, leg.Status)

	// Cancelling a simulated order is a local state change only.
	cancelled, err := orchestrator.CancelOrder(context.Background(), leg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	exchange.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything)
	exchange.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStatistics(t *testing.T) {
	_, store, _, _, _ := setupOrchestrator(t)

	seed := []*models.Order{
		{UserID: "user-1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.TypeMarket, Quantity: 1, Status: models.StatusFilled, FilledQuantity: 1, AvgFillPrice: 50000, ClientOrderID: "s-1"},
		{UserID: "user-1", Exchange: "binance", Symbol: "ETHUSDT", Side: models.SideSell, Type: models.TypeLimit, Quantity: 2, Price: 3000, Status: models.StatusPending, ClientOrderID: "s-2"},
		{UserID: "user-1", Exchange: "kraken", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.TypeLimit, Quantity: 1, Price: 49000, Status: models.StatusCancelled, ClientOrderID: "s-3"},
		{UserID: "user-2", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.TypeMarket, Quantity: 1, Status: models.StatusFilled, FilledQuantity: 1, AvgFillPrice: 50000, ClientOrderID: "s-4"},
	}
	for _, order := range seed {
		require.NoError(t, store.Create(order))
	}

	stats, err := store.Statistics("user-1", "24h")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalOrders)
	assert.Equal(t, 1, stats.ByStatus[models.StatusFilled])
	assert.Equal(t, 1, stats.ByStatus[models.StatusPending])
	assert.Equal(t, 2, stats.BySide[models.SideBuy])
	assert.Equal(t, 2, stats.ByExchange["binance"])
	assert.InDelta(t, 50000.0, stats.FilledVolume, 1e-9)
	assert.InDelta(t, 1.0/3.0, stats.FillRate, 1e-9)
}
