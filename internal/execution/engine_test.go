package execution

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/gateway/exchange"
	"tradeagent/internal/logger"
	"tradeagent/internal/pkg/retry"
	"tradeagent/internal/store/ledger"
	"tradeagent/internal/types"
)

type mockExchange struct{ mock.Mock }

func (m *mockExchange) Name() string { return "mock" }

func (m *mockExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	args := m.Called(req)
	return args.Get(0).(exchange.Order), args.Error(1)
}

func (m *mockExchange) QueryOrder(_ context.Context, sym, key string) (exchange.Order, error) {
	args := m.Called(sym, key)
	return args.Get(0).(exchange.Order), args.Error(1)
}

func (m *mockExchange) SetLeverage(_ context.Context, sym string, leverage int) error {
	return m.Called(sym, leverage).Error(0)
}

func (m *mockExchange) GetPrice(_ context.Context, sym string) (exchange.PriceQuote, error) {
	args := m.Called(sym)
	return args.Get(0).(exchange.PriceQuote), args.Error(1)
}

func (m *mockExchange) Account(context.Context) (types.AccountSnapshot, error) {
	args := m.Called()
	return args.Get(0).(types.AccountSnapshot), args.Error(1)
}

func newEngine(t *testing.T, ex exchange.Exchange) (*Engine, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return newEngineWithLedger(ex, l), l
}

func newEngineWithLedger(ex exchange.Exchange, l Ledger) *Engine {
	e := NewEngine(ex, l, Config{
		CapitalUSD:        1000,
		QuantityPrecision: map[string]int{"btc": 3, "SOL": 0},
		Policy:            retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Max: time.Millisecond},
		CallTimeout:       time.Second,
		ReconcilePolls:    2,
		ReconcileInterval: time.Millisecond,
	})
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

var buyBTC = types.ValidatedSignal{Action: types.ActionBuy, Asset: "BTC", Size: 0.3, Confidence: 0.8, Leverage: 3}

func filled(id, key, qty string) exchange.Order {
	return exchange.Order{OrderID: id, ClientOrderID: key, Symbol: "BTCUSDT", Status: exchange.StatusFilled,
		OrigQuantity: qty, ExecutedQuantity: qty, AvgPrice: "50000", CumQuote: "300"}
}

func runCtx() context.Context {
	return logger.WithRunID(context.Background(), "run-1")
}

func TestExecute_HoldIsSyntheticFill(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)

	res := e.Execute(runCtx(), types.ValidatedSignal{Action: types.ActionHold, Asset: "BTC"}, IdempotencyKey("run-1", "BTC"))
	assert.Equal(t, types.OrderFilled, res.Status)
	assert.Equal(t, []types.OrderStatus{types.OrderPending, types.OrderFilled}, res.Transitions)
	assert.Equal(t, "0", res.Fill.Quantity)
	ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
	ex.AssertNotCalled(t, "QueryOrder", mock.Anything, mock.Anything)
}

func TestExecute_BuyFills(t *testing.T) {
	ex := &mockExchange{}
	e, l := newEngine(t, ex)
	key := IdempotencyKey("run-1", "BTC")

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Symbol: "BTCUSDT", Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("PlaceOrder", exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: "0.006", ClientOrderID: key}).
		Return(filled("1", key, "0.006"), nil).Once()

	res := e.Execute(runCtx(), buyBTC, key)
	require.NoError(t, res.Cause)
	assert.Equal(t, types.OrderFilled, res.Status)
	assert.Equal(t, []types.OrderStatus{types.OrderPending, types.OrderSubmitted, types.OrderFilled}, res.Transitions)
	assert.Equal(t, "1", res.OrderID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "0.006", res.Fill.Quantity)
	assert.Equal(t, 50000.0, res.Fill.AvgPrice)
	assert.Equal(t, 300.0, res.Fill.Notional)
	ex.AssertExpectations(t)

	entry, ok, err := l.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "1", entry.OrderID)
	assert.Equal(t, string(types.OrderFilled), entry.Status)
}

func TestExecute_SameKeyIsNeverResubmitted(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-1", "BTC")

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound).Once()
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("PlaceOrder", mock.Anything).Return(filled("7", key, "0.006"), nil).Once()
	ex.On("QueryOrder", "BTCUSDT", key).Return(filled("7", key, "0.006"), nil)

	first := e.Execute(runCtx(), buyBTC, key)
	second := e.Execute(runCtx(), buyBTC, key)

	assert.Equal(t, types.OrderFilled, first.Status)
	assert.Equal(t, types.OrderFilled, second.Status)
	assert.True(t, second.Reconciled)
	assert.Equal(t, "7", second.OrderID)
	ex.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_TransientSubmitRetries(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-2", "BTC")

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("PlaceOrder", mock.Anything).Return(exchange.Order{}, types.NewError(types.KindTransient, "place order", errors.New("connection reset"))).Once()
	ex.On("PlaceOrder", mock.Anything).Return(filled("9", key, "0.006"), nil).Once()

	res := e.Execute(runCtx(), buyBTC, key)
	assert.Equal(t, types.OrderFilled, res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecute_TransientExhaustedIsError(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-3", "BTC")

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("PlaceOrder", mock.Anything).Return(exchange.Order{}, types.NewError(types.KindTransient, "place order", errors.New("timeout")))

	res := e.Execute(runCtx(), buyBTC, key)
	assert.Equal(t, types.OrderError, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Cause, types.ErrTransientIO)
	ex.AssertNumberOfCalls(t, "PlaceOrder", 3)
}

func TestExecute_RejectionIsNotRetried(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-4", "BTC")

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("PlaceOrder", mock.Anything).Return(exchange.Order{}, types.NewError(types.KindRejected, "place order", errors.New("margin is insufficient")))

	res := e.Execute(runCtx(), buyBTC, key)
	assert.Equal(t, types.OrderRejected, res.Status)
	assert.ErrorIs(t, res.Cause, types.ErrExecutionRejected)
	assert.Contains(t, res.Fill.RejectReason, "margin")
	ex.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_ZeroQuantityRejected(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-5", "SOL")

	ex.On("QueryOrder", "SOLUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("GetPrice", "SOLUSDT").Return(exchange.PriceQuote{Last: 150}, nil)

	res := e.Execute(runCtx(), types.ValidatedSignal{Action: types.ActionSell, Asset: "SOL", Size: 0.1, Leverage: 1}, key)
	assert.Equal(t, types.OrderRejected, res.Status)
	assert.Equal(t, "0", res.Fill.Quantity)
	ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
	ex.AssertNotCalled(t, "SetLeverage", mock.Anything, mock.Anything)
}

func TestExecute_NewOrderPolledToFill(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-6", "BTC")
	pending := exchange.Order{OrderID: "5", ClientOrderID: key, Status: exchange.StatusNew, OrigQuantity: "0.006", ExecutedQuantity: "0"}

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound).Once()
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("PlaceOrder", mock.Anything).Return(pending, nil).Once()
	ex.On("QueryOrder", "BTCUSDT", key).Return(filled("5", key, "0.006"), nil)

	res := e.Execute(runCtx(), buyBTC, key)
	assert.Equal(t, types.OrderFilled, res.Status)
}

func TestExecute_UnconfirmedIsError(t *testing.T) {
	ex := &mockExchange{}
	e, l := newEngine(t, ex)
	key := IdempotencyKey("run-7", "BTC")
	pending := exchange.Order{OrderID: "6", ClientOrderID: key, Status: exchange.StatusNew, OrigQuantity: "0.006", ExecutedQuantity: "0"}

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound).Once()
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("PlaceOrder", mock.Anything).Return(pending, nil).Once()
	ex.On("QueryOrder", "BTCUSDT", key).Return(pending, nil)

	res := e.Execute(runCtx(), buyBTC, key)
	assert.Equal(t, types.OrderError, res.Status)
	assert.Equal(t, []types.OrderStatus{types.OrderPending, types.OrderSubmitted, types.OrderError}, res.Transitions)
	require.Error(t, res.Cause)
	assert.Contains(t, res.Cause.Error(), "unconfirmed")

	entry, _, err := l.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "6", entry.OrderID)
}

func TestExecute_CanceledWithFillIsPartial(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-8", "BTC")
	order := exchange.Order{OrderID: "8", ClientOrderID: key, Status: exchange.StatusExpired, OrigQuantity: "0.006", ExecutedQuantity: "0.004", AvgPrice: "50000"}

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("PlaceOrder", mock.Anything).Return(order, nil).Once()

	res := e.Execute(runCtx(), buyBTC, key)
	assert.Equal(t, types.OrderPartial, res.Status)
	assert.True(t, res.Status.Successful())
	assert.Equal(t, "0.004", res.Fill.ExecutedQuantity)
	assert.InDelta(t, 200.0, res.Fill.Notional, 1e-9)
	ex.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_CanceledContextDoesNotSubmit(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-9", "BTC")
	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ctx, cancel := context.WithCancel(runCtx())
	defer cancel()
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil).Run(func(mock.Arguments) { cancel() })

	res := e.Execute(ctx, buyBTC, key)
	assert.Equal(t, types.OrderError, res.Status)
	assert.ErrorIs(t, res.Cause, types.ErrBudgetExceeded)
	ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

// claimedLedger behaves as if another execution reserved every key between
// the lookup and the reservation.
type claimedLedger struct{}

func (claimedLedger) Get(context.Context, string) (ledger.Entry, bool, error) {
	return ledger.Entry{}, false, nil
}

func (claimedLedger) Reserve(context.Context, ledger.Entry) (bool, error) { return false, nil }

func (claimedLedger) Update(context.Context, string, string, string) error { return nil }

func TestExecute_LostClaimFollowsExistingOrder(t *testing.T) {
	ex := &mockExchange{}
	e := newEngineWithLedger(ex, claimedLedger{})
	key := IdempotencyKey("run-10", "BTC")

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound).Once()
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)
	ex.On("QueryOrder", "BTCUSDT", key).Return(filled("11", key, "0.006"), nil)

	res := e.Execute(runCtx(), buyBTC, key)
	assert.Equal(t, types.OrderFilled, res.Status)
	assert.True(t, res.Reconciled)
	assert.Equal(t, "11", res.OrderID)
	ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

func TestExecute_LostClaimWithoutOrderIsError(t *testing.T) {
	ex := &mockExchange{}
	e := newEngineWithLedger(ex, claimedLedger{})
	key := IdempotencyKey("run-11", "BTC")

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("GetPrice", "BTCUSDT").Return(exchange.PriceQuote{Last: 50000}, nil)
	ex.On("SetLeverage", "BTCUSDT", 3).Return(nil)

	res := e.Execute(runCtx(), buyBTC, key)
	assert.Equal(t, types.OrderError, res.Status)
	require.Error(t, res.Cause)
	assert.Contains(t, res.Cause.Error(), "concurrent execution")
	ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

// memExchange fills every order at once and holds GetPrice until two
// callers are inside it, so both executions pass the pre-submit lookup.
type memExchange struct {
	mu      sync.Mutex
	orders  map[string]exchange.Order
	nextID  int
	waiting int
	gate    chan struct{}
}

func newMemExchange() *memExchange {
	return &memExchange{orders: map[string]exchange.Order{}, gate: make(chan struct{})}
}

func (m *memExchange) Name() string { return "mem" }

func (m *memExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o := filled(strconv.Itoa(m.nextID), req.ClientOrderID, req.Quantity)
	m.orders[req.ClientOrderID] = o
	return o, nil
}

func (m *memExchange) QueryOrder(_ context.Context, _, key string) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[key]; ok {
		return o, nil
	}
	return exchange.Order{}, exchange.ErrOrderNotFound
}

func (m *memExchange) SetLeverage(context.Context, string, int) error { return nil }

func (m *memExchange) GetPrice(ctx context.Context, sym string) (exchange.PriceQuote, error) {
	m.mu.Lock()
	m.waiting++
	if m.waiting == 2 {
		close(m.gate)
	}
	m.mu.Unlock()
	select {
	case <-m.gate:
	case <-ctx.Done():
		return exchange.PriceQuote{}, ctx.Err()
	}
	return exchange.PriceQuote{Symbol: sym, Last: 50000}, nil
}

func (m *memExchange) Account(context.Context) (types.AccountSnapshot, error) {
	return types.AccountSnapshot{}, nil
}

func (m *memExchange) placed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

func TestExecute_ConcurrentSameKeySubmitsOnce(t *testing.T) {
	ex := newMemExchange()
	e, _ := newEngine(t, ex)
	e.sleep = retry.Sleep
	e.cfg.ReconcilePolls = 50
	e.cfg.ReconcileInterval = 5 * time.Millisecond
	key := IdempotencyKey("run-12", "BTC")

	var (
		wg      sync.WaitGroup
		results [2]types.ExecutionResult
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Execute(runCtx(), buyBTC, key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ex.placed())
	for _, res := range results {
		assert.Equal(t, types.OrderFilled, res.Status)
		assert.Equal(t, "1", res.OrderID)
	}
	assert.True(t, results[0].Reconciled != results[1].Reconciled)
}

func TestExecute_ReduceOnlyClosesPosition(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-13", "BTC")
	closeLong := types.ValidatedSignal{Action: types.ActionSell, Asset: "BTC", Size: 1, Leverage: 3, ReduceOnly: true}

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("Account").Return(types.AccountSnapshot{Positions: []types.Position{
		{Asset: "BTC", Symbol: "BTCUSDT", Quantity: 0.0123, EntryPrice: 48000},
	}}, nil)
	ex.On("PlaceOrder", exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: "0.012", ClientOrderID: key, ReduceOnly: true}).
		Return(filled("21", key, "0.012"), nil).Once()

	res := e.Execute(runCtx(), closeLong, key)
	assert.Equal(t, types.OrderFilled, res.Status)
	assert.Equal(t, "0.012", res.Fill.Quantity)
	ex.AssertExpectations(t)
	ex.AssertNotCalled(t, "GetPrice", mock.Anything)
	ex.AssertNotCalled(t, "SetLeverage", mock.Anything, mock.Anything)
}

func TestExecute_ReduceOnlyWithoutPositionRejected(t *testing.T) {
	ex := &mockExchange{}
	e, _ := newEngine(t, ex)
	key := IdempotencyKey("run-14", "BTC")
	closeLong := types.ValidatedSignal{Action: types.ActionSell, Asset: "BTC", Size: 1, ReduceOnly: true}

	ex.On("QueryOrder", "BTCUSDT", key).Return(exchange.Order{}, exchange.ErrOrderNotFound)
	ex.On("Account").Return(types.AccountSnapshot{Positions: []types.Position{
		{Asset: "BTC", Symbol: "BTCUSDT", Quantity: -0.5},
	}}, nil)

	res := e.Execute(runCtx(), closeLong, key)
	assert.Equal(t, types.OrderRejected, res.Status)
	assert.Contains(t, res.Fill.RejectReason, "no long position")
	ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("run-1", "BTC")
	assert.Equal(t, a, IdempotencyKey("run-1", "btc/usdt"))
	assert.NotEqual(t, a, IdempotencyKey("run-1", "ETH"))
	assert.NotEqual(t, a, IdempotencyKey("run-2", "BTC"))
	assert.Len(t, a, 36)
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		order exchange.Order
		want  types.OrderStatus
	}{
		{exchange.Order{Status: exchange.StatusFilled}, types.OrderFilled},
		{exchange.Order{Status: exchange.StatusPartiallyFilled, ExecutedQuantity: "1"}, types.OrderPartial},
		{exchange.Order{Status: exchange.StatusCanceled, ExecutedQuantity: "0.5"}, types.OrderPartial},
		{exchange.Order{Status: exchange.StatusCanceled, ExecutedQuantity: "0"}, types.OrderRejected},
		{exchange.Order{Status: exchange.StatusRejected}, types.OrderRejected},
		{exchange.Order{Status: exchange.StatusNew}, types.OrderError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mapStatus(tc.order), tc.order.Status)
	}
}
