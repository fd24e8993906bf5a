// Package execution turns a ValidatedSignal into at most one exchange order.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeagent/internal/gateway/exchange"
	"tradeagent/internal/logger"
	"tradeagent/internal/pkg/retry"
	"tradeagent/internal/pkg/symbol"
	"tradeagent/internal/store/ledger"
	"tradeagent/internal/types"
)

// keyNamespace scopes UUIDv5 idempotency keys to this system.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tradeagent/client-order-id"))

// IdempotencyKey derives the client order id for (run, asset). The same pair
// always yields the same 36-character id, which fits newClientOrderId.
func IdempotencyKey(runID, asset string) string {
	return uuid.NewSHA1(keyNamespace, []byte(runID+":"+symbol.Asset(asset))).String()
}

// Ledger is the local record of submitted client order ids.
type Ledger interface {
	Get(ctx context.Context, clientOrderID string) (ledger.Entry, bool, error)
	Reserve(ctx context.Context, e ledger.Entry) (bool, error)
	Update(ctx context.Context, clientOrderID, orderID, status string) error
}

type Config struct {
	CapitalUSD        float64
	QuantityPrecision map[string]int
	DefaultPrecision  int
	Quote             string
	Policy            retry.Policy
	CallTimeout       time.Duration
	ReconcilePolls    int
	ReconcileInterval time.Duration
}

type Engine struct {
	ex      exchange.Exchange
	ledger  Ledger
	cfg     Config
	symbols symbol.BinanceConverter
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewEngine(ex exchange.Exchange, l Ledger, cfg Config) *Engine {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultPolicy
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.DefaultPrecision <= 0 {
		cfg.DefaultPrecision = 3
	}
	if cfg.ReconcilePolls < 0 {
		cfg.ReconcilePolls = 0
	}
	if cfg.Quote == "" {
		cfg.Quote = symbol.DefaultQuote
	}
	// viper 会把 map key 转成小写
	precision := make(map[string]int, len(cfg.QuantityPrecision))
	for asset, p := range cfg.QuantityPrecision {
		precision[symbol.Asset(asset)] = p
	}
	cfg.QuantityPrecision = precision
	return &Engine{ex: ex, ledger: l, cfg: cfg, symbols: symbol.BinanceConverter{Quote: cfg.Quote}, sleep: retry.Sleep}
}

// run tracks one execution through PENDING → SUBMITTED → terminal.
type run struct {
	res    types.ExecutionResult
	symbol string
	runID  string
}

func (r *run) to(s types.OrderStatus) {
	r.res.Status = s
	r.res.Transitions = append(r.res.Transitions, s)
}

func (r *run) fail(status types.OrderStatus, cause error) types.ExecutionResult {
	r.to(status)
	r.res.Cause = cause
	if status == types.OrderRejected && cause != nil {
		r.res.Fill.RejectReason = cause.Error()
	}
	return r.res
}

// Execute never submits more than one order per key. The returned result is
// always terminal.
func (e *Engine) Execute(ctx context.Context, sig types.ValidatedSignal, key string) types.ExecutionResult {
	r := &run{
		res:    types.ExecutionResult{Signal: sig, ClientOrderID: key},
		symbol: e.symbols.ToExchange(sig.Asset),
		runID:  logger.RunID(ctx),
	}
	r.to(types.OrderPending)

	if sig.Action == types.ActionHold {
		r.res.Fill = types.Fill{Quantity: "0", ExecutedQuantity: "0"}
		r.to(types.OrderFilled)
		return r.res
	}
	side := exchange.SideBuy
	if sig.Action == types.ActionSell {
		side = exchange.SideSell
	}

	prior, seen, err := e.ledger.Get(ctx, key)
	if err != nil {
		logger.Warnf("[execution] ledger lookup %s failed: %v", key, err)
	}
	existing, err := e.queryWithRetry(ctx, r.symbol, key)
	switch {
	case err == nil:
		logger.Infof("[execution] %s already on exchange as %s, reconciling", key, existing.OrderID)
		r.res.Reconciled = true
		r.res.OrderID = existing.OrderID
		r.res.Fill.Quantity = existing.OrigQuantity
		r.to(types.OrderSubmitted)
		return e.settle(ctx, r, existing)
	case errors.Is(err, exchange.ErrOrderNotFound):
		if seen && prior.OrderID != "" {
			return r.fail(types.OrderError, fmt.Errorf("ledger holds order %s for %s but exchange does not", prior.OrderID, key))
		}
	default:
		if seen {
			return r.fail(types.OrderError, fmt.Errorf("cannot reconcile %s: %w", key, err))
		}
		if types.KindOf(err) == types.KindAuth {
			return r.fail(types.OrderError, err)
		}
		logger.Warnf("[execution] pre-submit query for %s failed, ledger has no record: %v", key, err)
	}

	var qty decimal.Decimal
	if sig.ReduceOnly {
		qty, err = e.closeQuantity(ctx, sig, side)
	} else {
		qty, err = e.quantity(ctx, r.symbol, sig)
	}
	if err != nil {
		return r.fail(statusFor(err), err)
	}
	r.res.Fill.Quantity = qty.String()
	if !qty.IsPositive() {
		return r.fail(types.OrderRejected, types.NewError(types.KindRejected, "size order", fmt.Errorf("quantity for %s rounds to zero", sig.Asset)))
	}

	if sig.Leverage > 0 && !sig.ReduceOnly {
		if err := e.withRetry(ctx, func(c context.Context) error { return e.ex.SetLeverage(c, r.symbol, sig.Leverage) }); err != nil {
			return r.fail(statusFor(err), fmt.Errorf("set leverage: %w", err))
		}
	}

	claimed, err := e.ledger.Reserve(ctx, ledger.Entry{
		ClientOrderID: key,
		RunID:         r.runID,
		Asset:         sig.Asset,
		Symbol:        r.symbol,
		Side:          string(side),
		Quantity:      qty.String(),
		Status:        string(types.OrderPending),
	})
	switch {
	case err != nil:
		logger.Warnf("[execution] ledger reserve %s failed: %v", key, err)
	case !claimed && !seen:
		// 另一个执行在本次查询之后抢先占用了同一个 key
		logger.Ctxf(ctx, slog.LevelWarn, "[execution] %s claimed by a concurrent execution, following its order", key)
		return e.adopt(ctx, r)
	}

	order, err := e.submit(ctx, r, exchange.OrderRequest{
		Symbol:        r.symbol,
		Side:          side,
		Quantity:      qty.String(),
		ClientOrderID: key,
		ReduceOnly:    sig.ReduceOnly,
	})
	if err != nil {
		e.record(ctx, key, "", statusFor(err))
		return r.fail(statusFor(err), err)
	}
	r.res.OrderID = order.OrderID
	r.to(types.OrderSubmitted)
	e.record(ctx, key, order.OrderID, types.OrderSubmitted)
	return e.settle(ctx, r, order)
}

// submit places the order, retrying transient failures. Before each retry the
// exchange is asked whether the previous attempt landed.
func (e *Engine) submit(ctx context.Context, r *run, req exchange.OrderRequest) (exchange.Order, error) {
	attempts := e.cfg.Policy.Attempts()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return exchange.Order{}, types.NewError(types.KindBudget, "submit order", err)
		}
		r.res.Attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		order, err := e.ex.PlaceOrder(callCtx, req)
		cancel()
		if err == nil {
			return order, nil
		}
		logger.Ctxf(ctx, slog.LevelWarn, "[execution] place %s attempt %d/%d: %v", req.ClientOrderID, attempt, attempts, err)
		if types.KindOf(err) != types.KindTransient || attempt >= attempts {
			return exchange.Order{}, err
		}
		if err := e.sleep(ctx, e.cfg.Policy.Delay(attempt)); err != nil {
			return exchange.Order{}, types.NewError(types.KindBudget, "submit order", err)
		}
		if landed, qerr := e.query(ctx, req.Symbol, req.ClientOrderID); qerr == nil {
			r.res.Reconciled = true
			return landed, nil
		}
	}
}

// adopt follows an order that a concurrent execution claimed for the same
// key. It never submits; an order that stays invisible for the whole
// reconcile window ends as ERROR.
func (e *Engine) adopt(ctx context.Context, r *run) types.ExecutionResult {
	key := r.res.ClientOrderID
	for poll := 0; ; poll++ {
		order, err := e.query(ctx, r.symbol, key)
		if err == nil {
			r.res.Reconciled = true
			r.res.OrderID = order.OrderID
			r.to(types.OrderSubmitted)
			return e.settle(ctx, r, order)
		}
		if poll >= e.cfg.ReconcilePolls {
			break
		}
		if serr := e.sleep(ctx, e.cfg.ReconcileInterval); serr != nil {
			break
		}
	}
	return r.fail(types.OrderError, fmt.Errorf("%s claimed by a concurrent execution but no order is visible", key))
}

// settle maps the exchange order onto a terminal status, polling while the
// exchange still reports NEW.
func (e *Engine) settle(ctx context.Context, r *run, order exchange.Order) types.ExecutionResult {
	for poll := 0; order.Status == exchange.StatusNew && poll < e.cfg.ReconcilePolls; poll++ {
		if err := e.sleep(ctx, e.cfg.ReconcileInterval); err != nil {
			break
		}
		next, err := e.query(ctx, r.symbol, r.res.ClientOrderID)
		if err != nil {
			logger.Ctxf(ctx, slog.LevelWarn, "[execution] reconcile poll %d for %s: %v", poll+1, r.res.ClientOrderID, err)
			continue
		}
		order = next
	}
	r.res.Fill.ExecutedQuantity = order.ExecutedQuantity
	r.res.Fill.AvgPrice = order.AvgFillPrice()
	r.res.Fill.Notional = order.Notional()
	r.res.Fill.ExchangeStatus = string(order.Status)
	if r.res.Fill.Quantity == "" {
		r.res.Fill.Quantity = order.OrigQuantity
	}

	status := mapStatus(order)
	switch status {
	case types.OrderError:
		e.record(ctx, r.res.ClientOrderID, order.OrderID, status)
		return r.fail(status, fmt.Errorf("order %s unconfirmed: exchange status %s after %d polls", order.OrderID, order.Status, e.cfg.ReconcilePolls))
	case types.OrderRejected:
		e.record(ctx, r.res.ClientOrderID, order.OrderID, status)
		return r.fail(status, types.NewError(types.KindRejected, "order", fmt.Errorf("exchange status %s", order.Status)))
	}
	r.to(status)
	e.record(ctx, r.res.ClientOrderID, order.OrderID, status)
	return r.res
}

// mapStatus: FILLED → FILLED, any fill short of full → PARTIAL, closed without
// fill → REJECTED, still NEW → ERROR (unconfirmed).
func mapStatus(o exchange.Order) types.OrderStatus {
	switch o.Status {
	case exchange.StatusFilled:
		return types.OrderFilled
	case exchange.StatusPartiallyFilled:
		return types.OrderPartial
	case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
		if o.Executed() > 0 {
			return types.OrderPartial
		}
		return types.OrderRejected
	default:
		return types.OrderError
	}
}

func statusFor(err error) types.OrderStatus {
	if types.KindOf(err) == types.KindRejected {
		return types.OrderRejected
	}
	return types.OrderError
}

// quantity = size × capital / price, rounded down to the asset's precision.
func (e *Engine) quantity(ctx context.Context, sym string, sig types.ValidatedSignal) (decimal.Decimal, error) {
	var quote exchange.PriceQuote
	err := e.withRetry(ctx, func(c context.Context) error {
		var err error
		quote, err = e.ex.GetPrice(c, sym)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", sym, err)
	}
	if quote.Last <= 0 {
		return decimal.Zero, types.NewError(types.KindUnknown, "price", fmt.Errorf("non-positive price %v for %s", quote.Last, sym))
	}
	notional := decimal.NewFromFloat(sig.Size).Mul(decimal.NewFromFloat(e.cfg.CapitalUSD))
	return notional.Div(decimal.NewFromFloat(quote.Last)).RoundDown(e.precision(sig.Asset)), nil
}

// closeQuantity sizes a reduce-only order as the whole open position it
// closes. A missing or same-side position is a rejection.
func (e *Engine) closeQuantity(ctx context.Context, sig types.ValidatedSignal, side exchange.Side) (decimal.Decimal, error) {
	var acct types.AccountSnapshot
	err := e.withRetry(ctx, func(c context.Context) error {
		var err error
		acct, err = e.ex.Account(c)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("account: %w", err)
	}
	want := "long"
	if side == exchange.SideBuy {
		want = "short"
	}
	pos, ok := acct.Position(sig.Asset)
	if !ok || pos.Long() != (want == "long") {
		return decimal.Zero, types.NewError(types.KindRejected, "size close", fmt.Errorf("no %s position on %s to close", want, sig.Asset))
	}
	return decimal.NewFromFloat(math.Abs(pos.Quantity)).RoundDown(e.precision(sig.Asset)), nil
}

func (e *Engine) precision(asset string) int32 {
	if p, ok := e.cfg.QuantityPrecision[asset]; ok {
		return int32(p)
	}
	return int32(e.cfg.DefaultPrecision)
}

func (e *Engine) query(ctx context.Context, sym, key string) (exchange.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.ex.QueryOrder(callCtx, sym, key)
}

func (e *Engine) queryWithRetry(ctx context.Context, sym, key string) (exchange.Order, error) {
	var order exchange.Order
	err := e.withRetry(ctx, func(c context.Context) error {
		var err error
		order, err = e.ex.QueryOrder(c, sym, key)
		return err
	})
	return order, err
}

// withRetry runs fn with a per-call timeout, retrying transient errors.
func (e *Engine) withRetry(ctx context.Context, fn func(context.Context) error) error {
	attempts := e.cfg.Policy.Attempts()
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil || types.KindOf(err) != types.KindTransient || attempt >= attempts {
			return err
		}
		if serr := e.sleep(ctx, e.cfg.Policy.Delay(attempt)); serr != nil {
			return err
		}
	}
}

func (e *Engine) record(ctx context.Context, key, orderID string, status types.OrderStatus) {
	if err := e.ledger.Update(ctx, key, orderID, string(status)); err != nil {
		logger.Warnf("[execution] ledger update %s: %v", key, err)
	}
}
