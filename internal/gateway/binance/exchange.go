package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradeagent/internal/gateway/exchange"
	"tradeagent/internal/logger"
	"tradeagent/internal/pkg/symbol"
	"tradeagent/internal/types"
)

// Exchange places USDⓈ-M futures market orders through go-binance.
type Exchange struct {
	cfg    Config
	client *futures.Client
}

func NewExchange(cfg Config) (*Exchange, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.SecretKey == "" {
		return nil, fmt.Errorf("binance exchange requires api key and secret")
	}
	client, err := newFuturesClient(final)
	if err != nil {
		return nil, err
	}
	logger.Infof("[binance] futures exchange ready testnet=%v key=%s", final.Testnet, logger.MaskSecret(final.APIKey))
	return &Exchange{cfg: final, client: client}, nil
}

func (e *Exchange) Name() string {
	if e.cfg.Testnet {
		return "binance-futures-testnet"
	}
	return "binance-futures"
}

func (e *Exchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	sym := symbol.Binance.ToExchange(req.Symbol)
	if sym == "" || strings.TrimSpace(req.Quantity) == "" {
		return exchange.Order{}, fmt.Errorf("symbol and quantity are required")
	}
	svc := e.client.NewCreateOrderService().
		Symbol(sym).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.Order{}, classify("create order", err)
	}
	return exchange.Order{
		OrderID:          strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:    res.ClientOrderID,
		Symbol:           res.Symbol,
		Status:           exchange.Status(res.Status),
		OrigQuantity:     res.OrigQuantity,
		ExecutedQuantity: res.ExecutedQuantity,
		AvgPrice:         res.AvgPrice,
		CumQuote:         res.CumQuote,
		UpdatedAt:        millis(res.UpdateTime),
	}, nil
}

func (e *Exchange) QueryOrder(ctx context.Context, sym, clientOrderID string) (exchange.Order, error) {
	res, err := e.client.NewGetOrderService().
		Symbol(symbol.Binance.ToExchange(sym)).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		if isOrderNotFound(err) {
			return exchange.Order{}, exchange.ErrOrderNotFound
		}
		return exchange.Order{}, classify("get order", err)
	}
	return exchange.Order{
		OrderID:          strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:    res.ClientOrderID,
		Symbol:           res.Symbol,
		Status:           exchange.Status(res.Status),
		OrigQuantity:     res.OrigQuantity,
		ExecutedQuantity: res.ExecutedQuantity,
		AvgPrice:         res.AvgPrice,
		CumQuote:         res.CumQuote,
		UpdatedAt:        millis(res.UpdateTime),
	}, nil
}

func (e *Exchange) SetLeverage(ctx context.Context, sym string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	_, err := e.client.NewChangeLeverageService().
		Symbol(symbol.Binance.ToExchange(sym)).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return classify("change leverage", err)
	}
	return nil
}

func (e *Exchange) GetPrice(ctx context.Context, sym string) (exchange.PriceQuote, error) {
	clean := symbol.Binance.ToExchange(sym)
	prices, err := e.client.NewListPricesService().Symbol(clean).Do(ctx)
	if err != nil {
		return exchange.PriceQuote{}, classify("ticker price", err)
	}
	for _, p := range prices {
		if p != nil && strings.EqualFold(p.Symbol, clean) {
			return exchange.PriceQuote{Symbol: clean, Last: parseFloat(p.Price), UpdatedAt: time.Now()}, nil
		}
	}
	return exchange.PriceQuote{}, fmt.Errorf("price not available for %s", clean)
}

// Account 读取合约账户余额与非零持仓。
func (e *Exchange) Account(ctx context.Context) (types.AccountSnapshot, error) {
	acct, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return types.AccountSnapshot{}, classify("account", err)
	}
	out := types.AccountSnapshot{
		Timestamp:        time.Now().UTC(),
		WalletBalance:    parseFloat(acct.TotalWalletBalance),
		AvailableBalance: parseFloat(acct.AvailableBalance),
		UnrealizedPnL:    parseFloat(acct.TotalUnrealizedProfit),
	}
	for _, p := range acct.Positions {
		if p == nil {
			continue
		}
		qty := parseFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out.Positions = append(out.Positions, types.Position{
			Asset:         symbol.Asset(p.Symbol),
			Symbol:        p.Symbol,
			Quantity:      qty,
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPnL: parseFloat(p.UnrealizedProfit),
			Leverage:      lev,
		})
	}
	return out, nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ exchange.Exchange = (*Exchange)(nil)
