// Package exchange defines the order-placement abstraction the execution
// engine drives. Concrete backends live under internal/gateway.
package exchange

import (
	"context"
	"errors"

	"tradeagent/internal/types"
)

// ErrOrderNotFound is returned by QueryOrder when the exchange has no order
// with the given client order id.
var ErrOrderNotFound = errors.New("order not found")

type Exchange interface {
	Name() string

	// PlaceOrder submits a market order tagged with req.ClientOrderID.
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)

	// QueryOrder looks an order up by client order id.
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (Order, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error

	GetPrice(ctx context.Context, symbol string) (PriceQuote, error)
	// Account returns wallet balances and every non-zero position.
	Account(ctx context.Context) (types.AccountSnapshot, error)
}
