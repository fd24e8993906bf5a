package exchange

import (
	"strconv"
	"strings"
	"time"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is the exchange-reported order status.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// Open reports whether the order may still change.
func (s Status) Open() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// OrderRequest contains parameters for a market order.
type OrderRequest struct {
	Symbol        string // Exchange symbol, e.g. BTCUSDT
	Side          Side
	Quantity      string // Decimal string already rounded to the symbol step
	ClientOrderID string
	ReduceOnly    bool
}

// Order is the exchange view of an order.
type Order struct {
	OrderID          string
	ClientOrderID    string
	Symbol           string
	Status           Status
	OrigQuantity     string
	ExecutedQuantity string
	AvgPrice         string
	CumQuote         string
	UpdatedAt        time.Time
}

// Executed returns the executed quantity as a float.
func (o Order) Executed() float64 {
	return parseFloat(o.ExecutedQuantity)
}

// AvgFillPrice returns the average fill price as a float.
func (o Order) AvgFillPrice() float64 {
	return parseFloat(o.AvgPrice)
}

// Notional returns the filled quote amount, falling back to qty*price when
// the exchange did not report it.
func (o Order) Notional() float64 {
	if q := parseFloat(o.CumQuote); q > 0 {
		return q
	}
	return o.Executed() * o.AvgFillPrice()
}

// PriceQuote represents current price information.
type PriceQuote struct {
	Symbol    string
	Last      float64
	UpdatedAt time.Time
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
