package binance

import (
	"context"
	"errors"
	"net"

	"github.com/adshao/go-binance/v2/common"

	"tradeagent/internal/types"
)

// Binance error codes that need special handling.
const (
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeUnexpectedResp   = -1006
	codeTimeout          = -1007
	codeServerBusy       = -1008
	codeInvalidTimestamp = -1021
	codeBadSignature     = -1022
	codeNoSuchOrder      = -2013
	codeRejectedMBXKey   = -2014
	codeInvalidAPIKey    = -2015
)

// classify maps a go-binance error onto the shared error taxonomy: explicit
// exchange rejections are KindRejected, credential errors KindAuth and
// everything network-shaped KindTransient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return types.NewError(kindOf(err), "binance "+op, err)
}

func kindOf(err error) types.Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return types.KindTransient
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		// Non-JSON bodies (gateway pages, truncated reads) surface as decode errors.
		return types.KindTransient
	}
	switch apiErr.Code {
	case 0, codeDisconnected, codeTooManyRequests, codeUnexpectedResp, codeTimeout, codeServerBusy, codeInvalidTimestamp:
		return types.KindTransient
	case codeBadSignature, codeRejectedMBXKey, codeInvalidAPIKey:
		return types.KindAuth
	default:
		return types.KindRejected
	}
}

func isOrderNotFound(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeNoSuchOrder
}
