package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tradeagent/internal/logger"
	"tradeagent/internal/pkg/text"
	"tradeagent/internal/types"
)

const maxErrorBody = 512

// statusError is a non-2xx reply from the reasoning endpoint.
type statusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status=%d: %s", e.Code, e.Message)
}

type outcome int

const (
	outcomeFatal outcome = iota
	outcomeAuth
	outcomeUnsupported
	outcomeTransient
	outcomeMalformed
)

func (o outcome) String() string {
	switch o {
	case outcomeAuth:
		return "auth"
	case outcomeUnsupported:
		return "unsupported"
	case outcomeTransient:
		return "transient"
	case outcomeMalformed:
		return "malformed"
	default:
		return "fatal"
	}
}

// classify maps a call error onto the fallback policy.
func classify(err error) outcome {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			return outcomeAuth
		case se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout || se.Code >= 500:
			return outcomeTransient
		case se.Code == http.StatusBadRequest, se.Code == http.StatusNotFound, se.Code == http.StatusMethodNotAllowed,
			se.Code == http.StatusUnsupportedMediaType, se.Code == http.StatusUnprocessableEntity:
			return outcomeUnsupported
		default:
			return outcomeFatal
		}
	}
	switch types.KindOf(err) {
	case types.KindMalformed:
		return outcomeMalformed
	case types.KindAuth:
		return outcomeAuth
	case types.KindTransient:
		return outcomeTransient
	}
	// 未打标签的超时仍按瞬时错误处理，其余（如构造请求失败）直接失败
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return outcomeTransient
	}
	return outcomeFatal
}

// post sends body as JSON with a bearer credential and returns the raw 2xx body.
func post(ctx context.Context, hc *http.Client, url, apiKey string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.KindUnknown, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	logger.Debugf("[reasoning] POST %s auth=%s bytes=%d", url, logger.MaskSecret(apiKey), len(body))

	resp, err := hc.Do(req)
	if err != nil {
		return nil, types.NewError(types.KindTransient, "reasoning call", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.KindTransient, "read reasoning body", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &statusError{
			Code:       resp.StatusCode,
			Message:    errorMessage(resp.Status, raw),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return raw, nil
}

func errorMessage(status string, raw []byte) string {
	if msg := strings.TrimSpace(gjson.GetBytes(raw, "error.message").String()); msg != "" {
		return msg
	}
	if body := strings.TrimSpace(string(raw)); body != "" {
		return text.Truncate(body, maxErrorBody)
	}
	return status
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
