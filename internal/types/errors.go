package types

import (
	"errors"
	"fmt"
)

// Kind 错误分类，决定各阶段的重试/回退/终止策略。
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindAuth
	KindMalformed
	KindValidation
	KindRejected
	KindBudget
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient_io"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed_response"
	case KindValidation:
		return "validation"
	case KindRejected:
		return "execution_rejected"
	case KindBudget:
		return "budget_exceeded"
	default:
		return "unknown"
	}
}

var (
	ErrTransientIO       = errors.New("transient io error")
	ErrAuth              = errors.New("authentication rejected")
	ErrMalformedResponse = errors.New("malformed response")
	ErrValidation        = errors.New("signal validation failed")
	ErrExecutionRejected = errors.New("order rejected by exchange")
	ErrBudgetExceeded    = errors.New("run budget exceeded")
	ErrNoMarketData      = errors.New("no asset has usable market data")
)

// Reasoning client outcomes.
var (
	ErrReasoningUnavailable = errors.New("reasoning unavailable")
	ErrReasoningMalformed   = errors.New("reasoning response malformed")
	ErrReasoningAuth        = errors.New("reasoning credential rejected")
)

var kindSentinels = map[Kind]error{
	KindTransient:  ErrTransientIO,
	KindAuth:       ErrAuth,
	KindMalformed:  ErrMalformedResponse,
	KindValidation: ErrValidation,
	KindRejected:   ErrExecutionRejected,
	KindBudget:     ErrBudgetExceeded,
}

// Error carries a Kind so callers can branch with errors.Is against the
// package sentinels while keeping the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError wraps err with kind and op.
func NewError(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// InvalidSignal 校验失败，携带违反的规则。
type InvalidSignal struct {
	Rule   string
	Detail string
}

func (e *InvalidSignal) Error() string {
	return fmt.Sprintf("invalid signal: rule %s: %s", e.Rule, e.Detail)
}

func (e *InvalidSignal) Is(target error) bool { return target == ErrValidation }
