package types

import (
	"sync"
	"time"
)

// OrderStatus 执行引擎状态机：PENDING → SUBMITTED → {FILLED|PARTIAL|REJECTED} | ERROR。
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderRejected  OrderStatus = "REJECTED"
	OrderError     OrderStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderPartial, OrderRejected, OrderError:
		return true
	default:
		return false
	}
}

// Successful reports FILLED or PARTIAL.
func (s OrderStatus) Successful() bool {
	return s == OrderFilled || s == OrderPartial
}

// Fill 是交易所回报的成交详情。
type Fill struct {
	Quantity         string  `json:"quantity"`
	ExecutedQuantity string  `json:"executed_quantity"`
	AvgPrice         float64 `json:"avg_price"`
	Notional         float64 `json:"notional"`
	ExchangeStatus   string  `json:"exchange_status,omitempty"`
	RejectReason     string  `json:"reject_reason,omitempty"`
}

// ExecutionResult 执行结果，运行结束后不再修改。
type ExecutionResult struct {
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Signal        ValidatedSignal `json:"signal"`
	Status        OrderStatus     `json:"status"`
	Fill          Fill            `json:"fill"`
	Attempts      int             `json:"attempts"`
	Reconciled    bool            `json:"reconciled,omitempty"`
	Transitions   []OrderStatus   `json:"transitions"`
	Cause         error           `json:"-"`
}

// Stage names used in audit records.
const (
	StageAggregate  = "aggregate"
	StageSentiment  = "sentiment"
	StageAccount    = "account"
	StageCompose    = "compose"
	StageReasoning  = "reasoning"
	StageValidation = "validation"
	StageExecution  = "execution"
	StageAbort      = "abort"
)

// AuditRecord 单条审计记录，只追加。
type AuditRecord struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Attempt   int       `json:"attempt"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Error     string    `json:"error,omitempty"`
	Note      string    `json:"note,omitempty"`
	Terminal  bool      `json:"terminal,omitempty"`
	Timestamp time.Time `json:"ts"`
	Sink      string    `json:"sink,omitempty"`
}

// RunStatus 运行的最终状态。
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
	RunAborted RunStatus = "ABORTED"
)

// Run is the aggregate root of one pipeline invocation. Only the orchestrator
// mutates it, and only until Finish is called.
type Run struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time

	Snapshots []MarketSnapshot
	Sentiment []SentimentBundle
	Account   *AccountSnapshot
	Warnings  []string
	Request   *ReasoningRequest
	Candidate *CandidateSignal
	Signal    *ValidatedSignal
	Execution *ExecutionResult

	Status RunStatus
	Cause  error

	mu       sync.Mutex
	trail    []AuditRecord
	finished bool

	// commitMu 串行化审计写入；终止记录写入后 sealed 置位
	commitMu sync.Mutex
	sealed   bool
}

// NewRun creates a run in RUNNING state.
func NewRun(id string, now time.Time) *Run {
	return &Run{ID: id, StartedAt: now, Status: RunRunning}
}

// Append adds an audit record to the in-memory trail. Ignored after Finish.
func (r *Run) Append(rec AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.trail = append(r.trail, rec)
}

// Commit persists one record through write and appends it to the trail.
// Commits are serialized. Once a terminal record has been committed, later
// commits do not call write and report false.
func (r *Run) Commit(write func() AuditRecord) bool {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if r.sealed {
		return false
	}
	rec := write()
	r.Append(rec)
	if rec.Terminal {
		r.sealed = true
	}
	return true
}

// Trail returns a copy of the ordered audit trail.
func (r *Run) Trail() []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditRecord, len(r.trail))
	copy(out, r.trail)
	return out
}

// Finish freezes the run.
func (r *Run) Finish(status RunStatus, cause error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.Status = status
	r.Cause = cause
	r.EndedAt = now
	r.finished = true
}

// Finished reports whether Finish has been called.
func (r *Run) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}
