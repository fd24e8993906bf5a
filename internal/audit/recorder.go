// Package audit persists one record per stage attempt and never fails the
// caller: primary store, then a local fsynced log, then memory.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradeagent/internal/logger"
	"tradeagent/internal/pkg/jsonutil"
	"tradeagent/internal/store"
	"tradeagent/internal/types"
)

// Sink names written into AuditRecord.Sink.
const (
	SinkPrimary  = "primary"
	SinkFallback = "fallback"
	SinkMemory   = "memory"
)

const defaultSummaryBytes = 4096

// Entry is what a stage hands to the recorder. Input and Output are
// summarised to JSON (strings are kept verbatim) and capped.
type Entry struct {
	RunID    string
	Stage    string
	Attempt  int
	Input    any
	Output   any
	Err      error
	Note     string
	Terminal bool
}

type Config struct {
	FallbackPath    string
	MaxSummaryBytes int
}

type Recorder struct {
	primary  store.AuditWriter
	fallback *FileLog
	max      int
	now      func() time.Time

	mu     sync.Mutex
	memory []types.AuditRecord
	last   time.Time
}

func NewRecorder(primary store.AuditWriter, cfg Config) *Recorder {
	max := cfg.MaxSummaryBytes
	if max <= 0 {
		max = defaultSummaryBytes
	}
	return &Recorder{primary: primary, fallback: NewFileLog(cfg.FallbackPath), max: max, now: time.Now}
}

// Record persists e and returns the record with Sink set to where it landed.
func (r *Recorder) Record(ctx context.Context, e Entry) types.AuditRecord {
	rec := types.AuditRecord{
		RunID:     e.RunID,
		Stage:     e.Stage,
		Attempt:   e.Attempt,
		Input:     jsonutil.Summary(e.Input, r.max),
		Output:    jsonutil.Summary(e.Output, r.max),
		Note:      e.Note,
		Terminal:  e.Terminal,
		Timestamp: r.stamp(),
	}
	if rec.Attempt <= 0 {
		rec.Attempt = 1
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}

	var primaryErr error
	if r.primary != nil {
		rec.Sink = SinkPrimary
		// 审计写入不受运行预算约束
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		primaryErr = r.primary.AppendAudit(wctx, rec)
		cancel()
		if primaryErr == nil {
			return rec
		}
		logger.Warnf("[audit] primary write %s/%s/%d failed: %v", rec.RunID, rec.Stage, rec.Attempt, primaryErr)
	} else {
		primaryErr = errors.New("no primary store")
	}

	rec.Sink = SinkFallback
	fallbackErr := r.fallback.Append(rec)
	if fallbackErr == nil {
		return rec
	}

	rec.Sink = SinkMemory
	r.mu.Lock()
	r.memory = append(r.memory, rec)
	r.mu.Unlock()
	logger.Errorf("[audit] record %s/%s/%d kept in memory only: primary=%v fallback=%v",
		rec.RunID, rec.Stage, rec.Attempt, primaryErr, fallbackErr)
	return rec
}

// stamp returns a strictly increasing timestamp so a run's records order by time.
func (r *Recorder) stamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.now()
	if !ts.After(r.last) {
		ts = r.last.Add(time.Microsecond)
	}
	r.last = ts
	return ts
}

// Memory returns the records no durable sink accepted.
func (r *Recorder) Memory() []types.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.AuditRecord, len(r.memory))
	copy(out, r.memory)
	return out
}

// Replay pushes fallback records into the primary store. Records already
// present are skipped; the number written is returned.
func (r *Recorder) Replay(ctx context.Context) (int, error) {
	if r.primary == nil {
		return 0, nil
	}
	recs, err := r.fallback.LoadAll()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		rec.Sink = SinkPrimary
		if err := r.primary.AppendAudit(ctx, rec); err != nil {
			logger.Debugf("[audit] replay skip %s/%s/%d: %v", rec.RunID, rec.Stage, rec.Attempt, err)
			continue
		}
		n++
	}
	return n, nil
}

func (r *Recorder) Close() error {
	return r.fallback.Close()
}
