package store

import (
	"context"
	"time"

	"tradeagent/internal/types"
)

// AuditWriter is the primary sink of the audit recorder.
type AuditWriter interface {
	AppendAudit(ctx context.Context, rec types.AuditRecord) error
}

// AuditReader serves the read-only audit API.
type AuditReader interface {
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
	ListAudit(ctx context.Context, runID string) ([]types.AuditRecord, error)
}

// RunSummary 单次运行的审计概览。
type RunSummary struct {
	RunID         string          `json:"run_id"`
	Status        types.RunStatus `json:"status"`
	Records       int             `json:"records"`
	TerminalStage string          `json:"terminal_stage,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
}
