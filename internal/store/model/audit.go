package model

import "gorm.io/datatypes"

// AuditRecordModel maps to 'audit_records'. (run_id, stage, attempt) is unique
// so a replayed write cannot duplicate a record.
type AuditRecordModel struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	RunID     string         `gorm:"column:run_id;uniqueIndex:idx_audit_key,priority:1;index:idx_audit_run"`
	Stage     string         `gorm:"column:stage;uniqueIndex:idx_audit_key,priority:2"`
	Attempt   int            `gorm:"column:attempt;uniqueIndex:idx_audit_key,priority:3"`
	Input     string         `gorm:"column:input"`
	Output    string         `gorm:"column:output"`
	Error     string         `gorm:"column:error"`
	Note      string         `gorm:"column:note"`
	Terminal  bool           `gorm:"column:terminal"`
	Meta      datatypes.JSON `gorm:"column:meta"`
	Timestamp int64          `gorm:"column:ts;index"`
}

func (AuditRecordModel) TableName() string { return "audit_records" }

// RunSummaryRow is the aggregate returned by the run listing query.
type RunSummaryRow struct {
	RunID     string `gorm:"column:run_id"`
	Records   int    `gorm:"column:records"`
	StartedAt int64  `gorm:"column:started_at"`
	EndedAt   int64  `gorm:"column:ended_at"`
}
