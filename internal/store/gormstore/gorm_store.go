package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeagent/internal/store"
	storemodel "tradeagent/internal/store/model"
	"tradeagent/internal/types"
)

type auditRecordModel = storemodel.AuditRecordModel

// ErrDuplicate is returned when (run_id, stage, attempt) already exists.
var ErrDuplicate = errors.New("audit record already exists")

// GormStore is the SQLite audit store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database. Schema provisioning is a separate step
// (Migrate) owned by the app builder.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 审计库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Migrate creates or upgrades the audit tables.
func (s *GormStore) Migrate() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	return s.db.AutoMigrate(&auditRecordModel{})
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ store.AuditWriter = (*GormStore)(nil)
	_ store.AuditReader = (*GormStore)(nil)
)

// AppendAudit inserts one record. Records are never updated.
func (s *GormStore) AppendAudit(ctx context.Context, rec types.AuditRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	m := newAuditModel(rec)
	err := s.db.WithContext(ctx).Create(&m).Error
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s/%d", ErrDuplicate, rec.RunID, rec.Stage, rec.Attempt)
	}
	return err
}

// ListAudit returns the trail of one run in write order.
func (s *GormStore) ListAudit(ctx context.Context, runID string) ([]types.AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var rows []auditRecordModel
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.AuditRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, auditModelToRecord(m))
	}
	return out, nil
}

// ListRuns summarises the most recent runs, newest first.
func (s *GormStore) ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 {
		limit = 20
	}
	var rows []storemodel.RunSummaryRow
	if err := s.db.WithContext(ctx).
		Model(&auditRecordModel{}).
		Select("run_id, COUNT(*) AS records, MIN(ts) AS started_at, MAX(ts) AS ended_at").
		Group("run_id").
		Order("started_at DESC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.RunID)
	}
	var terminals []auditRecordModel
	if err := s.db.WithContext(ctx).
		Where("run_id IN ? AND terminal = ?", ids, true).
		Order("id ASC").
		Find(&terminals).Error; err != nil {
		return nil, err
	}
	byRun := make(map[string]auditRecordModel, len(terminals))
	for _, t := range terminals {
		byRun[t.RunID] = t
	}
	out := make([]store.RunSummary, 0, len(rows))
	for _, r := range rows {
		sum := store.RunSummary{
			RunID:     r.RunID,
			Status:    types.RunRunning,
			Records:   r.Records,
			StartedAt: millisToTime(r.StartedAt),
			EndedAt:   millisToTime(r.EndedAt),
		}
		if t, ok := byRun[r.RunID]; ok {
			sum.TerminalStage = t.Stage
			sum.Error = t.Error
			sum.Status = terminalStatus(t)
		}
		out = append(out, sum)
	}
	return out, nil
}

func terminalStatus(t auditRecordModel) types.RunStatus {
	switch {
	case t.Stage == types.StageAbort:
		return types.RunAborted
	case t.Error != "":
		return types.RunFailed
	default:
		return types.RunSuccess
	}
}

type auditMeta struct {
	Sink   string `json:"sink,omitempty"`
	TsNano int64  `json:"ts_nano,omitempty"`
}

func newAuditModel(rec types.AuditRecord) auditRecordModel {
	meta, _ := json.Marshal(auditMeta{Sink: rec.Sink, TsNano: rec.Timestamp.UnixNano()})
	return auditRecordModel{
		RunID:     rec.RunID,
		Stage:     rec.Stage,
		Attempt:   rec.Attempt,
		Input:     rec.Input,
		Output:    rec.Output,
		Error:     rec.Error,
		Note:      rec.Note,
		Terminal:  rec.Terminal,
		Meta:      datatypes.JSON(meta),
		Timestamp: rec.Timestamp.UnixMilli(),
	}
}

func auditModelToRecord(m auditRecordModel) types.AuditRecord {
	rec := types.AuditRecord{
		RunID:     m.RunID,
		Stage:     m.Stage,
		Attempt:   m.Attempt,
		Input:     m.Input,
		Output:    m.Output,
		Error:     m.Error,
		Note:      m.Note,
		Terminal:  m.Terminal,
		Timestamp: millisToTime(m.Timestamp),
	}
	var meta auditMeta
	if len(m.Meta) > 0 && json.Unmarshal(m.Meta, &meta) == nil {
		rec.Sink = meta.Sink
		if meta.TsNano > 0 {
			rec.Timestamp = time.Unix(0, meta.TsNano)
		}
	}
	return rec
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
