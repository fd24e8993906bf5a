package audit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/types"
)

type memWriter struct {
	mu   sync.Mutex
	fail bool
	recs []types.AuditRecord
}

func (m *memWriter) AppendAudit(_ context.Context, rec types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database is locked")
	}
	m.recs = append(m.recs, rec)
	return nil
}

func TestRecordPrimary(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w, Config{FallbackPath: filepath.Join(t.TempDir(), "fb.jsonl")})

	rec := r.Record(context.Background(), Entry{
		RunID: "r1", Stage: types.StageValidation,
		Input:  map[string]any{"size": 1.5},
		Output: "ok",
		Note:   "clamped",
	})
	assert.Equal(t, SinkPrimary, rec.Sink)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, `{"size":1.5}`, rec.Input)
	assert.Equal(t, "ok", rec.Output)
	require.Len(t, w.recs, 1)
	assert.Equal(t, "clamped", w.recs[0].Note)
}

func TestRecordFallsBackToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "fb.jsonl")
	w := &memWriter{fail: true}
	r := NewRecorder(w, Config{FallbackPath: path})
	defer r.Close()

	rec := r.Record(context.Background(), Entry{RunID: "r1", Stage: types.StageExecution, Err: errors.New("boom"), Terminal: true})
	assert.Equal(t, SinkFallback, rec.Sink)
	assert.Equal(t, "boom", rec.Error)

	recs, err := NewFileLog(path).LoadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Terminal)
	assert.Equal(t, types.StageExecution, recs[0].Stage)
	assert.Empty(t, r.Memory())

	w.fail = false
	n, err := r.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, SinkPrimary, w.recs[0].Sink)
}

func TestRecordKeepsInMemoryWhenEverythingFails(t *testing.T) {
	// a directory cannot be opened as the fallback file
	r := NewRecorder(&memWriter{fail: true}, Config{FallbackPath: t.TempDir()})
	rec := r.Record(context.Background(), Entry{RunID: "r1", Stage: types.StageAbort})
	assert.Equal(t, SinkMemory, rec.Sink)
	assert.Len(t, r.Memory(), 1)
}

func TestRecordIgnoresCanceledContext(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := r.Record(ctx, Entry{RunID: "r1", Stage: types.StageAbort})
	assert.Equal(t, SinkPrimary, rec.Sink)
}

func TestRecordTruncatesAndOrders(t *testing.T) {
	r := NewRecorder(&memWriter{}, Config{MaxSummaryBytes: 8})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	a := r.Record(context.Background(), Entry{RunID: "r", Stage: "a", Output: strings.Repeat("x", 50)})
	b := r.Record(context.Background(), Entry{RunID: "r", Stage: "b"})
	assert.Equal(t, "xxxxxxxx...", a.Output)
	assert.True(t, b.Timestamp.After(a.Timestamp))
}
