package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/audit"
	"tradeagent/internal/decision"
	"tradeagent/internal/execution"
	"tradeagent/internal/gateway/provider"
	"tradeagent/internal/prompt"
	"tradeagent/internal/types"
)

var now = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeMarket struct {
	snaps []types.MarketSnapshot
	errs  map[string]error
}

func (f fakeMarket) Collect(context.Context, []string) ([]types.MarketSnapshot, map[string]error) {
	return f.snaps, f.errs
}

type fakeSentiment struct {
	bundles []types.SentimentBundle
	errs    map[string]error
}

func (f fakeSentiment) Collect(context.Context, []string) ([]types.SentimentBundle, map[string]error) {
	return f.bundles, f.errs
}

type captureComposer struct {
	inner *prompt.Composer
	got   []types.MarketSnapshot
	panic bool
}

func (c *captureComposer) Compose(s []types.MarketSnapshot, b []types.SentimentBundle, a *types.AccountSnapshot) (types.ReasoningRequest, error) {
	if c.panic {
		panic("template exploded")
	}
	c.got = s
	return c.inner.Compose(s, b, a)
}

type fakeAccount struct {
	acct types.AccountSnapshot
	err  error
}

func (f fakeAccount) Account(context.Context) (types.AccountSnapshot, error) {
	return f.acct, f.err
}

type fakeReasoner struct {
	cand  types.CandidateSignal
	err   error
	block bool
	calls int
	// lateDone, when set, is closed after an attempt observed past the budget.
	lateDone chan struct{}
}

func (f *fakeReasoner) GenerateObserved(ctx context.Context, req types.ReasoningRequest, observe provider.Observer) (types.CandidateSignal, error) {
	f.calls++
	if f.lateDone != nil {
		defer close(f.lateDone)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		observe(ctx, provider.Attempt{Number: 1, Shape: provider.ShapeNative, Request: req.Prompt, Err: ctx.Err(), Outcome: "transient"})
		return types.CandidateSignal{}, ctx.Err()
	}
	if f.block {
		<-ctx.Done()
		return types.CandidateSignal{}, ctx.Err()
	}
	a := provider.Attempt{Number: 1, Shape: provider.ShapeNative, Request: req.Prompt, Response: f.cand.Raw, Err: f.err, Outcome: "ok"}
	if f.err != nil {
		a.Outcome = "auth"
	}
	observe(ctx, a)
	return f.cand, f.err
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []types.ValidatedSignal
	keys  []string
	res   types.ExecutionResult
	delay time.Duration
}

func (f *fakeExecutor) Execute(_ context.Context, sig types.ValidatedSignal, key string) types.ExecutionResult {
	f.mu.Lock()
	f.calls = append(f.calls, sig)
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	// 模拟已下单、确认缓慢的交易所
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.res
	res.Signal = sig
	res.ClientOrderID = key
	if res.Status == "" {
		res.Status = types.OrderFilled
		res.Attempts = 1
		res.Transitions = []types.OrderStatus{types.OrderPending, types.OrderSubmitted, types.OrderFilled}
	}
	return res
}

type memWriter struct {
	mu   sync.Mutex
	recs []types.AuditRecord
}

func (m *memWriter) AppendAudit(_ context.Context, rec types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memWriter) stages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return stages(m.recs)
}

func (m *memWriter) last() types.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[len(m.recs)-1]
}

func snapshot(asset string, price float64) types.MarketSnapshot {
	return types.MarketSnapshot{Asset: asset, Timestamp: now, Indicators: map[string]float64{"price": price, "vol": 0.02}}
}

func bundle(asset string, texts ...string) types.SentimentBundle {
	b := types.SentimentBundle{Asset: asset, Timestamp: now}
	for _, t := range texts {
		b.Items = append(b.Items, types.NewsItem{Text: t, Source: "wire", Recency: time.Hour})
	}
	return b
}

type harness struct {
	orch     *Orchestrator
	writer   *memWriter
	composer *captureComposer
	reasoner *fakeReasoner
	executor *fakeExecutor
}

func newHarness(t *testing.T, market fakeMarket, sentiment fakeSentiment, cand types.CandidateSignal) *harness {
	t.Helper()
	reg, err := prompt.NewRegistry("")
	require.NoError(t, err)
	h := &harness{
		writer:   &memWriter{},
		composer: &captureComposer{inner: prompt.NewComposer(reg, "test")},
		reasoner: &fakeReasoner{cand: cand},
		executor: &fakeExecutor{},
	}
	assets := []string{"BTC", "ETH", "SOL"}
	h.orch = NewOrchestrator(Config{Assets: assets, Budget: 2 * time.Second}, Deps{
		Market:    market,
		Sentiment: sentiment,
		Composer:  h.composer,
		Reasoner:  h.reasoner,
		Validator: decision.NewValidator(assets, 0.01, 10),
		Executor:  h.executor,
		Recorder:  audit.NewRecorder(h.writer, audit.Config{}),
	})
	h.orch.newID = func() string { return "run-test" }
	h.orch.cfg.AccountAddress = "0xabc"
	return h
}

func stages(recs []types.AuditRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Stage)
	}
	return out
}

func buyBTC() types.CandidateSignal {
	return types.CandidateSignal{Action: "BUY", Asset: "BTC", Size: 1.4, Confidence: 0.9, Rationale: "rally", Raw: `{"action":"BUY"}`}
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC", "rally continues")}},
		buyBTC(),
	)

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunSuccess, run.Status)
	assert.NoError(t, run.Cause)
	assert.True(t, run.Finished())
	trail := run.Trail()
	assert.Equal(t, []string{
		types.StageAggregate, types.StageSentiment, types.StageReasoning, types.StageValidation, types.StageExecution,
	}, stages(trail))
	assert.Len(t, h.writer.recs, 5)
	assert.Contains(t, trail[3].Note, "size clamped 1.4 -> 1")
	assert.True(t, trail[4].Terminal)
	assert.Contains(t, trail[4].Input, "0xabc")
	assert.Contains(t, trail[4].Input, h.executor.keys[0])
	for _, r := range trail[:4] {
		assert.False(t, r.Terminal)
		assert.Equal(t, "run-test", r.RunID)
	}

	require.Len(t, h.executor.calls, 1)
	assert.Equal(t, 1.0, h.executor.calls[0].Size)
	assert.Equal(t, types.ActionBuy, h.executor.calls[0].Action)
	require.NotNil(t, run.Request)
	assert.Contains(t, run.Request.Prompt, "rally continues")
	assert.Contains(t, run.Request.Prompt, "65000")
}

func TestRun_PartialDataSurvives(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000), snapshot("ETH", 3000), snapshot("SOL", 150)}},
		fakeSentiment{
			bundles: []types.SentimentBundle{bundle("BTC", "a"), bundle("SOL", "c")},
			errs:    map[string]error{"ETH": types.NewError(types.KindTransient, "news", errors.New("timeout"))},
		},
		buyBTC(),
	)

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunSuccess, run.Status)
	var assets []string
	for _, s := range h.composer.got {
		assets = append(assets, s.Asset)
	}
	assert.Equal(t, []string{"BTC", "SOL"}, assets)
	require.Len(t, run.Warnings, 1)
	assert.Contains(t, run.Warnings[0], "ETH")
	assert.Contains(t, run.Trail()[1].Note, "ETH")
}

func TestRun_NoUsableAssetsAborts(t *testing.T) {
	h := newHarness(t,
		fakeMarket{errs: map[string]error{"BTC": errors.New("down"), "ETH": errors.New("down"), "SOL": errors.New("down")}},
		fakeSentiment{},
		buyBTC(),
	)

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunAborted, run.Status)
	assert.ErrorIs(t, run.Cause, types.ErrNoMarketData)
	assert.Zero(t, h.reasoner.calls)
	assert.Empty(t, h.executor.calls)
	trail := run.Trail()
	assert.Equal(t, []string{types.StageAggregate, types.StageSentiment, types.StageAbort}, stages(trail))
	assert.True(t, trail[2].Terminal)
}

func TestRun_ReasoningFailureAborts(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		types.CandidateSignal{},
	)
	h.reasoner.err = types.ErrReasoningAuth

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunAborted, run.Status)
	assert.ErrorIs(t, run.Cause, types.ErrReasoningAuth)
	assert.Equal(t, []string{types.StageAggregate, types.StageSentiment, types.StageReasoning, types.StageAbort}, stages(run.Trail()))
	assert.Empty(t, h.executor.calls)
}

func TestRun_ValidationFailureAborts(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		types.CandidateSignal{Action: "BUY", Asset: "DOGE", Size: 0.5},
	)

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunAborted, run.Status)
	assert.ErrorIs(t, run.Cause, types.ErrValidation)
	trail := run.Trail()
	assert.Equal(t, []string{types.StageAggregate, types.StageSentiment, types.StageReasoning, types.StageValidation, types.StageAbort}, stages(trail))
	assert.Contains(t, trail[3].Error, "rule asset")
	assert.Empty(t, h.executor.calls)
}

func TestRun_BudgetExceededNeverExecutes(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		buyBTC(),
	)
	h.orch.cfg.Budget = 50 * time.Millisecond
	h.reasoner.block = true

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunAborted, run.Status)
	assert.ErrorIs(t, run.Cause, types.ErrBudgetExceeded)
	assert.Empty(t, h.executor.calls)
	trail := run.Trail()
	last := trail[len(trail)-1]
	assert.Equal(t, types.StageAbort, last.Stage)
	assert.True(t, last.Terminal)
}

func TestRun_StagePanicIsRecorded(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		buyBTC(),
	)
	h.composer.panic = true

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunAborted, run.Status)
	require.Error(t, run.Cause)
	assert.Contains(t, run.Cause.Error(), "panic")
	trail := run.Trail()
	assert.Equal(t, types.StageAbort, trail[len(trail)-1].Stage)
}

func TestRun_ExecutionRejectedFails(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		buyBTC(),
	)
	h.executor.res = types.ExecutionResult{
		Status:   types.OrderRejected,
		Attempts: 1,
		Cause:    types.NewError(types.KindRejected, "place order", errors.New("insufficient margin")),
	}

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunFailed, run.Status)
	assert.ErrorIs(t, run.Cause, types.ErrExecutionRejected)
	trail := run.Trail()
	last := trail[len(trail)-1]
	assert.Equal(t, types.StageExecution, last.Stage)
	assert.True(t, last.Terminal)
	assert.Contains(t, last.Error, "insufficient margin")
}

func TestRun_AbandonedExecutionIsAuditedAsUnknown(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		buyBTC(),
	)
	h.orch.cfg.Budget = 100 * time.Millisecond
	h.executor.delay = 200 * time.Millisecond

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunAborted, run.Status)
	assert.ErrorIs(t, run.Cause, types.ErrBudgetExceeded)
	trail := run.Trail()
	last := trail[len(trail)-1]
	assert.Equal(t, types.StageAbort, last.Stage)
	assert.True(t, last.Terminal)
	assert.Equal(t, "execution abandoned, order state unknown", last.Output)
	assert.NotContains(t, last.Output, "no order submitted")
	assert.Contains(t, last.Input, execution.IdempotencyKey("run-test", "BTC"))
	assert.Equal(t, last.Output, h.writer.last().Output)
}

func TestRun_LateReasoningAttemptIsNotPersisted(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		buyBTC(),
	)
	h.orch.cfg.Budget = 50 * time.Millisecond
	h.reasoner.lateDone = make(chan struct{})

	run := h.orch.Run(context.Background())
	select {
	case <-h.reasoner.lateDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reasoner never returned")
	}

	want := []string{types.StageAggregate, types.StageSentiment, types.StageAbort}
	assert.Equal(t, want, stages(run.Trail()))
	assert.Equal(t, want, h.writer.stages())
}

func TestRun_AccountSnapshotReachesPrompt(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		buyBTC(),
	)
	h.orch.deps.Account = fakeAccount{acct: types.AccountSnapshot{
		WalletBalance: 1000,
		Positions:     []types.Position{{Asset: "BTC", Symbol: "BTCUSDT", Quantity: 0.02, EntryPrice: 60000, Leverage: 2}},
	}}

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunSuccess, run.Status)
	trail := run.Trail()
	assert.Equal(t, []string{
		types.StageAggregate, types.StageSentiment, types.StageAccount,
		types.StageReasoning, types.StageValidation, types.StageExecution,
	}, stages(trail))
	assert.Equal(t, "0xabc", trail[2].Input)
	require.NotNil(t, run.Account)
	require.NotNil(t, run.Request)
	assert.Same(t, run.Account, run.Request.Account)
	assert.Contains(t, run.Request.Prompt, "- BTC long qty=0.02")
}

func TestRun_AccountFailureIsAWarning(t *testing.T) {
	h := newHarness(t,
		fakeMarket{snaps: []types.MarketSnapshot{snapshot("BTC", 65000)}},
		fakeSentiment{bundles: []types.SentimentBundle{bundle("BTC")}},
		buyBTC(),
	)
	h.orch.deps.Account = fakeAccount{err: types.NewError(types.KindTransient, "account", errors.New("timeout"))}

	run := h.orch.Run(context.Background())

	assert.Equal(t, types.RunSuccess, run.Status)
	trail := run.Trail()
	require.Equal(t, types.StageAccount, trail[2].Stage)
	assert.Contains(t, trail[2].Error, "timeout")
	assert.Nil(t, run.Account)
	assert.Contains(t, run.Request.Prompt, "account status unavailable")
}
