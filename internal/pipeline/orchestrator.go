// Package pipeline sequences one run: aggregate → compose → reason →
// validate → execute, auditing every stage boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tradeagent/internal/audit"
	"tradeagent/internal/execution"
	"tradeagent/internal/gateway/provider"
	"tradeagent/internal/logger"
	"tradeagent/internal/types"
)

type MarketCollector interface {
	Collect(ctx context.Context, assets []string) ([]types.MarketSnapshot, map[string]error)
}

type SentimentCollector interface {
	Collect(ctx context.Context, assets []string) ([]types.SentimentBundle, map[string]error)
}

// AccountReader reads balances and open positions for the portfolio slot.
type AccountReader interface {
	Account(ctx context.Context) (types.AccountSnapshot, error)
}

type Composer interface {
	Compose(snapshots []types.MarketSnapshot, bundles []types.SentimentBundle, account *types.AccountSnapshot) (types.ReasoningRequest, error)
}

type Reasoner interface {
	GenerateObserved(ctx context.Context, req types.ReasoningRequest, observe provider.Observer) (types.CandidateSignal, error)
}

type Validator interface {
	Validate(c types.CandidateSignal) (types.ValidatedSignal, []types.Adjustment, error)
}

type Executor interface {
	Execute(ctx context.Context, sig types.ValidatedSignal, key string) types.ExecutionResult
}

type Recorder interface {
	Record(ctx context.Context, e audit.Entry) types.AuditRecord
}

type Config struct {
	Assets []string
	Budget time.Duration
	// AccountAddress 仅写入审计记录。
	AccountAddress string
}

// Deps 编排器依赖，全部由 app 层注入。
type Deps struct {
	Market    MarketCollector
	Sentiment SentimentCollector
	Account   AccountReader // 可选
	Composer  Composer
	Reasoner  Reasoner
	Validator Validator
	Executor  Executor
	Recorder  Recorder
}

type Orchestrator struct {
	cfg   Config
	deps  Deps
	now   func() time.Time
	newID func() string
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.Budget <= 0 {
		cfg.Budget = 5 * time.Minute
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: time.Now, newID: uuid.NewString}
}

// Run executes one pipeline invocation. It never returns an error: the
// outcome is the returned Run's Status, Cause and audit trail.
func (o *Orchestrator) Run(ctx context.Context) *types.Run {
	run := types.NewRun(o.newID(), o.now())
	ctx = logger.WithRunID(ctx, run.ID)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()
	log := logger.Run(run.ID)
	log.Info("run started", "assets", strings.Join(o.cfg.Assets, ","), "budget", o.cfg.Budget.String())

	o.execute(ctx, run)

	log.Info("run finished", "status", string(run.Status), "records", len(run.Trail()), "cause", errString(run.Cause))
	return run
}

func (o *Orchestrator) execute(ctx context.Context, run *types.Run) {
	assets, ok := o.gather(ctx, run)
	if !ok {
		return
	}

	var req types.ReasoningRequest
	if err := runStage(ctx, run.ID, types.StageCompose, func(context.Context) error {
		var err error
		req, err = o.deps.Composer.Compose(filterSnapshots(run.Snapshots, assets), filterBundles(run.Sentiment, assets), run.Account)
		return err
	}); err != nil {
		o.abort(ctx, run, types.StageCompose, err)
		return
	}
	run.Request = &req

	var cand types.CandidateSignal
	if err := runStage(ctx, run.ID, types.StageReasoning, func(sctx context.Context) error {
		var err error
		cand, err = o.deps.Reasoner.GenerateObserved(sctx, req, o.observer(run))
		return err
	}); err != nil {
		o.abort(ctx, run, types.StageReasoning, err)
		return
	}
	run.Candidate = &cand

	sig, adjustments, err := o.deps.Validator.Validate(cand)
	o.record(ctx, run, audit.Entry{
		Stage:  types.StageValidation,
		Input:  cand,
		Output: validationOutput(sig, adjustments, err),
		Err:    err,
		Note:   adjustmentNote(adjustments),
	})
	if err != nil {
		o.abort(ctx, run, types.StageValidation, err)
		return
	}
	run.Signal = &sig

	if err := ctx.Err(); err != nil {
		o.abort(ctx, run, types.StageExecution, types.NewError(types.KindBudget, "before execution", err))
		return
	}

	key := execution.IdempotencyKey(run.ID, sig.Asset)
	var res types.ExecutionResult
	if err := runStage(ctx, run.ID, types.StageExecution, func(sctx context.Context) error {
		out := o.deps.Executor.Execute(sctx, sig, key)
		if sctx.Err() != nil {
			// 运行已放弃，结果只能进日志
			logger.Run(run.ID).Warn("execution finished after abandon", "key", key, "status", string(out.Status), "order_id", out.OrderID)
		}
		res = out
		return nil
	}); err != nil {
		o.abandonExecution(ctx, run, key, err)
		return
	}
	run.Execution = &res

	status := types.RunSuccess
	var cause error
	if !res.Status.Successful() {
		status = types.RunFailed
		cause = res.Cause
		if cause == nil {
			cause = fmt.Errorf("execution ended %s", res.Status)
		}
	}
	o.record(ctx, run, audit.Entry{
		Stage:    types.StageExecution,
		Attempt:  max(res.Attempts, 1),
		Input:    executionInput{Signal: sig, Key: key, Account: o.cfg.AccountAddress},
		Output:   res,
		Err:      cause,
		Note:     fmt.Sprintf("status=%s key=%s", res.Status, res.ClientOrderID),
		Terminal: true,
	})
	run.Finish(status, cause, o.now())
}

// gather runs market aggregation, sentiment collection and the optional
// account read concurrently, and returns the assets with both market and
// sentiment data.
func (o *Orchestrator) gather(ctx context.Context, run *types.Run) ([]string, bool) {
	var (
		snaps    []types.MarketSnapshot
		bundles  []types.SentimentBundle
		mErrs    map[string]error
		sErrs    map[string]error
		account  *types.AccountSnapshot
		aErr     error
		mElapsed time.Duration
		sElapsed time.Duration
	)
	err := runStage(ctx, run.ID, types.StageAggregate, func(sctx context.Context) error {
		var g errgroup.Group
		g.Go(func() error {
			start := time.Now()
			snaps, mErrs = o.deps.Market.Collect(sctx, o.cfg.Assets)
			mElapsed = time.Since(start)
			return nil
		})
		g.Go(func() error {
			start := time.Now()
			bundles, sErrs = o.deps.Sentiment.Collect(sctx, o.cfg.Assets)
			sElapsed = time.Since(start)
			return nil
		})
		if o.deps.Account != nil {
			g.Go(func() error {
				acct, err := o.deps.Account.Account(sctx)
				if err != nil {
					aErr = err
					return nil
				}
				account = &acct
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		o.abort(ctx, run, types.StageAggregate, err)
		return nil, false
	}
	run.Snapshots = snaps
	run.Sentiment = bundles
	run.Account = account

	mWarn := warnings("market", mErrs)
	sWarn := warnings("sentiment", sErrs)
	run.Warnings = append(run.Warnings, mWarn...)
	run.Warnings = append(run.Warnings, sWarn...)
	for _, w := range run.Warnings {
		logger.Run(run.ID).Warn("asset dropped", "reason", w)
	}

	o.record(ctx, run, audit.Entry{
		Stage:  types.StageAggregate,
		Input:  o.cfg.Assets,
		Output: snaps,
		Err:    joinErrors(mErrs),
		Note:   noteWithElapsed(mWarn, mElapsed),
	})
	o.record(ctx, run, audit.Entry{
		Stage:  types.StageSentiment,
		Input:  o.cfg.Assets,
		Output: bundles,
		Err:    joinErrors(sErrs),
		Note:   noteWithElapsed(sWarn, sElapsed),
	})
	if o.deps.Account != nil {
		note := ""
		if aErr != nil {
			note = "portfolio unavailable to the model"
			logger.Run(run.ID).Warn("account snapshot failed", "error", aErr.Error())
		}
		o.record(ctx, run, audit.Entry{
			Stage:  types.StageAccount,
			Input:  o.cfg.AccountAddress,
			Output: account,
			Err:    aErr,
			Note:   note,
		})
	}

	usable := usableAssets(o.cfg.Assets, snaps, sErrs)
	if len(usable) == 0 {
		o.abort(ctx, run, types.StageAggregate, types.ErrNoMarketData)
		return nil, false
	}
	return usable, true
}

// observer audits every reasoning attempt with its global attempt number.
func (o *Orchestrator) observer(run *types.Run) provider.Observer {
	return func(ctx context.Context, a provider.Attempt) {
		note := fmt.Sprintf("shape=%s outcome=%s duration=%s", a.Shape, a.Outcome, a.Duration.Round(time.Millisecond))
		if a.Escalated {
			note += " escalated"
		}
		o.record(ctx, run, audit.Entry{
			Stage:   types.StageReasoning,
			Attempt: a.Number,
			Input:   a.Request,
			Output:  a.Response,
			Err:     a.Err,
			Note:    note,
		})
	}
}

type executionInput struct {
	Signal  types.ValidatedSignal `json:"signal"`
	Key     string                `json:"idempotency_key"`
	Account string                `json:"account,omitempty"`
}

// abort ends a run that stopped before any order could be submitted.
func (o *Orchestrator) abort(ctx context.Context, run *types.Run, stage string, cause error) {
	o.terminate(ctx, run, stage, audit.Entry{
		Input:  stage,
		Output: "HOLD (no order submitted)",
		Note:   "aborted at " + stage,
	}, cause)
}

// abandonExecution ends a run whose Execute call did not return in time.
// The order may already be on the exchange; key is what reconciles it.
func (o *Orchestrator) abandonExecution(ctx context.Context, run *types.Run, key string, cause error) {
	o.terminate(ctx, run, types.StageExecution, audit.Entry{
		Input:  map[string]string{"stage": types.StageExecution, "idempotency_key": key, "account": o.cfg.AccountAddress},
		Output: "execution abandoned, order state unknown",
		Note:   "aborted at " + types.StageExecution + " key=" + key,
	}, cause)
}

// terminate writes the terminal abort record and freezes the run.
func (o *Orchestrator) terminate(ctx context.Context, run *types.Run, stage string, e audit.Entry, cause error) {
	if types.KindOf(cause) == types.KindBudget || errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %w", types.ErrBudgetExceeded, cause)
	}
	e.Stage = types.StageAbort
	e.Err = cause
	e.Terminal = true
	o.record(ctx, run, e)
	logger.Run(run.ID).Warn("run aborted", "stage", stage, "cause", errString(cause))
	run.Finish(types.RunAborted, cause, o.now())
}

// record persists e unless the run's terminal record is already written.
// Late writes come from abandoned stage goroutines and are only logged.
func (o *Orchestrator) record(ctx context.Context, run *types.Run, e audit.Entry) {
	e.RunID = run.ID
	if !run.Commit(func() types.AuditRecord { return o.deps.Recorder.Record(ctx, e) }) {
		logger.Run(run.ID).Warn("audit record after termination dropped", "stage", e.Stage, "attempt", e.Attempt)
	}
}

func usableAssets(assets []string, snaps []types.MarketSnapshot, sErrs map[string]error) []string {
	have := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		have[s.Asset] = true
	}
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		if !have[a] {
			continue
		}
		if _, failed := sErrs[a]; failed {
			continue
		}
		out = append(out, a)
	}
	return out
}

func filterSnapshots(in []types.MarketSnapshot, assets []string) []types.MarketSnapshot {
	keep := toSet(assets)
	out := make([]types.MarketSnapshot, 0, len(in))
	for _, s := range in {
		if keep[s.Asset] {
			out = append(out, s)
		}
	}
	return out
}

func filterBundles(in []types.SentimentBundle, assets []string) []types.SentimentBundle {
	keep := toSet(assets)
	out := make([]types.SentimentBundle, 0, len(in))
	for _, b := range in {
		if keep[b.Asset] {
			out = append(out, b)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

func warnings(source string, errs map[string]error) []string {
	if len(errs) == 0 {
		return nil
	}
	assets := make([]string, 0, len(errs))
	for a := range errs {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		out = append(out, fmt.Sprintf("%s %s dropped: %v", source, a, errs[a]))
	}
	return out
}

func joinErrors(errs map[string]error) error {
	if len(errs) == 0 {
		return nil
	}
	assets := make([]string, 0, len(errs))
	for a := range errs {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	list := make([]error, 0, len(assets))
	for _, a := range assets {
		list = append(list, fmt.Errorf("%s: %w", a, errs[a]))
	}
	return errors.Join(list...)
}

func noteWithElapsed(warn []string, elapsed time.Duration) string {
	note := "elapsed=" + elapsed.Round(time.Millisecond).String()
	if len(warn) > 0 {
		note += "; " + strings.Join(warn, "; ")
	}
	return note
}

func adjustmentNote(adj []types.Adjustment) string {
	if len(adj) == 0 {
		return ""
	}
	parts := make([]string, 0, len(adj))
	for _, a := range adj {
		parts = append(parts, fmt.Sprintf("%s clamped %g -> %g", a.Field, a.Original, a.Clamped))
	}
	return strings.Join(parts, "; ")
}

func validationOutput(sig types.ValidatedSignal, adj []types.Adjustment, err error) any {
	if err != nil {
		return nil
	}
	return map[string]any{"signal": sig, "adjustments": adj}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
