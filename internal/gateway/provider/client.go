package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradeagent/internal/decision"
	"tradeagent/internal/logger"
	"tradeagent/internal/pkg/retry"
	"tradeagent/internal/types"
)

// Config 推理客户端配置，由 app 层从 config.ReasoningConfig 转换而来。
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	CompatModel string
	Shape       string
	Effort      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Policy      retry.Policy
	Schema      map[string]any
}

// Attempt describes one HTTP round trip. Number is global across shapes.
type Attempt struct {
	Number    int
	Shape     Shape
	Request   string
	Response  string
	Err       error
	Outcome   string
	Duration  time.Duration
	Escalated bool
}

// Observer is called once per attempt, after the attempt finished.
type Observer func(ctx context.Context, a Attempt)

// Client calls the reasoning service and falls back between shapes.
type Client struct {
	cfg      Config
	http     *http.Client
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithObserver installs the default per-attempt observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultPolicy
	}
	c := &Client{cfg: cfg, http: &http.Client{}, sleep: retry.Sleep}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartShape reports the shape the first attempt uses.
func (c *Client) StartShape() Shape { return StartShape(c.cfg.BaseURL, c.cfg.Shape) }

// machine is the fallback state: current shape, global attempt counter,
// attempts spent on the current shape and whether the one escalation was used.
type machine struct {
	shape     Shape
	attempt   int
	onShape   int
	escalated bool
}

// escalate moves native → compat once. Compat never escalates back.
func (m *machine) escalate() bool {
	if m.escalated || m.shape != ShapeNative {
		return false
	}
	m.shape = ShapeCompat
	m.escalated = true
	m.onShape = 0
	return true
}

// Generate runs the request through the fallback state machine using the
// client's observer.
func (c *Client) Generate(ctx context.Context, req types.ReasoningRequest) (types.CandidateSignal, error) {
	return c.GenerateObserved(ctx, req, c.observer)
}

// GenerateObserved is Generate with an explicit per-call observer.
func (c *Client) GenerateObserved(ctx context.Context, req types.ReasoningRequest, observe Observer) (types.CandidateSignal, error) {
	m := &machine{shape: c.StartShape()}
	for {
		m.attempt++
		m.onShape++
		a := c.attempt(ctx, m, req)
		var cand types.CandidateSignal
		if a.Err == nil {
			var err error
			cand, err = decision.ParseCandidate(a.Response)
			a.Err = err
		}
		if a.Err == nil {
			a.Outcome = "ok"
			notify(ctx, observe, a)
			cand.Shape = string(m.shape)
			return cand, nil
		}

		out := classify(a.Err)
		a.Outcome = out.String()
		notify(ctx, observe, a)
		logger.Ctxf(ctx, slog.LevelWarn, "[reasoning] attempt %d (%s) failed: %s: %v", m.attempt, m.shape, out, a.Err)

		if ctx.Err() != nil {
			return types.CandidateSignal{}, fmt.Errorf("%w: %w", types.ErrReasoningUnavailable, ctx.Err())
		}
		switch out {
		case outcomeAuth:
			return types.CandidateSignal{}, fmt.Errorf("%w: %w", types.ErrReasoningAuth, a.Err)
		case outcomeUnsupported:
			if m.escalate() {
				continue
			}
			return types.CandidateSignal{}, fmt.Errorf("%w: %w", types.ErrReasoningUnavailable, a.Err)
		case outcomeMalformed:
			if m.escalate() {
				continue
			}
			return types.CandidateSignal{}, fmt.Errorf("%w: %w", types.ErrReasoningMalformed, a.Err)
		case outcomeTransient:
			if m.onShape < c.cfg.Policy.Attempts() {
				if err := c.sleep(ctx, c.backoff(m.onShape, a.Err)); err != nil {
					return types.CandidateSignal{}, fmt.Errorf("%w: %w", types.ErrReasoningUnavailable, err)
				}
				continue
			}
			if m.escalate() {
				continue
			}
			return types.CandidateSignal{}, fmt.Errorf("%w: %d attempts: %w", types.ErrReasoningUnavailable, m.attempt, a.Err)
		default:
			return types.CandidateSignal{}, fmt.Errorf("%w: %w", types.ErrReasoningUnavailable, a.Err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, m *machine, req types.ReasoningRequest) Attempt {
	a := Attempt{Number: m.attempt, Shape: m.shape, Escalated: m.escalated}
	start := time.Now()

	build, parse := buildNative, parseNative
	if m.shape == ShapeCompat {
		build, parse = buildCompat, parseCompat
	}
	body, err := build(c.cfg, req)
	if err != nil {
		a.Err = types.NewError(types.KindUnknown, "build reasoning request", err)
		a.Duration = time.Since(start)
		return a
	}
	a.Request = string(body)
	runID := logger.RunID(ctx)
	logger.LogLLMRequest(string(m.shape), runID, req.System, req.Prompt, a.Request)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	raw, err := post(callCtx, c.http, m.shape.endpoint(c.cfg.BaseURL), c.cfg.APIKey, body)
	if err != nil {
		a.Err = err
		a.Duration = time.Since(start)
		return a
	}
	logger.LogLLMResponse(string(m.shape), runID, string(raw))
	text, err := parse(raw)
	if err != nil {
		a.Response, a.Err = string(raw), err
	} else {
		a.Response = text
	}
	a.Duration = time.Since(start)
	return a
}

// backoff honours Retry-After when the server sent one, capped by the policy.
func (c *Client) backoff(onShape int, err error) time.Duration {
	d := c.cfg.Policy.Delay(onShape)
	var se *statusError
	if errors.As(err, &se) && se.RetryAfter > d {
		d = se.RetryAfter
		if max := c.cfg.Policy.Max; max > 0 && d > max {
			d = max
		}
	}
	return d
}

func notify(ctx context.Context, observe Observer, a Attempt) {
	if observe != nil {
		observe(ctx, a)
	}
}
