package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"tradeagent/internal/audit"
	"tradeagent/internal/config"
	"tradeagent/internal/logger"
	"tradeagent/internal/scheduler"
	"tradeagent/internal/store/gormstore"
	"tradeagent/internal/store/ledger"
	audithttp "tradeagent/internal/transport/http/audit"
	"tradeagent/internal/types"
)

// App 负责应用级编排：加载配置→初始化依赖→启动调度与审计查询服务。
type App struct {
	cfg        *config.Config
	scheduler  *scheduler.CycleScheduler
	recorder   *audit.Recorder
	auditStore *gormstore.GormStore
	ledger     *ledger.Ledger
	http       *audithttp.Server
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run 启动调度循环与 HTTP 服务；run_once 模式下执行一次后返回。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.scheduler == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	if a.cfg.Scheduler.RunOnce {
		run := a.scheduler.Tick(ctx)
		if run == nil {
			return errors.New("run skipped: circuit breaker open")
		}
		if run.Status != types.RunSuccess {
			cause := run.Cause
			if cause == nil {
				cause = errors.New("no cause recorded")
			}
			return fmt.Errorf("run %s finished %s: %w", run.ID, run.Status, cause)
		}
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("audit http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		a.scheduler.Start(ctx)
		return nil
	})
	return group.Wait()
}

// Close releases the stores. Safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logger.Warnf("close audit fallback: %v", err)
		}
		a.recorder = nil
	}
	if a.auditStore != nil {
		if err := a.auditStore.Close(); err != nil {
			logger.Warnf("close audit store: %v", err)
		}
		a.auditStore = nil
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warnf("close order ledger: %v", err)
		}
		a.ledger = nil
	}
}
