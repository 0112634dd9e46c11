package protocol

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/domain/contract"
	"github.com/careagent/pregnancy/internal/platform/lock"
	"github.com/careagent/pregnancy/internal/platform/telemetry"
)

// DefaultInterval is the pause between periodic passes.
const DefaultInterval = 5 * time.Minute

// DefaultLockWait bounds how long a contract's lock is waited for.
const DefaultLockWait = 30 * time.Second

// Store is the contract storage the engine reads and commits through.
type Store interface {
	OrderStore
	Get(ctx context.Context, id int64) (*contract.Contract, error)
	ListEvaluable(ctx context.Context) ([]int64, error)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store      Store
	Catalog    *catalog.Catalog
	Reconciler *Reconciler
	Trend      *TrendMonitor // optional
	Locker     lock.Locker
	Metrics    *telemetry.Metrics
	Interval   time.Duration
	LockWait   time.Duration
	Logger     zerolog.Logger
}

// Engine evaluates contracts on demand and in periodic passes. Work on one
// contract always happens under that contract's lock.
type Engine struct {
	store      Store
	catalog    *catalog.Catalog
	reconciler *Reconciler
	trend      *TrendMonitor
	locker     lock.Locker
	metrics    *telemetry.Metrics
	interval   time.Duration
	lockWait   time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocal()
	}
	return &Engine{
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		reconciler: cfg.Reconciler,
		trend:      cfg.Trend,
		locker:     cfg.Locker,
		metrics:    cfg.Metrics,
		interval:   cfg.Interval,
		lockWait:   cfg.LockWait,
		now:        time.Now,
		logger:     cfg.Logger,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start runs a pass immediately and then on every tick until ctx is done. A
// pass in progress finishes its current contract before Start returns.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info().Dur("interval", e.interval).Msg("protocol engine started")
	e.RunPass(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("protocol engine stopped")
			return
		case <-ticker.C:
			e.RunPass(ctx)
		}
	}
}

// PassSummary totals one periodic pass.
type PassSummary struct {
	Contracts int
	Evaluated int
	Faults    int
	Started   int
	Stopped   int
	Alerts    int
	Duration  time.Duration
}

// RunPass evaluates every active contract with a known gestation start, one
// at a time. A failing contract is logged and skipped. Cancelling ctx stops
// the pass between contracts.
func (e *Engine) RunPass(ctx context.Context) PassSummary {
	start := time.Now()
	var sum PassSummary

	ids, err := e.store.ListEvaluable(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("list evaluable contracts failed")
		return sum
	}
	sum.Contracts = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			e.logger.Info().Int("remaining", sum.Contracts-sum.Evaluated-sum.Faults).Msg("pass interrupted by shutdown")
			break
		}
		// the current contract is finished even if shutdown starts meanwhile
		rep, alerts, err := e.processContract(context.WithoutCancel(ctx), id)
		if err != nil {
			sum.Faults++
			e.metrics.ContractFault(ctx)
			e.logger.Error().Err(err).Int64("contract_id", id).Msg("contract evaluation failed")
			continue
		}
		sum.Evaluated++
		sum.Started += len(rep.Started)
		sum.Stopped += len(rep.Stopped)
		sum.Alerts += alerts
	}

	sum.Duration = time.Since(start)
	e.metrics.PassCompleted(ctx, sum.Duration)
	e.logger.Info().
		Int("contracts", sum.Contracts).
		Int("evaluated", sum.Evaluated).
		Int("faults", sum.Faults).
		Int("started", sum.Started).
		Int("stopped", sum.Stopped).
		Int("alerts", sum.Alerts).
		Dur("duration", sum.Duration).
		Msg("evaluation pass finished")
	return sum
}

// processContract is the per-contract fault boundary of a pass.
func (e *Engine) processContract(ctx context.Context, id int64) (rep Report, alerts int, err error) {
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			e.logger.Error().Int64("contract_id", id).Str("stack", string(stack[:n])).Msg("panic during evaluation")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	c, rep, err := e.evaluate(ctx, id)
	if err != nil {
		return rep, 0, err
	}
	if e.trend != nil && c != nil {
		alerts = e.trend.Check(ctx, c, e.now())
	}
	return rep, alerts, nil
}

// EvaluateContract runs one evaluation of contract id and returns what
// changed. Inactive contracts and contracts without a gestation start are
// left untouched. Once started the evaluation runs to completion even if ctx
// is cancelled, so that commands the agent confirmed are always committed.
func (e *Engine) EvaluateContract(ctx context.Context, id int64) (Report, error) {
	ctx = context.WithoutCancel(ctx)
	_, rep, err := e.evaluate(ctx, id)
	if err != nil {
		e.metrics.ContractFault(ctx)
	}
	return rep, err
}

// Trigger is the on-demand path run after a state change. Failures are
// logged only; the periodic pass retries them.
func (e *Engine) Trigger(ctx context.Context, id int64) {
	rep, err := e.EvaluateContract(ctx, id)
	if err != nil {
		e.logger.Error().Err(err).Int64("contract_id", id).Msg("on-demand evaluation failed")
		return
	}
	if rep.Failed > 0 {
		e.logger.Warn().Int64("contract_id", id).Int("failed", rep.Failed).Msg("on-demand evaluation left commands unconfirmed")
	}
}

func (e *Engine) evaluate(ctx context.Context, id int64) (*contract.Contract, Report, error) {
	rep := Report{ContractID: id, Started: []string{}, Stopped: []string{}}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	unlock, err := e.locker.Lock(lockCtx, lock.ContractKey(id))
	cancel()
	if err != nil {
		return nil, rep, fmt.Errorf("lock contract %d: %w", id, err)
	}
	defer unlock()

	c, err := e.store.Get(ctx, id)
	if errors.Is(err, contract.ErrNotFound) {
		return nil, rep, err
	}
	if err != nil {
		return nil, rep, fmt.Errorf("load contract %d: %w", id, err)
	}
	e.metrics.ContractEvaluated(ctx)
	if !c.Active {
		return c, rep, nil
	}

	d := Evaluate(c, e.catalog, e.now())
	rep.Week = d.Week
	if d.Empty() {
		return c, rep, nil
	}
	rep, err = e.reconciler.Reconcile(ctx, c, d)
	return c, rep, err
}
