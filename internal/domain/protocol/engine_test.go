package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/domain/contract"
	"github.com/careagent/pregnancy/internal/platform/lock"
)

type engineFixture struct {
	*reconcilerFixture
	engine *Engine
	clock  time.Time
	mu     sync.Mutex
}

func newEngineFixture(t *testing.T, cs ...*contract.Contract) *engineFixture {
	t.Helper()
	f := &engineFixture{
		reconcilerFixture: &reconcilerFixture{
			cat:      defaultCatalog(t),
			agent:    newFakeAgent(),
			notifier: &fakeNotifier{},
			store:    newFakeStore(cs...),
		},
		clock: testNow,
	}
	f.rec = NewReconciler(f.cat, f.agent, f.notifier, f.store, nil, zerolog.Nop())
	f.engine = NewEngine(EngineConfig{
		Store:      f.store,
		Catalog:    f.cat,
		Reconciler: f.rec,
		Locker:     lock.NewLocal(),
		Interval:   10 * time.Millisecond,
		Logger:     zerolog.Nop(),
	})
	f.engine.SetClock(f.now)
	return f
}

func (f *engineFixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *engineFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.clock = f.clock.Add(d)
	f.mu.Unlock()
}

func TestRunPass_EvaluatesActiveContractsWithStart(t *testing.T) {
	inactive := newContract(2, 13, nil)
	inactive.Active = false
	noStart := contract.New(3)

	f := newEngineFixture(t, newContract(1, 13, nil), inactive, noStart)
	sum := f.engine.RunPass(context.Background())

	assert.Equal(t, 1, sum.Contracts)
	assert.Equal(t, 1, sum.Evaluated)
	assert.Equal(t, 2, sum.Started)
	assert.Zero(t, sum.Faults)
	assert.Equal(t, ids(orderTemperature, orderPressure), f.store.current(1))
	assert.Empty(t, f.store.current(2))
	assert.Empty(t, f.store.current(3))
}

func TestRunPass_WeekTransitionBetweenPasses(t *testing.T) {
	f := newEngineFixture(t, newContract(1, 13, nil))
	ctx := context.Background()

	first := f.engine.RunPass(ctx)
	assert.Equal(t, 2, first.Started)

	f.advance(contract.Week)
	second := f.engine.RunPass(ctx)
	assert.Equal(t, 2, second.Started)
	assert.Zero(t, second.Stopped)
	assert.Equal(t, ids(orderTemperature, orderPressure, orderWeight, orderWaist), f.store.current(1))

	third := f.engine.RunPass(ctx)
	assert.Zero(t, third.Started+third.Stopped)
}

func TestRunPass_FaultDoesNotAbortPass(t *testing.T) {
	f := newEngineFixture(t, newContract(1, 13, nil), newContract(2, 13, nil), newContract(3, 13, nil))
	f.store.getErr[2] = errors.New("corrupt row")

	sum := f.engine.RunPass(context.Background())
	assert.Equal(t, 3, sum.Contracts)
	assert.Equal(t, 2, sum.Evaluated)
	assert.Equal(t, 1, sum.Faults)
	assert.Len(t, f.store.current(1), 2)
	assert.Len(t, f.store.current(3), 2)
}

func TestRunPass_RecoversPanics(t *testing.T) {
	f := newEngineFixture(t, newContract(1, 13, nil), newContract(2, 13, nil))
	f.agent.panicOn = 1

	var sum PassSummary
	require.NotPanics(t, func() { sum = f.engine.RunPass(context.Background()) })
	assert.Equal(t, 1, sum.Faults)
	assert.Equal(t, 1, sum.Evaluated)
	assert.Len(t, f.store.current(2), 2)

	// the panicking contract's lock was released
	f.agent.panicOn = 0
	_, err := f.engine.EvaluateContract(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, f.store.current(1), 2)
}

func TestRunPass_CancelledBeforeStart(t *testing.T) {
	f := newEngineFixture(t, newContract(1, 13, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := f.engine.RunPass(ctx)
	assert.Zero(t, sum.Evaluated)
	assert.Empty(t, f.agent.sent())
}

func TestEvaluateContract(t *testing.T) {
	inactive := newContract(2, 20, []catalog.RiskCode{"risk_pe"})
	inactive.Active = false
	f := newEngineFixture(t, newContract(1, 20, []catalog.RiskCode{"risk_pe"}), inactive)
	ctx := context.Background()

	rep, err := f.engine.EvaluateContract(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.ContractID)
	assert.Equal(t, 20, rep.Week)
	assert.Len(t, rep.Started, 6)

	rep, err = f.engine.EvaluateContract(ctx, 2)
	require.NoError(t, err)
	assert.True(t, rep.Empty())
	assert.Empty(t, f.store.current(2))

	_, err = f.engine.EvaluateContract(ctx, 404)
	require.ErrorIs(t, err, contract.ErrNotFound)
}

func TestTrigger_SwallowsErrors(t *testing.T) {
	f := newEngineFixture(t)
	assert.NotPanics(t, func() { f.engine.Trigger(context.Background(), 404) })
}

func TestEvaluateContract_CommitsAfterCallerCancels(t *testing.T) {
	f := newEngineFixture(t, newContract(7, 13, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.agent.onSend = cancel

	rep, err := f.engine.EvaluateContract(ctx, 7)
	require.NoError(t, err)
	require.Len(t, rep.Started, 2)
	require.Error(t, ctx.Err())
	assert.Len(t, f.store.current(7), 2)

	// the next pass finds nothing left to start
	f.agent.onSend = nil
	f.engine.RunPass(context.Background())
	assert.Len(t, f.agent.sent(), 2)
}

func TestEngine_NoDoubleStartUnderConcurrency(t *testing.T) {
	f := newEngineFixture(t, newContract(1, 20, []catalog.RiskCode{"risk_pe"}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.engine.RunPass(ctx)
		}()
		go func() {
			defer wg.Done()
			f.engine.Trigger(ctx, 1)
		}()
	}
	wg.Wait()

	starts := map[string]int{}
	for _, s := range f.agent.sent() {
		starts[s.Params]++
	}
	assert.Len(t, f.agent.sent(), 6)
	for params, n := range starts {
		assert.Equal(t, 1, n, "order %s started %d times", params, n)
	}
}

func TestEngine_LockTimeoutIsAFault(t *testing.T) {
	f := newEngineFixture(t, newContract(1, 13, nil))
	locker := lock.NewLocal()
	f.engine.locker = locker
	f.engine.lockWait = 20 * time.Millisecond

	unlock, err := locker.Lock(context.Background(), lock.ContractKey(1))
	require.NoError(t, err)
	defer unlock()

	sum := f.engine.RunPass(context.Background())
	assert.Equal(t, 1, sum.Faults)
	assert.Empty(t, f.agent.sent())
}

func TestEngine_StartStopsOnCancel(t *testing.T) {
	f := newEngineFixture(t, newContract(1, 13, nil))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.engine.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(f.store.current(1)) == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop after cancel")
	}
}

func TestEngine_RunsTrendMonitorInPass(t *testing.T) {
	records := newFakeRecords()
	records.fresh["weight"] = recs(testNow.Add(-10*time.Minute), 72)
	records.trailing["weight"] = recs(testNow.Add(-6*24*time.Hour), 70, 70)
	alerts := &fakeAlerts{}

	f := newEngineFixture(t, newContract(1, 20, nil))
	f.engine.trend = NewTrendMonitor(records, alerts, time.Hour, zerolog.Nop())

	sum := f.engine.RunPass(context.Background())
	assert.Equal(t, 1, sum.Alerts)
	require.Len(t, alerts.calls, 1)
	assert.Equal(t, int64(1), alerts.calls[0].ContractID)
}
