package symptom

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/domain/contract"
	"github.com/careagent/pregnancy/internal/platform/agent"
)

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type mockContracts struct {
	contracts map[int64]*contract.Contract
}

func (m *mockContracts) Get(_ context.Context, id int64) (*contract.Contract, error) {
	c, ok := m.contracts[id]
	if !ok {
		return nil, contract.ErrNotFound
	}
	return c.Clone(), nil
}

type mockRecords struct {
	mu     sync.Mutex
	calls  [][]agent.Measurement
	result agent.Result
}

func (m *mockRecords) AddRecords(_ context.Context, _ int64, values []agent.Measurement) agent.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, values)
	return m.result
}

type mockReporter struct {
	mu       sync.Mutex
	warnings [][]string
	err      error
}

func (m *mockReporter) SymptomReport(_ context.Context, _ int64, warnings []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, warnings)
	return m.err
}

func newTestService(weeks map[int64]int) (*Service, *mockRecords, *mockReporter) {
	contracts := &mockContracts{contracts: map[int64]*contract.Contract{}}
	for id, week := range weeks {
		c := contract.New(id)
		if week >= 0 {
			c.SetWeek(week, testNow)
		}
		contracts.contracts[id] = c
	}
	records := &mockRecords{}
	reporter := &mockReporter{}
	svc := NewService(contracts, records, reporter, zerolog.Nop())
	svc.SetDispatchDelay(0)
	svc.SetClock(func() time.Time { return testNow })
	return svc, records, reporter
}

func TestService_RecordDispatches(t *testing.T) {
	svc, records, reporter := newTestService(map[int64]int{1: 20})

	r, err := svc.Record(context.Background(), 1, map[string]string{"vomiting": "2", "headache": "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.Wait()

	if len(r.Warnings) != 1 {
		t.Errorf("expected one warning at week 20, got %v", r.Warnings)
	}
	if len(reporter.warnings) != 1 || len(reporter.warnings[0]) != 1 {
		t.Errorf("expected the warning to be reported, got %v", reporter.warnings)
	}
	if len(records.calls) != 1 || len(records.calls[0]) != 2 {
		t.Errorf("expected two records stored, got %v", records.calls)
	}
}

func TestService_RecordUsesContractWeek(t *testing.T) {
	svc, _, _ := newTestService(map[int64]int{1: 10, 2: -1})

	r, _ := svc.Record(context.Background(), 1, map[string]string{"vomiting": "2"})
	if r.Urgent() {
		t.Error("vomiting twice before week 14 is not a warning")
	}
	r, _ = svc.Record(context.Background(), 2, map[string]string{"vomiting": "2"})
	if r.Urgent() {
		t.Error("unknown week must not count as week 14 or later")
	}
	svc.Wait()
}

func TestService_NormalReportStillNotifies(t *testing.T) {
	svc, _, reporter := newTestService(map[int64]int{1: 20})
	if _, err := svc.Record(context.Background(), 1, map[string]string{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.Wait()
	if len(reporter.warnings) != 1 || len(reporter.warnings[0]) != 0 {
		t.Errorf("expected a reassurance with no warnings, got %v", reporter.warnings)
	}
}

func TestService_UnknownContract(t *testing.T) {
	svc, records, reporter := newTestService(nil)
	_, err := svc.Record(context.Background(), 9, map[string]string{"headache": "7"})
	if !errors.Is(err, contract.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	svc.Wait()
	if len(records.calls) != 0 || len(reporter.warnings) != 0 {
		t.Error("nothing should be dispatched for an unknown contract")
	}
}

func TestService_DispatchFailuresAreSwallowed(t *testing.T) {
	svc, records, reporter := newTestService(map[int64]int{1: 20})
	reporter.err = errors.New("agent down")
	records.result = agent.Result{Status: agent.StatusTimeout, Err: context.DeadlineExceeded}

	if _, err := svc.Record(context.Background(), 1, map[string]string{"headache": "9"}); err != nil {
		t.Fatalf("dispatch failures must not reach the caller: %v", err)
	}
	svc.Wait()
	if len(records.calls) != 1 {
		t.Error("records should still be attempted after a failed notification")
	}
}

func TestService_DispatchOutlivesRequestContext(t *testing.T) {
	svc, records, _ := newTestService(map[int64]int{1: 20})
	svc.SetDispatchDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := svc.Record(ctx, 1, map[string]string{"headache": "2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	svc.Wait()
	if len(records.calls) != 1 {
		t.Error("expected dispatch after the request finished")
	}
}
