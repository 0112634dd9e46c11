package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/domain/contract"
	"github.com/careagent/pregnancy/internal/platform/agent"
)

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func defaultCatalog(t testing.TB) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	return cat
}

func intPtr(v int) *int { return &v }

// newContract returns an active contract at the start of week.
func newContract(id int64, week int, risks []catalog.RiskCode, current ...catalog.OrderID) *contract.Contract {
	c := contract.New(id)
	c.SetWeek(week, testNow)
	c.RiskCodes = catalog.NewRiskSet(risks...)
	c.CurrentOrders = contract.NewOrderSet(current...)
	return c
}

func ids(v ...catalog.OrderID) []catalog.OrderID { return v }

// -- Fake contract store --

type fakeStore struct {
	mu        sync.Mutex
	contracts map[int64]*contract.Contract
	getErr    map[int64]error
	saveErr   error
	saves     int
}

func newFakeStore(cs ...*contract.Contract) *fakeStore {
	s := &fakeStore{contracts: map[int64]*contract.Contract{}, getErr: map[int64]error{}}
	for _, c := range cs {
		s.contracts[c.ID] = c.Clone()
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id int64) (*contract.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[id]; err != nil {
		return nil, err
	}
	c, ok := s.contracts[id]
	if !ok {
		return nil, contract.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *fakeStore) SaveOrders(ctx context.Context, id int64, ch contract.OrderChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	c, ok := s.contracts[id]
	if !ok {
		return contract.ErrNotFound
	}
	c.Apply(ch)
	s.saves++
	return nil
}

func (s *fakeStore) ListEvaluable(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, c := range s.contracts {
		if c.Active && c.GestationStart != nil {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fakeStore) current(id int64) []catalog.OrderID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contracts[id].CurrentOrders.IDs()
}

func (s *fakeStore) done(id int64) []catalog.OrderID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contracts[id].DoneOrders.IDs()
}

// -- Fake monitoring agent --

type sentOrder struct {
	ContractID int64
	Command    string
	Params     string
}

type fakeAgent struct {
	mu      sync.Mutex
	calls   []sentOrder
	fail    map[string]agent.Status // keyed by params
	panicOn int64
	onSend  func() // runs after every confirmed command
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{fail: map[string]agent.Status{}}
}

func (a *fakeAgent) failParams(params json.RawMessage, status agent.Status) {
	a.mu.Lock()
	a.fail[string(params)] = status
	a.mu.Unlock()
}

func (a *fakeAgent) clearFailures() {
	a.mu.Lock()
	a.fail = map[string]agent.Status{}
	a.mu.Unlock()
}

func (a *fakeAgent) SendOrder(_ context.Context, contractID int64, command string, params json.RawMessage) agent.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.panicOn != 0 && contractID == a.panicOn {
		panic("agent exploded")
	}
	a.calls = append(a.calls, sentOrder{ContractID: contractID, Command: command, Params: string(params)})
	if status, ok := a.fail[string(params)]; ok {
		return agent.Result{Status: status, Err: errors.New("agent said no")}
	}
	if a.onSend != nil {
		a.onSend()
	}
	return agent.Result{Status: agent.StatusSuccess}
}

func (a *fakeAgent) sent() []sentOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]sentOrder, len(a.calls))
	copy(out, a.calls)
	return out
}

// -- Fake notifier --

type changeCall struct {
	ContractID int64
	Started    []string
	Stopped    []string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []changeCall
	err   error
}

func (n *fakeNotifier) OrdersChanged(_ context.Context, contractID int64, started, stopped []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, changeCall{ContractID: contractID, Started: started, Stopped: stopped})
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
