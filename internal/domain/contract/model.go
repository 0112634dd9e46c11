package contract

import (
	"sort"
	"time"

	"github.com/careagent/pregnancy/internal/domain/catalog"
)

// Week is the length of a gestational week.
const Week = 7 * 24 * time.Hour

// OrderSet is a set of catalog order ids.
type OrderSet map[catalog.OrderID]struct{}

// NewOrderSet builds a set from ids.
func NewOrderSet(ids ...catalog.OrderID) OrderSet {
	s := make(OrderSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s OrderSet) Has(id catalog.OrderID) bool {
	_, ok := s[id]
	return ok
}

func (s OrderSet) Clone() OrderSet {
	out := make(OrderSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// IDs returns the ids in ascending order.
func (s OrderSet) IDs() []catalog.OrderID {
	out := make([]catalog.OrderID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contract is a patient's enrollment under remote pregnancy monitoring.
type Contract struct {
	ID             int64           `db:"id" json:"id"`
	Active         bool            `db:"active" json:"active"`
	IsBorn         bool            `db:"is_born" json:"is_born"`
	GestationStart *time.Time      `db:"gestation_start" json:"gestation_start,omitempty"`
	RiskCodes      catalog.RiskSet `json:"-"`
	CurrentOrders  OrderSet        `json:"-"`
	DoneOrders     OrderSet        `json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// New returns an active contract with empty sets and no gestation start.
func New(id int64) *Contract {
	return &Contract{
		ID:            id,
		Active:        true,
		RiskCodes:     catalog.NewRiskSet(),
		CurrentOrders: NewOrderSet(),
		DoneOrders:    NewOrderSet(),
	}
}

// CurrentWeek returns the whole gestational weeks elapsed at now. ok is false
// while the gestation start is unknown.
func (c *Contract) CurrentWeek(now time.Time) (week int, ok bool) {
	if c.GestationStart == nil {
		return 0, false
	}
	elapsed := now.Sub(*c.GestationStart)
	if elapsed < 0 {
		// floor division for starts in the future
		return int((elapsed - Week + 1) / Week), true
	}
	return int(elapsed / Week), true
}

// SetWeek moves the gestation start so that now falls at the beginning of week.
func (c *Contract) SetWeek(week int, now time.Time) {
	start := now.Add(-time.Duration(week) * Week)
	c.GestationStart = &start
}

// Clone returns a deep copy.
func (c *Contract) Clone() *Contract {
	cp := *c
	if c.GestationStart != nil {
		start := *c.GestationStart
		cp.GestationStart = &start
	}
	cp.RiskCodes = c.RiskCodes.Clone()
	cp.CurrentOrders = c.CurrentOrders.Clone()
	cp.DoneOrders = c.DoneOrders.Clone()
	return &cp
}

// ensureSets replaces nil sets with empty ones, as stores may hand back nil.
func (c *Contract) ensureSets() {
	if c.RiskCodes == nil {
		c.RiskCodes = catalog.NewRiskSet()
	}
	if c.CurrentOrders == nil {
		c.CurrentOrders = NewOrderSet()
	}
	if c.DoneOrders == nil {
		c.DoneOrders = NewOrderSet()
	}
}

// OrderChanges is the order-set delta the reconciler commits.
type OrderChanges struct {
	Started []catalog.OrderID
	Stopped []catalog.OrderID
}

// Empty reports whether there is nothing to commit.
func (ch OrderChanges) Empty() bool {
	return len(ch.Started) == 0 && len(ch.Stopped) == 0
}

// Apply moves stopped ids from current to done, then started ids into
// current, dropping them from done so the two sets stay disjoint.
func (c *Contract) Apply(ch OrderChanges) {
	c.ensureSets()
	for _, id := range ch.Stopped {
		delete(c.CurrentOrders, id)
		c.DoneOrders[id] = struct{}{}
	}
	for _, id := range ch.Started {
		delete(c.DoneOrders, id)
		c.CurrentOrders[id] = struct{}{}
	}
}

// Settings is a partial update of the patient-reported state.
type Settings struct {
	Week   *int
	IsBorn *bool
	Risks  map[catalog.RiskCode]bool
}
