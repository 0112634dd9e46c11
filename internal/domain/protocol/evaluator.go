// Package protocol decides which catalog orders should be running for a
// contract and drives the monitoring agent towards that state.
package protocol

import (
	"sort"
	"time"

	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/domain/contract"
)

// Decision is the set of orders to stop and to start for one contract.
// Both lists are sorted by order id.
type Decision struct {
	Week    int
	ToStop  []catalog.OrderID
	ToStart []catalog.OrderID
}

// Empty reports whether nothing needs to change.
func (d Decision) Empty() bool {
	return len(d.ToStop) == 0 && len(d.ToStart) == 0
}

// Overlap returns ids present in both lists. A well-formed catalog never
// produces any.
func (d Decision) Overlap() []catalog.OrderID {
	stop := contract.NewOrderSet(d.ToStop...)
	var out []catalog.OrderID
	for _, id := range d.ToStart {
		if stop.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// RiskEligible reports whether risks satisfy the order's gate: an ungated
// order is always eligible, a gated one needs at least one shared code.
func RiskEligible(o catalog.Order, risks catalog.RiskSet) bool {
	return len(o.GatingRisks) == 0 || o.GatingRisks.Intersects(risks)
}

// Evaluate computes the orders to stop and start for c at now. It has no side
// effects and returns an empty decision while the gestation start is unknown.
// Current orders missing from the catalog are left alone.
//
// A running order stops exactly when it is no longer Eligible and a stopped
// one starts exactly when it is, so evaluating the result again is a no-op.
func Evaluate(c *contract.Contract, cat *catalog.Catalog, now time.Time) Decision {
	week, ok := c.CurrentWeek(now)
	if !ok {
		return Decision{}
	}
	d := Decision{Week: week}

	for id := range c.CurrentOrders {
		o, known := cat.Order(id)
		if !known {
			continue
		}
		if !Eligible(o, c, week) {
			d.ToStop = append(d.ToStop, id)
		}
	}

	for _, o := range cat.Orders() {
		if c.CurrentOrders.Has(o.ID) {
			continue
		}
		if Eligible(o, c, week) {
			d.ToStart = append(d.ToStart, o.ID)
		}
	}

	sort.Slice(d.ToStop, func(i, j int) bool { return d.ToStop[i] < d.ToStop[j] })
	return d
}

// Eligible reports whether o should be running for c at week.
//
// Orders that end at birth are never eligible once it has happened. Orders
// that run after birth are admitted on birth regardless of the week window;
// every other case is decided by the window. The risk gate applies
// throughout.
func Eligible(o catalog.Order, c *contract.Contract, week int) bool {
	if c.IsBorn && !o.AfterBirth {
		return false
	}
	if !RiskEligible(o, c.RiskCodes) {
		return false
	}
	if o.AfterBirth && c.IsBorn {
		return true
	}
	return o.InWindow(week)
}
