// Package catalog holds the immutable reference data the protocol engine
// works from: clinical risks and the orders gated on them.
package catalog

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidOrder is returned for catalog entries with contradictory or
	// missing fields.
	ErrInvalidOrder = errors.New("invalid catalog order")

	// ErrInvalidRisk is returned for malformed risk entries.
	ErrInvalidRisk = errors.New("invalid catalog risk")
)

// Catalog is the validated, read-only set of risks and orders. It is built
// once at process start and shared by the evaluator and the engine.
type Catalog struct {
	risks      []Risk
	riskByCode map[RiskCode]Risk
	orders     []Order
	orderByID  map[OrderID]Order
}

// New validates risks and orders and returns the catalog built from them.
// Orders are kept sorted by id.
func New(risks []Risk, orders []Order) (*Catalog, error) {
	c := &Catalog{
		riskByCode: make(map[RiskCode]Risk, len(risks)),
		orderByID:  make(map[OrderID]Order, len(orders)),
	}

	for _, r := range risks {
		if r.Code == "" {
			return nil, fmt.Errorf("%w: risk %q has no code", ErrInvalidRisk, r.Name)
		}
		if _, dup := c.riskByCode[r.Code]; dup {
			return nil, fmt.Errorf("%w: duplicate risk code %q", ErrInvalidRisk, r.Code)
		}
		c.riskByCode[r.Code] = r
		c.risks = append(c.risks, r)
	}

	for _, o := range orders {
		if err := c.validateOrder(o); err != nil {
			return nil, err
		}
		o.GatingRisks = o.GatingRisks.Clone()
		if o.EndWeek != nil {
			end := *o.EndWeek
			o.EndWeek = &end
		}
		c.orderByID[o.ID] = o
		c.orders = append(c.orders, o)
	}

	sort.Slice(c.risks, func(i, j int) bool { return c.risks[i].ID < c.risks[j].ID })
	sort.Slice(c.orders, func(i, j int) bool { return c.orders[i].ID < c.orders[j].ID })
	return c, nil
}

func (c *Catalog) validateOrder(o Order) error {
	if o.ID <= 0 {
		return fmt.Errorf("%w: order %q needs a positive id", ErrInvalidOrder, o.Description)
	}
	if _, dup := c.orderByID[o.ID]; dup {
		return fmt.Errorf("%w: duplicate order id %d", ErrInvalidOrder, o.ID)
	}
	if o.StartCommand == "" || o.StopCommand == "" {
		return fmt.Errorf("%w: order %d needs start and stop commands", ErrInvalidOrder, o.ID)
	}
	if o.StartWeek < 0 {
		return fmt.Errorf("%w: order %d has negative start week %d", ErrInvalidOrder, o.ID, o.StartWeek)
	}
	if o.EndWeek != nil {
		if *o.EndWeek < 0 {
			return fmt.Errorf("%w: order %d has negative end week %d", ErrInvalidOrder, o.ID, *o.EndWeek)
		}
		if o.StartWeek > *o.EndWeek {
			return fmt.Errorf("%w: order %d starts at week %d after it ends at week %d",
				ErrInvalidOrder, o.ID, o.StartWeek, *o.EndWeek)
		}
	}
	for code := range o.GatingRisks {
		if _, ok := c.riskByCode[code]; !ok {
			return fmt.Errorf("%w: order %d is gated on unknown risk %q", ErrInvalidOrder, o.ID, code)
		}
	}
	return nil
}

// Orders returns every order, sorted by id.
func (c *Catalog) Orders() []Order {
	out := make([]Order, len(c.orders))
	copy(out, c.orders)
	return out
}

// Order looks up an order by id.
func (c *Catalog) Order(id OrderID) (Order, bool) {
	o, ok := c.orderByID[id]
	return o, ok
}

// Risks returns every risk, sorted by id.
func (c *Catalog) Risks() []Risk {
	out := make([]Risk, len(c.risks))
	copy(out, c.risks)
	return out
}

// Risk looks up a risk by code.
func (c *Catalog) Risk(code RiskCode) (Risk, bool) {
	r, ok := c.riskByCode[code]
	return r, ok
}

// Len returns the number of orders.
func (c *Catalog) Len() int { return len(c.orders) }
