package catalog

import (
	"encoding/json"
	"sort"
)

// RiskCode is the stable tag a risk is matched by.
type RiskCode string

// RiskSet is a set of risk codes.
type RiskSet map[RiskCode]struct{}

// NewRiskSet builds a set from the given codes. Empty codes are dropped.
func NewRiskSet(codes ...RiskCode) RiskSet {
	s := make(RiskSet, len(codes))
	for _, c := range codes {
		if c == "" {
			continue
		}
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether code is in the set.
func (s RiskSet) Has(code RiskCode) bool {
	_, ok := s[code]
	return ok
}

// Intersects reports whether the two sets share at least one code.
func (s RiskSet) Intersects(other RiskSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for c := range small {
		if large.Has(c) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the set.
func (s RiskSet) Clone() RiskSet {
	out := make(RiskSet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Codes returns the codes in lexical order.
func (s RiskSet) Codes() []RiskCode {
	out := make([]RiskCode, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the codes in lexical order as plain strings.
func (s RiskSet) Strings() []string {
	codes := s.Codes()
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = string(c)
	}
	return out
}

// Risk is a named clinical risk flag.
type Risk struct {
	ID      int      `db:"id" json:"id" yaml:"id"`
	Name    string   `db:"name" json:"name" yaml:"name"`
	Comment string   `db:"comment" json:"comment,omitempty" yaml:"comment"`
	Code    RiskCode `db:"code" json:"code" yaml:"code"`
}

// OrderID identifies an order in the catalog.
type OrderID int

// Order is a catalog entry: a start/stop command pair plus the gestational
// window and risk gate under which it should be running.
type Order struct {
	ID           OrderID         `db:"id" json:"id"`
	StartCommand string          `db:"start_command" json:"start_command"`
	StartParams  json.RawMessage `db:"start_params" json:"start_params,omitempty"`
	StopCommand  string          `db:"stop_command" json:"stop_command"`
	StopParams   json.RawMessage `db:"stop_params" json:"stop_params,omitempty"`
	StartWeek    int             `db:"start_week" json:"start_week"`
	EndWeek      *int            `db:"end_week" json:"end_week,omitempty"`
	AfterBirth   bool            `db:"after_birth" json:"after_birth"`
	GatingRisks  RiskSet         `json:"-"`
	Description  string          `db:"description" json:"description"`
}

// InWindow reports whether week lies in [StartWeek, EndWeek]. A nil EndWeek
// leaves the window open-ended.
func (o Order) InWindow(week int) bool {
	if week < o.StartWeek {
		return false
	}
	return o.EndWeek == nil || week <= *o.EndWeek
}

// MarshalJSON renders gating risks as a sorted list.
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	return json.Marshal(struct {
		plain
		GatingRisks []string `json:"gating_risks"`
	}{plain: plain(o), GatingRisks: o.GatingRisks.Strings()})
}
