package contract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/platform/lock"
)

// PresetPregnancy is the only enrollment preset that carries initial params.
const PresetPregnancy = "pregnancy"

// MaxSettableWeek bounds the week a patient or clinician may enter.
const MaxSettableWeek = 40

// ErrInvalidSettings is returned for settings the contract cannot take.
var ErrInvalidSettings = errors.New("invalid settings")

// EvaluateFunc runs an on-demand evaluation of a contract. It must not
// report failures to the caller; retries are left to the periodic pass.
type EvaluateFunc func(ctx context.Context, id int64)

type Service struct {
	repo     Repository
	catalog  *catalog.Catalog
	locker   lock.Locker
	evaluate EvaluateFunc
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(repo Repository, cat *catalog.Catalog, locker lock.Locker, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		catalog:  cat,
		locker:   locker,
		evaluate: func(context.Context, int64) {},
		now:      time.Now,
		logger:   logger,
	}
}

// SetEvaluator wires the on-demand evaluation run after every state change.
func (s *Service) SetEvaluator(fn EvaluateFunc) {
	if fn != nil {
		s.evaluate = fn
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// Enroll creates the contract, or reactivates an existing one, and applies the
// preset params. Risks from params are only ever added.
func (s *Service) Enroll(ctx context.Context, id int64, preset string, params map[string]any) error {
	if err := s.mutate(ctx, id, true, func(c *Contract) error {
		c.Active = true
		if preset != PresetPregnancy {
			return nil
		}
		for key, value := range params {
			if key == "week" {
				if week, ok := parseWeek(value); ok {
					c.SetWeek(week, s.now())
				} else {
					s.logger.Warn().Int64("contract_id", id).Interface("week", value).Msg("ignoring invalid enrollment week")
				}
				continue
			}
			if flag, ok := value.(bool); ok && flag {
				if _, known := s.catalog.Risk(catalog.RiskCode(key)); known {
					c.RiskCodes[catalog.RiskCode(key)] = struct{}{}
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}
	s.evaluate(ctx, id)
	return nil
}

// Deactivate stops periodic evaluation of the contract. Running orders are
// left as they are.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.mutate(ctx, id, false, func(c *Contract) error {
		c.Active = false
		return nil
	})
}

// UpdateSettings applies a partial settings update and re-evaluates.
func (s *Service) UpdateSettings(ctx context.Context, id int64, in Settings) error {
	if err := s.validate(in); err != nil {
		return err
	}
	if err := s.mutate(ctx, id, false, func(c *Contract) error {
		if in.Week != nil {
			c.SetWeek(*in.Week, s.now())
		}
		if in.IsBorn != nil {
			if !*in.IsBorn && c.IsBorn {
				return fmt.Errorf("%w: birth cannot be undone", ErrInvalidSettings)
			}
			c.IsBorn = *in.IsBorn
		}
		for code, on := range in.Risks {
			if on {
				c.RiskCodes[code] = struct{}{}
			} else {
				delete(c.RiskCodes, code)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	s.evaluate(ctx, id)
	return nil
}

func (s *Service) validate(in Settings) error {
	if in.Week != nil && (*in.Week < 0 || *in.Week > MaxSettableWeek) {
		return fmt.Errorf("%w: week must be between 0 and %d", ErrInvalidSettings, MaxSettableWeek)
	}
	for code := range in.Risks {
		if _, ok := s.catalog.Risk(code); !ok {
			return fmt.Errorf("%w: unknown risk %q", ErrInvalidSettings, code)
		}
	}
	return nil
}

// mutate loads the contract under its lock, applies fn and saves the
// settings columns. With create set a missing contract is created.
func (s *Service) mutate(ctx context.Context, id int64, create bool, fn func(c *Contract) error) error {
	unlock, err := s.locker.Lock(ctx, lock.ContractKey(id))
	if err != nil {
		return fmt.Errorf("lock contract %d: %w", id, err)
	}
	defer unlock()

	c, err := s.repo.Get(ctx, id)
	isNew := false
	if errors.Is(err, ErrNotFound) && create {
		c, isNew = New(id), true
	} else if err != nil {
		return err
	}
	c.ensureSets()

	if err := fn(c); err != nil {
		return err
	}

	if isNew {
		s.logger.Info().Int64("contract_id", id).Msg("contract enrolled")
		return s.repo.Create(ctx, c)
	}
	return s.repo.SaveSettings(ctx, c)
}

func (s *Service) Get(ctx context.Context, id int64) (*Contract, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.repo.ListIDs(ctx)
	if ids == nil {
		ids = []int64{}
	}
	return ids, err
}

// RiskView is a catalog risk with the contract's selection.
type RiskView struct {
	Code     catalog.RiskCode `json:"code"`
	Name     string           `json:"name"`
	Comment  string           `json:"comment,omitempty"`
	Selected bool             `json:"selected"`
}

// OrderView describes an order in a settings view.
type OrderView struct {
	ID          catalog.OrderID `json:"id"`
	Description string          `json:"description"`
}

// SettingsView is what the settings page shows for a contract.
type SettingsView struct {
	ContractID     int64       `json:"contract_id"`
	Active         bool        `json:"active"`
	IsBorn         bool        `json:"is_born"`
	Week           *int        `json:"week"`
	GestationStart *time.Time  `json:"gestation_start,omitempty"`
	Risks          []RiskView  `json:"risks"`
	CurrentOrders  []OrderView `json:"current_orders"`
	DoneOrders     []OrderView `json:"done_orders"`
}

func (s *Service) View(ctx context.Context, id int64) (*SettingsView, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &SettingsView{
		ContractID:     c.ID,
		Active:         c.Active,
		IsBorn:         c.IsBorn,
		GestationStart: c.GestationStart,
		Risks:          []RiskView{},
		CurrentOrders:  s.orderViews(c.CurrentOrders),
		DoneOrders:     s.orderViews(c.DoneOrders),
	}
	if week, ok := c.CurrentWeek(s.now()); ok {
		v.Week = &week
	}
	for _, rk := range s.catalog.Risks() {
		v.Risks = append(v.Risks, RiskView{
			Code:     rk.Code,
			Name:     rk.Name,
			Comment:  rk.Comment,
			Selected: c.RiskCodes.Has(rk.Code),
		})
	}
	return v, nil
}

func (s *Service) orderViews(set OrderSet) []OrderView {
	out := make([]OrderView, 0, len(set))
	for _, id := range set.IDs() {
		ov := OrderView{ID: id}
		if o, ok := s.catalog.Order(id); ok {
			ov.Description = o.Description
		}
		out = append(out, ov)
	}
	return out
}

// parseWeek accepts a JSON number or a numeric string within 0..MaxSettableWeek.
func parseWeek(v any) (int, bool) {
	var week int
	switch x := v.(type) {
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		week = int(x)
	case int:
		week = x
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			return 0, false
		}
		week = n
	default:
		return 0, false
	}
	if week < 0 || week > MaxSettableWeek {
		return 0, false
	}
	return week, true
}
