package contract

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no contract has the requested id.
var ErrNotFound = errors.New("contract not found")

// Repository persists contract state. Settings and order sets are written
// through separate calls so a settings update and a reconciliation never
// overwrite each other's columns.
type Repository interface {
	Get(ctx context.Context, id int64) (*Contract, error)
	Create(ctx context.Context, c *Contract) error
	// SaveSettings writes active, is_born, gestation_start and the risk set.
	SaveSettings(ctx context.Context, c *Contract) error
	// SaveOrders applies an order-set delta atomically.
	SaveOrders(ctx context.Context, id int64, ch OrderChanges) error
	// ListEvaluable returns ids of active contracts with a gestation start.
	ListEvaluable(ctx context.Context) ([]int64, error)
	ListIDs(ctx context.Context) ([]int64, error)
	Ping(ctx context.Context) error
}
