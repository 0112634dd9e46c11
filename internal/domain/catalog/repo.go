package catalog

import (
	"context"
	"fmt"
)

// Repository persists catalog entries. The engine never writes through it;
// only the seed command does.
type Repository interface {
	ListRisks(ctx context.Context) ([]Risk, error)
	ListOrders(ctx context.Context) ([]Order, error)
	Upsert(ctx context.Context, c *Catalog) error
}

// Load reads and validates the stored catalog.
func Load(ctx context.Context, repo Repository) (*Catalog, error) {
	risks, err := repo.ListRisks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list risks: %w", err)
	}
	orders, err := repo.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return New(risks, orders)
}
