package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type contractRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &contractRepoPG{pool: pool}
}

func (r *contractRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const contractCols = `id, active, is_born, gestation_start, created_at, updated_at`

func (r *contractRepoPG) Get(ctx context.Context, id int64) (*Contract, error) {
	c := New(id)
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+contractCols+` FROM contract WHERE id = $1`, id).
		Scan(&c.ID, &c.Active, &c.IsBorn, &c.GestationStart, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := r.loadRisks(ctx, c); err != nil {
		return nil, err
	}
	if err := r.loadOrders(ctx, `current_order`, id, c.CurrentOrders); err != nil {
		return nil, err
	}
	if err := r.loadOrders(ctx, `done_order`, id, c.DoneOrders); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *contractRepoPG) loadRisks(ctx context.Context, c *Contract) error {
	rows, err := r.conn(ctx).Query(ctx, `SELECT risk_code FROM contract_risk WHERE contract_id = $1`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var code catalog.RiskCode
		if err := rows.Scan(&code); err != nil {
			return err
		}
		c.RiskCodes[code] = struct{}{}
	}
	return rows.Err()
}

func (r *contractRepoPG) loadOrders(ctx context.Context, table string, id int64, into OrderSet) error {
	rows, err := r.conn(ctx).Query(ctx, `SELECT order_id FROM `+table+` WHERE contract_id = $1`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var oid catalog.OrderID
		if err := rows.Scan(&oid); err != nil {
			return err
		}
		into[oid] = struct{}{}
	}
	return rows.Err()
}

func (r *contractRepoPG) Create(ctx context.Context, c *Contract) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO contract (id, active, is_born, gestation_start)
			VALUES ($1,$2,$3,$4)
			RETURNING created_at, updated_at`,
			c.ID, c.Active, c.IsBorn, c.GestationStart).Scan(&c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert contract %d: %w", c.ID, err)
		}
		return r.replaceRisks(ctx, c)
	})
}

func (r *contractRepoPG) SaveSettings(ctx context.Context, c *Contract) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE contract SET active=$2, is_born=$3, gestation_start=$4, updated_at=NOW()
			WHERE id = $1`,
			c.ID, c.Active, c.IsBorn, c.GestationStart)
		if err != nil {
			return fmt.Errorf("update contract %d: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return r.replaceRisks(ctx, c)
	})
}

func (r *contractRepoPG) replaceRisks(ctx context.Context, c *Contract) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM contract_risk WHERE contract_id = $1`, c.ID); err != nil {
		return fmt.Errorf("clear risks of contract %d: %w", c.ID, err)
	}
	for _, code := range c.RiskCodes.Codes() {
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO contract_risk (contract_id, risk_code) VALUES ($1,$2)`, c.ID, code); err != nil {
			return fmt.Errorf("add risk %s to contract %d: %w", code, c.ID, err)
		}
	}
	return nil
}

func (r *contractRepoPG) SaveOrders(ctx context.Context, id int64, ch OrderChanges) error {
	if ch.Empty() {
		return nil
	}
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		for _, oid := range ch.Stopped {
			if _, err := q.Exec(ctx, `DELETE FROM current_order WHERE contract_id = $1 AND order_id = $2`, id, oid); err != nil {
				return fmt.Errorf("remove current order %d: %w", oid, err)
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO done_order (contract_id, order_id) VALUES ($1,$2)
				ON CONFLICT (contract_id, order_id) DO UPDATE SET updated_at = NOW()`, id, oid); err != nil {
				return fmt.Errorf("record done order %d: %w", oid, err)
			}
		}
		for _, oid := range ch.Started {
			if _, err := q.Exec(ctx, `DELETE FROM done_order WHERE contract_id = $1 AND order_id = $2`, id, oid); err != nil {
				return fmt.Errorf("remove done order %d: %w", oid, err)
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO current_order (contract_id, order_id) VALUES ($1,$2)
				ON CONFLICT (contract_id, order_id) DO NOTHING`, id, oid); err != nil {
				return fmt.Errorf("record current order %d: %w", oid, err)
			}
		}
		_, err := q.Exec(ctx, `UPDATE contract SET updated_at = NOW() WHERE id = $1`, id)
		return err
	})
}

func (r *contractRepoPG) ListEvaluable(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM contract WHERE active AND gestation_start IS NOT NULL ORDER BY id`)
}

func (r *contractRepoPG) ListIDs(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM contract ORDER BY id`)
}

func (r *contractRepoPG) listIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *contractRepoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
