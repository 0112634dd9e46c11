package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &catalogRepoPG{pool: pool}
}

func (r *catalogRepoPG) ListRisks(ctx context.Context) ([]Risk, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, COALESCE(comment, ''), code FROM risk ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Risk
	for rows.Next() {
		var rk Risk
		if err := rows.Scan(&rk.ID, &rk.Name, &rk.Comment, &rk.Code); err != nil {
			return nil, err
		}
		items = append(items, rk)
	}
	return items, rows.Err()
}

const orderCols = `id, description, start_command, start_params, stop_command, stop_params,
	start_week, end_week, after_birth`

func (r *catalogRepoPG) scanOrder(row pgx.Row) (Order, error) {
	var (
		o           Order
		startParams []byte
		stopParams  []byte
	)
	err := row.Scan(&o.ID, &o.Description, &o.StartCommand, &startParams, &o.StopCommand, &stopParams,
		&o.StartWeek, &o.EndWeek, &o.AfterBirth)
	if len(startParams) > 0 {
		o.StartParams = json.RawMessage(startParams)
	}
	if len(stopParams) > 0 {
		o.StopParams = json.RawMessage(stopParams)
	}
	o.GatingRisks = NewRiskSet()
	return o, err
}

func (r *catalogRepoPG) ListOrders(ctx context.Context) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+orderCols+` FROM protocol_order ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var items []Order
	byID := make(map[OrderID]int)
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		byID[o.ID] = len(items)
		items = append(items, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gates, err := r.pool.Query(ctx, `SELECT order_id, risk_code FROM order_risk`)
	if err != nil {
		return nil, err
	}
	defer gates.Close()
	for gates.Next() {
		var (
			id   OrderID
			code RiskCode
		)
		if err := gates.Scan(&id, &code); err != nil {
			return nil, err
		}
		if i, ok := byID[id]; ok {
			items[i].GatingRisks[code] = struct{}{}
		}
	}
	return items, gates.Err()
}

func (r *catalogRepoPG) Upsert(ctx context.Context, c *Catalog) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rk := range c.Risks() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO risk (id, name, comment, code) VALUES ($1,$2,$3,$4)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, comment = EXCLUDED.comment, code = EXCLUDED.code`,
			rk.ID, rk.Name, rk.Comment, rk.Code); err != nil {
			return fmt.Errorf("upsert risk %s: %w", rk.Code, err)
		}
	}

	for _, o := range c.Orders() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO protocol_order (`+orderCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description,
				start_command = EXCLUDED.start_command, start_params = EXCLUDED.start_params,
				stop_command = EXCLUDED.stop_command, stop_params = EXCLUDED.stop_params,
				start_week = EXCLUDED.start_week, end_week = EXCLUDED.end_week,
				after_birth = EXCLUDED.after_birth`,
			o.ID, o.Description, o.StartCommand, jsonParam(o.StartParams), o.StopCommand, jsonParam(o.StopParams),
			o.StartWeek, o.EndWeek, o.AfterBirth); err != nil {
			return fmt.Errorf("upsert order %d: %w", o.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM order_risk WHERE order_id = $1`, o.ID); err != nil {
			return fmt.Errorf("clear gates of order %d: %w", o.ID, err)
		}
		for _, code := range o.GatingRisks.Codes() {
			if _, err := tx.Exec(ctx, `INSERT INTO order_risk (order_id, risk_code) VALUES ($1,$2)`, o.ID, code); err != nil {
				return fmt.Errorf("gate order %d on %s: %w", o.ID, code, err)
			}
		}
	}

	return tx.Commit(ctx)
}

func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
