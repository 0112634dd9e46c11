package contract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/careagent/pregnancy/internal/domain/catalog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS contract (
	id              INTEGER PRIMARY KEY,
	active          INTEGER NOT NULL DEFAULT 1,
	is_born         INTEGER NOT NULL DEFAULT 0,
	gestation_start INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS contract_risk (
	contract_id INTEGER NOT NULL REFERENCES contract(id) ON DELETE CASCADE,
	risk_code   TEXT NOT NULL,
	PRIMARY KEY (contract_id, risk_code)
);
CREATE TABLE IF NOT EXISTS current_order (
	contract_id INTEGER NOT NULL REFERENCES contract(id) ON DELETE CASCADE,
	order_id    INTEGER NOT NULL,
	PRIMARY KEY (contract_id, order_id)
);
CREATE TABLE IF NOT EXISTS done_order (
	contract_id INTEGER NOT NULL REFERENCES contract(id) ON DELETE CASCADE,
	order_id    INTEGER NOT NULL,
	PRIMARY KEY (contract_id, order_id)
);`

// Timestamps are stored as unix nanoseconds.
type contractRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepoSQLite creates the contract tables if needed and returns a repository
// backed by db.
func NewRepoSQLite(ctx context.Context, db *sql.DB) (Repository, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create contract schema: %w", err)
	}
	return &contractRepoSQLite{db: db, now: time.Now}, nil
}

func (r *contractRepoSQLite) Get(ctx context.Context, id int64) (*Contract, error) {
	var (
		c       = New(id)
		start   sql.NullInt64
		created int64
		updated int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT active, is_born, gestation_start, created_at, updated_at FROM contract WHERE id = ?`, id).
		Scan(&c.Active, &c.IsBorn, &start, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if start.Valid {
		t := time.Unix(0, start.Int64).UTC()
		c.GestationStart = &t
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := r.db.QueryContext(ctx, `SELECT risk_code FROM contract_risk WHERE contract_id = ?`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var code catalog.RiskCode
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return nil, err
		}
		c.RiskCodes[code] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
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

func (r *contractRepoSQLite) loadOrders(ctx context.Context, table string, id int64, into OrderSet) error {
	rows, err := r.db.QueryContext(ctx, `SELECT order_id FROM `+table+` WHERE contract_id = ?`, id)
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

func (r *contractRepoSQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *contractRepoSQLite) Create(ctx context.Context, c *Contract) error {
	now := r.now().UTC()
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contract (id, active, is_born, gestation_start, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
			c.ID, c.Active, c.IsBorn, unixNanos(c.GestationStart), now.UnixNano(), now.UnixNano()); err != nil {
			return fmt.Errorf("insert contract %d: %w", c.ID, err)
		}
		c.CreatedAt, c.UpdatedAt = now, now
		return replaceRisksSQLite(ctx, tx, c)
	})
}

func (r *contractRepoSQLite) SaveSettings(ctx context.Context, c *Contract) error {
	now := r.now().UTC()
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE contract SET active = ?, is_born = ?, gestation_start = ?, updated_at = ? WHERE id = ?`,
			c.Active, c.IsBorn, unixNanos(c.GestationStart), now.UnixNano(), c.ID)
		if err != nil {
			return fmt.Errorf("update contract %d: %w", c.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		c.UpdatedAt = now
		return replaceRisksSQLite(ctx, tx, c)
	})
}

func replaceRisksSQLite(ctx context.Context, tx *sql.Tx, c *Contract) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM contract_risk WHERE contract_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear risks of contract %d: %w", c.ID, err)
	}
	for _, code := range c.RiskCodes.Codes() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contract_risk (contract_id, risk_code) VALUES (?, ?)`, c.ID, code); err != nil {
			return fmt.Errorf("add risk %s to contract %d: %w", code, c.ID, err)
		}
	}
	return nil
}

func (r *contractRepoSQLite) SaveOrders(ctx context.Context, id int64, ch OrderChanges) error {
	if ch.Empty() {
		return nil
	}
	now := r.now().UTC()
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, oid := range ch.Stopped {
			if _, err := tx.ExecContext(ctx, `DELETE FROM current_order WHERE contract_id = ? AND order_id = ?`, id, oid); err != nil {
				return fmt.Errorf("remove current order %d: %w", oid, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO done_order (contract_id, order_id) VALUES (?, ?)`, id, oid); err != nil {
				return fmt.Errorf("record done order %d: %w", oid, err)
			}
		}
		for _, oid := range ch.Started {
			if _, err := tx.ExecContext(ctx, `DELETE FROM done_order WHERE contract_id = ? AND order_id = ?`, id, oid); err != nil {
				return fmt.Errorf("remove done order %d: %w", oid, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO current_order (contract_id, order_id) VALUES (?, ?)`, id, oid); err != nil {
				return fmt.Errorf("record current order %d: %w", oid, err)
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE contract SET updated_at = ? WHERE id = ?`, now.UnixNano(), id)
		return err
	})
}

func (r *contractRepoSQLite) ListEvaluable(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM contract WHERE active = 1 AND gestation_start IS NOT NULL ORDER BY id`)
}

func (r *contractRepoSQLite) ListIDs(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM contract ORDER BY id`)
}

func (r *contractRepoSQLite) listIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query)
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

func (r *contractRepoSQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func unixNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
