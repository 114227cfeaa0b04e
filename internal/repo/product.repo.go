package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
)

const (
	OpDecrease = "DECREASE"
	OpRollback = "ROLLBACK"

	OutcomeSuccess = "SUCCESS"
	OutcomeFailed  = "FAILED"
)

type LedgerEntry struct {
	OrderID   int64
	Operation string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// StockChange is one guarded stock mutation. Requires names an operation that
// must have succeeded for the same order first (rollback needs a decrease).
type StockChange struct {
	OrderID   int64
	Operation string
	Requires  string
	Lines     []domain.StockLine
	Mutate    func(products map[int64]*domain.Product) error
	Messages  []events.Message
	Now       time.Time
}

type ProductRepo interface {
	FindByIDs(ctx context.Context, ids []int64) (map[int64]*domain.Product, error)
	// ApplyStock claims the ledger row, locks the products in id order, runs
	// Mutate and persists the result with the messages. A claimed ledger row
	// yields ErrAlreadyApplied; a missing prerequisite yields ErrPrerequisite.
	// An error from Mutate rolls everything back and is returned as is.
	ApplyStock(ctx context.Context, c StockChange) error
	// RecordFailure stores a FAILED ledger row with msgs unless the operation
	// already has a row.
	RecordFailure(ctx context.Context, orderID int64, op, detail string, msgs []events.Message) error
	Ledger(ctx context.Context, orderID int64, op string) (*LedgerEntry, error)
	Create(ctx context.Context, p *domain.Product) error
}

type productRepo struct {
	db *sql.DB
}

func NewProductRepo(db *sql.DB) ProductRepo {
	return &productRepo{db: db}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func selectProducts(ctx context.Context, q queryer, ids []int64, forUpdate bool) (map[int64]*domain.Product, error) {
	query := `SELECT id, name, price, stock, created_at, updated_at
	            FROM products WHERE id = ANY($1) ORDER BY id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]*domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[p.ID] = &p
	}
	return out, rows.Err()
}

func (r *productRepo) FindByIDs(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	return selectProducts(ctx, r.db, ids, false)
}

func (r *productRepo) ApplyStock(ctx context.Context, c StockChange) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if c.Requires != "" {
		var outcome string
		err := tx.QueryRowContext(ctx,
			`SELECT outcome FROM stock_ledger WHERE order_id = $1 AND operation = $2`,
			c.OrderID, c.Requires).Scan(&outcome)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && outcome != OutcomeSuccess) {
			return fmt.Errorf("order %d has no successful %s: %w", c.OrderID, c.Requires, ErrPrerequisite)
		}
		if err != nil {
			return err
		}
	}

	// concurrent duplicates block here until the first commits, then see the row
	res, err := tx.ExecContext(ctx,
		`INSERT INTO stock_ledger (order_id, operation, outcome, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (order_id, operation) DO NOTHING`,
		c.OrderID, c.Operation, OutcomeSuccess, c.Now)
	if err != nil {
		return fmt.Errorf("claim ledger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %d %s: %w", c.OrderID, c.Operation, ErrAlreadyApplied)
	}

	lines := domain.MergeLines(c.Lines)
	products, err := selectProducts(ctx, tx, domain.LineIDs(lines), true)
	if err != nil {
		return err
	}
	if err := c.Mutate(products); err != nil {
		return err
	}
	for _, l := range lines {
		p := products[l.ProductID]
		_, err := tx.ExecContext(ctx,
			`UPDATE products SET stock = $1, updated_at = $2 WHERE id = $3`, p.Stock, p.UpdatedAt, p.ID)
		if err != nil {
			return fmt.Errorf("update product %d: %w", p.ID, err)
		}
	}
	if err := insertOutbox(ctx, tx, c.Messages); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *productRepo) RecordFailure(ctx context.Context, orderID int64, op, detail string, msgs []events.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO stock_ledger (order_id, operation, outcome, detail)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (order_id, operation) DO NOTHING`,
		orderID, op, OutcomeFailed, detail)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %d %s: %w", orderID, op, ErrAlreadyApplied)
	}
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *productRepo) Ledger(ctx context.Context, orderID int64, op string) (*LedgerEntry, error) {
	var e LedgerEntry
	err := r.db.QueryRowContext(ctx,
		`SELECT order_id, operation, outcome, detail, created_at
		   FROM stock_ledger WHERE order_id = $1 AND operation = $2`, orderID, op,
	).Scan(&e.OrderID, &e.Operation, &e.Outcome, &e.Detail, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *productRepo) Create(ctx context.Context, p *domain.Product) error {
	return r.db.QueryRowContext(ctx,
		`INSERT INTO products (name, price, stock, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.Name, p.Price, p.Stock, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
}
