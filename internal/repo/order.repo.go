package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
)

// StartFunc runs inside the creating transaction, once the order has its id,
// and returns the order to persist plus the messages to enqueue with it.
type StartFunc func(created domain.Order) (domain.Order, []events.Message, error)

type ListFilter struct {
	BuyerID int64
	Status  domain.OrderStatus
	OrderNo string
	Page    int
	Size    int
}

type OrderRepo interface {
	Create(ctx context.Context, order *domain.Order, start StartFunc) error
	FindByID(ctx context.Context, id int64) (*domain.Order, error)
	FindByOrderNo(ctx context.Context, orderNo string) (*domain.Order, error)
	// Apply writes order if its stored status still equals expected, together
	// with msgs. It returns ErrStatusMismatch otherwise.
	Apply(ctx context.Context, expected domain.OrderStatus, order domain.Order, msgs []events.Message) error
	List(ctx context.Context, f ListFilter) ([]domain.Order, int, error)
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

func (r *orderRepo) Create(ctx context.Context, order *domain.Order, start StartFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (order_no, buyer_id, buyer_name, method, status, price, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		order.OrderNo, order.BuyerID, order.BuyerName, order.Method, order.Status, order.Price,
		order.Description, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order number %s: %w", order.OrderNo, ErrAlreadyApplied)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	for i := range order.Items {
		it := &order.Items[i]
		it.OrderID = order.ID
		err := tx.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			it.OrderID, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice,
		).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if start != nil {
		next, msgs, err := start(order.Clone())
		if err != nil {
			return err
		}
		if err := updateOrder(ctx, tx, order.Status, next); err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, msgs); err != nil {
			return err
		}
		*order = next
	}
	return tx.Commit()
}

func (r *orderRepo) Apply(ctx context.Context, expected domain.OrderStatus, order domain.Order, msgs []events.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateOrder(ctx, tx, expected, order); err != nil {
		return err
	}
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func updateOrder(ctx context.Context, tx *sql.Tx, expected domain.OrderStatus, o domain.Order) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders
		    SET status = $1, price = $2, payment_id = $3, description = $4, updated_at = $5
		  WHERE id = $6 AND status = $7`,
		o.Status, o.Price, o.PaymentID, o.Description, o.UpdatedAt, o.ID, expected)
	if err != nil {
		return fmt.Errorf("update order %d: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %d expected %s: %w", o.ID, expected, ErrStatusMismatch)
	}
	// items change only when the order is priced
	if expected == domain.OrderValidating {
		for _, it := range o.Items {
			_, err := tx.ExecContext(ctx,
				`UPDATE order_items SET product_name = $1, unit_price = $2 WHERE id = $3`,
				it.ProductName, it.UnitPrice, it.ID)
			if err != nil {
				return fmt.Errorf("update order item %d: %w", it.ID, err)
			}
		}
	}
	return nil
}

const orderColumns = `id, order_no, buyer_id, buyer_name, method, status, price, payment_id, description, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	var o domain.Order
	var paymentID sql.NullInt64
	err := row.Scan(&o.ID, &o.OrderNo, &o.BuyerID, &o.BuyerName, &o.Method, &o.Status, &o.Price,
		&paymentID, &o.Description, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if paymentID.Valid {
		id := paymentID.Int64
		o.PaymentID = &id
	}
	return &o, nil
}

func (r *orderRepo) findOne(ctx context.Context, where string, arg any) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepo) FindByID(ctx context.Context, id int64) (*domain.Order, error) {
	return r.findOne(ctx, "id = $1", id)
}

func (r *orderRepo) FindByOrderNo(ctx context.Context, orderNo string) (*domain.Order, error) {
	return r.findOne(ctx, "order_no = $1", orderNo)
}

func (r *orderRepo) loadItems(ctx context.Context, o *domain.Order) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_id, product_id, product_name, quantity, unit_price
		   FROM order_items WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	o.Items = o.Items[:0]
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

// List returns one page (newest first) and the total match count.
func (r *orderRepo) List(ctx context.Context, f ListFilter) ([]domain.Order, int, error) {
	var conds []string
	var args []any
	if f.BuyerID != 0 {
		args = append(args, f.BuyerID)
		conds = append(conds, fmt.Sprintf("buyer_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.OrderNo != "" {
		args = append(args, f.OrderNo)
		conds = append(conds, fmt.Sprintf("strpos(order_no, $%d) > 0", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, f.Size, (f.Page-1)*f.Size)
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, len(args)-1, len(args))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		out = append(out, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		if err := r.loadItems(ctx, &out[i]); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}
