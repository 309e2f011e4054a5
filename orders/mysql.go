package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"storefront/database"
	"storefront/models"
)

const orderColumns = "id, user_id, total_amount, address, status, created_at, updated_at"

type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

func scanHeader(row interface{ Scan(...any) error }) (models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Address, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (s *MySQLStore) CreateOrder(ctx context.Context, o NewOrder) (models.Order, error) {
	now := s.now().UTC().Truncate(time.Second)
	key := sql.NullString{String: o.IdempotencyKey, Valid: o.IdempotencyKey != ""}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (user_id, total_amount, address, status, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.UserID, o.TotalAmount, o.Address, models.OrderStatusPending, key, now, now)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return models.Order{}, ErrDuplicateIdempotencyKey
		}
		return models.Order{}, fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Order{}, fmt.Errorf("order id: %w", err)
	}

	return models.Order{
		ID:             id,
		UserID:         o.UserID,
		TotalAmount:    o.TotalAmount,
		Address:        o.Address,
		Status:         models.OrderStatusPending,
		IdempotencyKey: o.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CreateItems writes every item or none of them.
func (s *MySQLStore) CreateItems(ctx context.Context, items []models.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin order items: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, quantity, price_at_purchase) VALUES (?, ?, ?, ?)",
			item.OrderID, item.ProductID, item.Quantity, item.PriceAtPurchase); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order items: %w", err)
	}
	return nil
}

func (s *MySQLStore) DeleteOrder(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete order: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = ?", id); err != nil {
		return fmt.Errorf("delete order items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return tx.Commit()
}

func (s *MySQLStore) ListByOwner(ctx context.Context, owner string) ([]models.Order, error) {
	return s.listWithItems(ctx, "WHERE o.user_id = ?", owner)
}

func (s *MySQLStore) ListAll(ctx context.Context) ([]models.Order, error) {
	return s.listWithItems(ctx, "")
}

func (s *MySQLStore) GetByOwner(ctx context.Context, owner string, id int64) (models.Order, error) {
	order, err := scanHeader(s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = ? AND user_id = ?", id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, ErrNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	order.Items, err = s.items(ctx, id)
	if err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (s *MySQLStore) FindByIdempotencyKey(ctx context.Context, owner, key string) (models.Order, error) {
	order, err := scanHeader(s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = ? AND idempotency_key = ?", owner, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, ErrNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("find order by idempotency key: %w", err)
	}
	order.IdempotencyKey = key
	order.Items, err = s.items(ctx, order.ID)
	if err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (s *MySQLStore) UpdateStatus(ctx context.Context, id int64, status models.OrderStatus) (models.Order, error) {
	if !status.Valid() {
		return models.Order{}, ErrInvalidStatus
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = ?, updated_at = ? WHERE id = ?", status, s.now().UTC(), id)
	if err != nil {
		return models.Order{}, fmt.Errorf("update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Order{}, ErrNotFound
	}
	order, err := scanHeader(s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = ?", id))
	if err != nil {
		return models.Order{}, fmt.Errorf("reload order: %w", err)
	}
	return order, nil
}

func (s *MySQLStore) Stats(ctx context.Context, since time.Time) (models.OrderStats, error) {
	var (
		stats   models.OrderStats
		revenue decimal.NullDecimal
		today   sql.NullInt64
		pending sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(total_amount), SUM(created_at >= ?), SUM(status = 'pending') FROM orders`,
		since).Scan(&stats.TotalOrders, &revenue, &today, &pending)
	if err != nil {
		return models.OrderStats{}, fmt.Errorf("order stats: %w", err)
	}
	stats.TotalRevenue = decimal.Zero
	if revenue.Valid {
		stats.TotalRevenue = revenue.Decimal
	}
	stats.TodayOrders = int(today.Int64)
	stats.PendingOrders = int(pending.Int64)
	return stats, nil
}

func (s *MySQLStore) items(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, order_id, product_id, quantity, price_at_purchase FROM order_items WHERE order_id = ? ORDER BY id",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.PriceAtPurchase); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// listWithItems 一次查询订单与订单项，按订单聚合
func (s *MySQLStore) listWithItems(ctx context.Context, where string, args ...any) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.user_id, o.total_amount, o.address, o.status, o.created_at, o.updated_at,
		       oi.id, oi.product_id, oi.quantity, oi.price_at_purchase
		FROM orders o
		LEFT JOIN order_items oi ON o.id = oi.order_id
		`+where+`
		ORDER BY o.created_at DESC, o.id DESC, oi.id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []models.Order
		index  = make(map[int64]int)
	)
	for rows.Next() {
		var (
			o         models.Order
			itemID    sql.NullInt64
			productID sql.NullString
			quantity  sql.NullInt64
			price     decimal.NullDecimal
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Address, &o.Status, &o.CreatedAt, &o.UpdatedAt,
			&itemID, &productID, &quantity, &price); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}

		pos, ok := index[o.ID]
		if !ok {
			pos = len(orders)
			index[o.ID] = pos
			orders = append(orders, o)
		}
		if itemID.Valid {
			orders[pos].Items = append(orders[pos].Items, models.OrderItem{
				ID:              itemID.Int64,
				OrderID:         o.ID,
				ProductID:       productID.String,
				Quantity:        int(quantity.Int64),
				PriceAtPurchase: price.Decimal,
			})
		}
	}
	return orders, rows.Err()
}
