package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/models"
)

const lineColumns = "id, user_id, product_id, quantity, created_at, updated_at"

// MySQLStore is the server-backed cart.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func scanLine(row interface{ Scan(...any) error }) (models.CartLine, error) {
	var l models.CartLine
	err := row.Scan(&l.ID, &l.UserID, &l.ProductID, &l.Quantity, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (s *MySQLStore) List(ctx context.Context, owner string) ([]models.CartLine, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+lineColumns+" FROM cart_items WHERE user_id = ? ORDER BY id", owner)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Add relies on the (user_id, product_id) unique key so concurrent adds of
// the same product increment one row.
func (s *MySQLStore) Add(ctx context.Context, owner, productID string) (models.CartLine, error) {
	if owner == "" {
		return models.CartLine{}, ErrNoOwner
	}
	if productID == "" {
		return models.CartLine{}, ErrNoProduct
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cart_items (user_id, product_id, quantity) VALUES (?, ?, 1)
		ON DUPLICATE KEY UPDATE quantity = quantity + 1`,
		owner, productID); err != nil {
		return models.CartLine{}, fmt.Errorf("add to cart: %w", err)
	}

	line, err := scanLine(s.db.QueryRowContext(ctx,
		"SELECT "+lineColumns+" FROM cart_items WHERE user_id = ? AND product_id = ?", owner, productID))
	if err != nil {
		return models.CartLine{}, fmt.Errorf("read cart line: %w", err)
	}
	return line, nil
}

func (s *MySQLStore) SetQuantity(ctx context.Context, owner string, lineID int64, quantity int) error {
	if owner == "" {
		return ErrNoOwner
	}
	if quantity <= 0 {
		return s.Remove(ctx, owner, lineID)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE cart_items SET quantity = ? WHERE id = ? AND user_id = ?", quantity, lineID, owner)
	if err != nil {
		return fmt.Errorf("update cart line: %w", err)
	}
	return expectRow(res)
}

func (s *MySQLStore) Remove(ctx context.Context, owner string, lineID int64) error {
	if owner == "" {
		return ErrNoOwner
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE id = ? AND user_id = ?", lineID, owner)
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}
	return expectRow(res)
}

func (s *MySQLStore) Clear(ctx context.Context, owner string) error {
	if owner == "" {
		return ErrNoOwner
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = ?", owner); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (s *MySQLStore) RemoveLines(ctx context.Context, owner string, lines []models.CheckedOutLine) error {
	if owner == "" {
		return ErrNoOwner
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cart cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, l := range lines {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM cart_items WHERE id = ? AND user_id = ? AND product_id = ? AND quantity <= ?",
			l.LineID, owner, l.ProductID, l.Quantity)
		if err != nil {
			return fmt.Errorf("remove checked-out line: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove checked-out line: %w", err)
		}
		if n > 0 {
			continue
		}
		// 结账后数量又增加了，只扣掉已结账的部分
		if _, err := tx.ExecContext(ctx,
			"UPDATE cart_items SET quantity = quantity - ? WHERE id = ? AND user_id = ? AND product_id = ? AND quantity > ?",
			l.Quantity, l.LineID, owner, l.ProductID, l.Quantity); err != nil {
			return fmt.Errorf("reduce checked-out line: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cart cleanup: %w", err)
	}
	return nil
}

func (s *MySQLStore) Replace(ctx context.Context, owner string, lines []LineInput) ([]models.CartLine, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	snapshot, err := normalizeSnapshot(lines)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cart replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = ?", owner); err != nil {
		return nil, fmt.Errorf("replace cart: %w", err)
	}
	for _, l := range snapshot {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO cart_items (user_id, product_id, quantity) VALUES (?, ?, ?)",
			owner, l.ProductID, l.Quantity); err != nil {
			return nil, fmt.Errorf("replace cart: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cart replace: %w", err)
	}
	return s.List(ctx, owner)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLineNotFound
	}
	return nil
}

// IsNotFound reports whether err means the referenced line does not exist
// for this owner.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLineNotFound)
}
