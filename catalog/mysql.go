package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"storefront/models"
)

const productColumns = "id, title, description, price, stock, category, image, created_at, updated_at"

// Store is the MySQL-backed catalog.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (models.Product, error) {
	var (
		p           models.Product
		description sql.NullString
		image       sql.NullString
	)
	err := row.Scan(&p.ID, &p.Title, &description, &p.Price, &p.Stock, &p.Category, &image, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Product{}, err
	}
	p.Description = description.String
	p.Image = image.String
	return p, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (models.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Product{}, ErrNotFound
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, nil
}

// GetByIDs returns the products that exist; unknown ids are left out.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	defer rows.Close()

	products := make([]models.Product, 0, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) List(ctx context.Context) ([]models.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+productColumns+" FROM products ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// DecrementStock issues one conditional decrement per product inside a single
// transaction. A row that does not match `stock >= ?` aborts the whole batch.
func (s *Store) DecrementStock(ctx context.Context, adjustments []models.StockAdjustment) error {
	merged, err := mergeAdjustments(adjustments)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range merged {
		res, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - ? WHERE id = ? AND stock >= ?",
			a.Quantity, a.ProductID, a.Quantity)
		if err != nil {
			return fmt.Errorf("decrement stock for %s: %w", a.ProductID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decrement stock for %s: %w", a.ProductID, err)
		}
		if n == 0 {
			return s.shortfall(ctx, tx, a.ProductID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stock transaction: %w", err)
	}
	return nil
}

func (s *Store) shortfall(ctx context.Context, tx *sql.Tx, productID string) error {
	var available int
	err := tx.QueryRowContext(ctx, "SELECT stock FROM products WHERE id = ?", productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return &ShortfallError{ProductID: productID, Missing: true}
	}
	if err != nil {
		return fmt.Errorf("read stock for %s: %w", productID, err)
	}
	return &ShortfallError{ProductID: productID, Available: available}
}
