package cart

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/models"
	"storefront/pricing"
)

func TestMemoryStore_AddIncrementsExistingLine(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.Add(ctx, "alice", "p1")
	require.NoError(t, err)
	second, err := store.Add(ctx, "alice", "p1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Quantity)

	lines, err := store.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
}

func TestMemoryStore_SetQuantityZeroRemovesLine(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	line, _ := store.Add(ctx, "alice", "p1")

	require.NoError(t, store.SetQuantity(ctx, "alice", line.ID, 4))
	lines, _ := store.List(ctx, "alice")
	assert.Equal(t, 4, lines[0].Quantity)

	require.NoError(t, store.SetQuantity(ctx, "alice", line.ID, 0))
	lines, _ = store.List(ctx, "alice")
	assert.Empty(t, lines)
}

func TestMemoryStore_OwnerIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	line, _ := store.Add(ctx, "alice", "p1")

	assert.ErrorIs(t, store.SetQuantity(ctx, "bob", line.ID, 3), ErrLineNotFound)
	assert.ErrorIs(t, store.Remove(ctx, "bob", line.ID), ErrLineNotFound)
	require.NoError(t, store.Clear(ctx, "bob"))

	lines, _ := store.List(ctx, "alice")
	require.Len(t, lines, 1)
	assert.Equal(t, 1, lines[0].Quantity)

	bobs, err := store.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobs, "unknown owner is an empty cart, not an error")
}

func TestMemoryStore_RequiresOwner(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Add(context.Background(), "", "p1")
	assert.ErrorIs(t, err, ErrNoOwner)
	_, err = store.List(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestMemoryStore_ReplaceMergesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _ = store.Add(ctx, "alice", "old")

	lines, err := store.Replace(ctx, "alice", []LineInput{
		{ProductID: "p1", Quantity: 1},
		{ProductID: "p2", Quantity: 0},
		{ProductID: "p1", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "p1", lines[0].ProductID)
	assert.Equal(t, 3, lines[0].Quantity)

	_, err = store.Replace(ctx, "alice", []LineInput{{Quantity: 1}})
	assert.ErrorIs(t, err, ErrNoProduct)
}

var lineCols = []string{"id", "user_id", "product_id", "quantity", "created_at", "updated_at"}

func TestMySQLStore_AddUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("(?s)INSERT INTO cart_items .* ON DUPLICATE KEY UPDATE quantity = quantity \\+ 1").
		WithArgs("alice", "p1").
		WillReturnResult(sqlmock.NewResult(7, 2))
	mock.ExpectQuery(regexp.QuoteMeta("FROM cart_items WHERE user_id = ? AND product_id = ?")).
		WithArgs("alice", "p1").
		WillReturnRows(sqlmock.NewRows(lineCols).AddRow(7, "alice", "p1", 2, time.Now(), time.Now()))

	line, err := NewMySQLStore(db).Add(context.Background(), "alice", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), line.ID)
	assert.Equal(t, 2, line.Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_SetQuantityZeroDeletes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM cart_items WHERE id = ? AND user_id = ?")).
		WithArgs(int64(7), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewMySQLStore(db).SetQuantity(context.Background(), "alice", 7, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_UnknownLineIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE cart_items SET quantity = ? WHERE id = ? AND user_id = ?")).
		WithArgs(3, int64(99), "alice").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewMySQLStore(db).SetQuantity(context.Background(), "alice", 99, 3)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ReplaceRunsInTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM cart_items WHERE user_id = ?")).
		WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cart_items (user_id, product_id, quantity) VALUES (?, ?, ?)")).
		WithArgs("alice", "p1", 2).WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	_, err = NewMySQLStore(db).Replace(context.Background(), "alice", []LineInput{{ProductID: "p1", Quantity: 2}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummarize(t *testing.T) {
	lines := []models.CartLine{
		{ID: 1, ProductID: "lamp", Quantity: 2},
		{ID: 2, ProductID: "mug", Quantity: 1},
		{ID: 3, ProductID: "gone", Quantity: 4},
	}
	products := []models.Product{
		{ID: "lamp", Price: decimal.RequireFromString("29.99"), Stock: 1},
		{ID: "mug", Price: decimal.RequireFromString("15.00"), Stock: 10},
	}

	summary, err := Summarize(lines, products, pricing.NewCalculator(pricing.DefaultTaxRate))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalItems)
	assert.True(t, summary.Subtotal.Equal(decimal.RequireFromString("74.98")))
	assert.True(t, summary.Tax.Equal(decimal.RequireFromString("6.00")))
	assert.True(t, summary.Total.Equal(decimal.RequireFromString("80.98")))

	require.Len(t, summary.Lines, 3)
	assert.False(t, summary.Lines[0].InStock)
	assert.True(t, summary.Lines[1].InStock)
	assert.False(t, summary.Lines[2].Available)
	assert.Nil(t, summary.Lines[2].Product)
}

func TestProductIDs(t *testing.T) {
	ids := ProductIDs([]models.CartLine{{ProductID: "b"}, {ProductID: "a"}, {ProductID: "b"}})
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestMemoryStore_RemoveLinesKeepsLaterAdditions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lamp, _ := store.Add(ctx, "alice", "lamp")
	mug, _ := store.Add(ctx, "alice", "mug")
	require.NoError(t, store.SetQuantity(ctx, "alice", mug.ID, 2))
	checkedOut := []models.CheckedOutLine{
		{LineID: lamp.ID, ProductID: "lamp", Quantity: 1},
		{LineID: mug.ID, ProductID: "mug", Quantity: 2},
	}

	// After checkout the user adds a new product and one more mug.
	_, err := store.Add(ctx, "alice", "notebook")
	require.NoError(t, err)
	_, err = store.Add(ctx, "alice", "mug")
	require.NoError(t, err)

	require.NoError(t, store.RemoveLines(ctx, "alice", checkedOut))

	lines, err := store.List(ctx, "alice")
	require.NoError(t, err)
	got := make(map[string]int)
	for _, l := range lines {
		got[l.ProductID] = l.Quantity
	}
	assert.Equal(t, map[string]int{"mug": 1, "notebook": 1}, got)

	// Running it again, as a redelivered retry would, leaves nothing to remove.
	require.NoError(t, store.RemoveLines(ctx, "alice", checkedOut[:1]))
	lines, _ = store.List(ctx, "alice")
	assert.Len(t, lines, 2)
}

func TestMemoryStore_RemoveLinesIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	line, _ := store.Add(ctx, "alice", "lamp")

	require.NoError(t, store.RemoveLines(ctx, "bob", []models.CheckedOutLine{{LineID: line.ID, ProductID: "lamp", Quantity: 1}}))

	lines, _ := store.List(ctx, "alice")
	assert.Len(t, lines, 1)
}

func TestMySQLStore_RemoveLinesDeletesOrReduces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	deleteSQL := regexp.QuoteMeta("DELETE FROM cart_items WHERE id = ? AND user_id = ? AND product_id = ? AND quantity <= ?")
	reduceSQL := regexp.QuoteMeta("UPDATE cart_items SET quantity = quantity - ? WHERE id = ? AND user_id = ? AND product_id = ? AND quantity > ?")

	mock.ExpectBegin()
	mock.ExpectExec(deleteSQL).WithArgs(1, "alice", "lamp", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(deleteSQL).WithArgs(2, "alice", "mug", 2).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(reduceSQL).WithArgs(2, 2, "alice", "mug", 2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewMySQLStore(db).RemoveLines(context.Background(), "alice", []models.CheckedOutLine{
		{LineID: 1, ProductID: "lamp", Quantity: 1},
		{LineID: 2, ProductID: "mug", Quantity: 2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
