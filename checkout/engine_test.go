package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"storefront/cart"
	"storefront/catalog"
	"storefront/models"
	"storefront/orders"
	"storefront/pricing"
)

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validAddress() models.Address {
	return models.Address{
		Email:     "ada@example.com",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Address:   "1 Analytical Way",
		City:      "London",
		State:     "LDN",
		ZipCode:   "N1 9GU",
		Country:   "UK",
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.OrderEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	catalog   *catalog.MemoryStore
	carts     *cart.MemoryStore
	orders    *orders.MemoryStore
	publisher *recordingPublisher
}

func newFixture(products ...models.Product) *fixture {
	return &fixture{
		catalog:   catalog.NewMemoryStore(products...),
		carts:     cart.NewMemoryStore(),
		orders:    orders.NewMemoryStore(),
		publisher: &recordingPublisher{},
	}
}

func (f *fixture) engine(t *testing.T, opts ...Option) *Engine {
	return f.engineWith(t, f.catalog, f.carts, f.orders, opts...)
}

func (f *fixture) engineWith(t *testing.T, cat catalog.Catalog, carts cart.Store, store orders.Store, opts ...Option) *Engine {
	opts = append([]Option{WithPublisher(f.publisher)}, opts...)
	return NewEngine(cat, carts, store, pricing.NewCalculator(pricing.DefaultTaxRate), zaptest.NewLogger(t), opts...)
}

func (f *fixture) fill(t *testing.T, owner string, quantities map[string]int) {
	t.Helper()
	for id, q := range quantities {
		line, err := f.carts.Add(context.Background(), owner, id)
		require.NoError(t, err)
		require.NoError(t, f.carts.SetQuantity(context.Background(), owner, line.ID, q))
	}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.catalog.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) cartSize(t *testing.T, owner string) int {
	t.Helper()
	lines, err := f.carts.List(context.Background(), owner)
	require.NoError(t, err)
	return len(lines)
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	all, err := f.orders.ListAll(context.Background())
	require.NoError(t, err)
	return len(all)
}

func lampAndMug(lampStock, mugStock int) []models.Product {
	return []models.Product{
		{ID: "lamp", Title: "Desk lamp", Price: price("29.99"), Stock: lampStock},
		{ID: "mug", Title: "Mug", Price: price("15.00"), Stock: mugStock},
	}
}

func TestCheckout_ReferenceCart(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 2, "mug": 1})

	res, err := f.engine(t).Checkout(context.Background(), "alice", Request{Address: validAddress()})
	require.NoError(t, err)

	assert.NotZero(t, res.OrderID)
	assert.Equal(t, models.OrderStatusPending, res.Status)
	assert.True(t, res.TotalAmount.Equal(price("74.98")), res.TotalAmount.String())
	assert.True(t, res.Subtotal.Equal(price("74.98")))
	assert.True(t, res.Tax.Equal(price("6.00")), res.Tax.String())
	assert.True(t, res.Total.Equal(price("80.98")), res.Total.String())
	assert.False(t, res.Replayed)

	assert.Equal(t, 3, f.stock(t, "lamp"))
	assert.Equal(t, 4, f.stock(t, "mug"))
	assert.Zero(t, f.cartSize(t, "alice"))

	order, err := f.orders.GetByOwner(context.Background(), "alice", res.OrderID)
	require.NoError(t, err)
	require.Len(t, order.Items, 2)
	for _, item := range order.Items {
		switch item.ProductID {
		case "lamp":
			assert.Equal(t, 2, item.Quantity)
			assert.True(t, item.PriceAtPurchase.Equal(price("29.99")))
		case "mug":
			assert.Equal(t, 1, item.Quantity)
			assert.True(t, item.PriceAtPurchase.Equal(price("15.00")))
		}
	}
	assert.Equal(t, []string{models.EventOrderCreated}, f.publisher.types())
}

func TestCheckout_InsufficientStockLeavesEverythingUntouched(t *testing.T) {
	f := newFixture(lampAndMug(3, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 5})

	_, err := f.engine(t).Checkout(context.Background(), "alice", Request{Address: validAddress()})

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "lamp", stockErr.ProductID)
	assert.Equal(t, 3, stockErr.Available)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))

	assert.Equal(t, 3, f.stock(t, "lamp"))
	assert.Equal(t, 1, f.cartSize(t, "alice"))
	assert.Zero(t, f.orderCount(t))
	assert.Empty(t, f.publisher.types())
}

func TestCheckout_ConcurrentDoubleSubmit(t *testing.T) {
	f := newFixture(lampAndMug(2, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 2})
	engine := f.engine(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Checkout(context.Background(), "alice", Request{Address: validAddress()})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, 1)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(failures[0]), failures[0].Error())
	assert.Zero(t, f.stock(t, "lamp"))
	assert.Equal(t, 1, f.orderCount(t))
}

func TestCheckout_EmptyCart(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)

	_, err := f.engine(t).Checkout(context.Background(), "alice", Request{Address: validAddress()})
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	assert.Zero(t, f.orderCount(t))
}

func TestCheckout_VanishedProductIsFatal(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 1, "mug": 1})
	f.catalog.Delete("mug")

	_, err := f.engine(t).Checkout(context.Background(), "alice", Request{Address: validAddress()})

	var unavailable *ProductUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "mug", unavailable.ProductID)
	assert.Equal(t, 5, f.stock(t, "lamp"))
	assert.Zero(t, f.orderCount(t))
}

func TestCheckout_AddressValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Address)
		field  string
	}{
		{"missing city", func(a *models.Address) { a.City = "" }, "city"},
		{"blank zip", func(a *models.Address) { a.ZipCode = "   " }, "zipCode"},
		{"bad email", func(a *models.Address) { a.Email = "not-an-email" }, "email"},
		{"first of several", func(a *models.Address) { a.LastName = ""; a.Country = "" }, "lastName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(lampAndMug(5, 5)...)
			f.fill(t, "alice", map[string]int{"lamp": 1})
			addr := validAddress()
			tt.mutate(&addr)

			_, err := f.engine(t).Checkout(context.Background(), "alice", Request{Address: addr})

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
			assert.Zero(t, f.orderCount(t))
			assert.Equal(t, 5, f.stock(t, "lamp"))
		})
	}
}

func TestCheckout_TrimsAddressBeforeStoring(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"mug": 1})
	addr := validAddress()
	addr.City = "  London  "

	res, err := f.engine(t).Checkout(context.Background(), "alice", Request{Address: addr})
	require.NoError(t, err)
	assert.Equal(t, "London", res.Order.Address.City)
}

func TestCheckout_RequiresIdentity(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)

	_, err := f.engine(t).Checkout(context.Background(), "", Request{Address: validAddress()})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(err))
}

type failingItems struct {
	orders.Store
}

func (failingItems) CreateItems(context.Context, []models.OrderItem) error {
	return errors.New("connection reset")
}

func TestCheckout_ItemFailureCompensatesOrder(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 2})

	core, logs := observer.New(zap.DebugLevel)
	engine := NewEngine(f.catalog, f.carts, failingItems{f.orders},
		pricing.NewCalculator(pricing.DefaultTaxRate), zap.New(core), WithPublisher(f.publisher))

	_, err := engine.Checkout(context.Background(), "alice", Request{Address: validAddress()})

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.NotContains(t, Message(err), "connection reset")

	assert.Zero(t, f.orderCount(t), "no order may survive without its items")
	assert.Equal(t, 1, f.cartSize(t, "alice"))
	assert.Equal(t, 5, f.stock(t, "lamp"))
	assert.Empty(t, f.publisher.types())

	states := logs.FilterMessage("checkout state")
	assert.Equal(t, 1, states.FilterField(zap.String("to", string(StateCompensated))).Len())
	assert.Equal(t, 1, states.FilterField(zap.String("to", string(StateFailed))).Len())
}

type cancellingItems struct {
	orders.Store
	cancel context.CancelFunc
}

func (c cancellingItems) CreateItems(ctx context.Context, _ []models.OrderItem) error {
	c.cancel()
	return ctx.Err()
}

func TestCheckout_CompensatesAfterCallerCancels(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := f.engineWith(t, f.catalog, f.carts, cancellingItems{Store: f.orders, cancel: cancel})
	_, err := engine.Checkout(ctx, "alice", Request{Address: validAddress()})

	require.Error(t, err)
	assert.Zero(t, f.orderCount(t))
}

type brokenStock struct {
	catalog.Catalog
}

func (brokenStock) DecrementStock(context.Context, []models.StockAdjustment) error {
	return errors.New("lock wait timeout exceeded")
}

func TestCheckout_StockStorageFailureIsNotFatal(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 1})

	res, err := f.engineWith(t, brokenStock{f.catalog}, f.carts, f.orders).
		Checkout(context.Background(), "alice", Request{Address: validAddress()})

	require.NoError(t, err)
	assert.NotZero(t, res.OrderID)
	assert.Equal(t, 1, f.orderCount(t))
	assert.Zero(t, f.cartSize(t, "alice"))
}

// staleReads reports plenty of stock so validation passes while the backing
// store has less, as when another checkout commits in between.
type staleReads struct {
	*catalog.MemoryStore
}

func (s staleReads) GetByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	products, err := s.MemoryStore.GetByIDs(ctx, ids)
	for i := range products {
		products[i].Stock = 100
	}
	return products, err
}

func TestCheckout_LostStockRaceCompensates(t *testing.T) {
	f := newFixture(lampAndMug(1, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 2})

	_, err := f.engineWith(t, staleReads{f.catalog}, f.carts, f.orders).
		Checkout(context.Background(), "alice", Request{Address: validAddress()})

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 1, stockErr.Available)
	assert.Zero(t, f.orderCount(t))
	assert.Equal(t, 1, f.stock(t, "lamp"))
	assert.Equal(t, 1, f.cartSize(t, "alice"))
}

type stuckCart struct {
	cart.Store
}

func (stuckCart) Clear(context.Context, string) error {
	return errors.New("too many connections")
}

func TestCheckout_CartClearFailureSchedulesRetry(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"mug": 2})

	res, err := f.engineWith(t, f.catalog, stuckCart{f.carts}, f.orders).
		Checkout(context.Background(), "alice", Request{Address: validAddress()})

	require.NoError(t, err)
	assert.Equal(t, 3, f.stock(t, "mug"))
	assert.Equal(t, 1, f.cartSize(t, "alice"))
	assert.Equal(t, []string{models.EventCartClearRetry, models.EventOrderCreated}, f.publisher.types())

	retry := f.publisher.events[0]
	assert.Equal(t, "alice", retry.UserID)
	assert.Equal(t, res.OrderID, retry.OrderID)
	assert.Equal(t, 1, retry.Attempt)
	require.Len(t, retry.Lines, 1)
	assert.Equal(t, "mug", retry.Lines[0].ProductID)
	assert.Equal(t, 2, retry.Lines[0].Quantity)

	lines, err := f.carts.List(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, lines[0].ID, retry.Lines[0].LineID)
}

func TestCheckout_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 2, "mug": 1})
	engine := f.engine(t)
	req := Request{Address: validAddress(), IdempotencyKey: "4b1e2a"}

	first, err := engine.Checkout(context.Background(), "alice", req)
	require.NoError(t, err)
	second, err := engine.Checkout(context.Background(), "alice", req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, first.Total.Equal(second.Total))
	assert.Equal(t, 3, f.stock(t, "lamp"))
	assert.Equal(t, 1, f.orderCount(t))

	// Keys are scoped per owner.
	f.fill(t, "bob", map[string]int{"mug": 1})
	other, err := engine.Checkout(context.Background(), "bob", req)
	require.NoError(t, err)
	assert.False(t, other.Replayed)
	assert.NotEqual(t, first.OrderID, other.OrderID)
}

// lateWinner hides the existing order from the first lookup, as when two
// requests with one key race past the replay check together.
type lateWinner struct {
	*orders.MemoryStore
	mu      sync.Mutex
	lookups int
}

func (l *lateWinner) FindByIdempotencyKey(ctx context.Context, owner, key string) (models.Order, error) {
	l.mu.Lock()
	l.lookups++
	first := l.lookups == 1
	l.mu.Unlock()
	if first {
		return models.Order{}, orders.ErrNotFound
	}
	return l.MemoryStore.FindByIdempotencyKey(ctx, owner, key)
}

func TestCheckout_DuplicateKeyInsertReplaysWinner(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 1})
	ctx := context.Background()

	winner, err := f.orders.CreateOrder(ctx, orders.NewOrder{
		UserID: "alice", TotalAmount: price("29.99"), Address: validAddress(), IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.NoError(t, f.orders.CreateItems(ctx, []models.OrderItem{
		{OrderID: winner.ID, ProductID: "lamp", Quantity: 1, PriceAtPurchase: price("29.99")},
	}))

	res, err := f.engineWith(t, f.catalog, f.carts, &lateWinner{MemoryStore: f.orders}).
		Checkout(ctx, "alice", Request{Address: validAddress(), IdempotencyKey: "k1"})

	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, winner.ID, res.OrderID)
	assert.Equal(t, 5, f.stock(t, "lamp"))
	assert.Equal(t, 1, f.orderCount(t))
}

// gatedItems parks CreateItems until released, holding an attempt between
// its order header and its items.
type gatedItems struct {
	*orders.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	fail    error
}

func newGatedItems(store *orders.MemoryStore, fail error) *gatedItems {
	return &gatedItems{MemoryStore: store, entered: make(chan struct{}), release: make(chan struct{}), fail: fail}
}

func (g *gatedItems) CreateItems(ctx context.Context, items []models.OrderItem) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if g.fail != nil {
		return g.fail
	}
	return g.MemoryStore.CreateItems(ctx, items)
}

type outcome struct {
	res Result
	err error
}

func TestCheckout_SameKeyWhileFirstInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 2})
	gated := newGatedItems(f.orders, nil)
	engine := f.engineWith(t, f.catalog, f.carts, gated)
	// peer is a second instance sharing the same stores.
	peer := f.engineWith(t, f.catalog, f.carts, gated)
	req := Request{Address: validAddress(), IdempotencyKey: "k-race"}

	done := make(chan outcome, 1)
	go func() {
		res, err := engine.Checkout(ctx, "alice", req)
		done <- outcome{res, err}
	}()
	<-gated.entered

	_, err := engine.Checkout(ctx, "alice", req)
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))

	_, err = peer.Checkout(ctx, "alice", req)
	assert.ErrorIs(t, err, ErrCheckoutInProgress, "a header without items must not be replayed")

	close(gated.release)
	first := <-done
	require.NoError(t, first.err)
	assert.False(t, first.res.Replayed)

	replay, err := peer.Checkout(ctx, "alice", req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.res.OrderID, replay.OrderID)
	assert.True(t, replay.TotalAmount.Equal(price("59.98")))
	assert.True(t, replay.Subtotal.Equal(price("59.98")))
	assert.True(t, replay.Total.Equal(first.res.Total))
	assert.Equal(t, 3, f.stock(t, "lamp"))
	assert.Equal(t, 1, f.orderCount(t))
}

func TestCheckout_SameKeyNeverReportsAnAttemptThatFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(lampAndMug(5, 5)...)
	f.fill(t, "alice", map[string]int{"lamp": 1})
	gated := newGatedItems(f.orders, errors.New("lock wait timeout"))
	peer := f.engineWith(t, f.catalog, f.carts, f.orders)
	req := Request{Address: validAddress(), IdempotencyKey: "k-doomed"}

	done := make(chan outcome, 1)
	go func() {
		res, err := f.engineWith(t, f.catalog, f.carts, gated).Checkout(ctx, "alice", req)
		done <- outcome{res, err}
	}()
	<-gated.entered

	_, err := peer.Checkout(ctx, "alice", req)
	assert.ErrorIs(t, err, ErrCheckoutInProgress)

	close(gated.release)
	first := <-done
	var se *StorageError
	require.ErrorAs(t, first.err, &se)
	assert.Zero(t, f.orderCount(t))

	// The key is free again once the failed attempt has been compensated.
	retried, err := peer.Checkout(ctx, "alice", req)
	require.NoError(t, err)
	assert.False(t, retried.Replayed)
	assert.Equal(t, 4, f.stock(t, "lamp"))
	assert.Equal(t, 1, f.orderCount(t))
}

func TestCheckout_RejectsOversizedIdempotencyKey(t *testing.T) {
	f := newFixture(lampAndMug(5, 5)...)
	key := make([]byte, 129)
	for i := range key {
		key[i] = 'k'
	}

	_, err := f.engine(t).Checkout(context.Background(), "alice",
		Request{Address: validAddress(), IdempotencyKey: string(key)})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Idempotency-Key", verr.Field)
}

func TestCheckout_TotalMatchesItemsExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cents := []string{"0.01", "0.10", "0.20", "0.30", "0.33", "0.99", "1.10", "2.675", "19.99", "1234.56"}

	for round := 0; round < 25; round++ {
		var products []models.Product
		quantities := make(map[string]int)
		for i := 0; i < 1+rng.Intn(8); i++ {
			id := fmt.Sprintf("p%d", i)
			products = append(products, models.Product{ID: id, Price: price(cents[rng.Intn(len(cents))]), Stock: 50})
			quantities[id] = 1 + rng.Intn(9)
		}
		f := newFixture(products...)
		f.fill(t, "alice", quantities)

		res, err := f.engine(t).Checkout(context.Background(), "alice", Request{Address: validAddress()})
		require.NoError(t, err)

		order, err := f.orders.GetByOwner(context.Background(), "alice", res.OrderID)
		require.NoError(t, err)
		sum := decimal.Zero
		for _, item := range order.Items {
			sum = sum.Add(item.Subtotal())
		}
		assert.True(t, order.TotalAmount.Equal(sum), "round %d: total %s != items %s", round, order.TotalAmount, sum)
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(fmt.Errorf("wrapped: %w", ErrUnauthorized)))
	assert.Equal(t, http.StatusConflict, HTTPStatus(ErrCheckoutInProgress))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(&ValidationError{Field: "email"}))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(&ProductUnavailableError{ProductID: "x"}))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(storageError("create order", errors.New("disk full"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("unexpected")))

	assert.Equal(t, "insufficient stock for product lamp: 3 available",
		Message(&InsufficientStockError{ProductID: "lamp", Available: 3}))
}
