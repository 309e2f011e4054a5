// Package checkout turns a user's cart into a persisted order.
//
// An attempt runs as a short saga over the catalog, cart and order stores:
//
//	load cart -> validate & price -> create order -> create items -> adjust stock -> clear cart
//
// Business-rule failures are detected before the first write. Once the order
// header exists, a fatal failure deletes it again (which also removes any
// items) before the error is returned, so no partial order survives. Stock
// adjustment and cart clearing are best effort, except that a stock shortfall
// discovered by the atomic decrement means a concurrent checkout won the race
// and the attempt is compensated like any other fatal failure.
package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"storefront/cart"
	"storefront/catalog"
	"storefront/events"
	"storefront/metrics"
	"storefront/models"
	"storefront/orders"
	"storefront/pricing"
)

const defaultCompensationTimeout = 5 * time.Second

type Request struct {
	Address        models.Address
	IdempotencyKey string
}

type Result struct {
	OrderID     int64              `json:"order_id"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Status      models.OrderStatus `json:"status"`
	Subtotal    decimal.Decimal    `json:"subtotal"`
	Tax         decimal.Decimal    `json:"tax"`
	Total       decimal.Decimal    `json:"total"`
	Replayed    bool               `json:"replayed"`
	Order       models.Order       `json:"-"`
}

type Engine struct {
	catalog   catalog.Catalog
	carts     cart.Store
	orders    orders.Store
	calc      pricing.Calculator
	publisher events.Publisher
	validate  *validator.Validate
	logger    *zap.Logger
	tracer    trace.Tracer

	timeout             time.Duration
	compensationTimeout time.Duration

	// inflight holds the (owner, idempotency key) pairs being checked out by
	// this process.
	inflight sync.Map
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithTimeout bounds a whole attempt. Zero means the caller's context alone
// decides.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithCompensationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.compensationTimeout = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine wires the engine. cat must read the authoritative catalog, never a
// cache.
func NewEngine(cat catalog.Catalog, carts cart.Store, store orders.Store, calc pricing.Calculator, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		catalog:             cat,
		carts:               carts,
		orders:              store,
		calc:                calc,
		publisher:           events.Nop{},
		validate:            newValidator(),
		logger:              logger,
		tracer:              otel.Tracer("storefront/checkout"),
		compensationTimeout: defaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Checkout places an order for owner's cart. owner is the verified caller
// identity; an empty owner is rejected before anything is read.
func (e *Engine) Checkout(ctx context.Context, owner string, req Request) (Result, error) {
	start := time.Now()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "checkout", trace.WithAttributes(attribute.String("user_id", owner)))
	defer span.End()

	res, err := e.checkout(ctx, owner, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, resultLabel(err, false))
	} else {
		span.SetAttributes(attribute.Int64("order_id", res.OrderID), attribute.Bool("replayed", res.Replayed))
	}
	metrics.RecordCheckout(resultLabel(err, res.Replayed), time.Since(start).Seconds())
	return res, err
}

func (e *Engine) checkout(ctx context.Context, owner string, req Request) (Result, error) {
	if owner == "" {
		return Result{}, ErrUnauthorized
	}
	addr := req.Address.Normalize()
	if err := validateAddress(e.validate, addr); err != nil {
		return Result{}, err
	}
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return Result{}, err
	}

	if req.IdempotencyKey != "" {
		slot := owner + "\x00" + req.IdempotencyKey
		if _, busy := e.inflight.LoadOrStore(slot, struct{}{}); busy {
			return Result{}, ErrCheckoutInProgress
		}
		defer e.inflight.Delete(slot)

		if res, ok, err := e.replay(ctx, owner, req.IdempotencyKey); err != nil || ok {
			return res, err
		}
	}

	logger := e.logger.With(zap.String("user_id", owner), zap.String("checkout_id", uuid.NewString()))
	a := &attempt{
		engine: e,
		owner:  owner,
		addr:   addr,
		key:    req.IdempotencyKey,
		logger: logger,
	}
	s := &saga{
		logger:              logger,
		tracer:              e.tracer,
		compensationTimeout: e.compensationTimeout,
		state:               StateStart,
	}

	if err := s.run(ctx, a.steps()); err != nil {
		if errors.Is(err, orders.ErrDuplicateIdempotencyKey) {
			// A concurrent request with the same key committed first.
			if res, ok, lookupErr := e.replay(ctx, owner, req.IdempotencyKey); lookupErr != nil || ok {
				return res, lookupErr
			}
			return Result{}, storageError("create order", err)
		}
		logger.Warn("checkout failed", zap.Int64("order_id", a.order.ID), zap.Error(err))
		return Result{}, err
	}
	s.transition(StateComplete, zap.Int64("order_id", a.order.ID))

	order := a.order
	order.Items = a.items
	metrics.RecordOrderOperation("create", true)
	e.publish(ctx, events.OrderCreated(order))

	logger.Info("Order created",
		zap.Int64("order_id", order.ID), zap.String("total_amount", order.TotalAmount.StringFixed(2)))
	return e.result(order, false)
}

// replay returns the order already stored under (owner, key), if any. An
// order without items is still being written by another attempt, which may
// yet fail and delete it, so it is reported as in progress, never replayed.
func (e *Engine) replay(ctx context.Context, owner, key string) (Result, bool, error) {
	existing, err := e.orders.FindByIdempotencyKey(ctx, owner, key)
	if errors.Is(err, orders.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, storageError("find order by idempotency key", err)
	}
	if len(existing.Items) == 0 {
		e.logger.Info("Checkout with this key still in progress",
			zap.String("user_id", owner), zap.Int64("order_id", existing.ID))
		return Result{}, true, ErrCheckoutInProgress
	}
	e.logger.Info("Replaying checkout",
		zap.String("user_id", owner), zap.Int64("order_id", existing.ID))
	res, err := e.result(existing, true)
	return res, true, err
}

// result derives the display figures from the persisted items so a replay
// reports exactly what the first attempt did.
func (e *Engine) result(order models.Order, replayed bool) (Result, error) {
	lines := make([]pricing.Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, pricing.Line{UnitPrice: item.PriceAtPurchase, Quantity: item.Quantity})
	}
	totals, err := e.calc.Compute(lines)
	if err != nil {
		return Result{}, storageError("price order", err)
	}
	totals = totals.Rounded()
	return Result{
		OrderID:     order.ID,
		TotalAmount: order.TotalAmount,
		Status:      order.Status,
		Subtotal:    totals.Subtotal,
		Tax:         totals.Tax,
		Total:       totals.Total,
		Replayed:    replayed,
		Order:       order,
	}, nil
}

func (e *Engine) publish(ctx context.Context, event models.OrderEvent) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("Failed to publish order event",
			zap.String("type", event.Type), zap.Int64("order_id", event.OrderID), zap.Error(err))
	}
}

// attempt carries the data one checkout threads through its steps.
type attempt struct {
	engine *Engine
	owner  string
	addr   models.Address
	key    string
	logger *zap.Logger

	lines  []models.CartLine
	priced []pricedLine
	totals pricing.Totals
	order  models.Order
	items  []models.OrderItem
}

func (a *attempt) steps() []step {
	return []step{
		{name: "load_cart", reaches: StateCartLoaded, action: a.loadCart},
		{name: "validate", reaches: StateValidated, action: a.validate},
		{name: "create_order", reaches: StateOrderCreated, action: a.createOrder, compensate: a.deleteOrder},
		{name: "create_items", reaches: StateItemsCreated, action: a.createItems},
		{name: "adjust_stock", reaches: StateStockAdjusted, action: a.adjustStock, tolerate: tolerateStorage},
		{name: "clear_cart", reaches: StateCartCleared, action: a.clearCart, tolerate: a.retryCartClear},
	}
}

func (a *attempt) loadCart(ctx context.Context) error {
	lines, err := a.engine.carts.List(ctx, a.owner)
	if err != nil {
		return storageError("load cart", err)
	}
	if len(lines) == 0 {
		return ErrEmptyCart
	}
	a.lines = lines
	return nil
}

// validate re-reads every product from the catalog and freezes its current
// price. Nothing the client sent is priced.
func (a *attempt) validate(ctx context.Context) error {
	products, err := a.engine.catalog.GetByIDs(ctx, cart.ProductIDs(a.lines))
	if err != nil {
		return storageError("load products", err)
	}
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	priced := make([]pricedLine, 0, len(a.lines))
	for _, line := range a.lines {
		product, ok := byID[line.ProductID]
		if !ok {
			return &ProductUnavailableError{ProductID: line.ProductID}
		}
		if product.Stock < line.Quantity {
			return &InsufficientStockError{ProductID: product.ID, Available: product.Stock}
		}
		priced = append(priced, newPricedLine(product, line.Quantity))
	}

	totals, err := a.engine.calc.Compute(pricingLines(priced))
	if err != nil {
		return storageError("price cart", err)
	}
	a.priced = priced
	a.totals = totals
	return nil
}

func (a *attempt) createOrder(ctx context.Context) error {
	order, err := a.engine.orders.CreateOrder(ctx, orders.NewOrder{
		UserID:         a.owner,
		TotalAmount:    a.totals.Subtotal,
		Address:        a.addr,
		IdempotencyKey: a.key,
	})
	if errors.Is(err, orders.ErrDuplicateIdempotencyKey) {
		return err
	}
	if err != nil {
		metrics.RecordOrderOperation("create", false)
		return storageError("create order", err)
	}
	a.order = order
	return nil
}

func (a *attempt) deleteOrder(ctx context.Context) error {
	return a.engine.orders.DeleteOrder(ctx, a.order.ID)
}

func (a *attempt) createItems(ctx context.Context) error {
	items := make([]models.OrderItem, 0, len(a.priced))
	for _, l := range a.priced {
		items = append(items, l.orderItem(a.order.ID))
	}
	if err := a.engine.orders.CreateItems(ctx, items); err != nil {
		metrics.RecordOrderOperation("create", false)
		return storageError("create order items", err)
	}
	a.items = items
	return nil
}

func (a *attempt) adjustStock(ctx context.Context) error {
	adjustments := make([]models.StockAdjustment, 0, len(a.priced))
	for _, l := range a.priced {
		adjustments = append(adjustments, l.stockAdjustment())
	}
	err := a.engine.catalog.DecrementStock(ctx, adjustments)
	var shortfall *catalog.ShortfallError
	if errors.As(err, &shortfall) {
		if shortfall.Missing {
			return &ProductUnavailableError{ProductID: shortfall.ProductID}
		}
		return &InsufficientStockError{ProductID: shortfall.ProductID, Available: shortfall.Available}
	}
	if err != nil {
		return storageError("adjust stock", err)
	}
	return nil
}

func (a *attempt) clearCart(ctx context.Context) error {
	if err := a.engine.carts.Clear(ctx, a.owner); err != nil {
		return storageError("clear cart", err)
	}
	return nil
}

// retryCartClear schedules a delayed clear. The order stands either way.
func (a *attempt) retryCartClear(ctx context.Context, _ error) bool {
	a.engine.publish(ctx, events.CartClearRetry(a.owner, a.order.ID, 1, a.checkedOut()))
	return true
}

func (a *attempt) checkedOut() []models.CheckedOutLine {
	lines := make([]models.CheckedOutLine, 0, len(a.lines))
	for _, l := range a.lines {
		lines = append(lines, models.CheckedOutLine{LineID: l.ID, ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return lines
}

// tolerateStorage lets plain storage failures through but not business-rule
// outcomes such as a lost stock race.
func tolerateStorage(_ context.Context, err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
