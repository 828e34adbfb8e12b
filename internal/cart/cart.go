// Package cart keeps the buyer's cart in sync with the backend. Quantity changes can
// be applied optimistically or coalesced into one batched update.
package cart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/storefront/internal/apperror"
	"github.com/example/storefront/internal/client"
	"github.com/example/storefront/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Cart endpoints
const (
	PathCart   = "/api/cart"
	PathCount  = "/api/cart/count"
	PathBatch  = "/api/cart/batch"
	PathCoupon = "/api/cart/coupon"
)

// DefaultBatchWindow is how long QueueQuantity waits for further changes.
const DefaultBatchWindow = 500 * time.Millisecond

// Doer executes API requests. *client.Client implements it.
type Doer interface {
	Do(ctx context.Context, req client.Request) (*client.Envelope, error)
}

// Product is the product snapshot embedded in a cart item.
type Product struct {
	ID    string          `json:"_id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Slug  string          `json:"slug,omitempty"`
	Image string          `json:"image,omitempty"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock,omitempty"`
}

// Item is a cart line.
type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Product   *Product        `json:"product,omitempty"`
}

// Price returns the unit price, falling back to the product price.
func (i Item) Price() decimal.Decimal {
	if i.UnitPrice.IsZero() && i.Product != nil {
		return i.Product.Price
	}
	return i.UnitPrice
}

// Summary is the server-computed cart total.
type Summary struct {
	ItemsCount int             `json:"itemsCount"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount,omitempty"`
	Total      decimal.Decimal `json:"total,omitempty"`
}

// Coupon is an applied discount code.
type Coupon struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
}

// State is a snapshot of the cart.
type State struct {
	Items         []Item   `json:"items"`
	Summary       *Summary `json:"summary,omitempty"`
	AppliedCoupon *Coupon  `json:"appliedCoupon,omitempty"`
}

func (s State) clone() State {
	out := s
	out.Items = append([]Item(nil), s.Items...)
	if s.Summary != nil {
		sum := *s.Summary
		out.Summary = &sum
	}
	if s.AppliedCoupon != nil {
		c := *s.AppliedCoupon
		out.AppliedCoupon = &c
	}
	return out
}

type itemRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1,max=999"`
}

type quantityRequest struct {
	Quantity int `json:"quantity" validate:"min=0,max=999"`
}

// Update is one entry of a batched quantity update.
type Update struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type batchRequest struct {
	Updates []Update `json:"updates"`
}

type couponRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// Cart reconciles local cart state with the backend.
//
// Thread Safety: Safe for concurrent use.
type Cart struct {
	api         Doer
	validate    *validator.Validate
	logger      *zap.Logger
	metrics     *metrics.Metrics
	batchWindow time.Duration

	mu      sync.RWMutex
	state   State
	count   int
	lastErr *apperror.Error

	batchMu sync.Mutex
	pending map[string]int
	timer   *time.Timer

	inflight atomic.Int32
}

// Option configures a Cart.
type Option func(*Cart)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cart) { c.logger = l }
}

// WithMetrics records batch flushes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cart) { c.metrics = m }
}

// WithBatchWindow sets the QueueQuantity coalescing window.
func WithBatchWindow(d time.Duration) Option {
	return func(c *Cart) {
		if d > 0 {
			c.batchWindow = d
		}
	}
}

// New creates a cart backed by api.
func New(api Doer, opts ...Option) *Cart {
	c := &Cart{
		api:         api,
		validate:    validator.New(),
		logger:      zap.NewNop(),
		batchWindow: DefaultBatchWindow,
		pending:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("cart")
	return c
}

// Fetch loads the cart.
func (c *Cart) Fetch(ctx context.Context) (State, error) {
	done := c.begin()
	defer done()

	env, err := c.api.Do(ctx, client.Request{Method: http.MethodGet, Path: PathCart})
	if err != nil {
		return State{}, c.fail(err)
	}
	st, err := decodeState(env.Data)
	if err != nil {
		return State{}, c.fail(err)
	}
	c.setState(st)
	return st.clone(), nil
}

// Add adds quantity of a product. The item count is bumped locally right away and
// reconciled with GET /api/cart/count afterwards.
func (c *Cart) Add(ctx context.Context, productID string, quantity int) (State, error) {
	done := c.begin()
	defer done()

	body := itemRequest{ProductID: productID, Quantity: quantity}
	if err := c.validate.Struct(body); err != nil {
		return State{}, c.fail(apperror.Validation("A product and a quantity between 1 and 999 are required"))
	}

	c.mu.Lock()
	c.count += quantity
	c.mu.Unlock()

	env, err := c.api.Do(ctx, client.Request{Method: http.MethodPost, Path: PathCart, Body: body})
	if err != nil {
		c.reconcileCount(ctx)
		return State{}, c.fail(err)
	}
	st, err := c.applyResponse(ctx, env)
	if err != nil {
		return State{}, c.fail(err)
	}
	c.reconcileCount(ctx)
	return st, nil
}

// Update sets the quantity of a product, applying it locally before the server
// confirms. On failure the cart is reloaded from the server. Quantity 0 removes the item.
func (c *Cart) Update(ctx context.Context, productID string, quantity int) (State, error) {
	if quantity == 0 {
		return c.Remove(ctx, productID)
	}
	done := c.begin()
	defer done()

	body := quantityRequest{Quantity: quantity}
	if productID == "" || c.validate.Struct(body) != nil {
		return State{}, c.fail(apperror.Validation("A product and a quantity between 0 and 999 are required"))
	}

	c.applyLocal(map[string]int{productID: quantity})
	env, err := c.api.Do(ctx, client.Request{
		Method: http.MethodPut,
		Path:   PathCart + "/" + url.PathEscape(productID),
		Body:   body,
	})
	if err != nil {
		c.rollback(ctx)
		return State{}, c.fail(err)
	}
	return c.confirm(ctx, env)
}

// Remove deletes a product from the cart.
func (c *Cart) Remove(ctx context.Context, productID string) (State, error) {
	done := c.begin()
	defer done()

	if productID == "" {
		return State{}, c.fail(apperror.Validation("Product ID is required"))
	}
	c.dropPending(productID)

	c.applyLocal(map[string]int{productID: 0})
	env, err := c.api.Do(ctx, client.Request{Method: http.MethodDelete, Path: PathCart + "/" + url.PathEscape(productID)})
	if err != nil {
		c.rollback(ctx)
		return State{}, c.fail(err)
	}
	return c.confirm(ctx, env)
}

// Clear empties the cart.
func (c *Cart) Clear(ctx context.Context) error {
	done := c.begin()
	defer done()

	c.stopBatch()
	if _, err := c.api.Do(ctx, client.Request{Method: http.MethodDelete, Path: PathCart}); err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.state = State{Items: []Item{}}
	c.count = 0
	c.mu.Unlock()
	return nil
}

// Count fetches the item count from GET /api/cart/count.
func (c *Cart) Count(ctx context.Context) (int, error) {
	env, err := c.api.Do(ctx, client.Request{Method: http.MethodGet, Path: PathCount})
	if err != nil {
		return 0, apperror.Classify(err)
	}
	n := gjson.GetBytes(env.Data, "count")
	if !n.Exists() {
		n = gjson.ParseBytes(env.Data)
	}
	count := int(n.Int())

	c.mu.Lock()
	c.count = count
	c.mu.Unlock()
	return count, nil
}

// QueueQuantity records a quantity change to be sent with the next batch. Calls
// within the batch window restart the timer; only the last quantity per product
// is sent.
func (c *Cart) QueueQuantity(productID string, quantity int) error {
	if productID == "" || quantity < 0 || quantity > 999 {
		return apperror.Validation("A product and a quantity between 0 and 999 are required")
	}
	c.applyLocal(map[string]int{productID: quantity})

	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	c.pending[productID] = quantity
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.batchWindow, func() {
		if err := c.Flush(context.Background()); err != nil && !apperror.IsLogoutCancellation(err) {
			c.logger.Warn("Batched cart update failed", zap.Error(err))
		}
	})
	return nil
}

// Pending returns the queued quantity changes.
func (c *Cart) Pending() map[string]int {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	out := make(map[string]int, len(c.pending))
	for k, v := range c.pending {
		out[k] = v
	}
	return out
}

// Flush sends queued quantity changes now via PUT /api/cart/batch.
func (c *Cart) Flush(ctx context.Context) error {
	c.batchMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	pending := c.pending
	c.pending = make(map[string]int)
	c.batchMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	done := c.begin()
	defer done()

	updates := make([]Update, 0, len(pending))
	for id, q := range pending {
		updates = append(updates, Update{ProductID: id, Quantity: q})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ProductID < updates[j].ProductID })

	env, err := c.api.Do(ctx, client.Request{Method: http.MethodPut, Path: PathBatch, Body: batchRequest{Updates: updates}})
	c.metrics.ObserveCartFlush(err == nil)
	if err != nil {
		c.rollback(ctx)
		return c.fail(err)
	}
	c.logger.Debug("Cart batch flushed", zap.Int("updates", len(updates)))
	_, err = c.confirm(ctx, env)
	return err
}

// ApplyCoupon applies a discount code.
func (c *Cart) ApplyCoupon(ctx context.Context, code string) (State, error) {
	done := c.begin()
	defer done()

	body := couponRequest{Code: strings.TrimSpace(code)}
	if err := c.validate.Struct(body); err != nil {
		return State{}, c.fail(apperror.Validation("Coupon code is required"))
	}
	env, err := c.api.Do(ctx, client.Request{Method: http.MethodPost, Path: PathCoupon, Body: body})
	if err != nil {
		return State{}, c.fail(err)
	}
	return c.applyResponseOrFail(ctx, env)
}

// RemoveCoupon removes the applied discount code.
func (c *Cart) RemoveCoupon(ctx context.Context) (State, error) {
	done := c.begin()
	defer done()

	env, err := c.api.Do(ctx, client.Request{Method: http.MethodDelete, Path: PathCoupon})
	if err != nil {
		return State{}, c.fail(err)
	}
	return c.applyResponseOrFail(ctx, env)
}

// State returns a snapshot of the cart.
func (c *Cart) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// ItemsCount prefers the server summary over the local sum of quantities.
func (c *Cart) ItemsCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Summary != nil {
		return c.state.Summary.ItemsCount
	}
	n := 0
	for _, it := range c.state.Items {
		n += it.Quantity
	}
	return n
}

// BadgeCount is the last known count from Count, including optimistic additions.
func (c *Cart) BadgeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// Subtotal prefers the server summary over the local sum of price times quantity.
func (c *Cart) Subtotal() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Summary != nil {
		return c.state.Summary.Subtotal
	}
	total := decimal.Zero
	for _, it := range c.state.Items {
		total = total.Add(it.Price().Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// Err returns the error of the last failed operation.
func (c *Cart) Err() *apperror.Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Loading reports whether an operation is in progress.
func (c *Cart) Loading() bool {
	return c.inflight.Load() > 0
}

// Reset drops local state and queued changes. Registered as a logout handler.
func (c *Cart) Reset() {
	c.stopBatch()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{}
	c.count = 0
	c.lastErr = nil
}

func (c *Cart) begin() func() {
	c.inflight.Add(1)
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
	return func() { c.inflight.Add(-1) }
}

func (c *Cart) fail(err error) error {
	appErr := apperror.Classify(err)
	if apperror.IsLogoutCancellation(appErr) {
		return appErr
	}
	c.mu.Lock()
	c.lastErr = appErr
	c.mu.Unlock()
	c.logger.Warn("Cart operation failed", zap.String("code", appErr.Code), zap.String("message", appErr.Message))
	return appErr
}

func (c *Cart) setState(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = st
	if st.Summary != nil {
		c.count = st.Summary.ItemsCount
	}
}

// applyLocal sets quantities in the local state; 0 removes the item. The server
// summary is dropped since it no longer matches.
func (c *Cart) applyLocal(quantities map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]Item, 0, len(c.state.Items))
	for _, it := range c.state.Items {
		if q, ok := quantities[it.ProductID]; ok {
			if q == 0 {
				continue
			}
			it.Quantity = q
		}
		items = append(items, it)
	}
	c.state.Items = items
	c.state.Summary = nil
}

// rollback reloads the server state after a failed optimistic change.
func (c *Cart) rollback(ctx context.Context) {
	env, err := c.api.Do(context.WithoutCancel(ctx), client.Request{Method: http.MethodGet, Path: PathCart})
	if err != nil {
		c.logger.Warn("Cart reload after failed update failed", zap.Error(err))
		return
	}
	if st, err := decodeState(env.Data); err == nil {
		c.setState(st)
	}
}

func (c *Cart) reconcileCount(ctx context.Context) {
	if _, err := c.Count(ctx); err != nil {
		c.logger.Debug("Cart count refresh failed", zap.Error(err))
	}
}

// applyResponse stores the cart carried by env, reloading it when the response
// carries none.
func (c *Cart) applyResponse(ctx context.Context, env *client.Envelope) (State, error) {
	if st, err := decodeState(env.Data); err == nil && st.Items != nil {
		c.setState(st)
		return st.clone(), nil
	}
	env, err := c.api.Do(ctx, client.Request{Method: http.MethodGet, Path: PathCart})
	if err != nil {
		return State{}, err
	}
	st, err := decodeState(env.Data)
	if err != nil {
		return State{}, err
	}
	c.setState(st)
	return st.clone(), nil
}

// confirm applies the response to an optimistic change. When it cannot be
// applied the local change is discarded by reloading the cart.
func (c *Cart) confirm(ctx context.Context, env *client.Envelope) (State, error) {
	st, err := c.applyResponse(ctx, env)
	if err != nil {
		c.rollback(ctx)
		return State{}, c.fail(err)
	}
	return st, nil
}

func (c *Cart) applyResponseOrFail(ctx context.Context, env *client.Envelope) (State, error) {
	st, err := c.applyResponse(ctx, env)
	if err != nil {
		return State{}, c.fail(err)
	}
	return st, nil
}

func (c *Cart) dropPending(productID string) {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	delete(c.pending, productID)
}

func (c *Cart) stopBatch() {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[string]int)
}

func decodeState(data []byte) (State, error) {
	obj, ok := client.ExtractObject(data, "cart", "data.cart")
	if !ok {
		return State{}, apperror.New(apperror.KindServer, apperror.CodeServer, "Unexpected cart payload from server")
	}
	var st State
	if err := json.Unmarshal(obj, &st); err != nil {
		return State{}, apperror.New(apperror.KindServer, apperror.CodeServer, "Unexpected cart payload from server").
			WithDetail("cause", err.Error())
	}
	return st, nil
}
