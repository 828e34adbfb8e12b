package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/storefront/internal/apperror"
	"github.com/example/storefront/internal/client"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Doer executes API requests. *client.Client implements it.
type Doer interface {
	Do(ctx context.Context, req client.Request) (*client.Envelope, error)
}

// ListParams are the query parameters of GET /api/orders.
type ListParams struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
	Status    string
}

func (p ListParams) values() url.Values {
	v := url.Values{}
	if p.Page > 0 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.SortBy != "" {
		v.Set("sortBy", p.SortBy)
	}
	if p.SortOrder != "" {
		v.Set("sortOrder", p.SortOrder)
	}
	if p.Status != "" {
		v.Set("status", p.Status)
	}
	return v
}

// Address is a shipping address.
type Address struct {
	FullName   string `json:"fullName" validate:"required"`
	Phone      string `json:"phone" validate:"required"`
	Street     string `json:"street" validate:"required"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// CreateItem is an order line in a create request.
type CreateItem struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

// CreateRequest is the payload of POST /api/orders. Without items the backend
// orders the current cart.
type CreateRequest struct {
	Items           []CreateItem `json:"items,omitempty" validate:"omitempty,dive"`
	ShippingAddress *Address     `json:"shippingAddress" validate:"required"`
	PaymentMethod   string       `json:"paymentMethod,omitempty"`
	Notes           string       `json:"notes,omitempty" validate:"max=500"`
}

// ConfirmData is the payload of PATCH /api/orders/{id}/items/received.
type ConfirmData struct {
	ParcelID string    `json:"parcelId,omitempty"`
	ItemIDs  []string  `json:"itemIds,omitempty"`
	Feedback *Feedback `json:"feedback,omitempty" validate:"omitempty"`
}

type paymentRequest struct {
	PIN string `json:"pin" validate:"required,len=6,number"`
}

type cancelRequest struct {
	Reason        string   `json:"reason" validate:"required"`
	ItemsToCancel []string `json:"itemsToCancel"`
}

// Reconciler owns the order list and the current order. Every inbound payload is
// normalized; mutations patch both views without refetching when possible.
//
// Thread Safety: Safe for concurrent use. Returned orders are deep copies.
type Reconciler struct {
	api      Doer
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time

	mu             sync.RWMutex
	orders         []NormalizedOrder
	current        *NormalizedOrder
	selectedParcel string
	pagination     *client.Pagination
	lastErr        *apperror.Error

	inflight atomic.Int32
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler backed by api.
func NewReconciler(api Doer, opts ...Option) *Reconciler {
	r := &Reconciler{
		api:      api,
		validate: validator.New(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("orders")
	return r
}

// Fetch loads a page of orders and replaces the list.
func (r *Reconciler) Fetch(ctx context.Context, params ListParams) ([]NormalizedOrder, *client.Pagination, error) {
	done := r.begin()
	defer done()

	env, err := r.api.Do(ctx, client.Request{Method: http.MethodGet, Path: "/api/orders", Query: params.values()})
	if err != nil {
		return nil, nil, r.fail(fetchError(err))
	}

	list, _, ok := client.ExtractList(env.Data, "orders", "data.orders", "items", "data.items")
	var raws []RawOrder
	if ok {
		err = json.Unmarshal(list, &raws)
	}
	if !ok || err != nil {
		return nil, nil, r.fail(fetchError(malformed("/api/orders", err)))
	}

	orders := make([]NormalizedOrder, 0, len(raws))
	for _, raw := range raws {
		orders = append(orders, Normalize(raw))
	}
	pg := client.ExtractPagination(env)

	r.mu.Lock()
	r.orders = orders
	r.pagination = pg
	r.mu.Unlock()

	r.logger.Debug("Orders fetched", zap.Int("count", len(orders)))
	return cloneOrders(orders), pg, nil
}

// FetchByID loads one order and makes it the current order. With keepSelectedParcel,
// an order whose merged pending parcel was selected stays merged even when the
// fresh payload is split per seller.
func (r *Reconciler) FetchByID(ctx context.Context, id string, keepSelectedParcel bool) (NormalizedOrder, error) {
	done := r.begin()
	defer done()

	if strings.TrimSpace(id) == "" {
		return NormalizedOrder{}, r.fail(apperror.Validation("Order ID is required"))
	}
	o, err := r.fetchOne(ctx, id)
	if err != nil {
		return NormalizedOrder{}, r.fail(err)
	}

	r.mu.Lock()
	if keepSelectedParcel && r.selectedParcel == MergedPendingParcelID {
		o = MergePending(o)
	}
	if _, ok := o.Parcel(r.selectedParcel); !keepSelectedParcel || !ok {
		r.selectedParcel = ""
	}
	r.setCurrentLocked(o)
	r.replaceLocked(o)
	r.mu.Unlock()

	return o, nil
}

func (r *Reconciler) fetchOne(ctx context.Context, id string) (NormalizedOrder, error) {
	path := "/api/orders/" + url.PathEscape(id)
	env, err := r.api.Do(ctx, client.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return NormalizedOrder{}, fetchError(err)
	}
	raw, err := decodeOrder(env.Data, path)
	if err != nil {
		return NormalizedOrder{}, fetchError(err)
	}
	return Normalize(raw), nil
}

// Create places an order. The new order is prepended to the list only when the
// list has already been loaded.
func (r *Reconciler) Create(ctx context.Context, req CreateRequest) (NormalizedOrder, error) {
	done := r.begin()
	defer done()

	if err := r.validate.Struct(req); err != nil {
		return NormalizedOrder{}, r.fail(validationError(err, "Invalid order data"))
	}
	env, err := r.api.Do(ctx, client.Request{Method: http.MethodPost, Path: "/api/orders", Body: req})
	if err != nil {
		return NormalizedOrder{}, r.fail(apperror.Classify(err))
	}
	raw, err := decodeOrder(env.Data, "/api/orders")
	if err != nil {
		return NormalizedOrder{}, r.fail(err)
	}
	o := Normalize(raw)

	r.mu.Lock()
	if len(r.orders) > 0 {
		r.orders = append([]NormalizedOrder{o.clone()}, r.orders...)
	}
	r.mu.Unlock()

	r.logger.Info("Order created", zap.String("order_id", o.ID), zap.String("order_number", o.OrderNumber))
	return o, nil
}

// Pay pays an order with the wallet PIN. On success the order is re-normalized as
// paid, which splits the merged pending parcel per seller.
func (r *Reconciler) Pay(ctx context.Context, id, pin string) error {
	done := r.begin()
	defer done()

	body := paymentRequest{PIN: pin}
	if err := r.validate.Struct(body); err != nil {
		return r.fail(apperror.Validation("PIN must be exactly 6 digits"))
	}
	_, err := r.api.Do(ctx, client.Request{
		Method: http.MethodPost,
		Path:   "/api/orders/" + url.PathEscape(id) + "/payment",
		Body:   body,
	})
	if err != nil {
		return r.fail(apperror.Classify(err))
	}

	r.patch(id, func(raw *RawOrder) { raw.PaymentStatus = PaymentPaid })
	r.logger.Info("Order paid", zap.String("order_id", id))
	return nil
}

// Cancel cancels an order or the listed items. A blank reason fails without
// calling the API.
func (r *Reconciler) Cancel(ctx context.Context, id, reason string, itemsToCancel []string) error {
	done := r.begin()
	defer done()

	body := cancelRequest{Reason: strings.TrimSpace(reason), ItemsToCancel: itemsToCancel}
	if body.ItemsToCancel == nil {
		body.ItemsToCancel = []string{}
	}
	if err := r.validate.Struct(body); err != nil {
		return r.fail(apperror.Validation("Cancellation reason is required"))
	}

	env, err := r.api.Do(ctx, client.Request{
		Method: http.MethodPatch,
		Path:   "/api/orders/" + url.PathEscape(id) + "/cancel",
		Body:   body,
	})
	if err != nil {
		return r.fail(apperror.Classify(err))
	}

	var resp struct {
		Status        string         `json:"status"`
		StatusInfo    *StatusInfo    `json:"statusInfo"`
		CancelRequest *CancelRequest `json:"cancelRequest"`
	}
	if obj, ok := client.ExtractObject(env.Data); ok {
		if err := json.Unmarshal(obj, &resp); err != nil {
			r.logger.Warn("Unexpected cancel response", zap.String("order_id", id), zap.Error(err))
		}
	}
	if resp.Status == "" && len(itemsToCancel) == 0 {
		resp.Status = StatusCancelled
	}
	if resp.CancelRequest == nil {
		now := r.now()
		resp.CancelRequest = &CancelRequest{
			Reason:        body.Reason,
			ItemsToCancel: append([]string(nil), itemsToCancel...),
			Status:        StatusPending,
			RequestedAt:   &now,
		}
	}

	r.patch(id, func(raw *RawOrder) {
		if resp.Status != "" {
			raw.Status = resp.Status
		}
		if resp.StatusInfo != nil {
			raw.StatusInfo = resp.StatusInfo
		}
		raw.CancelRequest = resp.CancelRequest
	})
	r.logger.Info("Order cancelled", zap.String("order_id", id), zap.Int("items", len(itemsToCancel)))
	return nil
}

// ConfirmDelivery marks items received and reloads the order from the server.
func (r *Reconciler) ConfirmDelivery(ctx context.Context, id string, data ConfirmData) (NormalizedOrder, error) {
	done := r.begin()
	defer done()

	if err := r.validate.Struct(data); err != nil {
		return NormalizedOrder{}, r.fail(validationError(err, "Invalid delivery confirmation"))
	}
	_, err := r.api.Do(ctx, client.Request{
		Method: http.MethodPatch,
		Path:   "/api/orders/" + url.PathEscape(id) + "/items/received",
		Body:   data,
	})
	if err != nil {
		return NormalizedOrder{}, r.fail(apperror.Classify(err))
	}
	return r.FetchByID(ctx, id, true)
}

// UpdateFeedback submits order feedback and merges it locally.
func (r *Reconciler) UpdateFeedback(ctx context.Context, id string, fb Feedback) error {
	done := r.begin()
	defer done()

	if err := r.validate.Struct(fb); err != nil {
		return r.fail(validationError(err, "Rating must be between 1 and 5"))
	}
	env, err := r.api.Do(ctx, client.Request{
		Method: http.MethodPatch,
		Path:   "/api/orders/" + url.PathEscape(id) + "/feedback",
		Body:   fb,
	})
	if err != nil {
		return r.fail(apperror.Classify(err))
	}

	merged := fb
	if obj, ok := client.ExtractObject(env.Data, "feedback", "data.feedback"); ok {
		var server Feedback
		if err := json.Unmarshal(obj, &server); err == nil && server.Rating > 0 {
			merged = server
		}
	}
	r.patch(id, func(raw *RawOrder) { raw.Feedback = &merged })
	return nil
}

// UpdateProductReview reviews one purchased item and reloads the order.
func (r *Reconciler) UpdateProductReview(ctx context.Context, id, itemID string, review Review) (NormalizedOrder, error) {
	done := r.begin()
	defer done()

	if strings.TrimSpace(itemID) == "" {
		return NormalizedOrder{}, r.fail(apperror.Validation("Item ID is required"))
	}
	if err := r.validate.Struct(review); err != nil {
		return NormalizedOrder{}, r.fail(validationError(err, "Rating must be between 1 and 5"))
	}
	_, err := r.api.Do(ctx, client.Request{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/api/orders/%s/items/%s/review", url.PathEscape(id), url.PathEscape(itemID)),
		Body:   review,
	})
	if err != nil {
		return NormalizedOrder{}, r.fail(apperror.Classify(err))
	}
	return r.FetchByID(ctx, id, true)
}

// SelectParcel selects a parcel of the current order.
func (r *Reconciler) SelectParcel(parcelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return apperror.Validation("No order selected")
	}
	if _, ok := r.current.Parcel(parcelID); !ok {
		return apperror.New(apperror.KindNotFound, apperror.CodeNotFound, "Parcel not found").
			WithDetail("parcelId", parcelID)
	}
	r.selectedParcel = parcelID
	return nil
}

// SelectedParcel returns the selected parcel id, "" if none.
func (r *Reconciler) SelectedParcel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectedParcel
}

// Orders returns the current order list.
func (r *Reconciler) Orders() []NormalizedOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneOrders(r.orders)
}

// Current returns the current order.
func (r *Reconciler) Current() (NormalizedOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return NormalizedOrder{}, false
	}
	return r.current.clone(), true
}

// Pagination returns the pagination of the last Fetch.
func (r *Reconciler) Pagination() *client.Pagination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pagination
}

// Err returns the error of the last failed operation, cleared when an operation starts.
func (r *Reconciler) Err() *apperror.Error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Loading reports whether an operation is in progress.
func (r *Reconciler) Loading() bool {
	return r.inflight.Load() > 0
}

// Reset drops all state. Registered as a logout handler.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = nil
	r.current = nil
	r.selectedParcel = ""
	r.pagination = nil
	r.lastErr = nil
}

func (r *Reconciler) begin() func() {
	r.inflight.Add(1)
	r.mu.Lock()
	r.lastErr = nil
	r.mu.Unlock()
	return func() { r.inflight.Add(-1) }
}

// fail records err unless it is a logout cancellation, and returns it.
func (r *Reconciler) fail(err error) error {
	appErr := apperror.Classify(err)
	if apperror.IsLogoutCancellation(appErr) {
		return appErr
	}
	r.mu.Lock()
	r.lastErr = appErr
	r.mu.Unlock()
	r.logger.Warn("Order operation failed",
		zap.String("code", appErr.Code),
		zap.Int("status", appErr.Status),
		zap.String("message", appErr.Message))
	return appErr
}

// patch applies fn to the raw form of order id in the list and the current order,
// then re-normalizes both.
func (r *Reconciler) patch(id string, fn func(*RawOrder)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.orders {
		if r.orders[i].ID == id {
			raw := r.orders[i].Source()
			fn(&raw)
			r.orders[i] = Normalize(raw)
		}
	}
	if r.current != nil && r.current.ID == id {
		raw := r.current.Source()
		fn(&raw)
		o := Normalize(raw)
		r.current = &o
		if _, ok := o.Parcel(r.selectedParcel); !ok {
			r.selectedParcel = ""
		}
	}
}

func (r *Reconciler) setCurrentLocked(o NormalizedOrder) {
	o = o.clone()
	r.current = &o
}

func (r *Reconciler) replaceLocked(o NormalizedOrder) {
	for i := range r.orders {
		if r.orders[i].ID == o.ID {
			r.orders[i] = o.clone()
		}
	}
}

func decodeOrder(data []byte, endpoint string) (RawOrder, error) {
	obj, ok := client.ExtractObject(data, "order", "data.order")
	if !ok {
		return RawOrder{}, malformed(endpoint, nil)
	}
	var raw RawOrder
	if err := json.Unmarshal(obj, &raw); err != nil {
		return RawOrder{}, malformed(endpoint, err)
	}
	return raw, nil
}

// fetchError marks a failure as an order fetch error, keeping status, message and
// details. Logout cancellations pass through unchanged.
func fetchError(err error) *apperror.Error {
	appErr := apperror.Classify(err)
	if apperror.IsLogoutCancellation(appErr) {
		return appErr
	}
	out := *appErr
	out.WithCode(apperror.CodeOrderFetch)
	out.Details = make(map[string]any, len(appErr.Details)+1)
	for k, v := range appErr.Details {
		out.Details[k] = v
	}
	out.Details["cause"] = appErr.Code
	return &out
}

func malformed(endpoint string, err error) *apperror.Error {
	e := apperror.New(apperror.KindServer, apperror.CodeServer, "Unexpected order payload from server")
	e.Endpoint = endpoint
	e.Err = err
	return e
}

func validationError(err error, fallback string) *apperror.Error {
	appErr := apperror.Validation(fallback)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
		}
		appErr.Errors = fields
	}
	return appErr
}

func cloneOrders(in []NormalizedOrder) []NormalizedOrder {
	if in == nil {
		return nil
	}
	out := make([]NormalizedOrder, len(in))
	for i, o := range in {
		out[i] = o.clone()
	}
	return out
}
