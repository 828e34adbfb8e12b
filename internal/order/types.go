// Package order turns raw seller-grouped order payloads into parcel-grouped orders and
// keeps an in-memory order list and detail view consistent across mutations.
package order

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Item statuses
const (
	StatusPending   = "pending"
	StatusPacked    = "packed"
	StatusShipped   = "shipped"
	StatusDelivered = "delivered"
	StatusReceived  = "received"
	StatusCancelled = "cancelled"
)

// Payment statuses
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentRefunded = "refunded"
)

const (
	// MergedPendingParcelID identifies the synthetic parcel of an unpaid order.
	MergedPendingParcelID = "merged-pending"
	// MultipleSellersName is the store name of the merged parcel when sellers differ.
	MultipleSellersName = "Multiple Sellers"
)

// ItemStatuses lists the item-level statuses in lifecycle order.
var ItemStatuses = []string{StatusPending, StatusPacked, StatusShipped, StatusDelivered, StatusReceived, StatusCancelled}

// Seller identifies the store owning a parcel.
type Seller struct {
	StoreName string  `json:"storeName"`
	StoreSlug *string `json:"storeSlug"`
	StoreLogo *string `json:"storeLogo"`
}

// Review is a buyer review of a single purchased product.
type Review struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment,omitempty" validate:"max=1000"`
}

// Item is an order line. Price and Subtotal are optional in payloads.
type Item struct {
	ID        string           `json:"_id,omitempty"`
	ProductID string           `json:"productId,omitempty"`
	Name      string           `json:"name,omitempty"`
	Image     string           `json:"image,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Subtotal  *decimal.Decimal `json:"subtotal,omitempty"`
	Quantity  int              `json:"quantity"`
	Status    string           `json:"status,omitempty"`
	Review    *Review          `json:"review,omitempty"`

	// Set by normalization.
	ParcelID     string  `json:"parcelId,omitempty"`
	ParcelStatus string  `json:"parcelStatus,omitempty"`
	Seller       *Seller `json:"seller,omitempty"`
}

// Timestamps records parcel milestones.
type Timestamps struct {
	PackedAt    *time.Time `json:"packedAt,omitempty"`
	ShippedAt   *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReceivedAt  *time.Time `json:"receivedAt,omitempty"`
}

// SellerGroup is the raw per-seller block of an order.
type SellerGroup struct {
	ID        string  `json:"_id,omitempty"`
	ParcelID  string  `json:"parcelId,omitempty"`
	StoreName string  `json:"storeName"`
	StoreSlug *string `json:"storeSlug"`
	StoreLogo *string `json:"storeLogo"`
	Items     []Item  `json:"items"`
	Timestamps
}

func (g SellerGroup) seller() Seller {
	return Seller{StoreName: g.StoreName, StoreSlug: g.StoreSlug, StoreLogo: g.StoreLogo}
}

// Actions are the order-level capabilities reported by the backend.
type Actions struct {
	CanTrack  bool `json:"canTrack"`
	CanCancel bool `json:"canCancel"`
}

// StatusInfo is the display metadata for the order status.
type StatusInfo struct {
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
}

// CancelRequest describes a buyer cancellation.
type CancelRequest struct {
	Reason        string     `json:"reason"`
	ItemsToCancel []string   `json:"itemsToCancel,omitempty"`
	Status        string     `json:"status,omitempty"`
	RequestedAt   *time.Time `json:"requestedAt,omitempty"`
}

// Feedback is the buyer's order-level rating.
type Feedback struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment,omitempty" validate:"max=1000"`
}

// RawOrder is an order as received from the API. It is never modified after decoding.
type RawOrder struct {
	ID            string           `json:"id"`
	OrderNumber   string           `json:"orderNumber"`
	PaymentStatus string           `json:"paymentStatus"`
	Status        string           `json:"status,omitempty"`
	Sellers       []SellerGroup    `json:"sellers"`
	TotalAmount   *decimal.Decimal `json:"totalAmount,omitempty"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
	CreatedAt     *time.Time       `json:"createdAt,omitempty"`
	Actions       Actions          `json:"actions"`
	StatusInfo    *StatusInfo      `json:"statusInfo,omitempty"`
	CancelRequest *CancelRequest   `json:"cancelRequest,omitempty"`
	Feedback      *Feedback        `json:"feedback,omitempty"`
}

// UnmarshalJSON accepts both "id" and "_id".
func (o *RawOrder) UnmarshalJSON(b []byte) error {
	type alias RawOrder
	aux := struct {
		*alias
		MongoID string `json:"_id"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = aux.MongoID
	}
	return nil
}

// Parcel is a shippable unit: one seller's items, or every item of an unpaid order.
type Parcel struct {
	ParcelID           string          `json:"parcelId"`
	Seller             Seller          `json:"seller"`
	Status             string          `json:"status"`
	Items              []Item          `json:"items"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	CanTrack           bool            `json:"canTrack"`
	CanCancel          bool            `json:"canCancel"`
	CanConfirmDelivery bool            `json:"canConfirmDelivery"`
	Timestamps
}

// NormalizedOrder is the parcel-grouped view of a RawOrder.
// Items is always the flatten of Parcels[*].Items.
type NormalizedOrder struct {
	ID            string           `json:"id"`
	OrderNumber   string           `json:"orderNumber"`
	PaymentStatus string           `json:"paymentStatus"`
	Status        string           `json:"status,omitempty"`
	Parcels       []Parcel         `json:"parcels"`
	Items         []Item           `json:"items"`
	TotalAmount   *decimal.Decimal `json:"totalAmount,omitempty"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
	CreatedAt     *time.Time       `json:"createdAt,omitempty"`
	StatusInfo    *StatusInfo      `json:"statusInfo,omitempty"`
	Actions       Actions          `json:"actions"`
	CancelRequest *CancelRequest   `json:"cancelRequest,omitempty"`
	Feedback      *Feedback        `json:"feedback,omitempty"`

	raw RawOrder
}

// Source returns a copy of the raw order this order was normalized from.
func (o NormalizedOrder) Source() RawOrder {
	return cloneRaw(o.raw)
}

// Parcel returns the parcel with the given id.
func (o NormalizedOrder) Parcel(id string) (Parcel, bool) {
	for _, p := range o.Parcels {
		if p.ParcelID == id {
			return p, true
		}
	}
	return Parcel{}, false
}

// clone returns a deep copy; callers may mutate it freely.
func (o NormalizedOrder) clone() NormalizedOrder {
	out := o
	out.raw = cloneRaw(o.raw)
	if o.Parcels != nil {
		out.Parcels = make([]Parcel, len(o.Parcels))
		for i, p := range o.Parcels {
			p.Items = cloneItems(p.Items)
			p.Seller = p.Seller.clone()
			p.Timestamps = p.Timestamps.clone()
			out.Parcels[i] = p
		}
	}
	out.Items = cloneItems(o.Items)
	out.TotalAmount = clonePtr(o.TotalAmount)
	out.ExpiresAt = clonePtr(o.ExpiresAt)
	out.CreatedAt = clonePtr(o.CreatedAt)
	out.StatusInfo = clonePtr(o.StatusInfo)
	out.Feedback = clonePtr(o.Feedback)
	if o.CancelRequest != nil {
		cr := *o.CancelRequest
		cr.ItemsToCancel = append([]string(nil), cr.ItemsToCancel...)
		out.CancelRequest = &cr
	}
	return out
}

func (s Seller) clone() Seller {
	s.StoreSlug = clonePtr(s.StoreSlug)
	s.StoreLogo = clonePtr(s.StoreLogo)
	return s
}

func (t Timestamps) clone() Timestamps {
	return Timestamps{
		PackedAt:    clonePtr(t.PackedAt),
		ShippedAt:   clonePtr(t.ShippedAt),
		DeliveredAt: clonePtr(t.DeliveredAt),
		ReceivedAt:  clonePtr(t.ReceivedAt),
	}
}

func cloneItems(in []Item) []Item {
	if in == nil {
		return nil
	}
	out := make([]Item, len(in))
	for i, it := range in {
		it.Price = clonePtr(it.Price)
		it.Subtotal = clonePtr(it.Subtotal)
		it.Review = clonePtr(it.Review)
		if it.Seller != nil {
			s := it.Seller.clone()
			it.Seller = &s
		}
		out[i] = it
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(r RawOrder) RawOrder {
	out := r
	if r.Sellers != nil {
		out.Sellers = make([]SellerGroup, len(r.Sellers))
		for i, g := range r.Sellers {
			out.Sellers[i] = g
			if g.Items != nil {
				out.Sellers[i].Items = append(make([]Item, 0, len(g.Items)), g.Items...)
			}
		}
	}
	if r.CancelRequest != nil {
		cr := *r.CancelRequest
		if cr.ItemsToCancel != nil {
			cr.ItemsToCancel = append(make([]string, 0, len(cr.ItemsToCancel)), cr.ItemsToCancel...)
		}
		out.CancelRequest = &cr
	}
	if r.Feedback != nil {
		fb := *r.Feedback
		out.Feedback = &fb
	}
	if r.StatusInfo != nil {
		si := *r.StatusInfo
		out.StatusInfo = &si
	}
	return out
}
