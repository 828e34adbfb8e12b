package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// preservedFields are extracted before parceling and written back afterwards.
type preservedFields struct {
	expiresAt     *time.Time
	createdAt     *time.Time
	paymentStatus string
	orderNumber   string
	status        string
	statusInfo    *StatusInfo
	actions       Actions
}

func extractPreserved(raw RawOrder) preservedFields {
	return preservedFields{
		expiresAt:     raw.ExpiresAt,
		createdAt:     raw.CreatedAt,
		paymentStatus: raw.PaymentStatus,
		orderNumber:   raw.OrderNumber,
		status:        raw.Status,
		statusInfo:    raw.StatusInfo,
		actions:       raw.Actions,
	}
}

func (p preservedFields) apply(o *NormalizedOrder) {
	o.ExpiresAt = p.expiresAt
	o.CreatedAt = p.createdAt
	o.PaymentStatus = p.paymentStatus
	o.OrderNumber = p.orderNumber
	o.Status = p.status
	o.StatusInfo = p.statusInfo
	o.Actions = p.actions
}

// Normalize converts a raw order into its parcel-grouped form. The input is not
// modified and the result depends only on the input.
//
// An unpaid order gets a single merged parcel. Any other payment status gets one
// parcel per seller group, in payload order.
func Normalize(raw RawOrder) NormalizedOrder {
	src := cloneRaw(raw)
	keep := extractPreserved(src)

	out := NormalizedOrder{
		ID:            src.ID,
		TotalAmount:   src.TotalAmount,
		CancelRequest: src.CancelRequest,
		Feedback:      src.Feedback,
		raw:           src,
	}

	if src.PaymentStatus == PaymentPending {
		out.Parcels = []Parcel{pendingParcel(src, pendingSeller(src.Sellers))}
	} else {
		out.Parcels = sellerParcels(src)
	}
	out.Items = flatten(out.Parcels)

	keep.apply(&out)
	return out
}

// MergePending collapses every parcel of o into one "Multiple Sellers" parcel,
// regardless of how many distinct sellers the order has.
func MergePending(o NormalizedOrder) NormalizedOrder {
	src := o.Source()
	merged := pendingParcel(src, multipleSellers())
	if src.PaymentStatus != PaymentPending {
		merged.Status = AggregateStatus(merged.Items)
		merged.CanTrack = src.Actions.CanTrack
		merged.CanCancel = src.Actions.CanCancel
		merged.CanConfirmDelivery = anyStatus(merged.Items, StatusDelivered)
	}

	out := o
	out.Parcels = []Parcel{merged}
	out.Items = flatten(out.Parcels)
	return out
}

// AggregateStatus derives a parcel status from its item statuses. Uniform items
// keep their shared status; otherwise the most advanced of received, delivered,
// shipped and packed wins. Anything else falls back to the first item's status,
// so cancelled mixed with pending reports the first item's status.
func AggregateStatus(items []Item) string {
	if len(items) == 0 {
		return StatusPending
	}
	first := items[0].Status
	uniform := true
	for _, it := range items[1:] {
		if it.Status != first {
			uniform = false
			break
		}
	}
	if !uniform {
		for _, s := range []string{StatusReceived, StatusDelivered, StatusShipped, StatusPacked} {
			if anyStatus(items, s) {
				return s
			}
		}
	}
	if first == "" {
		return StatusPending
	}
	return first
}

func pendingSeller(groups []SellerGroup) Seller {
	type identity struct{ name, slug string }
	seen := make(map[identity]struct{})
	var only Seller
	for _, g := range groups {
		id := identity{name: g.StoreName, slug: deref(g.StoreSlug)}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			only = g.seller()
		}
	}
	if len(seen) == 1 {
		return only
	}
	return multipleSellers()
}

func multipleSellers() Seller {
	return Seller{StoreName: MultipleSellersName}
}

func pendingParcel(src RawOrder, seller Seller) Parcel {
	var items []Item
	for _, g := range src.Sellers {
		items = append(items, g.Items...)
	}

	subtotal := itemsSubtotal(items)
	if src.TotalAmount != nil {
		subtotal = *src.TotalAmount
	}

	return Parcel{
		ParcelID:  MergedPendingParcelID,
		Seller:    seller,
		Status:    StatusPending,
		Items:     items,
		Subtotal:  subtotal,
		CanCancel: true,
	}
}

func sellerParcels(src RawOrder) []Parcel {
	parcels := make([]Parcel, 0, len(src.Sellers))
	for i, g := range src.Sellers {
		id := g.ParcelID
		if id == "" {
			id = g.ID
		}
		if id == "" {
			id = fmt.Sprintf("%s-P%d", src.OrderNumber, i+1)
		}
		items := append([]Item(nil), g.Items...)
		parcels = append(parcels, Parcel{
			ParcelID:           id,
			Seller:             g.seller(),
			Status:             AggregateStatus(items),
			Items:              items,
			Subtotal:           itemsSubtotal(items),
			CanTrack:           src.Actions.CanTrack,
			CanCancel:          src.Actions.CanCancel,
			CanConfirmDelivery: anyStatus(items, StatusDelivered),
			Timestamps:         g.Timestamps,
		})
	}
	return parcels
}

// flatten tags every parcel item with its parcel and seller.
func flatten(parcels []Parcel) []Item {
	items := make([]Item, 0)
	for i := range parcels {
		p := &parcels[i]
		seller := p.Seller
		for j := range p.Items {
			p.Items[j].ParcelID = p.ParcelID
			p.Items[j].ParcelStatus = p.Status
			p.Items[j].Seller = &seller
		}
		items = append(items, p.Items...)
	}
	return items
}

// itemsSubtotal sums (price, else subtotal, else 0) times quantity.
func itemsSubtotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		unit := decimal.Zero
		switch {
		case it.Price != nil:
			unit = *it.Price
		case it.Subtotal != nil:
			unit = *it.Subtotal
		}
		total = total.Add(unit.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

func anyStatus(items []Item, status string) bool {
	for _, it := range items {
		if it.Status == status {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
