package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// FilterByStatus returns the orders having at least one item in status. The order
// status, raw seller groups, parcels and flattened items are all inspected since
// payloads differ between endpoints. "" and "all" return every order.
func FilterByStatus(orders []NormalizedOrder, status string) []NormalizedOrder {
	if status == "" || status == "all" {
		return cloneOrders(orders)
	}
	out := make([]NormalizedOrder, 0)
	for _, o := range orders {
		if hasStatus(o, status) {
			out = append(out, o)
		}
	}
	return out
}

func hasStatus(o NormalizedOrder, status string) bool {
	if o.Status == status {
		return true
	}
	for _, g := range o.raw.Sellers {
		if anyStatus(g.Items, status) {
			return true
		}
	}
	for _, p := range o.Parcels {
		if p.Status == status || anyStatus(p.Items, status) {
			return true
		}
	}
	return anyStatus(o.Items, status)
}

// Statistics summarizes a set of orders.
type Statistics struct {
	TotalOrders    int             `json:"totalOrders"`
	PaidOrders     int             `json:"paidOrders"`
	PendingPayment int             `json:"pendingPayment"`
	TotalSpent     decimal.Decimal `json:"totalSpent"`
	AverageOrder   decimal.Decimal `json:"averageOrder"`
	ByStatus       map[string]int  `json:"byStatus"`
}

// ComputeStatistics counts orders per item status and sums spend over paid orders.
func ComputeStatistics(orders []NormalizedOrder) Statistics {
	stats := Statistics{
		TotalOrders: len(orders),
		TotalSpent:  decimal.Zero,
		ByStatus:    make(map[string]int, len(ItemStatuses)),
	}
	for _, s := range ItemStatuses {
		stats.ByStatus[s] = 0
	}

	for _, o := range orders {
		for _, s := range ItemStatuses {
			if hasStatus(o, s) {
				stats.ByStatus[s]++
			}
		}
		switch o.PaymentStatus {
		case PaymentPaid:
			stats.PaidOrders++
			stats.TotalSpent = stats.TotalSpent.Add(orderTotal(o))
		case PaymentPending:
			stats.PendingPayment++
		}
	}
	if stats.PaidOrders > 0 {
		stats.AverageOrder = stats.TotalSpent.Div(decimal.NewFromInt(int64(stats.PaidOrders))).Round(2)
	}
	return stats
}

func orderTotal(o NormalizedOrder) decimal.Decimal {
	if o.TotalAmount != nil {
		return *o.TotalAmount
	}
	total := decimal.Zero
	for _, p := range o.Parcels {
		total = total.Add(p.Subtotal)
	}
	return total
}

// Buckets groups orders by the action the buyer can take.
type Buckets struct {
	CanPay     []NormalizedOrder
	CanCancel  []NormalizedOrder
	CanConfirm []NormalizedOrder
	Expired    []NormalizedOrder
}

// Actionable sorts orders into buckets. An unpaid order past its expiresAt is
// expired and cannot be paid.
func Actionable(orders []NormalizedOrder, now time.Time) Buckets {
	var b Buckets
	for _, o := range orders {
		if o.PaymentStatus == PaymentPending {
			if o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
				b.Expired = append(b.Expired, o)
				continue
			}
			b.CanPay = append(b.CanPay, o)
		}
		if o.Actions.CanCancel && o.Status != StatusCancelled {
			b.CanCancel = append(b.CanCancel, o)
		}
		for _, p := range o.Parcels {
			if p.CanConfirmDelivery {
				b.CanConfirm = append(b.CanConfirm, o)
				break
			}
		}
	}
	return b
}
