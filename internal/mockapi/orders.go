package mockapi

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/example/storefront/internal/order"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentWindow is how long an unpaid order can be paid.
const PaymentWindow = 30 * time.Minute

// ErrOrderNotFound is returned by AdvanceOrder for unknown orders.
var ErrOrderNotFound = errors.New("order not found")

var statusInfo = map[string]order.StatusInfo{
	order.StatusPending:   {Label: "Pending", Description: "Waiting for payment or processing", Color: "orange"},
	order.StatusPacked:    {Label: "Packed", Description: "The seller packed your items", Color: "blue"},
	order.StatusShipped:   {Label: "Shipped", Description: "Your parcel is on its way", Color: "purple"},
	order.StatusDelivered: {Label: "Delivered", Description: "Your parcel was delivered", Color: "green"},
	order.StatusReceived:  {Label: "Received", Description: "You confirmed receipt", Color: "green"},
	order.StatusCancelled: {Label: "Cancelled", Description: "This order was cancelled", Color: "red"},
}

type orderRecord struct {
	userID string
	raw    order.RawOrder
}

type createOrderRequest struct {
	Items []struct {
		ProductID string `json:"productId" binding:"required"`
		Quantity  int    `json:"quantity" binding:"required,min=1"`
	} `json:"items" binding:"omitempty,dive"`
	ShippingAddress *struct {
		FullName string `json:"fullName" binding:"required"`
		Street   string `json:"street" binding:"required"`
		City     string `json:"city" binding:"required"`
	} `json:"shippingAddress" binding:"required"`
}

type pinRequest struct {
	PIN string `json:"pin" binding:"required"`
}

type cancelOrderRequest struct {
	Reason        string   `json:"reason" binding:"required"`
	ItemsToCancel []string `json:"itemsToCancel"`
}

type receivedRequest struct {
	ParcelID string          `json:"parcelId"`
	ItemIDs  []string        `json:"itemIds"`
	Feedback *order.Feedback `json:"feedback"`
}

type ratingRequest struct {
	Rating  int    `json:"rating" binding:"required,min=1,max=5"`
	Comment string `json:"comment"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "A shipping address is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := c.GetString(userIDKey)
	lines := make([]cartLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, cartLine{productID: it.ProductID, quantity: it.Quantity})
	}
	fromCart := len(lines) == 0
	if fromCart {
		lines = append(lines, s.cartLocked(userID).lines...)
	}
	if len(lines) == 0 {
		fail(c, http.StatusBadRequest, "EMPTY_CART", "Cart is empty")
		return
	}
	for _, l := range lines {
		p := s.products[l.productID]
		if p == nil {
			fail(c, http.StatusNotFound, "NOT_FOUND", "Product not found: "+l.productID)
			return
		}
		if l.quantity > p.Stock {
			fail(c, http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK", "Insufficient stock for "+p.Name)
			return
		}
	}

	now := s.now().UTC()
	expires := now.Add(PaymentWindow)
	s.orderSeq++
	raw := order.RawOrder{
		ID:            uuid.NewString(),
		OrderNumber:   fmt.Sprintf("ORD-%06d", s.orderSeq),
		PaymentStatus: order.PaymentPending,
		Status:        order.StatusPending,
		ExpiresAt:     &expires,
		CreatedAt:     &now,
		Actions:       order.Actions{CanCancel: true},
	}
	info := statusInfo[order.StatusPending]
	raw.StatusInfo = &info

	total := decimal.Zero
	groups := map[string]int{}
	for _, l := range lines {
		p := s.products[l.productID]
		p.Stock -= l.quantity

		price := p.Price
		subtotal := price.Mul(decimal.NewFromInt(int64(l.quantity)))
		total = total.Add(subtotal)

		idx, found := groups[p.StoreSlug]
		if !found {
			slug := p.StoreSlug
			raw.Sellers = append(raw.Sellers, order.SellerGroup{ID: uuid.NewString(), StoreName: p.StoreName, StoreSlug: &slug})
			idx = len(raw.Sellers) - 1
			groups[p.StoreSlug] = idx
		}
		image := ""
		if len(p.Images) > 0 {
			image = p.Images[0]
		}
		raw.Sellers[idx].Items = append(raw.Sellers[idx].Items, order.Item{
			ID:        uuid.NewString(),
			ProductID: p.ID,
			Name:      p.Name,
			Image:     image,
			Price:     &price,
			Subtotal:  &subtotal,
			Quantity:  l.quantity,
			Status:    order.StatusPending,
		})
	}
	raw.TotalAmount = &total

	s.orders[raw.ID] = &orderRecord{userID: userID, raw: raw}
	if fromCart {
		delete(s.carts, userID)
	}
	ok(c, http.StatusCreated, gin.H{"order": raw})
}

func (s *Server) listOrders(c *gin.Context) {
	page := queryInt(c, "page", 1, 1, 1<<20)
	limit := queryInt(c, "limit", 10, 1, 100)
	status := c.Query("status")
	ascending := strings.EqualFold(c.Query("sortOrder"), "asc")

	s.mu.Lock()
	defer s.mu.Unlock()
	userID := c.GetString(userIDKey)
	matched := []order.RawOrder{}
	for _, rec := range s.orders {
		if rec.userID != userID {
			continue
		}
		if status != "" && status != "all" && !hasStatus(rec.raw, status) {
			continue
		}
		matched = append(matched, rec.raw)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !ascending {
			i, j = j, i
		}
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(*b.CreatedAt) {
			return a.CreatedAt.Before(*b.CreatedAt)
		}
		return a.OrderNumber < b.OrderNumber
	})
	start := min((page-1)*limit, len(matched))
	end := min(start+limit, len(matched))
	okPage(c, gin.H{"orders": matched[start:end]}, page, limit, len(matched))
}

func (s *Server) getOrder(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ownedOrderLocked(c)
	if rec == nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	ok(c, http.StatusOK, gin.H{"order": rec.raw})
}

func (s *Server) payOrder(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "PIN is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ownedOrderLocked(c)
	if rec == nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	u := s.userByIDLocked(rec.userID)
	switch {
	case u == nil || u.PIN != req.PIN:
		fail(c, http.StatusBadRequest, "INVALID_PIN", "Invalid PIN")
		return
	case rec.raw.PaymentStatus == order.PaymentPaid:
		fail(c, http.StatusBadRequest, "ALREADY_PAID", "Order already paid")
		return
	case rec.raw.Status == order.StatusCancelled:
		fail(c, http.StatusBadRequest, "ORDER_CANCELLED", "Cancelled orders cannot be paid")
		return
	case rec.raw.ExpiresAt != nil && s.now().After(*rec.raw.ExpiresAt):
		fail(c, http.StatusBadRequest, "PAYMENT_EXPIRED", "Payment window has expired")
		return
	}

	rec.raw.PaymentStatus = order.PaymentPaid
	rec.raw.Actions = order.Actions{CanTrack: true, CanCancel: true}
	for i := range rec.raw.Sellers {
		rec.raw.Sellers[i].ParcelID = fmt.Sprintf("%s-P%d", rec.raw.OrderNumber, i+1)
	}
	ok(c, http.StatusOK, gin.H{"order": rec.raw})
}

// cancelOrder cancels the listed items, or the whole order when none are listed.
// Items that already left the seller cannot be cancelled.
func (s *Server) cancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Cancellation reason is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ownedOrderLocked(c)
	if rec == nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	whole := len(req.ItemsToCancel) == 0
	targets := 0
	for _, g := range rec.raw.Sellers {
		for _, it := range g.Items {
			if !whole && !slices.Contains(req.ItemsToCancel, it.ID) {
				continue
			}
			targets++
			switch it.Status {
			case order.StatusShipped, order.StatusDelivered, order.StatusReceived:
				fail(c, http.StatusBadRequest, "NOT_CANCELLABLE", "Items already shipped cannot be cancelled")
				return
			}
		}
	}
	if targets == 0 {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "No matching items to cancel")
		return
	}

	remaining := 0
	for gi := range rec.raw.Sellers {
		for ii := range rec.raw.Sellers[gi].Items {
			it := &rec.raw.Sellers[gi].Items[ii]
			if whole || slices.Contains(req.ItemsToCancel, it.ID) {
				if it.Status != order.StatusCancelled {
					if p := s.products[it.ProductID]; p != nil {
						p.Stock += it.Quantity
					}
				}
				it.Status = order.StatusCancelled
			} else if it.Status != order.StatusCancelled {
				remaining++
			}
		}
	}

	now := s.now().UTC()
	rec.raw.CancelRequest = &order.CancelRequest{
		Reason:        strings.TrimSpace(req.Reason),
		ItemsToCancel: req.ItemsToCancel,
		Status:        "approved",
		RequestedAt:   &now,
	}
	if remaining == 0 {
		rec.raw.Status = order.StatusCancelled
		rec.raw.Actions = order.Actions{}
		info := statusInfo[order.StatusCancelled]
		rec.raw.StatusInfo = &info
		if rec.raw.PaymentStatus == order.PaymentPaid {
			rec.raw.PaymentStatus = order.PaymentRefunded
		}
	}
	ok(c, http.StatusOK, gin.H{"order": rec.raw})
}

// confirmReceived marks delivered items as received. Items are chosen by parcel,
// by id, or default to every delivered item.
func (s *Server) confirmReceived(c *gin.Context) {
	var req receivedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ownedOrderLocked(c)
	if rec == nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}

	type ref struct{ group, item int }
	var targets []ref
	for gi, g := range rec.raw.Sellers {
		inParcel := req.ParcelID != "" && (g.ParcelID == req.ParcelID || g.ID == req.ParcelID)
		for ii, it := range g.Items {
			selected := inParcel || slices.Contains(req.ItemIDs, it.ID)
			if req.ParcelID == "" && len(req.ItemIDs) == 0 {
				selected = it.Status == order.StatusDelivered
			}
			if selected {
				targets = append(targets, ref{gi, ii})
			}
		}
	}
	if len(targets) == 0 {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "No delivered items to confirm")
		return
	}
	for _, t := range targets {
		if st := rec.raw.Sellers[t.group].Items[t.item].Status; st != order.StatusDelivered && st != order.StatusCancelled {
			fail(c, http.StatusBadRequest, "NOT_DELIVERED", "Only delivered items can be confirmed")
			return
		}
	}

	now := s.now().UTC()
	for _, t := range targets {
		it := &rec.raw.Sellers[t.group].Items[t.item]
		if it.Status == order.StatusDelivered {
			it.Status = order.StatusReceived
			rec.raw.Sellers[t.group].ReceivedAt = &now
		}
	}
	if req.Feedback != nil && req.Feedback.Rating >= 1 && req.Feedback.Rating <= 5 {
		fb := *req.Feedback
		rec.raw.Feedback = &fb
	}
	s.syncStatusLocked(rec)
	ok(c, http.StatusOK, gin.H{"order": rec.raw})
}

func (s *Server) reviewItem(c *gin.Context) {
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Rating must be between 1 and 5")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ownedOrderLocked(c)
	if rec == nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	for gi := range rec.raw.Sellers {
		for ii := range rec.raw.Sellers[gi].Items {
			it := &rec.raw.Sellers[gi].Items[ii]
			if it.ID != c.Param("itemId") {
				continue
			}
			if it.Status != order.StatusDelivered && it.Status != order.StatusReceived {
				fail(c, http.StatusBadRequest, "NOT_DELIVERED", "Only delivered items can be reviewed")
				return
			}
			it.Review = &order.Review{Rating: req.Rating, Comment: req.Comment}
			ok(c, http.StatusOK, gin.H{"order": rec.raw})
			return
		}
	}
	fail(c, http.StatusNotFound, "NOT_FOUND", "Item not found")
}

func (s *Server) orderFeedback(c *gin.Context) {
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Rating must be between 1 and 5")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ownedOrderLocked(c)
	if rec == nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	rec.raw.Feedback = &order.Feedback{Rating: req.Rating, Comment: req.Comment}
	ok(c, http.StatusOK, gin.H{"feedback": rec.raw.Feedback})
}

// AdvanceOrder moves every live item of a paid order to status, as the sellers
// would while fulfilling it.
func (s *Server) AdvanceOrder(orderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.orders[orderID]
	if !found {
		return ErrOrderNotFound
	}
	now := s.now().UTC()
	for gi := range rec.raw.Sellers {
		g := &rec.raw.Sellers[gi]
		for ii := range g.Items {
			if g.Items[ii].Status != order.StatusCancelled {
				g.Items[ii].Status = status
			}
		}
		switch status {
		case order.StatusPacked:
			g.PackedAt = &now
		case order.StatusShipped:
			g.ShippedAt = &now
		case order.StatusDelivered:
			g.DeliveredAt = &now
		}
	}
	s.syncStatusLocked(rec)
	return nil
}

// OrderIDs returns the ids of a user's orders, newest first.
func (s *Server) OrderIDs(email string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[strings.ToLower(email)]
	if u == nil {
		return nil
	}
	var recs []*orderRecord
	for _, rec := range s.orders {
		if rec.userID == u.ID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].raw.OrderNumber > recs[j].raw.OrderNumber })
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.raw.ID
	}
	return ids
}

// syncStatusLocked derives the order status from its items.
func (s *Server) syncStatusLocked(rec *orderRecord) {
	var items []order.Item
	for _, g := range rec.raw.Sellers {
		items = append(items, g.Items...)
	}
	status := order.AggregateStatus(items)
	rec.raw.Status = status
	if info, found := statusInfo[status]; found {
		rec.raw.StatusInfo = &info
	}
	cancellable := false
	for _, it := range items {
		if it.Status == order.StatusPending || it.Status == order.StatusPacked {
			cancellable = true
		}
	}
	rec.raw.Actions.CanCancel = cancellable
}

func (s *Server) ownedOrderLocked(c *gin.Context) *orderRecord {
	rec, found := s.orders[c.Param("id")]
	if !found || rec.userID != c.GetString(userIDKey) {
		return nil
	}
	return rec
}

func hasStatus(raw order.RawOrder, status string) bool {
	if raw.Status == status || raw.PaymentStatus == status {
		return true
	}
	for _, g := range raw.Sellers {
		for _, it := range g.Items {
			if it.Status == status {
				return true
			}
		}
	}
	return false
}
