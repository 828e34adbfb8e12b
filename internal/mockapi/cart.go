package mockapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Coupons accepted by the mock, as percentage discounts.
var coupons = map[string]int64{
	"SAVE10":  10,
	"WELCOME": 15,
}

type cartLine struct {
	productID string
	quantity  int
}

type cart struct {
	lines  []cartLine
	coupon string
}

func (ct *cart) set(productID string, quantity int) {
	for i := range ct.lines {
		if ct.lines[i].productID == productID {
			if quantity <= 0 {
				ct.lines = append(ct.lines[:i], ct.lines[i+1:]...)
			} else {
				ct.lines[i].quantity = quantity
			}
			return
		}
	}
	if quantity > 0 {
		ct.lines = append(ct.lines, cartLine{productID: productID, quantity: quantity})
	}
}

func (ct *cart) quantity(productID string) int {
	for _, l := range ct.lines {
		if l.productID == productID {
			return l.quantity
		}
	}
	return 0
}

func (ct *cart) count() int {
	n := 0
	for _, l := range ct.lines {
		n += l.quantity
	}
	return n
}

type addItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

type quantityRequest struct {
	Quantity *int `json:"quantity" binding:"required,min=0"`
}

type batchRequest struct {
	Updates []struct {
		ProductID string `json:"productId" binding:"required"`
		Quantity  int    `json:"quantity" binding:"min=0"`
	} `json:"updates" binding:"required,dive"`
}

type couponRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) getCart(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok(c, http.StatusOK, gin.H{"cart": s.cartViewLocked(c.GetString(userIDKey))})
}

func (s *Server) addToCart(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "productId and a positive quantity are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, found := s.products[req.ProductID]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Product not found")
		return
	}
	ct := s.cartLocked(c.GetString(userIDKey))
	next := ct.quantity(req.ProductID) + req.Quantity
	if next > p.Stock {
		fail(c, http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK", "Insufficient stock")
		return
	}
	ct.set(req.ProductID, next)
	ok(c, http.StatusCreated, gin.H{"cart": s.cartViewLocked(c.GetString(userIDKey))})
}

func (s *Server) updateCartItem(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "A quantity of at least 0 is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := c.GetString(userIDKey)
	productID := c.Param("productId")
	ct := s.cartLocked(userID)
	if ct.quantity(productID) == 0 {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Item not in cart")
		return
	}
	if p := s.products[productID]; p != nil && *req.Quantity > p.Stock {
		fail(c, http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK", "Insufficient stock")
		return
	}
	ct.set(productID, *req.Quantity)
	ok(c, http.StatusOK, gin.H{"cart": s.cartViewLocked(userID)})
}

func (s *Server) removeCartItem(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := c.GetString(userIDKey)
	ct := s.cartLocked(userID)
	if ct.quantity(c.Param("productId")) == 0 {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Item not in cart")
		return
	}
	ct.set(c.Param("productId"), 0)
	ok(c, http.StatusOK, gin.H{"cart": s.cartViewLocked(userID)})
}

func (s *Server) clearCart(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, c.GetString(userIDKey))
	ok(c, http.StatusOK, gin.H{"message": "Cart cleared"})
}

func (s *Server) cartCount(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok(c, http.StatusOK, gin.H{"count": s.cartLocked(c.GetString(userIDKey)).count()})
}

// batchUpdateCart applies all updates or none.
func (s *Server) batchUpdateCart(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "updates are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range req.Updates {
		p, found := s.products[u.ProductID]
		if !found {
			fail(c, http.StatusNotFound, "NOT_FOUND", "Product not found: "+u.ProductID)
			return
		}
		if u.Quantity > p.Stock {
			fail(c, http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK", "Insufficient stock for "+p.Name)
			return
		}
	}
	userID := c.GetString(userIDKey)
	ct := s.cartLocked(userID)
	for _, u := range req.Updates {
		ct.set(u.ProductID, u.Quantity)
	}
	ok(c, http.StatusOK, gin.H{"cart": s.cartViewLocked(userID)})
}

func (s *Server) applyCoupon(c *gin.Context) {
	var req couponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Coupon code is required")
		return
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if _, found := coupons[code]; !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Coupon not found")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID := c.GetString(userIDKey)
	s.cartLocked(userID).coupon = code
	ok(c, http.StatusOK, gin.H{"cart": s.cartViewLocked(userID)})
}

func (s *Server) removeCoupon(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID := c.GetString(userIDKey)
	s.cartLocked(userID).coupon = ""
	ok(c, http.StatusOK, gin.H{"cart": s.cartViewLocked(userID)})
}

func (s *Server) cartLocked(userID string) *cart {
	ct, found := s.carts[userID]
	if !found {
		ct = &cart{}
		s.carts[userID] = ct
	}
	return ct
}

func (s *Server) cartViewLocked(userID string) gin.H {
	ct := s.cartLocked(userID)
	items := make([]gin.H, 0, len(ct.lines))
	subtotal := decimal.Zero
	for _, l := range ct.lines {
		p := s.products[l.productID]
		if p == nil {
			continue
		}
		subtotal = subtotal.Add(p.Price.Mul(decimal.NewFromInt(int64(l.quantity))))
		items = append(items, gin.H{
			"productId": p.ID,
			"quantity":  l.quantity,
			"unitPrice": p.Price,
			"product":   p.summary(),
		})
	}

	discount := decimal.Zero
	view := gin.H{"items": items}
	if pct, found := coupons[ct.coupon]; found {
		discount = subtotal.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100)).Round(2)
		view["appliedCoupon"] = gin.H{"code": ct.coupon, "discount": discount}
	}
	view["summary"] = gin.H{
		"itemsCount": ct.count(),
		"subtotal":   subtotal,
		"discount":   discount,
		"total":      subtotal.Sub(discount),
	}
	return view
}
