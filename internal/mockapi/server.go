// Package mockapi is an in-memory storefront backend served with gin. It speaks the
// same JSON envelope and routes as the real API and is seeded with fake catalog data.
package mockapi

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/example/storefront/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const serviceName = "storefront-mockapi"

// Demo account available on every server.
const (
	DemoEmail    = "buyer@example.com"
	DemoPassword = "password123"
	DemoPIN      = "123456"
)

// Server is the mock backend.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	engine    *gin.Engine
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
	logger    *zap.Logger
	seed      uint64
	tracer    trace.TracerProvider

	mu         sync.Mutex
	users      map[string]*user // by email
	refresh    map[string]string
	issued     []string
	expired    map[string]bool
	categories []category
	products   map[string]*product
	catalog    []string // product ids in listing order
	carts      map[string]*cart
	orders     map[string]*orderRecord
	orderSeq   int
	failures   map[string][]int
	hits       map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithSeed makes the generated catalog deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Server) { s.seed = seed }
}

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTracerProvider records server spans with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp }
}

// New creates a seeded server.
func New(opts ...Option) *Server {
	s := &Server{
		secret:    []byte(uuid.NewString()),
		accessTTL: 15 * time.Minute,
		now:       time.Now,
		logger:    zap.NewNop(),
		users:     make(map[string]*user),
		refresh:   make(map[string]string),
		expired:   make(map[string]bool),
		products:  make(map[string]*product),
		carts:     make(map[string]*cart),
		orders:    make(map[string]*orderRecord),
		failures:  make(map[string][]int),
		hits:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("mockapi")
	s.seedData(gofakeit.New(s.seed))
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// FailNext makes the next len(statuses) requests to method+path answer with the
// given statuses, in order. path is the route pattern, e.g. "/api/orders/:id".
func (s *Server) FailNext(method, path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], statuses...)
}

// ExpireSessions invalidates every access token issued so far. Requests carrying
// one get a refreshable 401.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.issued {
		s.expired[id] = true
	}
	s.issued = nil
}

// RevokeRefreshTokens drops every refresh token, so the next refresh fails.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// Hits returns how many requests reached method+path (route pattern).
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

func (s *Server) routes() *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	tracing := []otelgin.Option{otelgin.WithPropagators(propagation.TraceContext{})}
	if s.tracer != nil {
		tracing = append(tracing, otelgin.WithTracerProvider(s.tracer))
	}
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName, tracing...), s.requestLogger(), s.injectFailures())

	api := r.Group("/api")
	{
		auth := api.Group("/auth")
		auth.POST("/login", s.login)
		auth.POST("/register", s.register)
		auth.PUT("/refresh", s.refreshSession)
		auth.DELETE("/logout", s.logout)
		auth.GET("/verify", s.requireAuth(), s.verify)
	}

	api.GET("/categories", s.listCategories)
	api.GET("/products", s.listProducts)
	api.GET("/products/:id", s.getProduct)

	cartGroup := api.Group("/cart", s.requireAuth())
	{
		cartGroup.GET("", s.getCart)
		cartGroup.POST("", s.addToCart)
		cartGroup.DELETE("", s.clearCart)
		cartGroup.GET("/count", s.cartCount)
		cartGroup.PUT("/batch", s.batchUpdateCart)
		cartGroup.POST("/coupon", s.applyCoupon)
		cartGroup.DELETE("/coupon", s.removeCoupon)
		cartGroup.PUT("/:productId", s.updateCartItem)
		cartGroup.DELETE("/:productId", s.removeCartItem)
	}

	orders := api.Group("/orders", s.requireAuth())
	{
		orders.POST("", s.createOrder)
		orders.GET("", s.listOrders)
		orders.GET("/:id", s.getOrder)
		orders.POST("/:id/payment", s.payOrder)
		orders.PATCH("/:id/cancel", s.cancelOrder)
		orders.PATCH("/:id/items/received", s.confirmReceived)
		orders.PATCH("/:id/items/:itemId/review", s.reviewItem)
		orders.PATCH("/:id/feedback", s.orderFeedback)
	}

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Route not found")
	})
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithTraceContext(c.Request.Context(), s.logger).Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) injectFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Method + " " + c.FullPath()
		s.mu.Lock()
		s.hits[key]++
		var status int
		if queued := s.failures[key]; len(queued) > 0 {
			status, s.failures[key] = queued[0], queued[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			fail(c, status, "INJECTED_FAILURE", http.StatusText(status))
			return
		}
		c.Next()
	}
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func okPage(c *gin.Context, data any, page, limit, total int) {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
		"pagination": gin.H{
			"page":        page,
			"limit":       limit,
			"total":       total,
			"totalPages":  pages,
			"hasNextPage": page < pages,
			"hasPrevPage": page > 1,
		},
	})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "code": code, "message": message})
}

// seedData generates categories, sellers and products.
func (s *Server) seedData(f *gofakeit.Faker) {
	type seller struct{ name, slug string }
	sellers := make([]seller, 3)
	for i := range sellers {
		name := f.Company()
		sellers[i] = seller{name: name, slug: slugify(name)}
	}

	for _, name := range []string{"Electronics", "Fashion", "Home", "Sports", "Books"} {
		cat := category{ID: uuid.NewString(), Name: name, Slug: slugify(name)}
		s.categories = append(s.categories, cat)

		for range 8 {
			sel := sellers[f.Number(0, len(sellers)-1)]
			name := f.ProductName()
			p := &product{
				ID:        uuid.NewString(),
				Name:      name,
				Slug:      slugify(name),
				Price:     decimal.NewFromFloat(f.Price(5, 500)).Round(2),
				Stock:     f.Number(5, 50),
				Rating:    decimal.NewFromFloat(f.Float64Range(3, 5)).Round(1).InexactFloat64(),
				Category:  cat.Name,
				StoreName: sel.name,
				StoreSlug: sel.slug,
			}
			p.Images = []string{fmt.Sprintf("https://cdn.example.com/products/%s.jpg", p.Slug)}
			s.products[p.ID] = p
			s.catalog = append(s.catalog, p.ID)
		}
	}

	s.users[DemoEmail] = &user{
		ID:       uuid.NewString(),
		Name:     f.Name(),
		Email:    DemoEmail,
		Password: DemoPassword,
		Role:     "buyer",
		PIN:      DemoPIN,
	}
}

func slugify(s string) string {
	// Fold accents first so "Café" becomes "cafe" rather than "caf".
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err == nil {
		s = folded
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
