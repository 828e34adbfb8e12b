package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/example/storefront/internal/apperror"
	"github.com/example/storefront/internal/client"
	"go.uber.org/zap"
)

// Catalog endpoints
const (
	PathProducts   = "/api/products"
	PathCategories = "/api/categories"
)

// Doer executes API requests. *client.Client implements it.
type Doer interface {
	Do(ctx context.Context, req client.Request) (*client.Envelope, error)
}

// Category is a product category.
type Category struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
}

// Service lists category products through the cache.
type Service struct {
	api    Doer
	cache  *Cache
	logger *zap.Logger

	mu         sync.RWMutex
	categories map[string]string // id -> lowercase name
}

// NewService creates a catalog service.
func NewService(api Doer, cache *Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		api:        api,
		cache:      cache,
		logger:     logger.Named("catalog"),
		categories: make(map[string]string),
	}
}

// SetCategories replaces the known categories used for ID to name resolution.
func (s *Service) SetCategories(categories []Category) {
	m := make(map[string]string, len(categories))
	for _, c := range categories {
		if c.ID != "" && c.Name != "" {
			m[c.ID] = strings.ToLower(c.Name)
		}
	}
	s.mu.Lock()
	s.categories = m
	s.mu.Unlock()
}

// LoadCategories fetches GET /api/categories and remembers them.
func (s *Service) LoadCategories(ctx context.Context) ([]Category, error) {
	env, err := s.api.Do(ctx, client.Request{Method: http.MethodGet, Path: PathCategories, SkipAuth: true})
	if err != nil {
		return nil, apperror.Classify(err)
	}
	list, _, ok := client.ExtractList(env.Data, "categories", "data.categories")
	if !ok {
		return nil, malformed(PathCategories)
	}
	var categories []Category
	if err := json.Unmarshal(list, &categories); err != nil {
		return nil, malformed(PathCategories)
	}
	s.SetCategories(categories)
	return categories, nil
}

// ResolveCategory maps a category ID to its lowercase name. Anything else is
// treated as a name or slug and lowercased.
func (s *Service) ResolveCategory(category string) string {
	s.mu.RLock()
	name, ok := s.categories[category]
	s.mu.RUnlock()
	if ok {
		return name
	}
	return strings.ToLower(strings.TrimSpace(category))
}

// CategoryProducts lists the products of a category. The backend resolves the
// category by lowercase name.
func (s *Service) CategoryProducts(ctx context.Context, category string, params url.Values) (Page, error) {
	name := s.ResolveCategory(category)
	if name == "" {
		return Page{}, apperror.Validation("Category is required")
	}
	query := SanitizeQuery(params)
	query.Del("category")

	key := Key(name, query)
	return s.cache.Get(ctx, key, func(ctx context.Context) (Page, error) {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("category", name)
		return s.fetchProducts(ctx, q)
	})
}

func (s *Service) fetchProducts(ctx context.Context, query url.Values) (Page, error) {
	env, err := s.api.Do(ctx, client.Request{Method: http.MethodGet, Path: PathProducts, Query: query, SkipAuth: true})
	if err != nil {
		return Page{}, apperror.Classify(err)
	}
	list, path, ok := client.ExtractList(env.Data)
	if !ok {
		return Page{}, malformed(PathProducts)
	}
	var products []Product
	if err := json.Unmarshal(list, &products); err != nil {
		return Page{}, malformed(PathProducts)
	}
	s.logger.Debug("Category products fetched",
		zap.String("category", query.Get("category")),
		zap.String("shape", path),
		zap.Int("count", len(products)))
	return Page{Products: products, Pagination: client.ExtractPagination(env)}, nil
}

// Cache returns the underlying cache.
func (s *Service) Cache() *Cache {
	return s.cache
}

func malformed(endpoint string) *apperror.Error {
	e := apperror.New(apperror.KindServer, apperror.CodeServer, "Unexpected catalog payload from server")
	e.Endpoint = endpoint
	return e
}
