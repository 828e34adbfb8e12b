package mockapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type category struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type product struct {
	ID        string          `json:"_id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	Images    []string        `json:"images"`
	Rating    float64         `json:"rating"`
	Category  string          `json:"categoryName"`
	StoreName string          `json:"storeName"`
	StoreSlug string          `json:"storeSlug"`
}

func (p *product) summary() gin.H {
	image := ""
	if len(p.Images) > 0 {
		image = p.Images[0]
	}
	return gin.H{"_id": p.ID, "name": p.Name, "slug": p.Slug, "image": image, "price": p.Price, "stock": p.Stock}
}

func (s *Server) listCategories(c *gin.Context) {
	s.mu.Lock()
	out := append([]category(nil), s.categories...)
	s.mu.Unlock()
	ok(c, http.StatusOK, gin.H{"categories": out})
}

// listProducts filters by lowercase category name and an optional search term.
// The backend does not resolve category ids.
func (s *Server) listProducts(c *gin.Context) {
	categoryName := strings.ToLower(c.Query("category"))
	search := strings.ToLower(c.Query("search"))
	page := queryInt(c, "page", 1, 1, 1<<20)
	limit := queryInt(c, "limit", 20, 1, 50)

	s.mu.Lock()
	matched := []product{}
	for _, id := range s.catalog {
		p := s.products[id]
		if categoryName != "" && strings.ToLower(p.Category) != categoryName {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) {
			continue
		}
		matched = append(matched, *p)
	}
	s.mu.Unlock()

	start := min((page-1)*limit, len(matched))
	end := min(start+limit, len(matched))
	okPage(c, gin.H{"products": matched[start:end]}, page, limit, len(matched))
}

func (s *Server) getProduct(c *gin.Context) {
	s.mu.Lock()
	p, found := s.products[c.Param("id")]
	var out product
	if found {
		out = *p
	}
	s.mu.Unlock()
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Product not found")
		return
	}
	ok(c, http.StatusOK, gin.H{"product": out})
}

func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return min(max(n, lo), hi)
}
