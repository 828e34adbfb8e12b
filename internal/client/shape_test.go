package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractList(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantPath string
		wantOK   bool
		wantLen  int
	}{
		{name: "products", data: `{"products":[{"id":1},{"id":2}]}`, wantPath: "products", wantOK: true, wantLen: 2},
		{name: "nested products", data: `{"data":{"products":[{"id":1}]}}`, wantPath: "data.products", wantOK: true, wantLen: 1},
		{name: "items", data: `{"items":[]}`, wantPath: "items", wantOK: true},
		{name: "orders", data: `{"orders":[{"_id":"a"}]}`, wantPath: "orders", wantOK: true, wantLen: 1},
		{name: "bare array", data: `[{"id":1},{"id":2},{"id":3}]`, wantPath: "", wantOK: true, wantLen: 3},
		{name: "no list", data: `{"product":{"id":1}}`, wantOK: false},
		{name: "products not an array", data: `{"products":{"id":1},"items":[{"id":9}]}`, wantPath: "items", wantOK: true, wantLen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, path, ok := ExtractList([]byte(tt.data))
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantPath, path)
			var items []map[string]any
			require.NoError(t, json.Unmarshal(raw, &items))
			assert.Len(t, items, tt.wantLen)
		})
	}
}

func TestExtractListCustomPaths(t *testing.T) {
	raw, path, ok := ExtractList([]byte(`{"reviews":[{"rating":5}]}`), "reviews")
	require.True(t, ok)
	assert.Equal(t, "reviews", path)
	assert.JSONEq(t, `[{"rating":5}]`, string(raw))
}

func TestExtractObject(t *testing.T) {
	raw, ok := ExtractObject([]byte(`{"order":{"_id":"o1"}}`))
	require.True(t, ok)
	assert.JSONEq(t, `{"_id":"o1"}`, string(raw))

	raw, ok = ExtractObject([]byte(`{"_id":"o2","status":"pending"}`))
	require.True(t, ok)
	assert.Contains(t, string(raw), "o2")

	_, ok = ExtractObject([]byte(`[1,2]`))
	assert.False(t, ok)
}

func TestExtractPagination(t *testing.T) {
	env := &Envelope{Data: []byte(`{"orders":[],"pagination":{"page":3,"limit":10,"total":25,"totalPages":3}}`)}
	pg := ExtractPagination(env)
	require.NotNil(t, pg)
	assert.Equal(t, 3, pg.Page)
	assert.Equal(t, 25, pg.Total)

	top := &Pagination{Page: 1}
	assert.Same(t, top, ExtractPagination(&Envelope{Pagination: top}))
	assert.Nil(t, ExtractPagination(&Envelope{Data: []byte(`{}`)}))
	assert.Nil(t, ExtractPagination(nil))
}
