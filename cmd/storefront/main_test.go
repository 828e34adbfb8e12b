package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/example/storefront/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionFlag(t *testing.T) {
	code, out, _ := runCLI(t, "-version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "storefront dev")
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", []string{"-mock"}, "a command is required"},
		{"unknown command", []string{"-mock", "wishlist"}, `unknown command "wishlist"`},
		{"order without id", []string{"-mock", "order"}, "order requires an order id"},
		{"category without slug", []string{"-mock", "category"}, "category requires a slug or id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, tt.args...)
			assert.Equal(t, 2, code)
			assert.Contains(t, errOut, tt.want)
		})
	}
}

func TestUnknownFlag(t *testing.T) {
	code, _, errOut := runCLI(t, "-nope")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "USAGE:")
}

func TestCategoryAgainstMock(t *testing.T) {
	code, out, errOut := runCLI(t, "-mock", "category", "electronics")
	require.Equal(t, 0, code, errOut)

	var page struct {
		Products []struct {
			ID       string `json:"_id"`
			Category string `json:"categoryName"`
		} `json:"products"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Products, 8)
	for _, p := range page.Products {
		assert.NotEmpty(t, p.ID)
	}
}

func TestOrdersAndCartAgainstMock(t *testing.T) {
	code, out, errOut := runCLI(t, "-mock", "orders")
	require.Equal(t, 0, code, errOut)
	var listed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Contains(t, listed, "orders")
	assert.Contains(t, listed, "pagination")

	code, out, errOut = runCLI(t, "-mock", "cart")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"items"`)
}

func TestMissingOrderReportsStatus(t *testing.T) {
	code, _, errOut := runCLI(t, "-mock", "order", "does-not-exist")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "HTTP 404")
}

func TestWrongPasswordAgainstMock(t *testing.T) {
	code, _, errOut := runCLI(t, "-mock", "-user", "buyer@example.com", "-password", "wrong", "cart")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "HTTP 401")
}

func TestNormalizeAddr(t *testing.T) {
	assert.Equal(t, ":9090", normalizeAddr("9090"))
	assert.Equal(t, ":9090", normalizeAddr(":9090"))
	assert.Equal(t, "localhost:9090", normalizeAddr("localhost:9090"))
}

func TestLoggerConfigFollowsEnvironment(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "console", loggerConfig(cfg).Format)

	cfg.App.Env = "production"
	assert.Equal(t, "json", loggerConfig(cfg).Format)

	cfg.Log.Format = "console"
	cfg.Log.TimeFormat = "15:04:05"
	got := loggerConfig(cfg)
	assert.Equal(t, "console", got.Format)
	assert.Equal(t, "15:04:05", got.TimeFormat)
	assert.Equal(t, "stderr", got.Output)
}
