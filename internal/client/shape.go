package client

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Response data shapes differ between endpoint versions. The lookups below are the
// one place that knows about it; callers receive the located JSON value.

// DefaultListPaths is the fallback order used to find a collection inside data.
var DefaultListPaths = []string{
	"products",
	"data.products",
	"items",
	"data.items",
	"orders",
	"data.orders",
}

// DefaultObjectPaths is the fallback order used to find a single entity inside data.
var DefaultObjectPaths = []string{
	"order",
	"data.order",
	"product",
	"data.product",
}

// ExtractList returns the first array found at paths (DefaultListPaths when none are
// given). A bare array is accepted last. The matched path is returned, "" for the bare
// array, and ok=false when nothing matched.
func ExtractList(data []byte, paths ...string) (json.RawMessage, string, bool) {
	if len(paths) == 0 {
		paths = DefaultListPaths
	}
	for _, p := range paths {
		if v := gjson.GetBytes(data, p); v.IsArray() {
			return json.RawMessage(v.Raw), p, true
		}
	}
	if root := gjson.ParseBytes(data); root.IsArray() {
		return json.RawMessage(root.Raw), "", true
	}
	return nil, "", false
}

// ExtractObject returns the first object found at paths (DefaultObjectPaths when none are
// given), falling back to data itself when it is an object.
func ExtractObject(data []byte, paths ...string) (json.RawMessage, bool) {
	if len(paths) == 0 {
		paths = DefaultObjectPaths
	}
	for _, p := range paths {
		if v := gjson.GetBytes(data, p); v.IsObject() {
			return json.RawMessage(v.Raw), true
		}
	}
	if root := gjson.ParseBytes(data); root.IsObject() {
		return json.RawMessage(root.Raw), true
	}
	return nil, false
}

// ExtractPagination reads pagination from data when the envelope did not carry it.
func ExtractPagination(env *Envelope) *Pagination {
	if env == nil {
		return nil
	}
	if env.Pagination != nil {
		return env.Pagination
	}
	for _, p := range []string{"pagination", "data.pagination"} {
		if v := gjson.GetBytes(env.Data, p); v.IsObject() {
			var pg Pagination
			if err := json.Unmarshal([]byte(v.Raw), &pg); err == nil {
				return &pg
			}
		}
	}
	return nil
}
