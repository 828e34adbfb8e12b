package client

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/example/storefront/internal/apperror"
	"github.com/tidwall/gjson"
)

// Envelope is the JSON wrapper every backend response uses.
type Envelope struct {
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	Message      string          `json:"message,omitempty"`
	Pagination   *Pagination     `json:"pagination,omitempty"`
	Code         string          `json:"code,omitempty"`
	NeedsRefresh bool            `json:"needsRefresh,omitempty"`
	StatusCode   int             `json:"-"`
}

// Pagination is the list metadata returned next to collection payloads.
type Pagination struct {
	Page        int  `json:"page"`
	Limit       int  `json:"limit"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"totalPages"`
	HasNextPage bool `json:"hasNextPage,omitempty"`
	HasPrevPage bool `json:"hasPrevPage,omitempty"`
}

// tokenExpiredCode is the server code that also signals a refreshable 401.
const tokenExpiredCode = "TOKEN_EXPIRED"

// decodeEnvelope parses the body. Non-2xx or success:false yields an *apperror.Error;
// the envelope is still returned so callers can inspect refresh signals.
func decodeEnvelope(status int, raw []byte, endpoint string) (*Envelope, error) {
	env := &Envelope{StatusCode: status}
	parsed := len(raw) > 0 && gjson.ValidBytes(raw)
	if parsed {
		if err := json.Unmarshal(raw, env); err != nil {
			// Valid JSON of another shape (e.g. a bare array): keep it as data.
			env = &Envelope{StatusCode: status, Success: true, Data: raw}
		}
		env.NeedsRefresh = env.NeedsRefresh ||
			gjson.GetBytes(raw, "data.needsRefresh").Bool() ||
			env.Code == tokenExpiredCode
	}

	if status < 200 || status >= 300 {
		appErr := apperror.FromStatus(status, env.Message, endpoint)
		if parsed {
			appErr.Errors = extractErrorMessages(raw)
			if len(env.Data) > 0 {
				appErr.Data = env.Data
			}
			if env.Code != "" {
				appErr.WithDetail("serverCode", env.Code)
			}
		}
		return env, appErr
	}

	if !parsed {
		if len(raw) == 0 || status == http.StatusNoContent {
			env.Success = true
			return env, nil
		}
		return env, apperror.New(apperror.KindServer, apperror.CodeServer, "Malformed response from server").
			WithDetail("status", status)
	}

	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "Request failed"
		}
		appErr := apperror.New(apperror.KindUnknown, "REQUEST_FAILED", msg)
		appErr.Status = status
		appErr.Endpoint = endpoint
		appErr.Errors = extractErrorMessages(raw)
		return env, appErr
	}
	return env, nil
}

// extractErrorMessages flattens the "errors" field, which is either a list of strings
// or a list of {msg|message} objects.
func extractErrorMessages(raw []byte) []string {
	var out []string
	gjson.GetBytes(raw, "errors").ForEach(func(_, value gjson.Result) bool {
		switch {
		case value.Type == gjson.String:
			out = append(out, value.String())
		case value.Get("msg").Exists():
			out = append(out, value.Get("msg").String())
		case value.Get("message").Exists():
			out = append(out, value.Get("message").String())
		}
		return true
	})
	return out
}

// DecodeData unmarshals the envelope data into v.
func DecodeData(env *Envelope, v any) error {
	if env == nil || len(env.Data) == 0 {
		return fmt.Errorf("empty response data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
