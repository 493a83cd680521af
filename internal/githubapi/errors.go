package githubapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from the hosting API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return "github api: " + e.Message
	}
	return fmt.Sprintf("github api: %d %s", e.StatusCode, e.Message)
}

// TransportError is a failure to get any HTTP answer at all
// (DNS, refused connection, timeout, cancelled context).
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("github api: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type errorBody struct {
	Message string            `json:"message"`
	Errors  []json.RawMessage `json:"errors"`
}

// newAPIError extracts the most specific message available:
// errors[0].message, then the top-level message, then the status text.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if len(parsed.Errors) > 0 {
			e.Message = firstErrorMessage(parsed.Errors[0])
		}
		if e.Message == "" {
			e.Message = strings.TrimSpace(parsed.Message)
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// Entries in "errors" are usually objects but the API also sends bare strings.
func firstErrorMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Code
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
