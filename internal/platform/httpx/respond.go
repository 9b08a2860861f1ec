// Package httpx holds the JSON and RFC7807 response helpers shared by every
// controller.
package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeProblem = "application/problem+json"
)

// ProblemDetail is an RFC7807 body. Code is a stable machine-readable slug of
// Title that clients switch on instead of parsing Detail.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// JSON writes data with status. API responses are never cached.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, contentTypeJSON, status, data)
}

// Problem writes an RFC7807 response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	write(w, contentTypeProblem, status, ProblemDetail{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Code:   problemCode(title),
		Detail: detail,
	})
}

func write(w http.ResponseWriter, contentType string, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// DecodeJSON decodes the JSON request body into target.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}

// problemCode turns "Sequence Capacity Exceeded" into "sequence_capacity_exceeded".
func problemCode(title string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "_")
}
