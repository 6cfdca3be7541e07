package utils

import (
	"net/http"
	"strings"
)

// Extractor turns the headers of an inbound HTTP request into the flat header
// set the rate-limit key builder reads. It never reads the request body.
type Extractor interface {
	Extract(r *http.Request) map[string]string
}

type httpHeaderExtractor struct {
	skip map[string]struct{}
}

// NewHTTPHeadersExtractor creates an extractor that drops the given headers,
// typically credentials such as the plugin's own auth header.
func NewHTTPHeadersExtractor(skip ...string) Extractor {
	set := make(map[string]struct{}, len(skip))
	for _, name := range skip {
		set[strings.ToLower(name)] = struct{}{}
	}
	return &httpHeaderExtractor{skip: set}
}

// Extract lower-cases header names and keeps the first value of each header,
// trimmed of surrounding whitespace.
func (h *httpHeaderExtractor) Extract(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		name = strings.ToLower(name)
		if _, ok := h.skip[name]; ok || len(values) == 0 {
			continue
		}
		headers[name] = strings.TrimSpace(values[0])
	}
	return headers
}
