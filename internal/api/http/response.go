package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pulseboard/pulse/internal/errors"
)

// ErrorBody is the error object of the error envelope.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the envelope of every failed request.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

// Meta accompanies every successful read.
type Meta struct {
	CacheHit  *bool  `json:"cache_hit,omitempty"`
	CacheTTL  *int   `json:"cache_ttl,omitempty"`
	RequestID string `json:"request_id"`
}

func cacheMeta(hit bool, ttl time.Duration, requestID string) Meta {
	secs := int(ttl.Round(time.Second) / time.Second)
	return Meta{CacheHit: &hit, CacheTTL: &secs, RequestID: requestID}
}

// writeError writes err as an error envelope with its mapped status code.
// Internal causes are never exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	pe := errors.As(err)
	body := ErrorBody{Code: pe.Code, Message: pe.Message, Field: pe.Field, Details: pe.Details}
	if pe.Category == errors.ErrCategoryInternal {
		body.Message = "internal server error"
		body.Details = nil
	}
	writeJSON(w, pe.HTTPStatus(), ErrorResponse{Error: body, RequestID: GetRequestID(r.Context())})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, r, errors.NewRequestError(errors.CodeMethodNotAllowed, "method "+r.Method+" is not allowed"))
}
