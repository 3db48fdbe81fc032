package http

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/internal/ingest"
)

// DefaultMaxBodyBytes bounds an ingest request body.
const DefaultMaxBodyBytes = 10 << 20

// IngestRequest is the body of POST /v1/events. Events stay raw so that each
// record is validated on its own.
type IngestRequest struct {
	Events []json.RawMessage `json:"events"`
}

// IngestHandler handles POST /v1/events requests.
type IngestHandler struct {
	ingestor     *ingest.Ingestor
	maxBodyBytes int64
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(ingestor *ingest.Ingestor, maxBodyBytes int64) *IngestHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &IngestHandler{ingestor: ingestor, maxBodyBytes: maxBodyBytes}
}

// ServeHTTP handles the ingest HTTP request.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	records, err := DecodeBatch(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeError(w, r, err)
		return
	}

	outcome, err := h.ingestor.Ingest(r.Context(), OrgID(r), GetRequestID(r.Context()), records)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, outcome)
}

// DecodeBatch parses an ingest body into raw records. A body that is not a
// JSON object with an "events" array fails the whole request. Records that
// are not themselves objects are passed through for per-item rejection.
func DecodeBatch(body io.Reader) ([]any, error) {
	var req IngestRequest
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, errors.NewRequestError(errors.CodeBatchTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return nil, errors.NewRequestError(errors.CodeInvalidJSON,
			fmt.Sprintf("request body must be a JSON object with an events array: %v", err))
	}
	if req.Events == nil {
		return nil, errors.NewRequestError(errors.CodeInvalidJSON, "events is required").WithField("events")
	}

	records := make([]any, len(req.Events))
	for i, raw := range req.Events {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.NewRequestError(errors.CodeInvalidJSON,
				fmt.Sprintf("events[%d] is not valid JSON: %v", i, err))
		}
		records[i] = v
	}
	return records, nil
}
