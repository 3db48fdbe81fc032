package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pulseboard/pulse/internal/cursor"
	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/internal/store"
	"github.com/pulseboard/pulse/pkg/types"
)

// Pagination describes the position after the returned page.
type Pagination struct {
	Cursor  *string `json:"cursor"`
	HasMore bool    `json:"has_more"`
}

// SessionsResponse is the body of GET /v1/sessions.
type SessionsResponse struct {
	Data       []types.Session `json:"data"`
	Pagination Pagination      `json:"pagination"`
	Meta       Meta            `json:"meta"`
}

// SessionEventsResponse is the body of GET /v1/sessions/{id}/events.
type SessionEventsResponse struct {
	Data       []types.Event `json:"data"`
	Pagination Pagination    `json:"pagination"`
	Meta       Meta          `json:"meta"`
}

// SessionsHandler serves the derived session view.
type SessionsHandler struct {
	store  store.EventStore
	cursor *cursor.Codec
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(st store.EventStore, codec *cursor.Codec) *SessionsHandler {
	return &SessionsHandler{store: st, cursor: codec}
}

// List handles GET /v1/sessions.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()

	query := store.SessionQuery{
		OrgID:   OrgID(r),
		AgentID: q.Get("agent_id"),
		UserID:  q.Get("user_id"),
	}
	var err error
	if query.StartedFrom, err = parseTime(q.Get("start_time"), "start_time"); err != nil {
		writeError(w, r, err)
		return
	}
	if query.StartedTo, err = parseTime(q.Get("end_time"), "end_time"); err != nil {
		writeError(w, r, err)
		return
	}
	if s := q.Get("status"); s != "" {
		if query.Status, err = types.ParseSessionStatus(s); err != nil {
			writeError(w, r, invalidParameter("status", "status must be one of active, paused, completed, failed"))
			return
		}
	}
	if s := q.Get("environment"); s != "" {
		if query.Environment, err = types.ParseEnvironment(s); err != nil {
			writeError(w, r, invalidParameter("environment", "environment must be one of production, staging, development"))
			return
		}
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if query.After, err = h.decodeCursor(q.Get("cursor")); err != nil {
		writeError(w, r, err)
		return
	}
	query.Limit = limit + 1

	sessions, err := h.store.ListSessions(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := SessionsResponse{Data: sessions, Meta: Meta{RequestID: GetRequestID(r.Context())}}
	if len(sessions) > limit {
		resp.Data = sessions[:limit]
		last := resp.Data[limit-1]
		token := h.cursor.Encode(cursor.Position{Timestamp: last.StartedAt, ID: last.ID})
		resp.Pagination = Pagination{Cursor: &token, HasMore: true}
	}
	if resp.Data == nil {
		resp.Data = []types.Session{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Events handles GET /v1/sessions/{id}/events.
func (h *SessionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()

	query := store.EventQuery{OrgID: OrgID(r), SessionID: r.PathValue("id")}
	if query.SessionID == "" {
		writeError(w, r, invalidParameter("id", "session id is required"))
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if query.After, err = h.decodeCursor(q.Get("cursor")); err != nil {
		writeError(w, r, err)
		return
	}
	query.Limit = limit + 1

	events, err := h.store.SessionEvents(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := SessionEventsResponse{Data: events, Meta: Meta{RequestID: GetRequestID(r.Context())}}
	if len(events) > limit {
		resp.Data = events[:limit]
		last := resp.Data[limit-1]
		token := h.cursor.Encode(cursor.Position{Timestamp: last.Timestamp, ID: last.EventID})
		resp.Pagination = Pagination{Cursor: &token, HasMore: true}
	}
	if resp.Data == nil {
		resp.Data = []types.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SessionsHandler) decodeCursor(token string) (*cursor.Position, error) {
	if token == "" {
		return nil, nil
	}
	pos, err := h.cursor.Decode(token)
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return store.DefaultPageLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > store.MaxPageLimit {
		return 0, invalidParameter("limit", "limit must be an integer between 1 and "+strconv.Itoa(store.MaxPageLimit))
	}
	return n, nil
}

func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || !types.InTimestampRange(t) {
		return time.Time{}, invalidParameter(field, field+" must be an ISO-8601 datetime between 1678 and 2262")
	}
	return t.UTC(), nil
}

func invalidParameter(field, msg string) error {
	return errors.NewRequestError(errors.CodeInvalidParameter, msg).WithField(field)
}
