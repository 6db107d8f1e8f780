package handler

import (
	"net/http"
	"strconv"

	"github.com/efreitasn/cryptoexchange/internal/events"
)

// maxEventsPage caps one poll of the event feed.
const maxEventsPage = 500

// EventsHandler serves the poll feed.
type EventsHandler struct {
	feed *events.Feed
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(feed *events.Feed) *EventsHandler {
	return &EventsHandler{feed: feed}
}

type eventsResponse struct {
	Events []events.Event `json:"events"`
	Last   uint64         `json:"last"`
}

// ListEvents handles GET /events?since=&limit=.
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		var err error
		since, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "since must be a non-negative integer")
			return
		}
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 || limit > maxEventsPage {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be between 1 and 500")
			return
		}
	}

	WriteJSON(w, http.StatusOK, eventsResponse{
		Events: h.feed.Since(since, limit),
		Last:   h.feed.Last(),
	})
}
