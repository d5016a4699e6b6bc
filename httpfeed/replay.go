package httpfeed

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/velmie/eventfeed"
)

const lastEventIDHeader = "Last-Event-ID"

type replayResponse struct {
	Events []eventfeed.Message `json:"events"`
	// Next is the marker to pass as since for the following page.
	Next eventfeed.ID `json:"next"`
	More bool         `json:"more"`
}

// replay serves one page of events after the marker as JSON.
func (s *Server) replay(c *gin.Context) {
	since, ok := marker(c)
	if !ok {
		return
	}

	limit := s.cfg.ReplayLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, s.cfg.MaxReplayLimit)
	}

	events, err := s.reader.ReplaySince(c.Request.Context(), recipientFrom(c), since, limit)
	switch {
	case err == nil:
	case errors.Is(err, eventfeed.ErrStaleMarker):
		c.JSON(http.StatusGone, eventfeed.SignalMessage(eventfeed.SignalResyncRequired))
		return
	case errors.Is(err, eventfeed.ErrStoreUnavailable):
		s.logger.Warn("httpfeed replay unavailable", zap.String("recipient_id", recipientFrom(c)), zap.Error(err))
		c.Header("Retry-After", strconv.Itoa(int(s.cfg.RetryHint.Seconds())))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := replayResponse{Events: make([]eventfeed.Message, 0, len(events)), Next: since}
	for _, e := range events {
		resp.Events = append(resp.Events, eventfeed.EventMessage(e))
	}
	if n := len(events); n > 0 {
		resp.Next = events[n-1].ID
		resp.More = n >= limit
	}

	c.JSON(http.StatusOK, resp)
}

// marker reads Last-Event-ID, falling back to the since query parameter. A missing marker
// is the zero ID. It writes 400 and reports false for a malformed one.
func marker(c *gin.Context) (eventfeed.ID, bool) {
	raw := c.GetHeader(lastEventIDHeader)
	if raw == "" {
		raw = c.Query("since")
	}
	if raw == "" {
		return eventfeed.ID{}, true
	}

	id, err := eventfeed.ParseID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid marker"})
		return eventfeed.ID{}, false
	}

	return id, true
}
