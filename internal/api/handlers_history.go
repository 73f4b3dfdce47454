// handlers_history.go - Loading history handlers
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/iontrap-lab/backend/internal/models"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// HistoryHandlerImpl implements the HistoryHandler interface
type HistoryHandlerImpl struct {
	history HistoryReader
	now     func() time.Time
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(history HistoryReader, now func() time.Time) HistoryHandler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &HistoryHandlerImpl{history: history, now: now}
}

// historyResponse is the JSON envelope for history queries
type historyResponse struct {
	Range    models.TimeRange      `json:"range"`
	Profile  string                `json:"profile,omitempty"`
	Events   []models.LoadingEvent `json:"events"`
	Degraded bool                  `json:"degraded,omitempty"`
}

// HandleQueryHistory returns events trapped in [from, to], both optional
// RFC 3339 timestamps, filtered by profile.
func (h *HistoryHandlerImpl) HandleQueryHistory(c echo.Context) error {
	window, err := parseWindow(c)
	if err != nil {
		return err
	}
	profile := c.QueryParam("profile")
	events := h.history.Query(window, profile)
	if events == nil {
		events = []models.LoadingEvent{}
	}
	return c.JSON(http.StatusOK, historyResponse{
		Range:    window,
		Profile:  profile,
		Events:   events,
		Degraded: h.history.Degraded(),
	})
}

// HandleQueryHistoryMsgpack is HandleQueryHistory with a msgpack body
func (h *HistoryHandlerImpl) HandleQueryHistoryMsgpack(c echo.Context) error {
	window, err := parseWindow(c)
	if err != nil {
		return err
	}
	events := h.history.Query(window, c.QueryParam("profile"))
	data, err := msgpack.Marshal(map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleRecentHistory returns events trapped within the last "hours" hours
// (default 24).
func (h *HistoryHandlerImpl) HandleRecentHistory(c echo.Context) error {
	hours := 24.0
	if v := c.QueryParam("hours"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			return NewValidationError("hours")
		}
		hours = parsed
	}
	now := h.now()
	window := models.TimeRange{Start: now.Add(-time.Duration(hours * float64(time.Hour))), End: now}
	events := h.history.Query(window, c.QueryParam("profile"))
	if events == nil {
		events = []models.LoadingEvent{}
	}
	return c.JSON(http.StatusOK, historyResponse{
		Range:    window,
		Profile:  c.QueryParam("profile"),
		Events:   events,
		Degraded: h.history.Degraded(),
	})
}

func parseWindow(c echo.Context) (models.TimeRange, error) {
	var window models.TimeRange
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &window.Start}, {"to", &window.End}} {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return window, NewBadRequestError("invalid "+p.name+" timestamp", err)
		}
		*p.dst = t.UTC()
	}
	if !window.Start.IsZero() && !window.End.IsZero() && window.End.Before(window.Start) {
		return window, NewBadRequestError("to is before from", nil)
	}
	return window, nil
}
