package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iontrap-lab/backend/internal/autoload"
	"github.com/iontrap-lab/backend/internal/clock"
	"github.com/iontrap-lab/backend/internal/interlock"
	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/observer"
	"github.com/iontrap-lab/backend/internal/profile"
	"github.com/iontrap-lab/backend/internal/settings"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeController records the buttons pressed
type fakeController struct {
	mu     sync.Mutex
	status autoload.Status
	calls  []string
	closed bool
}

func (f *fakeController) Status() autoload.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) press(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.calls = append(f.calls, name)
	return true
}

func (f *fakeController) Start() bool           { return f.press("start") }
func (f *fakeController) Stop() bool            { return f.press("stop") }
func (f *fakeController) IonTrapped() bool      { return f.press("ionTrapped") }
func (f *fakeController) IonStillTrapped() bool { return f.press("ionStillTrapped") }

// fakeHistory serves a fixed event list
type fakeHistory struct {
	events   []models.LoadingEvent
	degraded bool
}

func (f *fakeHistory) Query(window models.TimeRange, profile string) []models.LoadingEvent {
	var out []models.LoadingEvent
	for _, ev := range f.events {
		if window.Contains(ev.TrappingTime) && (profile == "" || ev.ProfileName == profile) {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeHistory) Degraded() bool { return f.degraded }

type testServer struct {
	e          *echo.Echo
	controller *fakeController
	registry   *profile.Registry
	history    *fakeHistory
	eval       *interlock.Evaluator
	store      *settings.MemoryStore
	bus        *observer.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := settings.NewMemoryStore()
	registry, err := profile.NewRegistry(context.Background(), nil, store)
	require.NoError(t, err)

	lo, hi := 751527.0, 751528.0
	eval := interlock.NewEvaluator(nil, clock.NewManual(testNow))
	eval.SetChannels([]models.InterlockChannel{{
		Wavemeter: "wm1", Channel: 3, Min: &lo, Max: &hi, Contexts: []string{"load"}, Enabled: true,
	}})

	ts := &testServer{
		e:          echo.New(),
		controller: &fakeController{status: autoload.Status{State: autoload.Idle, Color: "black", Profile: profile.DefaultName}},
		registry:   registry,
		history: &fakeHistory{events: []models.LoadingEvent{
			{TrappingTime: testNow.Add(-48 * time.Hour), ProfileName: "Default", IonCount: 1, Valid: true},
			{TrappingTime: testNow.Add(-2 * time.Hour), ProfileName: "Yb171", LoadingDuration: 40 * time.Second, IonCount: 1, Valid: true},
			{TrappingTime: testNow.Add(-time.Hour), ProfileName: "Default", IonCount: 1, Valid: true},
		}},
		eval:  eval,
		store: store,
		bus:   observer.NewBus(nil),
	}
	SetupMiddleware(ts.e, nil, MiddlewareConfig{})
	h := NewHandlers(&Dependencies{
		Controller: ts.controller,
		Profiles:   registry,
		History:    ts.history,
		Interlock:  eval,
		Settings:   store,
		Bus:        ts.bus,
		Version:    "test",
		Now:        func() time.Time { return testNow },
	})
	RegisterRoutes(ts.e, h)
	RegisterWebSocketRoutes(ts.e, h)
	return ts
}

func (ts *testServer) do(method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(method, path string, v interface{}) *httptest.ResponseRecorder {
	var body []byte
	if v != nil {
		body, _ = json.Marshal(v)
	}
	return ts.do(method, path, body, echo.MIMEApplicationJSON)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"state":"Idle"`)

	ts.history.degraded = true
	rec = ts.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestAutoLoadControl(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/autoload/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st autoload.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, autoload.Idle, st.State)

	for _, action := range []string{"start", "stop", "ion-trapped", "ion-still-trapped"} {
		rec = ts.do(http.MethodPost, "/api/autoload/"+action, nil, "")
		assert.Equal(t, http.StatusAccepted, rec.Code, action)
	}
	assert.Equal(t, []string{"start", "stop", "ionTrapped", "ionStillTrapped"}, ts.controller.calls)

	ts.controller.closed = true
	rec = ts.do(http.MethodPost, "/api/autoload/start", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", decodeError(t, rec).Code)
}

func TestProfileCRUD(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/profiles", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":"Default","profiles":["Default"]}`, rec.Body.String())

	p := models.DefaultProfile("Yb171")
	p.PreheatTime = 90 * time.Second
	p.Counters = []models.CounterBand{{Channel: 0, States: []string{"Load", "Check"}, Min: 20000, Max: 80000}}
	rec = ts.doJSON(http.MethodPut, "/api/profiles/Yb171", p)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/profiles/Yb171", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 90*time.Second, got.PreheatTime)
	assert.Len(t, got.Counters, 1)

	t.Run("name mismatch", func(t *testing.T) {
		rec := ts.doJSON(http.MethodPut, "/api/profiles/Other", p)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid", func(t *testing.T) {
		bad := models.DefaultProfile("Bad")
		bad.MaxFailedAutoload = 0
		rec := ts.doJSON(http.MethodPut, "/api/profiles/Bad", bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/profiles/Nope", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	rec = ts.do(http.MethodPost, "/api/profiles/Yb171/activate", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Yb171", ts.registry.ActiveName())

	rec = ts.do(http.MethodDelete, "/api/profiles/Yb171", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.doJSON(http.MethodPost, "/api/profiles/Yb171/rename", renameRequest{Name: "Yb171-trap2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Yb171-trap2", ts.registry.ActiveName())

	rec = ts.doJSON(http.MethodPost, "/api/profiles/Default/rename", renameRequest{Name: "Yb171-trap2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/profiles/Default", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"Yb171-trap2"}, ts.registry.Names())
}

func TestProfileYAMLExportImport(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/profiles/Default/yaml", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get(echo.HeaderContentType))
	body := rec.Body.String()
	assert.Contains(t, body, "name: Default")

	imported := strings.Replace(body, "name: Default", "name: Imported", 1)
	rec = ts.do(http.MethodPost, "/api/profiles/import", []byte(imported), "application/yaml")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, ts.registry.Names(), "Imported")

	rec = ts.do(http.MethodPost, "/api/profiles/import", []byte("name: X\nbogus_field: 1\n"), "application/yaml")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryQuery(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/history", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 3)

	from := testNow.Add(-3 * time.Hour).Format(time.RFC3339)
	rec = ts.do(http.MethodGet, "/api/history?from="+from+"&profile=Default", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, testNow.Add(-time.Hour), resp.Events[0].TrappingTime)

	rec = ts.do(http.MethodGet, "/api/history?from=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	to := testNow.Add(-5 * time.Hour).Format(time.RFC3339)
	rec = ts.do(http.MethodGet, "/api/history?from="+from+"&to="+to, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/history/recent?hours=3", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 2)

	rec = ts.do(http.MethodGet, "/api/history/recent?hours=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryMsgpack(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/history/msgpack?profile=Yb171", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var out struct {
		Events []models.LoadingEvent `msgpack:"events"`
		Total  int                   `msgpack:"total"`
	}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, 40*time.Second, out.Events[0].LoadingDuration)
	assert.True(t, out.Events[0].TrappingTime.Equal(testNow.Add(-2*time.Hour)))
}

func TestInterlockViews(t *testing.T) {
	ts := newTestServer(t)
	ts.eval.Update("wm1", 3, models.ChannelReading{Freq: 751527.5, ServerTime: testNow, ServerActive: true})

	rec := ts.do(http.MethodGet, "/api/interlock/channels", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lockStatus":"Locked"`)
	assert.Contains(t, rec.Body.String(), `"currentFreq":751527.5`)

	rec = ts.do(http.MethodGet, "/api/interlock/contexts", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"context":"load","status":"Locked"}]`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/interlock/contexts?context=cool", nil, "")
	assert.JSONEq(t, `{"context":"cool","status":"Locked"}`, rec.Body.String())
}

func TestSettings(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/settings/gui-state", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	blob := []byte{0x00, 0x01, 0xfe, 0xff}
	rec = ts.do(http.MethodPut, "/api/settings/gui-state", blob, echo.MIMEOctetStream)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(http.MethodGet, "/api/settings/gui-state", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, blob, rec.Body.Bytes())

	rec = ts.do(http.MethodGet, "/api/settings/parameters", nil, "")
	assert.JSONEq(t, `{"autoStart":false}`, rec.Body.String())
	rec = ts.doJSON(http.MethodPut, "/api/settings/parameters", settings.Parameters{AutoStart: true})
	require.Equal(t, http.StatusOK, rec.Code)

	var params settings.Parameters
	require.NoError(t, settings.Load(context.Background(), ts.store, settings.KeyParameters, &params))
	assert.True(t, params.AutoStart)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestErrorHandlerHidesUnknownErrors(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = NewErrorHandler(nil, false)
	e.GET("/boom", func(echo.Context) error { return assert.AnError })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, "UNKNOWN_ERROR", apiErr.Code)
	assert.Empty(t, apiErr.Details)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "HTTP_ERROR", decodeError(t, rec).Code)
}
