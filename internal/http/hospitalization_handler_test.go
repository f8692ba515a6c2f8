package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wisefido-hospitalization/internal/models"
	"wisefido-hospitalization/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	mu       sync.Mutex
	snapshot models.Snapshot
	err      error
}

func (f *fakeFetcher) FetchStatus(ctx context.Context) (models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return models.Snapshot{
		{ID: "R1", Name: "Room 101", Beds: []models.Bed{
			{ID: "B7"},
			{ID: "B8", Attention: &models.Attention{ID: "A9", IDBeds: "B8", PatientName: "Doe"}},
		}},
	}, nil
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeEvents struct {
	records []models.EventRecord
	err     error
	limit   int
}

func (f *fakeEvents) ListRecent(ctx context.Context, limit int) ([]models.EventRecord, error) {
	f.limit = limit
	return f.records, f.err
}

func newTestRouter(t *testing.T, fetcher *fakeFetcher, events EventLister) (*Router, *store.StatusStore) {
	t.Helper()
	s := store.NewStatusStore(fetcher, zap.NewNop())
	require.NoError(t, s.FetchStatus(context.Background()))
	router := NewRouter(zap.NewNop())
	router.RegisterHospitalizationRoutes(NewHospitalizationHandler(s, events, zap.NewNop()))
	return router, s
}

func do(router http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetStatus_WrapsResult(t *testing.T) {
	router, _ := newTestRouter(t, &fakeFetcher{}, nil)

	w := do(router, http.MethodGet, "/api/v1/hospitalization/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp Result[models.StoreState]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ResultSuccess, resp.Code)
	require.Len(t, resp.Result.Status, 1)
	assert.False(t, resp.Result.IsLoading)
	assert.NotNil(t, resp.Result.LastFetch)

	bed := resp.Result.Status.FindBed("B8")
	require.NotNil(t, bed)
	assert.Equal(t, models.BedStatusOccupied, bed.Status)
	assert.Equal(t, "Doe", bed.Attention.PatientName)
}

func TestGetBed(t *testing.T) {
	router, _ := newTestRouter(t, &fakeFetcher{}, nil)

	w := do(router, http.MethodGet, "/api/v1/hospitalization/status/beds/B7")
	require.Equal(t, http.StatusOK, w.Code)
	var resp Result[models.Bed]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ID("B7"), resp.Result.ID)
	assert.Equal(t, models.BedStatusFree, resp.Result.Status)
	assert.Nil(t, resp.Result.Attention)

	w = do(router, http.MethodGet, "/api/v1/hospitalization/status/beds/B99")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":-1`)

	w = do(router, http.MethodGet, "/api/v1/hospitalization/status/beds/")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodGet, "/api/v1/hospitalization/status/beds/B7/extra")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefresh(t *testing.T) {
	fetcher := &fakeFetcher{}
	router, s := newTestRouter(t, fetcher, nil)

	w := do(router, http.MethodPost, "/api/v1/hospitalization/refresh")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"code":2000`)

	fetcher.fail(errors.New("connection refused"))
	w = do(router, http.MethodPost, "/api/v1/hospitalization/refresh")
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp Result[any]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ResultError, resp.Code)
	assert.Equal(t, store.ErrMsgFetchFailed, resp.Message)
	assert.NotContains(t, w.Body.String(), "connection refused")

	// 失败后保留上一次的数据
	assert.Len(t, s.State().Status, 1)

	w = do(router, http.MethodGet, "/api/v1/hospitalization/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestListEvents(t *testing.T) {
	events := &fakeEvents{records: []models.EventRecord{
		{EventID: "e1", EventKind: models.EventUpdated, BedID: "B8", Outcome: models.OutcomePatched, ReceivedAt: time.Now()},
	}}
	router, _ := newTestRouter(t, &fakeFetcher{}, events)

	w := do(router, http.MethodGet, "/api/v1/hospitalization/events?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, events.limit)

	var resp Result[[]models.EventRecord]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Result, 1)
	assert.Equal(t, models.OutcomePatched, resp.Result[0].Outcome)

	w = do(router, http.MethodGet, "/api/v1/hospitalization/events?limit=abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, events.limit)

	events.err = errors.New("db down")
	w = do(router, http.MethodGet, "/api/v1/hospitalization/events")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListEvents_JournalDisabled(t *testing.T) {
	router, _ := newTestRouter(t, &fakeFetcher{}, nil)

	w := do(router, http.MethodGet, "/api/v1/hospitalization/events")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"result":[]`), w.Body.String())
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &fakeFetcher{}, nil)

	w := do(router, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"rooms":1`)
}

// stubStatus 拉取失败但不写入 State().Error
type stubStatus struct {
	fetchErr error
}

func (s *stubStatus) State() models.StoreState { return models.StoreState{} }

func (s *stubStatus) Bed(id models.ID) (models.Bed, bool) { return models.Bed{}, false }

func (s *stubStatus) FetchStatus(ctx context.Context) error { return s.fetchErr }

func TestRefresh_FailureMessageIndependentOfState(t *testing.T) {
	router := NewRouter(zap.NewNop())
	router.RegisterHospitalizationRoutes(NewHospitalizationHandler(&stubStatus{fetchErr: context.Canceled}, nil, zap.NewNop()))

	w := do(router, http.MethodPost, "/api/v1/hospitalization/refresh")
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp Result[any]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ResultError, resp.Code)
	assert.Equal(t, store.ErrMsgFetchFailed, resp.Message)
}

func TestHealth_Dependencies(t *testing.T) {
	s := store.NewStatusStore(&fakeFetcher{}, zap.NewNop())
	require.NoError(t, s.FetchStatus(context.Background()))

	var mu sync.Mutex
	connected := true
	h := NewHospitalizationHandler(s, nil, zap.NewNop())
	h.AddHealthCheck("mqtt", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connected
	})
	h.AddHealthCheck("noop", nil)
	router := NewRouter(zap.NewNop())
	router.RegisterHospitalizationRoutes(h)

	var resp Result[map[string]any]
	w := do(router, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Result["status"])
	assert.Equal(t, map[string]any{"mqtt": "connected"}, resp.Result["dependencies"])

	mu.Lock()
	connected = false
	mu.Unlock()

	w = do(router, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	resp = Result[map[string]any]{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Result["status"])
	assert.Equal(t, map[string]any{"mqtt": "disconnected"}, resp.Result["dependencies"])
}
