package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mood-ensemble/internal/ensemble"
	"mood-ensemble/internal/ml"
	"mood-ensemble/internal/sequence"
	"mood-ensemble/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ HealthReporter = (*ensemble.Coordinator)(nil)
var _ ActivityWriter = (*storage.Store)(nil)

type fakeHealth struct {
	health ensemble.Health
}

func (f fakeHealth) Health() ensemble.Health { return f.health }

type fakeWriter struct {
	err     error
	user    string
	records []sequence.ActivityRecord
}

func (f *fakeWriter) StoreActivities(userID string, records []sequence.ActivityRecord) error {
	f.user = userID
	f.records = records
	return f.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleActivities(t *testing.T) {
	writer := &fakeWriter{}
	srv := NewServer(fakeHealth{}, writer, 0)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/users/alice/activities",
		`[{"start_date":"2024-01-01T00:00:00Z","value":1},{"start_date":"2024-01-01T00:01:00Z","value":2}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"stored":2}`, rec.Body.String())
	assert.Equal(t, "alice", writer.user)
	require.Len(t, writer.records, 2)
	assert.Equal(t, 2.0, writer.records[1].Value)
	assert.True(t, writer.records[1].StartDate.Equal(time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)))
}

func TestHandleActivities_Errors(t *testing.T) {
	tests := []struct {
		name   string
		writer ActivityWriter
		body   string
		status int
	}{
		{"storage disabled", nil, `[]`, http.StatusServiceUnavailable},
		{"invalid record", &fakeWriter{err: fmt.Errorf("%w: zero start date", storage.ErrInvalidRecord)}, `[{"value":1}]`, http.StatusBadRequest},
		{"store failure", &fakeWriter{err: fmt.Errorf("disk full")}, `[]`, http.StatusInternalServerError},
		{"malformed body", &fakeWriter{}, `{"value":1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(fakeHealth{}, tt.writer, 0)
			rec := do(t, srv.Handler(), http.MethodPost, "/v1/users/u/activities", tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHandleActivities_MethodNotAllowed(t *testing.T) {
	srv := NewServer(fakeHealth{}, &fakeWriter{}, 0)
	rec := do(t, srv.Handler(), http.MethodGet, "/v1/users/u/activities", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{"healthy", http.StatusOK},
		{"degraded", http.StatusOK},
		{"unavailable", http.StatusServiceUnavailable},
		{"closed", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			srv := NewServer(fakeHealth{health: ensemble.Health{Status: tt.status, PrimaryLoaded: true}}, nil, 0)

			rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
			assert.Equal(t, tt.code, rec.Code)

			var h ensemble.Health
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
			assert.Equal(t, tt.status, h.Status)
			assert.True(t, h.PrimaryLoaded)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(fakeHealth{}, nil, 0)
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerWithCoordinator(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	coord, err := ensemble.NewCoordinator(ensemble.DefaultConfig(), ensemble.Deps{
		Scorer:     staticScorer{},
		Encoder:    (*ml.PATEncoder)(nil),
		Activities: store,
	})
	require.NoError(t, err)

	h := NewServer(coord, store, 0).Handler()

	rec := do(t, h, http.MethodPost, "/v1/users/u/activities", `[{"start_date":"2024-01-01T00:00:00Z","value":1}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := store.ActivitiesInRange(context.Background(), "u",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A nil encoder reports unloaded while PAT features stay enabled.
	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)

	require.NoError(t, coord.Shutdown(context.Background()))
	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type staticScorer struct{}

func (staticScorer) Predict(context.Context, ml.FeatureVector) (ml.Prediction, error) {
	return ml.Prediction{DepressionRisk: 0.3, HypomanicRisk: 0.2, ManicRisk: 0.1, Confidence: 0.8}, nil
}

func (staticScorer) IsLoaded() bool { return true }

func (staticScorer) ExpectedFeatures() int { return ml.DefaultFeatureLength }
