package storage

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mood-ensemble/internal/ensemble"
	"mood-ensemble/internal/sequence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ensemble.ActivitySource = (*Store)(nil)

type countingMetrics struct {
	mu     sync.Mutex
	stored int
}

func (m *countingMetrics) ActivitiesStoredAdd(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored += n
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	require.NoError(t, err)
	defer store.Close()

	assert.NotNil(t, store.db)
	_, err = os.Stat(filepath.Join(tempDir, dbFileName))
	assert.NoError(t, err, "database file was not created")
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing", "nested"))
	assert.Error(t, err)
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestStore_ActivitiesInRange(t *testing.T) {
	metrics := &countingMetrics{}
	store, err := NewWithMetrics(t.TempDir(), metrics)
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	records := []sequence.ActivityRecord{
		{StartDate: base.Add(2 * time.Hour), Value: 20},
		{StartDate: base.Add(-time.Hour), Value: 1},
		{StartDate: base, Value: 10},
		{StartDate: base, Value: 11},
		{StartDate: base.Add(24 * time.Hour), EndDate: base.Add(24*time.Hour + time.Minute), Value: 99},
	}
	require.NoError(t, store.StoreActivities("alice", records))
	require.NoError(t, store.StoreActivity("bob", sequence.ActivityRecord{StartDate: base.Add(time.Hour), Value: 5}))
	assert.Equal(t, 6, metrics.stored)

	got, err := store.ActivitiesInRange(context.Background(), "alice", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.True(t, got[0].StartDate.Equal(base))
	assert.True(t, got[1].StartDate.Equal(base))
	assert.ElementsMatch(t, []float64{10, 11}, []float64{got[0].Value, got[1].Value})
	assert.True(t, got[2].StartDate.Equal(base.Add(2*time.Hour)))
	assert.Equal(t, 20.0, got[2].Value)
	assert.True(t, got[2].EndDate.IsZero())

	next, err := store.ActivitiesInRange(context.Background(), "alice", base.Add(24*time.Hour), base.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.True(t, next[0].EndDate.Equal(base.Add(24*time.Hour+time.Minute)))
}

func TestStore_ActivitiesInRange_UnknownUser(t *testing.T) {
	store := newTestStore(t)

	got, err := store.ActivitiesInRange(context.Background(), "nobody", time.Unix(0, 0), time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_UsersAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.StoreActivity("a", sequence.ActivityRecord{StartDate: ts, Value: 1}))
	require.NoError(t, store.StoreActivity("a_1", sequence.ActivityRecord{StartDate: ts, Value: 2}))

	got, err := store.ActivitiesInRange(context.Background(), "a", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Value)
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	store := newTestStore(t)
	ok := sequence.ActivityRecord{StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Value: 1}

	testCases := []struct {
		name    string
		user    string
		records []sequence.ActivityRecord
	}{
		{"empty user", "", []sequence.ActivityRecord{ok}},
		{"zero start", "u", []sequence.ActivityRecord{ok, {Value: 1}}},
		{"pre-epoch start", "u", []sequence.ActivityRecord{{StartDate: time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)}}},
		{"NaN value", "u", []sequence.ActivityRecord{{StartDate: ok.StartDate, Value: math.NaN()}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, store.StoreActivities(tc.user, tc.records), ErrInvalidRecord)
		})
	}

	got, err := store.ActivitiesInRange(context.Background(), "u", time.Unix(0, 0), time.Now())
	require.NoError(t, err)
	assert.Empty(t, got, "rejected batches must not be partially written")
}

func TestStore_LatestActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, err := store.LatestActivity(ctx, "u")
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	newest := time.Date(2024, 3, 9, 22, 15, 0, 0, time.UTC)
	require.NoError(t, store.StoreActivities("u", []sequence.ActivityRecord{
		{StartDate: newest, Value: 3},
		{StartDate: newest.AddDate(0, 0, -10), Value: 1},
		{StartDate: newest.Add(-time.Minute), Value: 2},
	}))
	require.NoError(t, store.StoreActivity("v", sequence.ActivityRecord{StartDate: newest.AddDate(0, 1, 0), Value: 1}))

	latest, err = store.LatestActivity(ctx, "u")
	require.NoError(t, err)
	assert.True(t, newest.Equal(latest), "got %s", latest)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.LatestActivity(cancelled, "u")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_DeleteUser(t *testing.T) {
	store := newTestStore(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.StoreActivity("u", sequence.ActivityRecord{StartDate: ts, Value: 1}))
	require.NoError(t, store.DeleteUser("u"))
	require.NoError(t, store.DeleteUser("u"))

	got, err := store.ActivitiesInRange(context.Background(), "u", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_FeedsSequenceBuilder(t *testing.T) {
	store := newTestStore(t)
	builder := sequence.NewBuilder(2, time.UTC)
	ref := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.StoreActivities("u", []sequence.ActivityRecord{
		{StartDate: time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC), Value: 3},
		{StartDate: time.Date(2024, 3, 2, 23, 59, 0, 0, time.UTC), Value: 4},
		{StartDate: time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), Value: 100},
	}))

	start, end := builder.Window(ref)
	records, err := store.ActivitiesInRange(context.Background(), "u", start, end)
	require.NoError(t, err)
	require.Len(t, records, 2)

	seq, err := builder.Build(records, ref)
	require.NoError(t, err)
	assert.Equal(t, 3.0, seq.Values[5])
	assert.Equal(t, 4.0, seq.Values[len(seq.Values)-1])
	assert.Equal(t, 7.0, seq.Total())
}

func TestConcurrentAccess(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.StoreActivity("u", sequence.ActivityRecord{StartDate: base.Add(time.Duration(i) * time.Minute), Value: float64(i)}))
			_, err := store.ActivitiesInRange(context.Background(), "u", base, base.Add(time.Hour))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.ActivitiesInRange(context.Background(), "u", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].StartDate.Before(got[i-1].StartDate))
	}
}
