package ensemble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mood-ensemble/internal/ml"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Submit(t *testing.T) {
	p := NewPool(2, 4)
	defer p.Shutdown(context.Background())

	want := ml.Prediction{DepressionRisk: 0.1, Confidence: 0.9}
	out, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
		return want, nil
	})
	require.NoError(t, err)

	got := <-out
	assert.NoError(t, got.Err)
	assert.Equal(t, want, got.Prediction)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Shutdown(context.Background())

	out, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
		panic("boom")
	})
	require.NoError(t, err)

	got := <-out
	assert.ErrorIs(t, got.Err, ErrTaskPanic)
	assert.Contains(t, got.Err.Error(), "boom")

	// The worker survives.
	out, err = p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
		return ml.NeutralPrediction(), nil
	})
	require.NoError(t, err)
	assert.NoError(t, (<-out).Err)
}

func TestPool_SubmitBlocksWhenQueueFull(t *testing.T) {
	p := NewPool(1, 1)
	gate := make(chan struct{})
	started := make(chan struct{})

	blocking := func(ctx context.Context) (ml.Prediction, error) {
		close(started)
		<-gate
		return ml.Prediction{}, nil
	}
	quick := func(ctx context.Context) (ml.Prediction, error) { return ml.Prediction{}, nil }

	first, err := p.Submit(context.Background(), blocking)
	require.NoError(t, err)
	<-started

	second, err := p.Submit(context.Background(), quick)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Submit(ctx, quick)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	assert.NoError(t, (<-first).Err)
	assert.NoError(t, (<-second).Err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SkipsExpiredTasks(t *testing.T) {
	p := NewPool(1, 2)
	defer p.Shutdown(context.Background())

	gate := make(chan struct{})
	_, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
		<-gate
		return ml.Prediction{}, nil
	})
	require.NoError(t, err)

	var ran atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	out, err := p.Submit(ctx, func(ctx context.Context) (ml.Prediction, error) {
		ran.Store(true)
		return ml.Prediction{}, nil
	})
	require.NoError(t, err)
	cancel()
	close(gate)

	got := <-out
	assert.ErrorIs(t, got.Err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestPool_ShutdownDrains(t *testing.T) {
	p := NewPool(1, 8)

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
			return ml.Prediction{}, nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(5), done.Load())

	_, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
		return ml.Prediction{}, nil
	})
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ShutdownHonoursContext(t *testing.T) {
	p := NewPool(1, 1)
	gate := make(chan struct{})
	defer close(gate)

	_, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
		<-gate
		return ml.Prediction{}, errors.New("late")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}

func TestPool_ShutdownReleasesBlockedSubmitter(t *testing.T) {
	p := NewPool(1, 1)
	gate := make(chan struct{})
	started := make(chan struct{})

	first, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
		close(started)
		<-gate
		return ml.Prediction{}, nil
	})
	require.NoError(t, err)
	<-started

	queued, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
		return ml.Prediction{Confidence: 0.5}, nil
	})
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), func(ctx context.Context) (ml.Prediction, error) {
			return ml.Prediction{}, nil
		})
		blocked <- err
	}()
	// Give the third submitter time to block on the full queue.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err = p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), time.Second)

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked submitter was not released by Shutdown")
	}

	close(gate)
	assert.NoError(t, (<-first).Err)
	got := <-queued
	assert.NoError(t, got.Err)
	assert.Equal(t, 0.5, got.Prediction.Confidence)
	require.NoError(t, p.Shutdown(context.Background()))
}
