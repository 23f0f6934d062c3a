package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesJobs(t *testing.T) {
	p := NewPool(WithWorkerCount(2), WithQueueSize(4))
	ctx, cancel := context.WithCancel(context.Background())
	wg := p.Start(ctx)

	var processed atomic.Int32
	for i := 0; i < 4; i++ {
		require.True(t, p.TrySubmit(func(context.Context) { processed.Add(1) }))
	}
	require.Eventually(t, func() bool { return processed.Load() == 4 }, time.Second, time.Millisecond)

	cancel()
	wg.Wait()
}

func TestTrySubmitRejectsWhenFull(t *testing.T) {
	p := NewPool(WithWorkerCount(1), WithQueueSize(1))
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	block := make(chan struct{})
	wg := p.Start(ctx)

	require.True(t, p.TrySubmit(func(context.Context) {
		close(started)
		<-block
	}))
	<-started
	require.True(t, p.TrySubmit(func(context.Context) {}))
	assert.False(t, p.TrySubmit(func(context.Context) {}))
	assert.Equal(t, 1, p.Pending())
	assert.False(t, p.TrySubmit(nil))

	close(block)
	cancel()
	wg.Wait()
}

func TestWorkersStopOnCancel(t *testing.T) {
	p := NewPool(WithWorkerCount(3))
	ctx, cancel := context.WithCancel(context.Background())
	wg := p.Start(ctx)

	require.True(t, p.TrySubmit(func(ctx context.Context) { <-ctx.Done() }))
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}
	assert.Equal(t, 3, p.WorkerCount())
}
