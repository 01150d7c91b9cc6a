package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestPostOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.NoError(t, l.Do(func() {}))
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPostFromManyGoroutines(t *testing.T) {
	l := startLoop(t)
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Do(func() {}))
	assert.Equal(t, 1000, counter)
}

func TestStoppedLoop(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()
	<-l.Done()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(func() {}), ErrStopped)
}

func TestAfterFunc(t *testing.T) {
	l := startLoop(t)
	fired := make(chan struct{})
	var tm *Timer
	require.NoError(t, l.Do(func() {
		tm = l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	}))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	require.NoError(t, l.Do(func() { assert.False(t, tm.Active()) }))
}

func TestTimerStop(t *testing.T) {
	l := startLoop(t)
	fired := false
	require.NoError(t, l.Do(func() {
		tm := l.AfterFunc(time.Millisecond, func() { fired = true })
		// let the expiry land in the queue behind us, then cancel
		time.Sleep(20 * time.Millisecond)
		tm.Stop()
		assert.False(t, tm.Active())
	}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Do(func() { assert.False(t, fired) }))
}

func TestEvery(t *testing.T) {
	l := startLoop(t)
	ticks := make(chan struct{}, 10)
	var tm *Timer
	require.NoError(t, l.Do(func() {
		tm = l.Every(5*time.Millisecond, func() { ticks <- struct{}{} })
	}))

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d missing", i)
		}
	}
	require.NoError(t, l.Do(func() { tm.Stop() }))
	time.Sleep(20 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ticks)
}

func TestSoon(t *testing.T) {
	l := startLoop(t)
	var got []string
	require.NoError(t, l.Do(func() {
		l.Soon(func() { got = append(got, "soon") })
		got = append(got, "now")
	}))
	require.NoError(t, l.Do(func() { assert.Equal(t, []string{"now", "soon"}, got) }))

	fired := false
	require.NoError(t, l.Do(func() {
		tm := l.Soon(func() { fired = true })
		tm.Stop()
		assert.False(t, tm.Active())
	}))
	require.NoError(t, l.Do(func() { assert.False(t, fired) }))
}

func TestNilTimer(t *testing.T) {
	var tm *Timer
	tm.Stop()
	assert.False(t, tm.Active())
}
