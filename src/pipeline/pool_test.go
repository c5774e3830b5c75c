package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orchestra-mcp/broker/src/types"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	require.NoError(t, cfg.Validate())
	p := New("test", cfg, gometrics.NewRegistry(), zerolog.Nop())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

// blockWorker occupies one worker until the returned func is called.
func blockWorker(t *testing.T, p *Pool) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(Job{Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("blocking job never started")
	}
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func TestPoolRunsJobs(t *testing.T) {
	p := newTestPool(t, Config{Workers: 4, QueueSize: 64, Policy: Reject})

	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Job{Run: func(context.Context) error {
			defer wg.Done()
			n.Add(1)
			return nil
		}}))
	}
	wg.Wait()

	assert.Equal(t, int64(50), n.Load())
	require.Eventually(t, func() bool { return p.Stats().Completed == 50 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(50), p.Stats().Submitted)
}

func TestPoolRejectWhenFull(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueSize: 1, Policy: Reject})
	release := blockWorker(t, p)
	defer release()

	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { return nil }}))

	ran := false
	start := time.Now()
	err := p.Submit(Job{Run: func(context.Context) error { ran = true; return nil }})
	assert.ErrorIs(t, err, types.ErrOverloaded)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, int64(1), p.Stats().Rejected)

	release()
	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, ran)
}

func TestPoolDropOldest(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueSize: 2, Policy: DropOldest})
	release := blockWorker(t, p)

	var mu sync.Mutex
	var ran []string
	var dropped []string
	job := func(name string) Job {
		return Job{
			Run: func(context.Context) error {
				mu.Lock()
				ran = append(ran, name)
				mu.Unlock()
				return nil
			},
			OnDrop: func() {
				mu.Lock()
				dropped = append(dropped, name)
				mu.Unlock()
			},
		}
	}

	require.NoError(t, p.Submit(job("a")))
	require.NoError(t, p.Submit(job("b")))
	require.NoError(t, p.Submit(job("c")))

	release()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b", "c"}, ran)
	assert.Equal(t, []string{"a"}, dropped)
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

func TestPoolCallerRuns(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueSize: 1, Policy: CallerRuns})
	release := blockWorker(t, p)
	defer release()

	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { return nil }}))

	ran := false
	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { ran = true; return nil }}))
	assert.True(t, ran, "job should run before Submit returns")
	assert.Equal(t, int64(1), p.Stats().CallerRuns)
}

func TestPoolCallerRunsKeepsKeyOrder(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueSize: 1, Policy: CallerRuns})

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(Job{Key: "c", Run: func(context.Context) error {
		close(started)
		<-release
		record("connect")
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Job{Key: "c", Run: func(context.Context) error {
		record("subscribe")
		return nil
	}}))

	sent := make(chan error, 1)
	go func() {
		sent <- p.Submit(Job{Key: "c", Run: func(context.Context) error {
			record("send")
			return nil
		}})
	}()

	select {
	case <-sent:
		t.Fatal("caller-runs job ran ahead of queued jobs with its key")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("caller-runs job never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connect", "subscribe", "send"}, order)
	assert.Equal(t, int64(1), p.Stats().CallerRuns)
}

func TestPoolCallerRunsWaiterReleasedOnStop(t *testing.T) {
	p := New("test", Config{Workers: 1, QueueSize: 1, Policy: CallerRuns}, nil, zerolog.Nop())
	p.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{Key: "c", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Job{Key: "c", Run: func(context.Context) error { return nil }}))

	sent := make(chan error, 1)
	go func() {
		sent <- p.Submit(Job{Key: "c", Run: func(context.Context) error { return nil }})
	}()
	time.Sleep(20 * time.Millisecond)

	p.Stop()
	select {
	case err := <-sent:
		assert.True(t, err == nil || errors.Is(err, types.ErrClosed), "unexpected error %v", err)
	case <-time.After(time.Second):
		t.Fatal("caller-runs waiter not released by Stop")
	}
	close(release)
}

func TestPoolUrgentBypassesCapacity(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueSize: 1, Policy: Reject})
	release := blockWorker(t, p)

	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { return nil }}))

	done := make(chan struct{})
	require.NoError(t, p.Submit(Job{Urgent: true, Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	assert.Equal(t, 2, p.Len())

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("urgent job did not run")
	}
}

func TestPoolKeyedFIFO(t *testing.T) {
	p := newTestPool(t, Config{Workers: 8, QueueSize: 1024, Policy: Reject})

	var mu sync.Mutex
	order := make(map[string][]int)
	var active sync.Map
	var overlap atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		for _, key := range []string{"A", "B", "C"} {
			i, key := i, key
			wg.Add(1)
			require.NoError(t, p.Submit(Job{Key: key, Run: func(context.Context) error {
				defer wg.Done()
				if _, loaded := active.LoadOrStore(key, true); loaded {
					overlap.Store(true)
				}
				if i%7 == 0 {
					time.Sleep(time.Millisecond)
				}
				mu.Lock()
				order[key] = append(order[key], i)
				mu.Unlock()
				active.Delete(key)
				return nil
			}}))
		}
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "jobs with the same key ran concurrently")
	for key, got := range order {
		require.Len(t, got, 100, key)
		for i, v := range got {
			if !assert.Equal(t, i, v, "key %s out of order", key) {
				break
			}
		}
	}
}

func TestPoolFailuresAndPanics(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2, QueueSize: 8, Policy: Reject})

	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { panic("kaboom") }}))

	require.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { close(done); return nil }}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped working after a panic")
	}
}

func TestPoolObserverTransitions(t *testing.T) {
	p := New("observed", Config{Workers: 1, QueueSize: 4, Policy: Reject}, nil, zerolog.Nop())

	var mu sync.Mutex
	var states []State
	p.Observe(func(_ *Job, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	p.Start()
	t.Cleanup(p.Stop)

	done := make(chan struct{})
	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { close(done); return nil }}))
	<-done

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Queued, InFlight, Completed}, states)
}

func TestPoolObserverMayInspectPool(t *testing.T) {
	p := New("observed", Config{Workers: 1, QueueSize: 4, Policy: Reject}, nil, zerolog.Nop())

	var depths []int
	var mu sync.Mutex
	p.Observe(func(_ *Job, s State) {
		d := p.Len()
		_ = p.Stats()
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	})
	p.Start()
	t.Cleanup(p.Stop)

	submitted := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		submitted <- p.Submit(Job{Run: func(context.Context) error { close(done); return nil }})
	}()

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Submit deadlocked in observer")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(depths) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestPoolStopDiscardsQueued(t *testing.T) {
	p := New("stopping", Config{Workers: 1, QueueSize: 4, Policy: Reject}, nil, zerolog.Nop())
	p.Start()
	release := blockWorker(t, p)

	var dropped atomic.Int64
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Job{
			Run:    func(context.Context) error { return nil },
			OnDrop: func() { dropped.Add(1) },
		}))
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.stopped
	}, time.Second, time.Millisecond)
	release()
	<-stopped

	assert.Equal(t, int64(3), dropped.Load())
	assert.Equal(t, 0, p.Len())

	err := p.Submit(Job{Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, types.ErrClosed)
	p.Stop()
}

func TestPoolContextCancelledOnStop(t *testing.T) {
	p := New("ctx", Config{Workers: 1, QueueSize: 1, Policy: Reject}, nil, zerolog.Nop())
	p.Start()

	started := make(chan struct{})
	var ctxErr atomic.Value
	require.NoError(t, p.Submit(Job{Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		ctxErr.Store(ctx.Err())
		return nil
	}}))
	<-started
	p.Stop()

	assert.ErrorIs(t, ctxErr.Load().(error), context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Workers: 1, QueueSize: 1}.Validate())
	assert.Error(t, Config{Workers: 0, QueueSize: 1}.Validate())
	assert.Error(t, Config{Workers: 1, QueueSize: 0}.Validate())
	assert.Error(t, Config{Workers: 1, QueueSize: 1, Policy: Policy(9)}.Validate())
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"reject":      Reject,
		"caller_runs": CallerRuns,
		"caller-runs": CallerRuns,
		"DROP_OLDEST": DropOldest,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("block")
	assert.Error(t, err)

	var p Policy
	require.NoError(t, p.UnmarshalText([]byte("drop_oldest")))
	assert.Equal(t, DropOldest, p)
	b, err := CallerRuns.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "caller_runs", string(b))
}
