// Package pipeline implements the bounded worker pools that carry inbound
// frames and outbound deliveries.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestra-mcp/broker/src/types"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

// Config sizes a pool.
type Config struct {
	Workers   int    `json:"workers"`
	QueueSize int    `json:"queue_size"`
	Policy    Policy `json:"policy"`
}

// Validate rejects non-positive sizes.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.Policy < Reject || c.Policy > DropOldest {
		return fmt.Errorf("unknown overload policy %d", int(c.Policy))
	}
	return nil
}

// Job is a unit of work.
type Job struct {
	// Key serializes jobs: jobs sharing a non-empty key run one at a time
	// in submission order.
	Key string
	// Urgent jobs are admitted even when the queue is full.
	Urgent bool
	Run    func(ctx context.Context) error
	// OnDrop is called when the job is discarded without running.
	OnDrop func()
}

// Observer is told about every state transition of every job. It runs
// without the pool lock held, so it may call Len or Stats. A worker that is
// already awake can report InFlight before the submitter reports Queued.
type Observer func(job *Job, state State)

// Pool is a bounded queue served by a fixed set of workers.
type Pool struct {
	name     string
	cfg      Config
	logger   zerolog.Logger
	metrics  *poolMetrics
	observer Observer

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Job
	normal  int // queued jobs that count against capacity
	busy    map[string]struct{}
	waiting int // caller-runs submitters parked on cond
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. Counters are registered on reg under name; a nil reg
// gets a private registry.
func New(name string, cfg Config, reg gometrics.Registry, logger zerolog.Logger) *Pool {
	if reg == nil {
		reg = gometrics.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		cfg:     cfg,
		logger:  logger.With().Str("component", "pipeline").Str("pipeline", name).Logger(),
		metrics: newPoolMetrics(name, reg),
		busy:    make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Observe installs an observer. Call before Start.
func (p *Pool) Observe(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Debug().
		Int("workers", p.cfg.Workers).
		Int("queue_size", p.cfg.QueueSize).
		Str("policy", p.cfg.Policy.String()).
		Msg("pipeline started")
}

// Submit queues a job, applying the overload policy when the queue is full.
// Under Reject it returns ErrOverloaded without blocking; under CallerRuns
// it blocks while the job runs on the calling goroutine, after any earlier
// job with the same key.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("pipeline %s: job without Run", p.name)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("%w: pipeline %s", types.ErrClosed, p.name)
	}

	var evicted *Job
	if !job.Urgent && p.normal >= p.cfg.QueueSize {
		switch p.cfg.Policy {
		case CallerRuns:
			return p.callerRun(&job)
		case DropOldest:
			evicted = p.evictOldest()
		default:
			p.mu.Unlock()
			p.metrics.rejected.Inc(1)
			return fmt.Errorf("%w: %s queue full (%d)", types.ErrOverloaded, p.name, p.cfg.QueueSize)
		}
	}

	j := job
	p.queue = append(p.queue, &j)
	if !j.Urgent {
		p.normal++
	}
	p.metrics.submitted.Inc(1)
	p.metrics.depth.Update(int64(len(p.queue)))
	broadcast := p.waiting > 0
	p.mu.Unlock()

	p.notify(&j, Queued)
	if broadcast {
		p.cond.Broadcast()
	} else {
		p.cond.Signal()
	}
	if evicted != nil {
		p.drop(evicted)
		p.logger.Warn().Str("key", evicted.Key).Msg("queue full, dropped oldest job")
	}
	return nil
}

// callerRun runs job on the calling goroutine. A keyed job first waits
// until no job with its key is queued or in flight, so the key's FIFO order
// holds. Called with mu held; returns with it released.
func (p *Pool) callerRun(job *Job) error {
	if job.Key != "" {
		p.waiting++
		for !p.stopped && p.keyPending(job.Key) {
			p.cond.Wait()
		}
		p.waiting--
		if p.stopped {
			p.mu.Unlock()
			return fmt.Errorf("%w: pipeline %s", types.ErrClosed, p.name)
		}
		p.busy[job.Key] = struct{}{}
	}
	p.mu.Unlock()

	p.metrics.callerRuns.Inc(1)
	p.metrics.submitted.Inc(1)
	p.execute(job)

	if job.Key != "" {
		p.mu.Lock()
		delete(p.busy, job.Key)
		p.cond.Broadcast()
		p.mu.Unlock()
	}
	return nil
}

// keyPending reports whether a job with key is in flight or queued. Must hold mu.
func (p *Pool) keyPending(key string) bool {
	if _, busy := p.busy[key]; busy {
		return true
	}
	for _, j := range p.queue {
		if j.Key == key {
			return true
		}
	}
	return false
}

// Stop stops the workers after their current job and discards queued jobs.
// It is safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancel()
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	rest := p.queue
	p.queue = nil
	p.normal = 0
	p.metrics.depth.Update(0)
	p.mu.Unlock()

	for _, j := range rest {
		p.drop(j)
	}
	p.logger.Debug().Int("discarded", len(rest)).Msg("pipeline stopped")
}

// Len returns the number of queued jobs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.name,
		Workers:    p.cfg.Workers,
		Capacity:   p.cfg.QueueSize,
		Policy:     p.cfg.Policy.String(),
		Depth:      int64(p.Len()),
		InFlight:   p.metrics.inFlight.Count(),
		Submitted:  p.metrics.submitted.Count(),
		Completed:  p.metrics.completed.Count(),
		Failed:     p.metrics.failed.Count(),
		Dropped:    p.metrics.dropped.Count(),
		Rejected:   p.metrics.rejected.Count(),
		CallerRuns: p.metrics.callerRuns.Count(),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		var job *Job
		for !p.stopped {
			if job = p.take(); job != nil {
				break
			}
			p.cond.Wait()
		}
		if job == nil {
			p.mu.Unlock()
			return
		}
		if job.Key != "" {
			p.busy[job.Key] = struct{}{}
		}
		p.metrics.depth.Update(int64(len(p.queue)))
		p.mu.Unlock()

		p.execute(job)

		if job.Key != "" {
			p.mu.Lock()
			delete(p.busy, job.Key)
			p.cond.Broadcast()
			p.mu.Unlock()
		}
	}
}

// take removes the first job whose key is not in flight. Must hold mu.
func (p *Pool) take() *Job {
	for i, j := range p.queue {
		if j.Key != "" {
			if _, busy := p.busy[j.Key]; busy {
				continue
			}
		}
		p.removeAt(i)
		return j
	}
	return nil
}

// evictOldest removes the oldest non-urgent job. Must hold mu.
func (p *Pool) evictOldest() *Job {
	for i, j := range p.queue {
		if !j.Urgent {
			p.removeAt(i)
			return j
		}
	}
	return nil
}

func (p *Pool) removeAt(i int) {
	j := p.queue[i]
	copy(p.queue[i:], p.queue[i+1:])
	p.queue[len(p.queue)-1] = nil
	p.queue = p.queue[:len(p.queue)-1]
	if !j.Urgent {
		p.normal--
	}
}

func (p *Pool) execute(job *Job) {
	p.metrics.inFlight.Inc(1)
	p.notify(job, InFlight)

	err := p.run(job)

	p.metrics.inFlight.Dec(1)
	if err != nil {
		p.metrics.failed.Inc(1)
		p.notify(job, Failed)
		p.logger.Debug().Err(err).Str("key", job.Key).Msg("job failed")
		return
	}
	p.metrics.completed.Inc(1)
	p.notify(job, Completed)
}

func (p *Pool) run(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline %s: job panicked: %v", p.name, r)
			p.logger.Error().Str("key", job.Key).Interface("panic", r).Msg("job panicked")
		}
	}()
	return job.Run(p.ctx)
}

func (p *Pool) drop(job *Job) {
	p.metrics.dropped.Inc(1)
	p.notify(job, Dropped)
	if job.OnDrop != nil {
		job.OnDrop()
	}
}

func (p *Pool) notify(job *Job, s State) {
	if p.observer != nil {
		p.observer(job, s)
	}
}
