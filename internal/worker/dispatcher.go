package worker

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher fans jobs out to an elastic worker pool. Users take turns:
// each dispatch serves the user at the front of the ready list and then moves
// them to the back, so one busy user cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job

	mu        sync.Mutex
	queues    map[int64]*userQueue
	ready     *list.List // user ids with pending jobs, in service order
	positions map[int64]*list.Element
	closed    bool

	inflight sync.WaitGroup
	quit     chan struct{}
	stopped  chan struct{}
	logger   *slog.Logger
}

// Config sizes the dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		jobQueue:  make(chan Job, cfg.QueueSize),
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		logger:    slog.Default().With("module", "worker"),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.finish)
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// Submit queues fn on behalf of userID. The returned channel is closed once
// fn has returned.
func (d *Dispatcher) Submit(userID int64, fn func()) (<-chan struct{}, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	job := Job{typ: run, UserID: userID, Fn: fn, done: make(chan struct{})}
	d.inflight.Add(1)
	select {
	case d.jobQueue <- job:
		d.mu.Unlock()
		return job.done, nil
	default:
		d.inflight.Done()
		d.mu.Unlock()
		d.logger.Warn("job queue full", "user_id", userID)
		return nil, ErrDispatcherBusy
	}
}

// Shutdown stops intake and waits for queued and running jobs until ctx ends.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(d.quit)
	d.pool.close()
	<-d.stopped
	return err
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	defer d.abandonPending()
	for {
		d.drainIntake()
		// dispatch one job of the user at the front of the ready list
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case <-d.quit:
			return
		default:
		}
	}
}

// drainIntake moves every submitted job into its user's queue.
func (d *Dispatcher) drainIntake() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

// Workers reports the pool size and how many workers are idle.
func (d *Dispatcher) Workers() (running, idle int) {
	return d.pool.size()
}

// abandonPending releases waiters of jobs that will never run.
func (d *Dispatcher) abandonPending() {
	for {
		select {
		case job := <-d.jobQueue:
			d.finish(job)
		default:
			d.mu.Lock()
			for userID, q := range d.queues {
				for _, job := range q.jobs {
					d.finish(job)
				}
				delete(d.queues, userID)
			}
			d.ready.Init()
			d.positions = make(map[int64]*list.Element)
			d.mu.Unlock()
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan, ok := d.pool.acquire()
	if !ok {
		d.finish(job)
		return true
	}
	d.logger.Debug("assign job", "user_id", userID, "worker", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// finish marks job as completed; it runs on the worker goroutine.
func (d *Dispatcher) finish(job Job) {
	close(job.done)
	d.inflight.Done()
}
