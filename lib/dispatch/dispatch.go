package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/fiffu/feedrelay/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Task is one unit of queued work. Tasks must be safe to run more than once;
// the dispatcher retries them on failure.
type Task func(ctx context.Context) error

// DeadLetterFunc receives tasks whose retry budget is exhausted.
type DeadLetterFunc func(name string, err error)

type job struct {
	name    string
	retries int
	task    Task
}

// Dispatcher runs queued tasks on a bounded worker pool. With zero workers it
// degrades to synchronous execution through the same retry loop, so callers
// see identical semantics either way.
type Dispatcher struct {
	log         *zap.Logger
	workers     int
	taskTimeout time.Duration

	mu         sync.Mutex
	deadLetter DeadLetterFunc

	jobs   chan job
	wg     sync.WaitGroup
	cancel func()
}

func NewDispatcher(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) *Dispatcher {
	d := New(log, cfg.DispatchWorkers)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Stop()
			return nil
		},
	})

	return d
}

func New(log *zap.Logger, workers int) *Dispatcher {
	return &Dispatcher{
		log:         log,
		workers:     workers,
		taskTimeout: 30 * time.Second,
		jobs:        make(chan job, 256),
		deadLetter: func(name string, err error) {
			log.Sugar().Errorw("Task dead-lettered", "task", name, "err", err)
		},
	}
}

// SetDeadLetter replaces the default log-only dead letter handler.
func (d *Dispatcher) SetDeadLetter(fn DeadLetterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	base := d.deadLetter
	d.deadLetter = func(name string, err error) {
		base(name, err)
		fn(name, err)
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case j := <-d.jobs:
					d.run(ctx, j)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	d.log.Sugar().Infof("Dispatcher started with %d workers", d.workers)
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.log.Sugar().Info("Dispatcher stopped")
}

// Enqueue schedules task with the given retry budget. retries counts the
// attempts after the first one; retries=2 means up to 3 executions.
func (d *Dispatcher) Enqueue(name string, retries int, task Task) {
	j := job{name, retries, task}
	if d.workers == 0 {
		d.run(context.Background(), j)
		return
	}

	select {
	case d.jobs <- j:
	default:
		// Queue full; run inline rather than dropping the task.
		d.log.Sugar().Warnw("Dispatcher queue full, running task inline", "task", j.name)
		d.run(context.Background(), j)
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	var err error
	for attempt := 0; ; attempt++ {
		err = d.attempt(ctx, j)
		if err == nil {
			return
		}

		if j.retries <= 0 {
			break
		}
		j.retries--
		d.log.Sugar().Warnw("Task failed, retrying", "task", j.name, "attempt", attempt, "err", err)
	}

	d.mu.Lock()
	dead := d.deadLetter
	d.mu.Unlock()
	dead(j.name, err)
}

func (d *Dispatcher) attempt(ctx context.Context, j job) error {
	ctx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()
	return j.task(ctx)
}
