// Package maintenance drives descriptor housekeeping and runs reindex tasks
// in the background.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arkilian/indexkeeper/internal/descriptor"
	"github.com/arkilian/indexkeeper/internal/lock"
	"github.com/arkilian/indexkeeper/internal/naming"
	"github.com/arkilian/indexkeeper/internal/queue"
	"github.com/arkilian/indexkeeper/internal/reindex"
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexkeeper_maintenance_passes_total",
		Help: "Descriptor maintenance passes by result.",
	}, []string{"result"})
	tasksEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_maintenance_tasks_enqueued_total",
		Help: "Reindex tasks handed to the queue.",
	})
	tasksThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexkeeper_maintenance_tasks_throttled_total",
		Help: "Reindex tasks not enqueued because their lock was held.",
	})
	workerTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexkeeper_maintenance_worker_tasks_total",
		Help: "Dequeued reindex tasks by result.",
	}, []string{"result"})
)

// Config holds configuration for the maintenance daemon.
type Config struct {
	// CheckInterval is how often every descriptor is maintained (default: 1m).
	CheckInterval time.Duration

	// ExpirationInterval is how often maintenance also deletes expired
	// partitions (default: 1h).
	ExpirationInterval time.Duration

	// Workers is the number of concurrent reindex workers (default: 2).
	Workers int

	// LockTTL is how long an enqueued task identity stays locked against
	// re-enqueueing (default: 5m).
	LockTTL time.Duration

	// PollInterval is how long an idle worker waits before polling the
	// queue again (default: 1s).
	PollInterval time.Duration

	// LeaseRenewInterval is the minimum time between lease renewals of a
	// running task; keep it well below the queue lease (default: 1m).
	LeaseRenewInterval time.Duration
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      time.Minute,
		ExpirationInterval: time.Hour,
		Workers:            2,
		LockTTL:            5 * time.Minute,
		PollInterval:       time.Second,
		LeaseRenewInterval: time.Minute,
	}
}

// Progress is the last reported state of a running task.
type Progress struct {
	ID        string       `json:"id"`
	Task      reindex.Task `json:"task"`
	Percent   int          `json:"percent"`
	Message   string       `json:"message,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// Result summarizes one scheduling pass.
type Result struct {
	Maintained []string
	Enqueued   []string
	Throttled  int
	Errors     []error
}

// Daemon runs periodic maintenance over a registry and executes the reindex
// tasks it schedules.
type Daemon struct {
	config   Config
	registry *descriptor.Registry
	queue    queue.Queue
	locker   lock.Locker
	now      func() time.Time

	stateMu        sync.Mutex
	lastExpiration time.Time
	active         map[string]*Progress

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDaemon creates a maintenance daemon.
func NewDaemon(config Config, registry *descriptor.Registry, q queue.Queue, locker lock.Locker) *Daemon {
	d := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = d.CheckInterval
	}
	if config.ExpirationInterval <= 0 {
		config.ExpirationInterval = d.ExpirationInterval
	}
	if config.Workers <= 0 {
		config.Workers = d.Workers
	}
	if config.LockTTL <= 0 {
		config.LockTTL = d.LockTTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.LeaseRenewInterval <= 0 {
		config.LeaseRenewInterval = d.LeaseRenewInterval
	}
	return &Daemon{
		config:   config,
		registry: registry,
		queue:    q,
		locker:   locker,
		now:      time.Now,
		active:   make(map[string]*Progress),
	}
}

// Start begins the scheduling loop and the worker pool. They run until the
// context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("maintenance: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.schedule(ctx)
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
	log.Printf("maintenance: started (interval=%s, workers=%d)", d.config.CheckInterval, d.config.Workers)
	return nil
}

// Stop cancels the loops and waits for running tasks to return. Interrupted
// tasks resume from their checkpoint when delivered again.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.cancel()
	d.wg.Wait()
	d.running = false
	log.Printf("maintenance: stopped")
	return nil
}

func (d *Daemon) schedule(ctx context.Context) {
	defer d.wg.Done()

	// Run immediately on start
	d.RunOnce(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce maintains every descriptor and enqueues their pending reindex
// tasks. Expired partitions are deleted when ExpirationInterval has passed
// since the last pass that did so. Failures of one descriptor do not stop
// the others.
func (d *Daemon) RunOnce(ctx context.Context) Result {
	var res Result
	includeOptional := d.expirationDue()

	for _, ix := range d.registry.All() {
		if ctx.Err() != nil {
			return res
		}
		if err := ix.Maintain(ctx, includeOptional); err != nil {
			log.Printf("maintenance: failed to maintain %s: %v", ix.Name(), err)
			passesTotal.WithLabelValues("error").Inc()
			res.Errors = append(res.Errors, err)
			continue
		}
		passesTotal.WithLabelValues("ok").Inc()
		res.Maintained = append(res.Maintained, ix.Name())

		ids, throttled, err := d.Schedule(ctx, ix)
		res.Enqueued = append(res.Enqueued, ids...)
		res.Throttled += throttled
		if err != nil {
			log.Printf("maintenance: failed to schedule reindex of %s: %v", ix.Name(), err)
			res.Errors = append(res.Errors, err)
		}
	}

	if len(res.Enqueued) > 0 || len(res.Errors) > 0 {
		log.Printf("maintenance: pass complete (maintained=%d, enqueued=%d, throttled=%d, errors=%d, expiration=%t)",
			len(res.Maintained), len(res.Enqueued), res.Throttled, len(res.Errors), includeOptional)
	}
	return res
}

func (d *Daemon) expirationDue() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	now := d.now()
	if d.lastExpiration.IsZero() || now.Sub(d.lastExpiration) >= d.config.ExpirationInterval {
		d.lastExpiration = now
		return true
	}
	return false
}

// Schedule enqueues the pending reindex tasks of ix. A task is only
// enqueued when its identity lock can be taken; the lock is left to expire
// so the same migration is not re-enqueued within LockTTL.
func (d *Daemon) Schedule(ctx context.Context, ix *descriptor.Index) (ids []string, throttled int, err error) {
	tasks, err := ix.PendingTasks(ctx)
	if err != nil {
		return nil, 0, err
	}
	for _, task := range tasks {
		ok, err := d.locker.TryAcquire(ctx, lock.TaskKey(task.Identity()), d.config.LockTTL)
		if err != nil {
			return ids, throttled, err
		}
		if !ok {
			throttled++
			tasksThrottledTotal.Inc()
			continue
		}
		id, err := d.queue.Enqueue(ctx, task)
		if err != nil {
			// Let the next pass retry instead of waiting out the lock.
			if rerr := d.locker.Release(ctx, lock.TaskKey(task.Identity())); rerr != nil {
				log.Printf("maintenance: failed to release lock for %s: %v", task, rerr)
			}
			return ids, throttled, err
		}
		tasksEnqueuedTotal.Inc()
		log.Printf("maintenance: enqueued %s as %s", task, id)
		ids = append(ids, id)
	}
	return ids, throttled, nil
}

func (d *Daemon) work(ctx context.Context, n int) {
	defer d.wg.Done()
	for {
		processed, err := d.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("maintenance: worker %d: %v", n, err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.config.PollInterval):
		}
	}
}

// ProcessNext runs the next queued task, if any. It reports whether a task
// was dequeued; the error is the task's failure.
func (d *Daemon) ProcessNext(ctx context.Context) (bool, error) {
	item, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	// Queue bookkeeping outlives a cancelled run.
	bg := context.WithoutCancel(ctx)
	if err := d.run(ctx, item); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			// The task belongs to whichever worker holds it now.
			workerTasksTotal.WithLabelValues("lease_lost").Inc()
			return true, fmt.Errorf("task %s (%s) abandoned: %w", item.ID, item.Task, err)
		}
		workerTasksTotal.WithLabelValues("failed").Inc()
		if ferr := d.queue.Fail(bg, item.ID, err); ferr != nil {
			log.Printf("maintenance: failed to record failure of %s: %v", item.ID, ferr)
		}
		return true, fmt.Errorf("task %s (%s) failed: %w", item.ID, item.Task, err)
	}
	workerTasksTotal.WithLabelValues("done").Inc()
	return true, d.queue.Complete(bg, item.ID)
}

func (d *Daemon) run(ctx context.Context, item *queue.Item) error {
	logical, ok := naming.LogicalName(item.Task.DestIndex)
	if !ok {
		return fmt.Errorf("destination %s is not a managed index", item.Task.DestIndex)
	}
	ix, ok := d.registry.Get(logical)
	if !ok {
		return fmt.Errorf("no descriptor registered for %s", logical)
	}

	p := &Progress{ID: item.ID, Task: item.Task, StartedAt: d.now()}
	d.stateMu.Lock()
	d.active[item.ID] = p
	d.stateMu.Unlock()
	defer func() {
		d.stateMu.Lock()
		delete(d.active, item.ID)
		d.stateMu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var leaseErr error
	lastRenewal := d.now()

	log.Printf("maintenance: running %s (attempt %d)", item.Task, item.Attempts)
	lastLogged := -10
	err := ix.Run(runCtx, item.Task, func(percent int, message *string) {
		if now := d.now(); leaseErr == nil && now.Sub(lastRenewal) >= d.config.LeaseRenewInterval {
			lastRenewal = now
			if err := d.queue.Extend(context.WithoutCancel(ctx), item.ID, item.Attempts); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					leaseErr = err
					cancel()
				} else {
					log.Printf("maintenance: failed to renew lease of %s: %v", item.ID, err)
				}
			}
		}

		d.stateMu.Lock()
		p.Percent = percent
		if message != nil {
			p.Message = *message
		}
		d.stateMu.Unlock()
		if message != nil || percent/10 != lastLogged/10 {
			lastLogged = percent
			if message != nil {
				log.Printf("maintenance: %s %d%% %s", item.Task.DestIndex, percent, *message)
			} else {
				log.Printf("maintenance: %s %d%%", item.Task.DestIndex, percent)
			}
		}
	})
	if leaseErr != nil {
		log.Printf("maintenance: lost lease of %s, stopping", item.Task)
		return leaseErr
	}
	if err != nil && errors.Is(err, context.Canceled) {
		log.Printf("maintenance: %s interrupted, will resume from checkpoint", item.Task)
	}
	return err
}

// Active returns the tasks currently running on this daemon's workers.
func (d *Daemon) Active() []Progress {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	out := make([]Progress, 0, len(d.active))
	for _, p := range d.active {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Queue returns the queue the daemon feeds.
func (d *Daemon) Queue() queue.Queue { return d.queue }
