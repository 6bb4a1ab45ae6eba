package rangedeleter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/pkg/statistics"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// OwnershipSource returns the authoritative range map of a namespace.
type OwnershipSource interface {
	GetRangeMap(ctx context.Context, namespace string) (*kr.RangeMap, error)
}

// ReaderFence lets the queue wait until no read can still see a range.
type ReaderFence interface {
	EnsureVersion(ctx context.Context, namespace string, v kr.Version) error
	WaitForReaders(ctx context.Context, namespace string, v kr.Version) error
}

// Storage is the physical document storage of the shard.
type Storage interface {
	HasDocuments(namespace string, b kr.Bounds) (bool, error)
	DeleteBatch(namespace string, b kr.Bounds, limit int) (int, error)
}

type Config struct {
	Workers            int
	BatchSize          int
	BatchDelay         time.Duration
	OrphanCleanupDelay time.Duration
	RetryDelay         time.Duration
}

func (c *Config) withDefaults() Config {
	res := *c
	if res.Workers <= 0 {
		res.Workers = 1
	}
	if res.BatchSize <= 0 {
		res.BatchSize = 128
	}
	if res.RetryDelay <= 0 {
		res.RetryDelay = time.Second
	}
	return res
}

// Queue is the durable range deletion queue of one shard.
type Queue struct {
	shardID string
	cfg     Config
	store   *taskStore
	source  OwnershipSource
	fence   ReaderFence
	storage Storage
	clock   clockwork.Clock

	mu sync.Mutex
	// closed and replaced on every change workers or waiters care about
	changed chan struct{}
	claimed map[string]struct{}

	// serializes the duplicate check with the insert
	enqueueMu sync.Mutex

	suspended atomic.Bool
	deleted   atomic.Int64

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Open opens the task table in dir, or in memory when dir is empty.
// Tasks interrupted by a restart start over from pending.
func Open(dir string, shardID string, cfg Config, source OwnershipSource, fence ReaderFence, storage Storage, clock clockwork.Clock) (*Queue, error) {
	store, err := openTaskStore(dir, shardID)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		shardID: shardID,
		cfg:     cfg.withDefaults(),
		store:   store,
		source:  source,
		fence:   fence,
		storage: storage,
		clock:   clock,
		changed: make(chan struct{}),
		claimed: map[string]struct{}{},
	}

	tasks, err := store.list()
	if err != nil {
		_ = store.close()
		return nil, err
	}
	for _, t := range tasks {
		switch t.State {
		case TaskDone:
			if err := store.remove(t.ID); err != nil {
				_ = store.close()
				return nil, err
			}
			continue
		case TaskWaitingForReaders, TaskDeleting:
			rklog.Zero.Info().
				Str("shard", shardID).
				Str("task", t.ID).
				Str("state", string(t.State)).
				Msg("rangedeleter: resetting interrupted task to pending")
			if _, err := store.update(t.ID, func(t *Task) error {
				t.State = TaskPending
				return nil
			}); err != nil {
				_ = store.close()
				return nil, err
			}
		}
		statistics.RangeDeletionTaskQueued()
	}
	return q, nil
}

func (q *Queue) ShardID() string {
	return q.shardID
}

// Close stops the workers and closes the task table.
func (q *Queue) Close() error {
	q.Stop()
	return q.store.close()
}

// DeletedDocuments is the number of documents removed since Open.
func (q *Queue) DeletedDocuments() int64 {
	return q.deleted.Load()
}

func (q *Queue) notify() {
	q.mu.Lock()
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()
}

func (q *Queue) changedCh() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Enqueue durably records t. An identical task already in the queue is
// returned instead of adding a second one.
func (q *Queue) Enqueue(ctx context.Context, t Task) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	t.ShardID = q.shardID
	tasks, err := q.store.list()
	if err != nil {
		return nil, err
	}
	for _, existing := range tasks {
		if existing.sameWork(&t) {
			rklog.Zero.Debug().
				Str("shard", q.shardID).
				Str("task", existing.ID).
				Msg("rangedeleter: identical task already queued")
			return existing, nil
		}
	}

	now := q.clock.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.State = TaskPending
	t.CreatedAt = now
	if !t.Provisional && t.WhenToClean.IsZero() {
		t.WhenToClean = now.Add(q.cfg.OrphanCleanupDelay)
	}
	if err := q.store.put(&t); err != nil {
		return nil, err
	}
	statistics.RangeDeletionTaskQueued()

	rklog.Zero.Info().
		Str("shard", q.shardID).
		Str("task", t.ID).
		Str("namespace", t.Namespace).
		Str("range", t.Range.String()).
		Str("version", t.Version.String()).
		Bool("provisional", t.Provisional).
		Msg("rangedeleter: task enqueued")
	q.notify()
	return &t, nil
}

// Activate makes a provisional task eligible for processing. Without
// immediate the orphan cleanup delay applies.
func (q *Queue) Activate(ctx context.Context, id string, v kr.Version, immediate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.clock.Now()
	t, err := q.store.update(id, func(t *Task) error {
		t.Provisional = false
		t.Version = v
		t.WhenToClean = now
		if !immediate {
			t.WhenToClean = now.Add(q.cfg.OrphanCleanupDelay)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rklog.Zero.Info().
		Str("shard", q.shardID).
		Str("task", id).
		Str("range", t.Range.String()).
		Time("when", t.WhenToClean).
		Msg("rangedeleter: task activated")
	q.notify()
	return nil
}

// Remove drops a task that is no longer needed. Removing an unknown
// task is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := q.store.get(id); err != nil {
		if rkerror.Is(err, rkerror.RK_TASK_NOT_FOUND) {
			return nil
		}
		return err
	}
	if err := q.store.remove(id); err != nil {
		return err
	}
	statistics.RangeDeletionTaskFinished()
	rklog.Zero.Debug().Str("shard", q.shardID).Str("task", id).Msg("rangedeleter: task removed")
	q.notify()
	return nil
}

func (q *Queue) Get(id string) (*Task, error) {
	return q.store.get(id)
}

// List returns all tasks ordered by creation time.
func (q *Queue) List() ([]*Task, error) {
	tasks, err := q.store.list()
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ResolveProvisional settles provisional tasks left by a crash: a task
// whose shard still owns the whole range is dropped, a task whose shard
// owns none of it is activated.
func (q *Queue) ResolveProvisional(ctx context.Context) error {
	tasks, err := q.store.list()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !t.Provisional {
			continue
		}
		m, err := q.source.GetRangeMap(ctx, t.Namespace)
		if err != nil {
			if rkerror.Is(err, rkerror.RK_NAMESPACE_NOT_FOUND) {
				if err := q.Remove(ctx, t.ID); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if err := q.settle(ctx, t, m, false); err != nil {
			return err
		}
	}
	return nil
}

// settle drops a provisional task whose range the shard still owns and
// activates one whose range it owns none of. Partially owned ranges stay
// provisional.
func (q *Queue) settle(ctx context.Context, t *Task, m *kr.RangeMap, immediate bool) error {
	owned, total := ownedCount(m, t.Range, q.shardID)
	switch {
	case owned == total:
		rklog.Zero.Info().Str("shard", q.shardID).Str("task", t.ID).Msg("rangedeleter: provisional task not needed, range still owned")
		return q.Remove(ctx, t.ID)
	case owned == 0:
		rklog.Zero.Info().Str("shard", q.shardID).Str("task", t.ID).Msg("rangedeleter: provisional task activated, range not owned")
		return q.Activate(ctx, t.ID, m.Version(), immediate)
	default:
		rklog.Zero.Warn().
			Str("shard", q.shardID).
			Str("task", t.ID).
			Str("range", t.Range.String()).
			Msg("rangedeleter: provisional task range is partially owned, leaving it provisional")
		return nil
	}
}

func ownedCount(m *kr.RangeMap, b kr.Bounds, shardID string) (int, int) {
	over := m.Overlapping(b)
	owned := 0
	for _, r := range over {
		if r.ShardID == shardID {
			owned++
		}
	}
	return owned, len(over)
}

// Suspend pauses deletion before the next batch. Tasks stay queued.
func (q *Queue) Suspend() {
	q.suspended.Store(true)
	rklog.Zero.Info().Str("shard", q.shardID).Msg("rangedeleter: suspended")
}

func (q *Queue) Resume() {
	q.suspended.Store(false)
	rklog.Zero.Info().Str("shard", q.shardID).Msg("rangedeleter: resumed")
	q.notify()
}

// Start launches the worker pool. Stop waits for it to exit.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	q.cancel = cancel
	q.eg = eg
	for i := 0; i < q.cfg.Workers; i++ {
		worker := i
		eg.Go(func() error {
			return q.run(ctx, worker)
		})
	}
}

func (q *Queue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	_ = q.eg.Wait()
	q.cancel = nil
}

func (q *Queue) run(ctx context.Context, worker int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		changed := q.changedCh()
		t, wait, err := q.claimNext()
		if err != nil {
			rklog.Zero.Error().Err(err).Str("shard", q.shardID).Msg("rangedeleter: failed to list tasks")
			wait = q.cfg.RetryDelay
		}
		if t != nil {
			rklog.Zero.Debug().Str("shard", q.shardID).Int("worker", worker).Str("task", t.ID).Msg("rangedeleter: task claimed")
			q.process(ctx, t)
			q.unclaim(t.ID)
			if ctx.Err() != nil {
				rklog.Zero.Debug().Str("shard", q.shardID).Int("worker", worker).Msg("rangedeleter: worker stopped")
				return nil
			}
			continue
		}

		var timer <-chan time.Time
		if wait > 0 {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-timer:
		}
	}
}

// claimNext picks the eligible task with the earliest WhenToClean. When
// nothing is eligible it returns how long until the next task becomes so.
func (q *Queue) claimNext() (*Task, time.Duration, error) {
	if q.suspended.Load() {
		return nil, 0, nil
	}
	tasks, err := q.store.list()
	if err != nil {
		return nil, 0, err
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Task
	var wait time.Duration
	for _, t := range tasks {
		if t.Provisional {
			continue
		}
		if _, ok := q.claimed[t.ID]; ok {
			continue
		}
		if t.WhenToClean.After(now) {
			if d := t.WhenToClean.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		if best == nil || t.WhenToClean.Before(best.WhenToClean) {
			best = t
		}
	}
	if best != nil {
		q.claimed[best.ID] = struct{}{}
	}
	return best, wait, nil
}

func (q *Queue) unclaim(id string) {
	q.mu.Lock()
	delete(q.claimed, id)
	q.mu.Unlock()
}

func (q *Queue) setState(t *Task, state TaskState) error {
	updated, err := q.store.update(t.ID, func(t *Task) error {
		t.State = state
		return nil
	})
	if err != nil {
		return err
	}
	*t = *updated
	return nil
}

// process runs one claimed task. A task interrupted by shutdown keeps its
// persisted state and is picked up again after a restart.
func (q *Queue) process(ctx context.Context, t *Task) {
	if err := q.processTask(ctx, t); err != nil {
		if ctx.Err() != nil {
			rklog.Zero.Info().
				Str("shard", q.shardID).
				Str("task", t.ID).
				Str("state", string(t.State)).
				Msg("rangedeleter: task interrupted")
			return
		}
		if rkerror.Is(err, rkerror.RK_TASK_NOT_FOUND) {
			return
		}
		rklog.Zero.Error().
			Err(err).
			Str("shard", q.shardID).
			Str("task", t.ID).
			Msg("rangedeleter: task failed, retrying later")
		retryAt := q.clock.Now().Add(q.cfg.RetryDelay)
		if _, err := q.store.update(t.ID, func(t *Task) error {
			if t.WhenToClean.Before(retryAt) {
				t.WhenToClean = retryAt
			}
			return nil
		}); err != nil && !rkerror.Is(err, rkerror.RK_TASK_NOT_FOUND) {
			rklog.Zero.Error().Err(err).Str("task", t.ID).Msg("rangedeleter: failed to reschedule task")
		}
	}
}

func (q *Queue) processTask(ctx context.Context, t *Task) error {
	if t.State == TaskPending {
		if err := q.setState(t, TaskWaitingForReaders); err != nil {
			return err
		}
	}
	if t.State == TaskWaitingForReaders {
		if err := q.fence.EnsureVersion(ctx, t.Namespace, t.Version); err != nil {
			return err
		}
		if err := q.fence.WaitForReaders(ctx, t.Namespace, t.Version); err != nil {
			return err
		}
		if err := q.setState(t, TaskDeleting); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.suspended.Load() {
			rklog.Zero.Debug().Str("shard", q.shardID).Str("task", t.ID).Msg("rangedeleter: suspended, task postponed")
			return nil
		}
		m, err := q.source.GetRangeMap(ctx, t.Namespace)
		if err != nil {
			return err
		}
		if owned, _ := ownedCount(m, t.Range, q.shardID); owned > 0 {
			rklog.Zero.Warn().
				Str("shard", q.shardID).
				Str("task", t.ID).
				Str("range", t.Range.String()).
				Msg("rangedeleter: range is owned by this shard again, dropping task")
			return q.finish(t)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := q.storage.DeleteBatch(t.Namespace, t.Range, q.cfg.BatchSize)
		if err != nil {
			return err
		}
		q.deleted.Add(int64(n))
		statistics.RecordDeletedDocuments(n)
		if n < q.cfg.BatchSize {
			return q.finish(t)
		}

		if q.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.clock.After(q.cfg.BatchDelay):
			}
		}
	}
}

func (q *Queue) finish(t *Task) error {
	if err := q.setState(t, TaskDone); err != nil {
		return err
	}
	if err := q.store.remove(t.ID); err != nil {
		return err
	}
	statistics.RangeDeletionTaskFinished()
	rklog.Zero.Info().
		Str("shard", q.shardID).
		Str("task", t.ID).
		Str("namespace", t.Namespace).
		Str("range", t.Range.String()).
		Msg("rangedeleter: task done")
	q.notify()
	return nil
}
