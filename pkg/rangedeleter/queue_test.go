package rangedeleter_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pg-sharding/rangekeeper/pkg/docstore"
	"github.com/pg-sharding/rangekeeper/pkg/meta"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/models/shardkey"
	"github.com/pg-sharding/rangekeeper/pkg/rangedeleter"
	"github.com/pg-sharding/rangekeeper/qdb"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

const ns = "db.coll"

func i64(v int64) kr.Key {
	return kr.KeyFromInt64(v)
}

var moved = kr.NewBounds(i64(0), i64(100))

type fakeFence struct {
	mu      sync.Mutex
	ensured []kr.Version
	block   chan struct{}
}

func (f *fakeFence) EnsureVersion(_ context.Context, _ string, v kr.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, v)
	return nil
}

func (f *fakeFence) WaitForReaders(ctx context.Context, _ string, _ kr.Version) error {
	if f.block == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.block:
		return nil
	}
}

func (f *fakeFence) ensuredVersions() []kr.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kr.Version(nil), f.ensured...)
}

type env struct {
	meta  *meta.Store
	docs  *docstore.Store
	fence *fakeFence
}

// prepareEnv shards ns over [MinKey, 0) [0, 100) [100, MaxKey) on A and
// moves [0, 100) to B. The documents of [0, 100) stay on A.
func prepareEnv(t *testing.T) *env {
	ctx := context.Background()
	db, err := qdb.NewMemQDB("")
	assert.NoError(t, err)
	store := meta.NewStore(db, clockwork.NewRealClock())
	for _, id := range []string{"A", "B"} {
		assert.NoError(t, store.AddShard(ctx, id, nil))
	}
	pattern, err := shardkey.NewPattern("x", "")
	assert.NoError(t, err)
	m, err := store.ShardCollection(ctx, ns, pattern, "A", i64(0), i64(100))
	assert.NoError(t, err)
	_, err = store.CommitMigration(ctx, ns, moved, "A", "B", m.Version())
	assert.NoError(t, err)

	docs, err := docstore.OpenInMemory()
	assert.NoError(t, err)
	t.Cleanup(func() { _ = docs.Close() })
	for i := int64(-20); i < 120; i += 2 {
		body, err := bson.Marshal(bson.D{{Key: "_id", Value: fmt.Sprint(i)}, {Key: "x", Value: i}})
		assert.NoError(t, err)
		assert.NoError(t, docs.Put(ns, docstore.Document{ID: fmt.Sprint(i), Key: i64(i), Body: body}))
	}
	return &env{meta: store, docs: docs, fence: &fakeFence{}}
}

func (e *env) open(t *testing.T, dir string, cfg rangedeleter.Config, clock clockwork.Clock) *rangedeleter.Queue {
	q, err := rangedeleter.Open(dir, "A", cfg, e.meta, e.fence, e.docs, clock)
	assert.NoError(t, err)
	return q
}

func (e *env) count(t *testing.T, b kr.Bounds) int {
	n, err := e.docs.Count(context.Background(), ns, b)
	assert.NoError(t, err)
	return n
}

func (e *env) version(t *testing.T) kr.Version {
	m, err := e.meta.GetRangeMap(context.Background(), ns)
	assert.NoError(t, err)
	return m.Version()
}

func TestEnqueueIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()

	first, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t)})
	assert.NoError(err)
	second, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t)})
	assert.NoError(err)
	assert.Equal(first.ID, second.ID)
	assert.Equal("A", first.ShardID)
	assert.Equal(rangedeleter.TaskPending, first.State)

	tasks, err := q.List()
	assert.NoError(err)
	assert.Len(tasks, 1)
}

func TestTaskDeletesOrphanedRange(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{BatchSize: 7}, clockwork.NewRealClock())
	defer q.Close()

	assert.Equal(50, e.count(t, moved))
	_, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t)})
	assert.NoError(err)

	q.Start(ctx)
	assert.NoError(q.WaitForClean(ctx, ns, moved, 5*time.Second))

	assert.Equal(0, e.count(t, moved))
	assert.Equal(20, e.count(t, kr.FullBounds()))
	assert.Equal(int64(50), q.DeletedDocuments())
	assert.Equal([]kr.Version{e.version(t)}, e.fence.ensuredVersions())

	tasks, err := q.List()
	assert.NoError(err)
	assert.Empty(tasks)
}

func TestTaskDroppedWhenRangeIsOwned(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()

	owned := kr.NewBounds(i64(100), kr.MaxKey)
	_, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: owned, Version: e.version(t)})
	assert.NoError(err)

	q.Start(ctx)
	assert.NoError(q.WaitForClean(ctx, ns, owned, 5*time.Second))
	assert.Equal(10, e.count(t, owned))
}

func TestCleanupOrphaned(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{OrphanCleanupDelay: time.Hour}, clockwork.NewRealClock())
	defer q.Close()
	q.Start(ctx)

	assert.NoError(q.CleanupOrphaned(ctx, ns, mo.None[kr.Bounds](), 5*time.Second))
	assert.Equal(0, e.count(t, moved))
	assert.Equal(20, e.count(t, kr.FullBounds()))

	// nothing left to do
	assert.NoError(q.CleanupOrphaned(ctx, ns, mo.None[kr.Bounds](), time.Second))
	tasks, err := q.List()
	assert.NoError(err)
	assert.Empty(tasks)
}

func TestCleanupOrphanedSubRange(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()
	q.Start(ctx)

	part := kr.NewBounds(i64(-10), i64(50))
	assert.NoError(q.CleanupOrphaned(ctx, ns, mo.Some(part), 5*time.Second))
	assert.Equal(0, e.count(t, kr.NewBounds(i64(0), i64(50))))
	assert.Equal(25, e.count(t, kr.NewBounds(i64(50), i64(100))))
	assert.Equal(10, e.count(t, kr.NewBounds(kr.MinKey, i64(0))))
}

func TestCleanupOrphanedBypassesDelay(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{OrphanCleanupDelay: time.Hour}, clockwork.NewRealClock())
	defer q.Close()
	q.Start(ctx)

	task, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t)})
	assert.NoError(err)
	assert.True(task.WhenToClean.After(time.Now().Add(time.Minute)))

	assert.NoError(q.CleanupOrphaned(ctx, ns, mo.None[kr.Bounds](), 5*time.Second))
	assert.Equal(0, e.count(t, moved))
}

func TestCleanupOrphanedTimeout(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()
	q.Start(ctx)

	q.Suspend()
	err := q.CleanupOrphaned(ctx, ns, mo.None[kr.Bounds](), 50*time.Millisecond)
	assert.True(rkerror.Is(err, rkerror.RK_EXCEEDED_TIME_LIMIT), "got %v", err)
	assert.Equal(50, e.count(t, moved))

	q.Resume()
	assert.NoError(q.CleanupOrphaned(ctx, ns, mo.None[kr.Bounds](), 5*time.Second))
	assert.Equal(0, e.count(t, moved))
}

func TestCleanupOrphanedSkipsProvisional(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()
	q.Start(ctx)

	_, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t), Provisional: true})
	assert.NoError(err)

	assert.NoError(q.CleanupOrphaned(ctx, ns, mo.None[kr.Bounds](), time.Second))
	assert.Equal(50, e.count(t, moved))
}

func TestCleanupOrphanedSettlesStaleProvisional(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{OrphanCleanupDelay: time.Hour}, clockwork.NewRealClock())
	defer q.Close()
	q.Start(ctx)

	// left by a committed migration whose activation never happened
	v := e.version(t)
	before := kr.Version{Epoch: v.Epoch, Major: v.Major - 1}
	vacated, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: before, Provisional: true})
	assert.NoError(err)
	kept, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: kr.NewBounds(i64(100), kr.MaxKey), Version: before, Provisional: true})
	assert.NoError(err)

	assert.NoError(q.CleanupOrphaned(ctx, ns, mo.None[kr.Bounds](), 5*time.Second))
	assert.Equal(0, e.count(t, moved))
	assert.Equal(20, e.count(t, kr.FullBounds()))

	for _, id := range []string{vacated.ID, kept.ID} {
		_, err = q.Get(id)
		assert.True(rkerror.Is(err, rkerror.RK_TASK_NOT_FOUND), "task %s: %v", id, err)
	}
}

func TestOrphanCleanupDelay(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	clock := clockwork.NewFakeClock()
	q := e.open(t, "", rangedeleter.Config{OrphanCleanupDelay: time.Minute}, clock)
	defer q.Close()

	_, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t)})
	assert.NoError(err)
	q.Start(ctx)

	clock.BlockUntil(1)
	assert.Equal(50, e.count(t, moved))

	clock.Advance(time.Minute)
	assert.Eventually(func() bool {
		return e.count(t, moved) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRestartResetsInterruptedTasks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	dir := t.TempDir()
	e.fence.block = make(chan struct{})

	q := e.open(t, dir, rangedeleter.Config{}, clockwork.NewRealClock())
	task, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t)})
	assert.NoError(err)
	q.Start(ctx)
	assert.Eventually(func() bool {
		got, err := q.Get(task.ID)
		return err == nil && got.State == rangedeleter.TaskWaitingForReaders
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(q.Close())

	close(e.fence.block)
	q = e.open(t, dir, rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()
	got, err := q.Get(task.ID)
	assert.NoError(err)
	assert.Equal(rangedeleter.TaskPending, got.State)

	q.Start(ctx)
	assert.NoError(q.WaitForClean(ctx, ns, moved, 5*time.Second))
	assert.Equal(0, e.count(t, moved))
}

func stopped(q *rangedeleter.Queue) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	return done
}

func TestStopInterruptsTaskWaitingForReaders(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	e.fence.block = make(chan struct{})
	defer close(e.fence.block)

	q := e.open(t, "", rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()
	task, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t)})
	assert.NoError(err)
	q.Start(ctx)
	assert.Eventually(func() bool {
		got, err := q.Get(task.ID)
		return err == nil && got.State == rangedeleter.TaskWaitingForReaders
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-stopped(q):
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	got, err := q.Get(task.ID)
	assert.NoError(err)
	assert.Equal(rangedeleter.TaskWaitingForReaders, got.State)
	assert.Equal(50, e.count(t, moved))
}

func TestStopBetweenBatchesKeepsTask(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	clock := clockwork.NewFakeClock()

	q := e.open(t, "", rangedeleter.Config{BatchSize: 5, BatchDelay: time.Hour}, clock)
	defer q.Close()
	task, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: e.version(t)})
	assert.NoError(err)
	q.Start(ctx)

	// the first batch is gone and the worker sleeps before the next
	assert.Eventually(func() bool {
		got, err := q.Get(task.ID)
		return err == nil && got.State == rangedeleter.TaskDeleting && e.count(t, moved) == 45
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-stopped(q):
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(45, e.count(t, moved))
	got, err := q.Get(task.ID)
	assert.NoError(err)
	assert.Equal(rangedeleter.TaskDeleting, got.State)
}

func TestResolveProvisional(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()

	v := e.version(t)
	vacated, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: moved, Version: v, Provisional: true})
	assert.NoError(err)
	kept, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: kr.NewBounds(i64(100), kr.MaxKey), Version: v, Provisional: true})
	assert.NoError(err)
	mixed, err := q.Enqueue(ctx, rangedeleter.Task{Namespace: ns, Range: kr.NewBounds(i64(50), i64(150)), Version: v, Provisional: true})
	assert.NoError(err)

	assert.NoError(q.ResolveProvisional(ctx))

	got, err := q.Get(vacated.ID)
	assert.NoError(err)
	assert.False(got.Provisional)

	_, err = q.Get(kept.ID)
	assert.True(rkerror.Is(err, rkerror.RK_TASK_NOT_FOUND))

	got, err = q.Get(mixed.ID)
	assert.NoError(err)
	assert.True(got.Provisional)
}

func TestRemoveUnknownTask(t *testing.T) {
	assert := assert.New(t)
	e := prepareEnv(t)
	q := e.open(t, "", rangedeleter.Config{}, clockwork.NewRealClock())
	defer q.Close()

	assert.NoError(q.Remove(context.Background(), "missing"))
	err := q.Activate(context.Background(), "missing", e.version(t), true)
	assert.True(rkerror.Is(err, rkerror.RK_TASK_NOT_FOUND))
}
