package rangedeleter

import (
	"context"
	"time"

	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/samber/lo"
	"github.com/samber/mo"
)

// CleanupOrphaned schedules deletion of every range in rng (the whole key
// space when absent) that this shard does not own but still physically
// holds, then blocks until all overlapping tasks are done. Ranges covered
// by a queued or provisional task are left to that task. Provisional tasks
// recorded at an older routing version belong to migrations that already
// ended and are settled first.
func (q *Queue) CleanupOrphaned(ctx context.Context, namespace string, rng mo.Option[kr.Bounds], timeout time.Duration) error {
	b := rng.OrElse(kr.FullBounds())

	ctx, cancel := q.withTimeout(ctx, timeout)
	defer cancel()

	m, err := q.source.GetRangeMap(ctx, namespace)
	if err != nil {
		return err
	}
	if err := q.settleStale(ctx, namespace, b, m); err != nil {
		return err
	}
	tasks, err := q.overlappingTasks(namespace, b)
	if err != nil {
		return err
	}
	covered := lo.Map(tasks, func(t *Task, _ int) kr.Bounds { return t.Range })

	now := q.clock.Now()
	for _, r := range m.Overlapping(b) {
		if r.ShardID == q.shardID {
			continue
		}
		piece, _ := r.Intersect(b)
		for _, gap := range subtract(piece, covered) {
			has, err := q.storage.HasDocuments(namespace, gap)
			if err != nil {
				return err
			}
			if !has {
				continue
			}
			rklog.Zero.Info().
				Str("shard", q.shardID).
				Str("namespace", namespace).
				Str("range", gap.String()).
				Msg("rangedeleter: scheduling orphaned range")
			if _, err := q.Enqueue(ctx, Task{
				Namespace:   namespace,
				Range:       gap,
				Version:     m.Version(),
				WhenToClean: now,
			}); err != nil {
				return err
			}
		}
	}

	return q.waitForOverlapping(ctx, namespace, b, timeout)
}

func (q *Queue) settleStale(ctx context.Context, namespace string, b kr.Bounds, m *kr.RangeMap) error {
	tasks, err := q.overlappingTasks(namespace, b)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !t.Provisional || !t.Version.OlderThan(m.Version()) {
			continue
		}
		if err := q.settle(ctx, t, m, true); err != nil && !rkerror.Is(err, rkerror.RK_TASK_NOT_FOUND) {
			return err
		}
	}
	return nil
}

// WaitForClean blocks until no queued deletion overlaps b. Overlapping
// tasks are made eligible at once.
func (q *Queue) WaitForClean(ctx context.Context, namespace string, b kr.Bounds, timeout time.Duration) error {
	ctx, cancel := q.withTimeout(ctx, timeout)
	defer cancel()
	return q.waitForOverlapping(ctx, namespace, b, timeout)
}

func (q *Queue) waitForOverlapping(ctx context.Context, namespace string, b kr.Bounds, timeout time.Duration) error {
	if err := q.expedite(namespace, b); err != nil {
		return err
	}
	for {
		changed := q.changedCh()
		tasks, err := q.overlappingTasks(namespace, b)
		if err != nil {
			return err
		}
		pending := lo.Filter(tasks, func(t *Task, _ int) bool { return !t.Provisional })
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if context.Cause(ctx) == context.DeadlineExceeded {
				return rkerror.Newf(rkerror.RK_EXCEEDED_TIME_LIMIT,
					"%d range deletion tasks in %s %s still pending after %s", len(pending), namespace, b, timeout)
			}
			return ctx.Err()
		case <-changed:
		}
	}
}

// expedite makes overlapping non-provisional tasks eligible now.
func (q *Queue) expedite(namespace string, b kr.Bounds) error {
	tasks, err := q.overlappingTasks(namespace, b)
	if err != nil {
		return err
	}
	now := q.clock.Now()
	bumped := false
	for _, t := range tasks {
		if t.Provisional || !t.WhenToClean.After(now) {
			continue
		}
		if _, err := q.store.update(t.ID, func(t *Task) error {
			t.WhenToClean = now
			return nil
		}); err != nil && !rkerror.Is(err, rkerror.RK_TASK_NOT_FOUND) {
			return err
		}
		bumped = true
	}
	if bumped {
		q.notify()
	}
	return nil
}

func (q *Queue) overlappingTasks(namespace string, b kr.Bounds) ([]*Task, error) {
	tasks, err := q.store.list()
	if err != nil {
		return nil, err
	}
	return lo.Filter(tasks, func(t *Task, _ int) bool {
		return t.Namespace == namespace && t.Range.Overlaps(b)
	}), nil
}

// withTimeout bounds ctx by timeout measured on the queue clock.
func (q *Queue) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	timer := q.clock.AfterFunc(timeout, func() {
		cancel(context.DeadlineExceeded)
	})
	return ctx, func() {
		timer.Stop()
		cancel(context.Canceled)
	}
}

// subtract returns the parts of b not covered by any of holes.
func subtract(b kr.Bounds, holes []kr.Bounds) []kr.Bounds {
	res := []kr.Bounds{b}
	for _, h := range holes {
		var next []kr.Bounds
		for _, piece := range res {
			if !piece.Overlaps(h) {
				next = append(next, piece)
				continue
			}
			if piece.Min.Less(h.Min) {
				next = append(next, kr.NewBounds(piece.Min, h.Min))
			}
			if h.Max.Less(piece.Max) {
				next = append(next, kr.NewBounds(h.Max, piece.Max))
			}
		}
		res = next
	}
	return res
}
