package migration

import (
	"context"
	"time"

	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rangedeleter"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/pkg/shard"
	"github.com/pg-sharding/rangekeeper/pkg/statistics"
	"github.com/pg-sharding/rangekeeper/qdb"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

// run is one migration attempt.
type run struct {
	c         *Coordinator
	rec       *qdb.Migration
	bounds    kr.Bounds
	expected  kr.Version
	donor     *shard.Node
	recipient *shard.Node
	transport shard.Recipient
	started   time.Time

	recipientTask *rangedeleter.Task
	donorTask     *rangedeleter.Task
	committed     kr.Version
	cloned        int
}

// transition persists the new state before the migration acts on it.
func (r *run) transition(ctx context.Context, state qdb.MigrationState, errMsg string) error {
	if err := r.c.db.UpdateMigrationState(ctx, r.rec.ID, state, errMsg); err != nil {
		return err
	}
	r.setState(state, errMsg)

	rklog.Zero.Info().
		Str("migration", r.rec.ID).
		Str("namespace", r.rec.Namespace).
		Str("range", r.bounds.String()).
		Str("state", string(state)).
		Msg("migration: state changed")
	return nil
}

func (r *run) setState(state qdb.MigrationState, errMsg string) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.rec.State = state
	r.rec.Error = errMsg
	r.rec.UpdatedAt = r.c.clock.Now()
}

func (r *run) execute(ctx context.Context) (*Outcome, error) {
	statistics.RecordMoveStart(r.rec.ID, r.started)

	var cause error
	for cause == nil && !r.rec.State.Terminal() {
		if r.rec.State != qdb.MigrationCommitting {
			if cause = ctx.Err(); cause != nil {
				break
			}
		}
		phaseStart := r.c.clock.Now()
		switch r.rec.State {
		case qdb.MigrationNotStarted:
			cause = r.prepare(ctx)
			if cause == nil {
				cause = r.transition(ctx, qdb.MigrationCloning, "")
			}
		case qdb.MigrationCloning:
			cause = r.clone(ctx)
			statistics.RecordMovePhase(r.rec.ID, statistics.PhaseClone, r.c.clock.Since(phaseStart))
			if cause == nil {
				cause = r.transition(ctx, qdb.MigrationCatchingUp, "")
			}
		case qdb.MigrationCatchingUp:
			cause = r.catchUp(ctx)
			statistics.RecordMovePhase(r.rec.ID, statistics.PhaseCatchUp, r.c.clock.Since(phaseStart))
			if cause == nil {
				cause = r.transition(ctx, qdb.MigrationCommitting, "")
			}
		case qdb.MigrationCommitting:
			// past this point the migration is not cancellable
			cause = r.commit(context.WithoutCancel(ctx))
			statistics.RecordMovePhase(r.rec.ID, statistics.PhaseCommit, r.c.clock.Since(phaseStart))
		default:
			cause = errors.Errorf("unknown migration state %q", r.rec.State)
		}
	}

	if cause != nil {
		r.abort(context.WithoutCancel(ctx), cause)
	}
	return r.finish(context.WithoutCancel(ctx), cause)
}

// prepare waits until the recipient holds no leftovers of the range and
// records the cleanup a failed clone would need.
func (r *run) prepare(ctx context.Context) error {
	if err := r.recipient.RangeDeleter().WaitForClean(ctx, r.rec.Namespace, r.bounds, r.c.cfg.ReceiveWaitTimeout); err != nil {
		return errors.Wrap(err, "waiting for range deletion on recipient")
	}
	task, err := r.recipient.RangeDeleter().Enqueue(ctx, rangedeleter.Task{
		Namespace:   r.rec.Namespace,
		Range:       r.bounds,
		MigrationID: r.rec.ID,
		Version:     r.expected,
		Provisional: true,
	})
	if err != nil {
		return err
	}
	r.recipientTask = task
	return nil
}

// withRetries retries transient failures with Fibonacci backoff.
func (r *run) withRetries(ctx context.Context, op string, f func(ctx context.Context) error) error {
	attempt := 0
	backoff := retry.WithMaxRetries(r.c.cfg.MaxRetries, retry.NewFibonacci(r.c.cfg.RetryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := f(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		rklog.Zero.Warn().
			Err(err).
			Str("migration", r.rec.ID).
			Str("op", op).
			Int("attempt", attempt).
			Msg("migration: step failed")
		return retry.RetryableError(err)
	})
}

func (r *run) clone(ctx context.Context) error {
	if err := r.donor.StartClone(ctx, r.rec.ID, r.rec.Namespace, r.bounds); err != nil {
		return err
	}
	for {
		batch, err := r.donor.NextCloneBatch(ctx, r.rec.ID, r.c.cfg.CloneBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		if err := r.withRetries(ctx, "clone", func(ctx context.Context) error {
			return r.transport.ApplyCloneBatch(ctx, r.rec.Namespace, batch)
		}); err != nil {
			return err
		}
		r.cloned += len(batch)
		statistics.RecordClonedDocuments(len(batch))
	}
	rklog.Zero.Info().
		Str("migration", r.rec.ID).
		Int("documents", r.cloned).
		Msg("migration: clone finished")
	return nil
}

// drainOnce replays one batch of captured writes and reports how many
// are left.
func (r *run) drainOnce(ctx context.Context) (int, error) {
	mods, left, err := r.donor.DrainModifications(r.rec.ID, r.c.cfg.CloneBatchSize)
	if err != nil {
		return 0, err
	}
	if len(mods) == 0 {
		return left, nil
	}
	err = r.withRetries(ctx, "catch up", func(ctx context.Context) error {
		return r.transport.ApplyModifications(ctx, r.rec.Namespace, mods)
	})
	return left, err
}

func (r *run) catchUp(ctx context.Context) error {
	deadline := r.c.clock.Now().Add(r.c.cfg.CatchUpTimeout)
	for {
		left, err := r.drainOnce(ctx)
		if err != nil {
			return err
		}
		if left <= r.c.cfg.CatchUpThreshold {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.c.clock.Now().After(deadline) {
			return rkerror.Newf(rkerror.RK_EXCEEDED_TIME_LIMIT,
				"%d modifications still pending after %s of catch up", left, r.c.cfg.CatchUpTimeout)
		}
	}
}

// commit runs under a critical section on the donor so the final drain
// sees every write, then flips ownership in the metadata store.
func (r *run) commit(ctx context.Context) error {
	ns := r.rec.Namespace
	if err := r.donor.EnterCriticalSection(ns, r.bounds); err != nil {
		return err
	}
	defer r.donor.ExitCriticalSection(ns, r.bounds)

	// writes to the range are blocked, so the log only shrinks
	for {
		left, err := r.drainOnce(ctx)
		if err != nil {
			return err
		}
		if left == 0 {
			break
		}
	}

	task, err := r.donor.RangeDeleter().Enqueue(ctx, rangedeleter.Task{
		Namespace:   ns,
		Range:       r.bounds,
		MigrationID: r.rec.ID,
		Version:     r.expected,
		Provisional: true,
	})
	if err != nil {
		return err
	}
	r.donorTask = task

	v, err := r.c.meta.CommitMigration(ctx, ns, r.bounds, r.donor.ID(), r.recipient.ID(), r.expected)
	if err != nil {
		if rkerror.Is(err, rkerror.RK_STALE_VERSION) || rkerror.Is(err, rkerror.RK_RANGE_NOT_OWNED_BY_DONOR) {
			return err
		}
		// the commit may have been applied before the error
		m, rerr := r.c.meta.GetRangeMap(ctx, ns)
		if rerr != nil {
			return err
		}
		if !m.OwnsAll(r.bounds, r.recipient.ID()) {
			return err
		}
		v = m.Overlapping(r.bounds)[0].Version
	}
	r.committed = v

	if err := r.transition(ctx, qdb.MigrationCommitted, ""); err != nil {
		rklog.Zero.Error().Err(err).Str("migration", r.rec.ID).Msg("migration: failed to record commit")
		r.setState(qdb.MigrationCommitted, "")
	}

	// a task left provisional is settled by the next orphan cleanup
	if err := r.withRetries(ctx, "activate range deletion", func(ctx context.Context) error {
		return r.donor.RangeDeleter().Activate(ctx, r.donorTask.ID, v, false)
	}); err != nil {
		rklog.Zero.Error().Err(err).Str("migration", r.rec.ID).Msg("migration: failed to activate donor range deletion")
	}
	if err := r.recipient.RangeDeleter().Remove(ctx, r.recipientTask.ID); err != nil {
		rklog.Zero.Error().Err(err).Str("migration", r.rec.ID).Msg("migration: failed to remove recipient range deletion")
	}
	for _, n := range []*shard.Node{r.donor, r.recipient} {
		if err := n.Filter().EnsureVersion(ctx, ns, v); err != nil {
			rklog.Zero.Error().Err(err).Str("shard", n.ID()).Msg("migration: failed to refresh range map")
		}
	}
	r.donor.DropClone(r.rec.ID)
	return nil
}

// abort undoes a migration that did not commit. The recipient's partial
// clone is handed to range deletion right away.
func (r *run) abort(ctx context.Context, cause error) {
	rklog.Zero.Warn().
		Err(cause).
		Str("migration", r.rec.ID).
		Str("state", string(r.rec.State)).
		Msg("migration: aborting")

	r.donor.DropClone(r.rec.ID)
	if r.donorTask != nil {
		if err := r.donor.RangeDeleter().Remove(ctx, r.donorTask.ID); err != nil {
			rklog.Zero.Error().Err(err).Str("migration", r.rec.ID).Msg("migration: failed to remove donor range deletion")
		}
	}
	if r.recipientTask != nil {
		v := r.expected
		if m, err := r.c.meta.GetRangeMap(ctx, r.rec.Namespace); err == nil {
			v = m.Version()
		}
		if err := r.recipient.RangeDeleter().Activate(ctx, r.recipientTask.ID, v, true); err != nil {
			rklog.Zero.Error().Err(err).Str("migration", r.rec.ID).Msg("migration: failed to activate recipient range deletion")
		}
	}
	if err := r.transition(ctx, qdb.MigrationAborted, cause.Error()); err != nil {
		rklog.Zero.Error().Err(err).Str("migration", r.rec.ID).Msg("migration: failed to record abort")
		r.setState(qdb.MigrationAborted, cause.Error())
	}
}

func (r *run) finish(ctx context.Context, cause error) (*Outcome, error) {
	finished := r.c.clock.Now()
	statistics.RecordMoveFinish(r.rec.ID, finished)
	statistics.RecordMigrationOutcome(string(r.rec.State), finished.Sub(r.started))

	out := outcomeFromRecord(r.rec)
	out.Version = r.committed
	out.ClonedDocuments = r.cloned
	out.FinishedAt = finished
	r.c.remember(out)

	if err := r.c.db.DeleteMigration(ctx, r.rec.ID); err != nil {
		rklog.Zero.Error().Err(err).Str("migration", r.rec.ID).Msg("migration: failed to delete record")
	}

	if cause == nil {
		return out, nil
	}
	if rkerror.Is(cause, rkerror.RK_STALE_VERSION) || rkerror.Is(cause, rkerror.RK_RANGE_NOT_OWNED_BY_DONOR) {
		return out, cause
	}
	return out, rkerror.Wrapf(rkerror.RK_MIGRATION_ABORTED, cause, "migration %s of %s %s aborted", r.rec.ID, r.rec.Namespace, r.bounds)
}
