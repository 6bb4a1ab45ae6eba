package migration

import (
	"context"

	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/qdb"
)

// Recover resolves migrations interrupted by a restart. Only a migration
// that reached Committing can have committed; it is committed exactly when
// the metadata store says the recipient owns the range. Provisional range
// deletion tasks are settled afterwards on every shard.
func (c *Coordinator) Recover(ctx context.Context) error {
	live, err := c.db.ListMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range live {
		state := qdb.MigrationAborted
		if m.State == qdb.MigrationCommitted {
			state = qdb.MigrationCommitted
		}
		if m.State == qdb.MigrationCommitting {
			committed, err := c.recipientOwns(ctx, m)
			if err != nil {
				return err
			}
			if committed {
				state = qdb.MigrationCommitted
			}
		}

		rklog.Zero.Info().
			Str("migration", m.ID).
			Str("namespace", m.Namespace).
			Str("was", string(m.State)).
			Str("resolved", string(state)).
			Msg("migration: recovering interrupted migration")

		errMsg := m.Error
		if state == qdb.MigrationAborted && errMsg == "" {
			errMsg = "interrupted by restart"
		}
		if !m.State.Terminal() {
			if err := c.db.UpdateMigrationState(ctx, m.ID, state, errMsg); err != nil {
				return err
			}
		}
		if n, ok := c.nodes[m.Donor]; ok {
			n.DropClone(m.ID)
		}

		m.State = state
		m.Error = errMsg
		out := outcomeFromRecord(m)
		out.FinishedAt = c.clock.Now()
		c.remember(out)

		if err := c.db.DeleteMigration(ctx, m.ID); err != nil {
			return err
		}
	}

	for _, n := range c.nodes {
		if err := n.RangeDeleter().ResolveProvisional(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) recipientOwns(ctx context.Context, m *qdb.Migration) (bool, error) {
	rm, err := c.meta.GetRangeMap(ctx, m.Namespace)
	if err != nil {
		return false, err
	}
	return rm.OwnsAll(kr.BoundsFromDB(m.Min, m.Max), m.Recipient), nil
}
