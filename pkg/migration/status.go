package migration

import (
	"context"
	"sort"
	"time"

	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/qdb"
)

// Outcome describes a migration, live or finished.
type Outcome struct {
	ID              string             `json:"id"`
	Namespace       string             `json:"namespace"`
	Range           kr.Bounds          `json:"range"`
	Donor           string             `json:"donor"`
	Recipient       string             `json:"recipient"`
	State           qdb.MigrationState `json:"state"`
	Error           string             `json:"error,omitempty"`
	Version         kr.Version         `json:"version"`
	ClonedDocuments int                `json:"cloned_documents"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
}

func outcomeFromRecord(m *qdb.Migration) *Outcome {
	return &Outcome{
		ID:        m.ID,
		Namespace: m.Namespace,
		Range:     kr.BoundsFromDB(m.Min, m.Max),
		Donor:     m.Donor,
		Recipient: m.Recipient,
		State:     m.State,
		Error:     m.Error,
		StartedAt: m.CreatedAt,
	}
}

func (c *Coordinator) remember(o *Outcome) {
	if o.ID == "" {
		return
	}
	c.recent.Add(o.ID, o)
}

// Status returns a live migration from the QDB or a recently finished one.
func (c *Coordinator) Status(ctx context.Context, id string) (*Outcome, error) {
	m, err := c.db.GetMigration(ctx, id)
	if err == nil {
		return outcomeFromRecord(m), nil
	}
	if !rkerror.Is(err, rkerror.RK_MIGRATION_NOT_FOUND) {
		return nil, err
	}
	if v, ok := c.recent.Get(id); ok {
		return v.(*Outcome), nil
	}
	return nil, err
}

// ListActive returns migrations that have not reached a terminal state.
func (c *Coordinator) ListActive(ctx context.Context) ([]*Outcome, error) {
	live, err := c.db.ListMigrations(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]*Outcome, 0, len(live))
	for _, m := range live {
		if m.State.Terminal() {
			continue
		}
		res = append(res, outcomeFromRecord(m))
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].StartedAt.Before(res[j].StartedAt)
	})
	return res, nil
}

// Recent returns finished migrations still remembered, newest last.
func (c *Coordinator) Recent() []*Outcome {
	keys := c.recent.Keys()
	res := make([]*Outcome, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.recent.Peek(k); ok {
			res = append(res, v.(*Outcome))
		}
	}
	return res
}
