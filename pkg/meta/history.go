package meta

import (
	"context"
	"time"

	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/qdb"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/samber/mo"
)

// HistoryEntry is one routing change: Range became owned by ToShard at Version.
type HistoryEntry struct {
	Version   kr.Version      `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      qdb.HistoryKind `json:"kind"`
	FromShard string          `json:"from_shard,omitempty"`
	ToShard   string          `json:"to_shard"`
	Range     kr.Bounds       `json:"range"`
}

// HistoryQuery limits GetHistory to changes made no later than the given
// version or time. An empty query returns the whole history.
type HistoryQuery struct {
	AtVersion mo.Option[kr.Version]
	AtTime    mo.Option[time.Time]
}

func newHistoryEntry(namespace string, v kr.Version, ts time.Time, kind qdb.HistoryKind, from string, r kr.Range) *qdb.HistoryEntry {
	min, max := kr.BoundsToDB(r.Bounds)
	return &qdb.HistoryEntry{
		Namespace: namespace,
		Version:   kr.VersionToDB(v),
		Timestamp: ts,
		Kind:      kind,
		FromShard: from,
		ToShard:   r.ShardID,
		Min:       min,
		Max:       max,
	}
}

func historyEntryFromDB(e *qdb.HistoryEntry) HistoryEntry {
	return HistoryEntry{
		Version:   kr.VersionFromDB(e.Version),
		Timestamp: e.Timestamp,
		Kind:      e.Kind,
		FromShard: e.FromShard,
		ToShard:   e.ToShard,
		Range:     kr.BoundsFromDB(e.Min, e.Max),
	}
}

// GetHistory returns routing changes of namespace in commit order.
func (s *Store) GetHistory(ctx context.Context, namespace string, q HistoryQuery) ([]HistoryEntry, error) {
	raw, err := s.db.ListChunkHistory(ctx, namespace)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load history of %s", namespace)
	}
	entries := lo.Map(raw, func(e *qdb.HistoryEntry, _ int) HistoryEntry {
		return historyEntryFromDB(e)
	})

	if v, ok := q.AtVersion.Get(); ok {
		entries = lo.Filter(entries, func(e HistoryEntry, _ int) bool {
			return e.Version.Epoch == v.Epoch && !v.OlderThan(e.Version)
		})
	}
	if t, ok := q.AtTime.Get(); ok {
		entries = lo.Filter(entries, func(e HistoryEntry, _ int) bool {
			return !e.Timestamp.After(t)
		})
	}
	return entries, nil
}

// OwnerAt answers which shard owned key at time t. Later entries override
// earlier ones, so the last entry covering key wins.
func (s *Store) OwnerAt(ctx context.Context, namespace string, key kr.Key, t time.Time) (string, error) {
	entries, err := s.GetHistory(ctx, namespace, HistoryQuery{AtTime: mo.Some(t)})
	if err != nil {
		return "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Range.Contains(key) {
			return entries[i].ToShard, nil
		}
	}
	return "", rkerror.Newf(rkerror.RK_NAMESPACE_NOT_FOUND, "namespace %s was not sharded at %s", namespace, t.Format(time.RFC3339Nano))
}
