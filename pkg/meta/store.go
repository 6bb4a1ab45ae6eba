package meta

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pg-sharding/rangekeeper/pkg/models/hashfunction"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/models/shardkey"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/pkg/statistics"
	"github.com/pg-sharding/rangekeeper/qdb"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// NamespaceLocker is implemented by qdb backends shared between processes.
type NamespaceLocker interface {
	LockNamespace(ctx context.Context, namespace string) (func(), error)
}

// Store is the authoritative metadata store. Reads have no side effects;
// every change of a routing table is a compare-and-swap on its version,
// serialized per namespace.
type Store struct {
	db    qdb.QDB
	clock clockwork.Clock

	mu      sync.Mutex
	nsLocks map[string]*sync.Mutex
}

func NewStore(db qdb.QDB, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		db:      db,
		clock:   clock,
		nsLocks: map[string]*sync.Mutex{},
	}
}

func (s *Store) QDB() qdb.QDB {
	return s.db
}

func (s *Store) lockNamespace(ctx context.Context, namespace string) (func(), error) {
	s.mu.Lock()
	l, ok := s.nsLocks[namespace]
	if !ok {
		l = &sync.Mutex{}
		s.nsLocks[namespace] = l
	}
	s.mu.Unlock()

	l.Lock()
	if locker, ok := s.db.(NamespaceLocker); ok {
		unlock, err := locker.LockNamespace(ctx, namespace)
		if err != nil {
			l.Unlock()
			return nil, errors.Wrapf(err, "failed to lock namespace %s", namespace)
		}
		return func() {
			unlock()
			l.Unlock()
		}, nil
	}
	return l.Unlock, nil
}

// ==============================================================================
//                                  SHARDS
// ==============================================================================

func (s *Store) AddShard(ctx context.Context, id string, hosts []string) error {
	return s.db.AddShard(ctx, qdb.NewShard(id, hosts))
}

func (s *Store) ListShards(ctx context.Context) ([]*qdb.Shard, error) {
	return s.db.ListShards(ctx)
}

func (s *Store) GetShard(ctx context.Context, id string) (*qdb.Shard, error) {
	return s.db.GetShard(ctx, id)
}

// ==============================================================================
//                                COLLECTIONS
// ==============================================================================

// ShardCollection creates the routing table of a new namespace in a fresh
// epoch. Every initial chunk is owned by initialShard.
func (s *Store) ShardCollection(ctx context.Context, namespace string, pattern shardkey.Pattern, initialShard string, splitPoints ...kr.Key) (*kr.RangeMap, error) {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Str("shard key", pattern.String()).
		Str("shard", initialShard).
		Int("split points", len(splitPoints)).
		Msg("meta: shard collection")

	if _, err := s.db.GetShard(ctx, initialShard); err != nil {
		return nil, err
	}

	for _, p := range splitPoints {
		if p.Kind != kr.KindValue {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "split point %s is not a key value", p)
		}
	}
	points := make([]kr.Key, len(splitPoints))
	copy(points, splitPoints)
	sort.Slice(points, func(i, j int) bool {
		return points[i].Less(points[j])
	})
	points = lo.UniqBy(points, func(k kr.Key) string {
		return string(k.Raw)
	})

	epoch := uuid.NewString()
	version := kr.InitialVersion(epoch)
	bounds := append(append([]kr.Key{kr.MinKey}, points...), kr.MaxKey)
	ranges := make([]kr.Range, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		ranges = append(ranges, kr.Range{
			Bounds:  kr.NewBounds(bounds[i], bounds[i+1]),
			ShardID: initialShard,
			Version: version,
		})
	}
	m, err := kr.NewRangeMap(namespace, ranges)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	history := lo.Map(ranges, func(r kr.Range, _ int) *qdb.HistoryEntry {
		return newHistoryEntry(namespace, version, now, qdb.HistoryCreate, "", r)
	})

	coll := &qdb.Collection{
		Namespace:     namespace,
		Epoch:         epoch,
		ShardKeyField: pattern.Field,
		HashFunction:  hashName(pattern),
		CreatedAt:     now,
	}
	if err := s.db.CreateCollection(ctx, coll, m.ToDB(), history); err != nil {
		return nil, err
	}
	return m, nil
}

func hashName(p shardkey.Pattern) string {
	if !p.Hashed() {
		return ""
	}
	return hashfunction.ToString(p.Hash)
}

func (s *Store) ListCollections(ctx context.Context) ([]*qdb.Collection, error) {
	return s.db.ListCollections(ctx)
}

func (s *Store) GetShardKeyPattern(ctx context.Context, namespace string) (shardkey.Pattern, error) {
	coll, err := s.db.GetCollection(ctx, namespace)
	if err != nil {
		return shardkey.Pattern{}, err
	}
	return shardkey.PatternFromDB(coll)
}

// GetRangeMap returns the current routing table of namespace.
func (s *Store) GetRangeMap(ctx context.Context, namespace string) (*kr.RangeMap, error) {
	state, err := s.db.GetRangeMapState(ctx, namespace)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load range map of %s", namespace)
	}
	return kr.RangeMapFromDB(state)
}

// ==============================================================================
//                                  CHANGES
// ==============================================================================

// CommitMigration transfers ownership of exactly one chunk from fromShard to
// toShard. Neighbouring chunks toShard already owns are folded into the moved
// one. It bumps the major version once and appends one history entry for b.
func (s *Store) CommitMigration(ctx context.Context, namespace string, b kr.Bounds, fromShard, toShard string, expected kr.Version) (kr.Version, error) {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Str("range", b.String()).
		Str("from", fromShard).
		Str("to", toShard).
		Str("expected", expected.String()).
		Msg("meta: commit migration")

	if _, err := s.db.GetShard(ctx, toShard); err != nil {
		return kr.Version{}, err
	}

	return s.change(ctx, namespace, expected, func(m *kr.RangeMap) (*changeSet, error) {
		r, ok := m.ExactRange(b)
		if !ok || r.ShardID != fromShard {
			return nil, rkerror.Newf(rkerror.RK_RANGE_NOT_OWNED_BY_DONOR, "range %s of %s is not a chunk owned by %s", b, namespace, fromShard)
		}
		if fromShard == toShard {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "range %s of %s is already owned by %s", b, namespace, toShard)
		}
		return &changeSet{
			ranges:  []kr.Range{{Bounds: absorbNeighbours(m, b, toShard), ShardID: toShard}},
			kind:    qdb.HistoryMigrate,
			from:    fromShard,
			history: []kr.Range{{Bounds: b, ShardID: toShard}},
		}, nil
	})
}

// absorbNeighbours widens chunk b over the adjacent chunks owned by shard.
func absorbNeighbours(m *kr.RangeMap, b kr.Bounds, shard string) kr.Bounds {
	ranges := m.Ranges()
	_, i, ok := lo.FindIndexOf(ranges, func(r kr.Range) bool { return r.Bounds.Equal(b) })
	if !ok {
		return b
	}
	res := b
	for j := i - 1; j >= 0 && ranges[j].ShardID == shard; j-- {
		res.Min = ranges[j].Min
	}
	for j := i + 1; j < len(ranges) && ranges[j].ShardID == shard; j++ {
		res.Max = ranges[j].Max
	}
	return res
}

// SplitChunk splits the chunk containing at into [min, at) and [at, max).
func (s *Store) SplitChunk(ctx context.Context, namespace string, at kr.Key, expected kr.Version) (kr.Version, error) {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Str("at", at.String()).
		Msg("meta: split chunk")

	return s.change(ctx, namespace, expected, func(m *kr.RangeMap) (*changeSet, error) {
		if at.Kind != kr.KindValue {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "split point %s is not a key value", at)
		}
		r, err := m.LookupRange(at)
		if err != nil {
			return nil, err
		}
		if r.Min.Equal(at) {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "split point %s is already a chunk boundary", at)
		}
		return &changeSet{
			ranges: []kr.Range{
				{Bounds: kr.NewBounds(r.Min, at), ShardID: r.ShardID},
				{Bounds: kr.NewBounds(at, r.Max), ShardID: r.ShardID},
			},
			kind: qdb.HistorySplit,
		}, nil
	})
}

// MergeChunks joins the contiguous chunks exactly covering b. They must all
// belong to one shard.
func (s *Store) MergeChunks(ctx context.Context, namespace string, b kr.Bounds, expected kr.Version) (kr.Version, error) {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Str("range", b.String()).
		Msg("meta: merge chunks")

	return s.change(ctx, namespace, expected, func(m *kr.RangeMap) (*changeSet, error) {
		over := m.Overlapping(b)
		if len(over) < 2 || !over[0].Min.Equal(b.Min) || !over[len(over)-1].Max.Equal(b.Max) {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "range %s of %s does not cover two or more whole chunks", b, namespace)
		}
		owner := over[0].ShardID
		for _, r := range over {
			if r.ShardID != owner {
				return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "chunks of %s in %s belong to different shards", namespace, b)
			}
		}
		return &changeSet{
			ranges: []kr.Range{{Bounds: b, ShardID: owner}},
			kind:   qdb.HistoryMerge,
		}, nil
	})
}

// changeSet is one routing table change and how to record it.
type changeSet struct {
	ranges []kr.Range
	kind   qdb.HistoryKind
	from   string
	// history replaces the entries derived from the diff when set
	history []kr.Range
}

type changeFunc func(m *kr.RangeMap) (*changeSet, error)

func (s *Store) change(ctx context.Context, namespace string, expected kr.Version, f changeFunc) (kr.Version, error) {
	unlock, err := s.lockNamespace(ctx, namespace)
	if err != nil {
		return kr.Version{}, err
	}
	defer unlock()

	m, err := s.GetRangeMap(ctx, namespace)
	if err != nil {
		return kr.Version{}, err
	}
	if !expected.Equal(m.Version()) {
		statistics.RecordStaleVersion()
		return kr.Version{}, &kr.StaleVersionError{Namespace: namespace, Expected: expected, Current: m.Version()}
	}

	cs, err := f(m)
	if err != nil {
		return kr.Version{}, err
	}
	next, err := m.ApplyChange(expected, cs.ranges)
	if err != nil {
		return kr.Version{}, err
	}

	now := s.clock.Now()
	changed := cs.history
	if changed == nil {
		changed = next.Diff(expected)
	}
	history := make([]*qdb.HistoryEntry, 0, len(changed))
	for _, r := range changed {
		history = append(history, newHistoryEntry(namespace, next.Version(), now, cs.kind, cs.from, r))
	}

	err = s.db.CommitRangeMapState(ctx, namespace, kr.VersionToDB(expected), next.ToDB(), history)
	if rkerror.Is(err, rkerror.RK_STALE_VERSION) {
		statistics.RecordStaleVersion()
		current, rerr := s.GetRangeMap(ctx, namespace)
		if rerr != nil {
			return kr.Version{}, rerr
		}
		return kr.Version{}, &kr.StaleVersionError{Namespace: namespace, Expected: expected, Current: current.Version()}
	}
	if err != nil {
		return kr.Version{}, errors.Wrapf(err, "failed to commit range map of %s", namespace)
	}

	rklog.Zero.Info().
		Str("namespace", namespace).
		Str("kind", string(cs.kind)).
		Str("version", next.Version().String()).
		Msg("meta: routing table changed")
	return next.Version(), nil
}
