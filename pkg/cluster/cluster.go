package cluster

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pg-sharding/rangekeeper/pkg/config"
	"github.com/pg-sharding/rangekeeper/pkg/docstore"
	"github.com/pg-sharding/rangekeeper/pkg/meta"
	"github.com/pg-sharding/rangekeeper/pkg/migration"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/models/shardkey"
	"github.com/pg-sharding/rangekeeper/pkg/rangedeleter"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/pkg/shard"
	"github.com/pg-sharding/rangekeeper/qdb"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"github.com/sethvargo/go-retry"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

// Cluster wires the metadata store, the shard nodes and the migration
// coordinator of one rangekeeper process.
type Cluster struct {
	cfg   config.Keeper
	clock clockwork.Clock

	db    qdb.QDB
	meta  *meta.Store
	nodes []*shard.Node
	byID  map[string]*shard.Node
	coord *migration.Coordinator

	cancel context.CancelFunc
}

// New opens the QDB named by cfg and builds the cluster on it.
func New(cfg config.Keeper, clock clockwork.Clock, opts ...migration.Option) (*Cluster, error) {
	db, err := qdb.NewQDB(cfg.QdbType, cfg.QdbAddr, cfg.MemqdbBackupPath)
	if err != nil {
		return nil, err
	}
	return NewWithQDB(db, cfg, clock, opts...)
}

func NewWithQDB(db qdb.QDB, cfg config.Keeper, clock clockwork.Clock, opts ...migration.Option) (*Cluster, error) {
	store := meta.NewStore(db, clock)
	c := &Cluster{
		cfg:   cfg,
		clock: clock,
		db:    db,
		meta:  store,
		byID:  map[string]*shard.Node{},
	}

	for _, sh := range cfg.Shards {
		n, err := shard.NewNode(shard.Config{
			ID:               sh.ID,
			DataDir:          sh.DataDir,
			CachedNamespaces: cfg.Ownership.CachedNamespaces,
			RangeDeleter: rangedeleter.Config{
				Workers:            cfg.RangeDeleter.Workers,
				BatchSize:          cfg.RangeDeleter.BatchSize,
				BatchDelay:         cfg.RangeDeleter.BatchDelay,
				OrphanCleanupDelay: cfg.RangeDeleter.OrphanCleanupDelay,
			},
		}, store, clock)
		if err != nil {
			_ = c.closeNodes()
			return nil, err
		}
		c.nodes = append(c.nodes, n)
		c.byID[sh.ID] = n
	}

	coord, err := migration.NewCoordinator(store, c.nodes, migration.Config{
		CloneBatchSize:      cfg.Migration.CloneBatchSize,
		CatchUpThreshold:    cfg.Migration.CatchUpThreshold,
		CatchUpTimeout:      cfg.Migration.CatchUpTimeout,
		MaxRetries:          cfg.Migration.MaxRetries,
		RetryBaseDelay:      cfg.Migration.RetryBaseDelay,
		BalancerMaxAttempts: cfg.Migration.BalancerMaxAttempts,
		ReceiveWaitTimeout:  cfg.RangeDeleter.ReceiveWaitTimeout,
		RecentOutcomes:      cfg.Migration.RecentOutcomes,
	}, clock, opts...)
	if err != nil {
		_ = c.closeNodes()
		return nil, err
	}
	c.coord = coord
	return c, nil
}

// Start registers the shards, resolves migrations left by a previous run
// and starts range deletion on every node.
func (c *Cluster) Start(ctx context.Context) error {
	rklog.Zero.Info().
		Strs("shards", shard.ShardIDs(c.nodes)).
		Str("qdb", c.cfg.QdbType).
		Msg("cluster: starting")

	if err := c.db.TryCoordinatorLock(ctx, c.cfg.HttpAddr); err != nil {
		return err
	}
	for _, n := range c.nodes {
		if err := c.meta.AddShard(ctx, n.ID(), nil); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	if err := c.coord.Recover(ctx); err != nil {
		cancel()
		return err
	}
	for _, n := range c.nodes {
		n.Start(runCtx)
	}
	return nil
}

func (c *Cluster) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.closeNodes()
}

func (c *Cluster) closeNodes() error {
	var res error
	for _, n := range c.nodes {
		if err := n.Close(); err != nil && res == nil {
			res = err
		}
	}
	return res
}

func (c *Cluster) Meta() *meta.Store {
	return c.meta
}

func (c *Cluster) Coordinator() *migration.Coordinator {
	return c.coord
}

func (c *Cluster) Nodes() []*shard.Node {
	return c.nodes
}

func (c *Cluster) Node(id string) (*shard.Node, error) {
	n, ok := c.byID[id]
	if !ok {
		return nil, rkerror.Newf(rkerror.RK_SHARD_NOT_FOUND, "shard %s is not served here", id)
	}
	return n, nil
}

// ShardCollection shards namespace on field, hashing it when hashName is set.
func (c *Cluster) ShardCollection(ctx context.Context, namespace, field, hashName, initialShard string, splitPoints ...kr.Key) (*kr.RangeMap, error) {
	if _, err := c.Node(initialShard); err != nil {
		return nil, err
	}
	pattern, err := shardkey.NewPattern(field, hashName)
	if err != nil {
		return nil, err
	}
	return c.meta.ShardCollection(ctx, namespace, pattern, initialShard, splitPoints...)
}

func (c *Cluster) MoveChunk(ctx context.Context, req *kr.MoveChunk) (*migration.Outcome, error) {
	return c.coord.MoveChunk(ctx, req)
}

// SplitChunk splits at the current routing version.
func (c *Cluster) SplitChunk(ctx context.Context, req *kr.SplitChunk) (kr.Version, error) {
	m, err := c.meta.GetRangeMap(ctx, req.Namespace)
	if err != nil {
		return kr.Version{}, err
	}
	return c.meta.SplitChunk(ctx, req.Namespace, req.At, m.Version())
}

// MergeChunks merges at the current routing version.
func (c *Cluster) MergeChunks(ctx context.Context, req *kr.MergeChunks) (kr.Version, error) {
	m, err := c.meta.GetRangeMap(ctx, req.Namespace)
	if err != nil {
		return kr.Version{}, err
	}
	return c.meta.MergeChunks(ctx, req.Namespace, req.Bounds, m.Version())
}

// CleanupOrphaned removes documents of namespace that shardID holds but does
// not own. With no shardID given every shard is cleaned in parallel.
func (c *Cluster) CleanupOrphaned(ctx context.Context, shardID, namespace string, rng mo.Option[kr.Bounds], timeout time.Duration) error {
	nodes := c.nodes
	if shardID != "" {
		n, err := c.Node(shardID)
		if err != nil {
			return err
		}
		nodes = []*shard.Node{n}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			return n.RangeDeleter().CleanupOrphaned(gctx, namespace, rng, timeout)
		})
	}
	return g.Wait()
}

// Insert routes a document to the shard owning its key. A write that hits a
// shard with a stale routing table is retried after the refresh it triggers.
func (c *Cluster) Insert(ctx context.Context, namespace string, body bson.Raw) (docstore.Document, error) {
	pattern, err := c.meta.GetShardKeyPattern(ctx, namespace)
	if err != nil {
		return docstore.Document{}, err
	}
	key, err := pattern.ExtractKey(body)
	if err != nil {
		return docstore.Document{}, err
	}

	var doc docstore.Document
	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(10*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		m, err := c.meta.GetRangeMap(ctx, namespace)
		if err != nil {
			return err
		}
		owner, err := m.Lookup(key)
		if err != nil {
			return err
		}
		n, err := c.Node(owner)
		if err != nil {
			return err
		}
		doc, err = n.Insert(ctx, namespace, body)
		if rkerror.Is(err, rkerror.RK_STALE_VERSION) {
			return retry.RetryableError(err)
		}
		return err
	})
	return doc, err
}

// Find returns the documents of namespace in b as every shard sees them
// through its ownership filter.
func (c *Cluster) Find(ctx context.Context, namespace string, b kr.Bounds) ([]docstore.Document, error) {
	var res []docstore.Document
	for _, n := range c.nodes {
		docs, err := n.Find(ctx, namespace, b)
		if err != nil {
			return nil, err
		}
		res = append(res, docs...)
	}
	return res, nil
}

// Orphans counts documents each shard holds outside the ranges it owns.
func (c *Cluster) Orphans(ctx context.Context, namespace string) (map[string]int, error) {
	m, err := c.meta.GetRangeMap(ctx, namespace)
	if err != nil {
		return nil, err
	}
	res := map[string]int{}
	for _, n := range c.nodes {
		owned := lo.Map(m.OwnedBy(n.ID()), func(r kr.Range, _ int) kr.Bounds { return r.Bounds })
		total, err := n.Docs().Count(ctx, namespace, kr.FullBounds())
		if err != nil {
			return nil, err
		}
		for _, b := range owned {
			cnt, err := n.Docs().Count(ctx, namespace, b)
			if err != nil {
				return nil, err
			}
			total -= cnt
		}
		res[n.ID()] = total
	}
	return res, nil
}
