package migration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"github.com/pg-sharding/rangekeeper/pkg/meta"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/pkg/shard"
	"github.com/pg-sharding/rangekeeper/qdb"
	"github.com/sethvargo/go-retry"
)

type Config struct {
	CloneBatchSize      int
	CatchUpThreshold    int
	CatchUpTimeout      time.Duration
	MaxRetries          uint64
	RetryBaseDelay      time.Duration
	BalancerMaxAttempts uint64
	ReceiveWaitTimeout  time.Duration
	RecentOutcomes      int
}

func (c *Config) withDefaults() Config {
	res := *c
	if res.CloneBatchSize <= 0 {
		res.CloneBatchSize = 256
	}
	if res.CatchUpTimeout <= 0 {
		res.CatchUpTimeout = time.Minute
	}
	if res.RetryBaseDelay <= 0 {
		res.RetryBaseDelay = 100 * time.Millisecond
	}
	if res.BalancerMaxAttempts == 0 {
		res.BalancerMaxAttempts = 3
	}
	if res.ReceiveWaitTimeout <= 0 {
		res.ReceiveWaitTimeout = 10 * time.Minute
	}
	if res.RecentOutcomes <= 0 {
		res.RecentOutcomes = 128
	}
	return res
}

// Transport returns how the coordinator reaches a recipient node.
type Transport func(node *shard.Node) shard.Recipient

func inProcess(node *shard.Node) shard.Recipient {
	return node
}

type Option func(c *Coordinator)

func WithTransport(t Transport) Option {
	return func(c *Coordinator) {
		c.transport = t
	}
}

// Coordinator drives chunk migrations between shard nodes and records
// their progress in the QDB so an interrupted migration can be resolved.
type Coordinator struct {
	meta      *meta.Store
	db        qdb.QDB
	nodes     map[string]*shard.Node
	transport Transport
	clock     clockwork.Clock
	cfg       Config

	mu     sync.Mutex
	active map[string]*qdb.Migration
	recent *lru.Cache
}

func NewCoordinator(store *meta.Store, nodes []*shard.Node, cfg Config, clock clockwork.Clock, opts ...Option) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	recent, err := lru.New(cfg.RecentOutcomes)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		meta:      store,
		db:        store.QDB(),
		nodes:     map[string]*shard.Node{},
		transport: inProcess,
		clock:     clock,
		cfg:       cfg,
		active:    map[string]*qdb.Migration{},
		recent:    recent,
	}
	for _, n := range nodes {
		c.nodes[n.ID()] = n
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) node(id string) (*shard.Node, error) {
	n, ok := c.nodes[id]
	if !ok {
		return nil, rkerror.Newf(rkerror.RK_SHARD_NOT_FOUND, "shard %s is not served by this coordinator", id)
	}
	return n, nil
}

// register claims b of namespace for migration m. Overlapping live
// migrations, local or recorded in the QDB, conflict.
func (c *Coordinator) register(ctx context.Context, m *qdb.Migration) error {
	live, err := c.db.ListMigrations(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := kr.BoundsFromDB(m.Min, m.Max)
	for _, other := range append(live, mapValues(c.active)...) {
		if other.Namespace != m.Namespace || other.State.Terminal() {
			continue
		}
		if kr.BoundsFromDB(other.Min, other.Max).Overlaps(b) {
			return rkerror.Newf(rkerror.RK_CONFLICTING_OPERATION,
				"range %s of %s is already being migrated by %s", kr.BoundsFromDB(other.Min, other.Max), m.Namespace, other.ID)
		}
	}
	c.active[m.ID] = m
	return nil
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

func mapValues(m map[string]*qdb.Migration) []*qdb.Migration {
	res := make([]*qdb.Migration, 0, len(m))
	for _, v := range m {
		res = append(res, v)
	}
	return res
}

// StartMigration makes one attempt to move the chunk b of namespace to
// toShard. b must be exactly one chunk.
func (c *Coordinator) StartMigration(ctx context.Context, namespace string, b kr.Bounds, toShard string) (*Outcome, error) {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Str("range", b.String()).
		Str("to", toShard).
		Msg("migration: start")

	m, err := c.meta.GetRangeMap(ctx, namespace)
	if err != nil {
		return nil, err
	}
	// no need to move data to the same shard
	if m.OwnsAll(b, toShard) {
		return &Outcome{
			Namespace: namespace,
			Range:     b,
			Donor:     toShard,
			Recipient: toShard,
			State:     qdb.MigrationCommitted,
			Version:   m.Version(),
		}, nil
	}
	chunk, ok := m.ExactRange(b)
	if !ok {
		return nil, rkerror.Newf(rkerror.RK_RANGE_NOT_OWNED_BY_DONOR,
			"range %s of %s is not a single chunk at version %s", b, namespace, m.Version())
	}

	if _, err := c.meta.GetShard(ctx, toShard); err != nil {
		return nil, err
	}
	donor, err := c.node(chunk.ShardID)
	if err != nil {
		return nil, err
	}
	recipient, err := c.node(toShard)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	min, max := kr.BoundsToDB(b)
	rec := &qdb.Migration{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Min:       min,
		Max:       max,
		Donor:     donor.ID(),
		Recipient: recipient.ID(),
		State:     qdb.MigrationNotStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.register(ctx, rec); err != nil {
		return nil, err
	}
	defer c.unregister(rec.ID)

	if err := c.db.RecordMigration(ctx, rec); err != nil {
		return nil, err
	}

	r := &run{
		c:         c,
		rec:       rec,
		bounds:    b,
		expected:  m.Version(),
		donor:     donor,
		recipient: recipient,
		transport: c.transport(recipient),
		started:   now,
	}
	return r.execute(ctx)
}

// MoveChunk is the balancer entry point: it retries aborted attempts
// with backoff and surfaces everything else unchanged.
func (c *Coordinator) MoveChunk(ctx context.Context, req *kr.MoveChunk) (*Outcome, error) {
	var out *Outcome
	attempt := 0
	backoff := retry.WithMaxRetries(c.cfg.BalancerMaxAttempts-1, retry.NewFibonacci(c.cfg.RetryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		o, err := c.StartMigration(ctx, req.Namespace, req.Bounds, req.ToShard)
		out = o
		if err != nil && rkerror.CodeOf(err) == rkerror.RK_MIGRATION_ABORTED {
			rklog.Zero.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("namespace", req.Namespace).
				Str("range", req.Bounds.String()).
				Msg("migration: attempt aborted")
			return retry.RetryableError(err)
		}
		return err
	})
	return out, err
}
