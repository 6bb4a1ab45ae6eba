package shard

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/jonboulle/clockwork"
	"github.com/pg-sharding/rangekeeper/pkg/docstore"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/models/shardkey"
	"github.com/pg-sharding/rangekeeper/pkg/ownership"
	"github.com/pg-sharding/rangekeeper/pkg/rangedeleter"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"go.mongodb.org/mongo-driver/bson"
)

// Metadata is the part of the metadata store a shard node reads.
type Metadata interface {
	GetRangeMap(ctx context.Context, namespace string) (*kr.RangeMap, error)
	GetShardKeyPattern(ctx context.Context, namespace string) (shardkey.Pattern, error)
}

type Config struct {
	ID string
	// DataDir holds documents and the range deletion task table.
	// Empty means in memory.
	DataDir          string
	CachedNamespaces int
	RangeDeleter     rangedeleter.Config
}

type criticalSection struct {
	bounds   kr.Bounds
	released chan struct{}
}

// Node is one shard: its physical storage, ownership filter and range
// deletion queue.
type Node struct {
	id      string
	meta    Metadata
	docs    *docstore.Store
	filter  *ownership.Filter
	deleter *rangedeleter.Queue

	// mu serializes writes with clone registration and critical sections.
	mu       sync.Mutex
	clones   map[string]*cloneSource
	critical map[string][]*criticalSection

	patternsMu sync.Mutex
	patterns   map[string]shardkey.Pattern
}

func NewNode(cfg Config, meta Metadata, clock clockwork.Clock) (*Node, error) {
	var docs *docstore.Store
	var err error
	deleterDir := ""
	if cfg.DataDir == "" {
		docs, err = docstore.OpenInMemory()
	} else {
		docs, err = docstore.Open(filepath.Join(cfg.DataDir, "docs"), vfs.Default)
		deleterDir = filepath.Join(cfg.DataDir, "rangedeleter")
	}
	if err != nil {
		return nil, err
	}

	filter, err := ownership.NewFilter(cfg.ID, meta, cfg.CachedNamespaces)
	if err != nil {
		_ = docs.Close()
		return nil, err
	}
	deleter, err := rangedeleter.Open(deleterDir, cfg.ID, cfg.RangeDeleter, meta, filter, docs, clock)
	if err != nil {
		_ = docs.Close()
		return nil, err
	}

	return &Node{
		id:       cfg.ID,
		meta:     meta,
		docs:     docs,
		filter:   filter,
		deleter:  deleter,
		clones:   map[string]*cloneSource{},
		critical: map[string][]*criticalSection{},
		patterns: map[string]shardkey.Pattern{},
	}, nil
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Docs() *docstore.Store {
	return n.docs
}

func (n *Node) Filter() *ownership.Filter {
	return n.filter
}

func (n *Node) RangeDeleter() *rangedeleter.Queue {
	return n.deleter
}

// Start runs background range deletion until ctx is done or Close.
func (n *Node) Start(ctx context.Context) {
	n.deleter.Start(ctx)
}

func (n *Node) Close() error {
	n.mu.Lock()
	for id, src := range n.clones {
		src.stop()
		delete(n.clones, id)
	}
	n.mu.Unlock()

	if err := n.deleter.Close(); err != nil {
		return err
	}
	return n.docs.Close()
}

func (n *Node) pattern(ctx context.Context, namespace string) (shardkey.Pattern, error) {
	n.patternsMu.Lock()
	p, ok := n.patterns[namespace]
	n.patternsMu.Unlock()
	if ok {
		return p, nil
	}
	p, err := n.meta.GetShardKeyPattern(ctx, namespace)
	if err != nil {
		return shardkey.Pattern{}, err
	}
	n.patternsMu.Lock()
	n.patterns[namespace] = p
	n.patternsMu.Unlock()
	return p, nil
}

// Insert stores body, replacing a document with the same _id and shard key.
func (n *Node) Insert(ctx context.Context, namespace string, body bson.Raw) (docstore.Document, error) {
	p, err := n.pattern(ctx, namespace)
	if err != nil {
		return docstore.Document{}, err
	}
	key, err := p.ExtractKey(body)
	if err != nil {
		return docstore.Document{}, err
	}
	id, err := shardkey.DocumentID(body)
	if err != nil {
		return docstore.Document{}, err
	}
	doc := docstore.Document{ID: id, Key: key, Body: body}

	err = n.write(ctx, namespace, key, func() error {
		return n.docs.Put(namespace, doc)
	}, Modification{Op: OpPut, Doc: doc})
	return doc, err
}

func (n *Node) Delete(ctx context.Context, namespace string, ref docstore.DocumentRef) error {
	return n.write(ctx, namespace, ref.Key, func() error {
		return n.docs.Delete(namespace, ref)
	}, Modification{Op: OpDelete, Doc: docstore.Document{ID: ref.ID, Key: ref.Key}})
}

// write applies one change of a document with shard key key. It waits out
// a critical section covering key and rejects keys this shard does not own.
func (n *Node) write(ctx context.Context, namespace string, key kr.Key, apply func() error, mod Modification) error {
	for {
		scope, err := n.filter.BeginRead(ctx, namespace)
		if err != nil {
			return err
		}

		n.mu.Lock()
		if cs := n.criticalSectionFor(namespace, key); cs != nil {
			n.mu.Unlock()
			scope.Done()
			rklog.Zero.Debug().
				Str("shard", n.id).
				Str("namespace", namespace).
				Str("key", key.String()).
				Msg("shard: write waits for critical section")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-cs.released:
			}
			continue
		}

		if err := scope.CheckOwned(key); err != nil {
			n.mu.Unlock()
			scope.Done()
			n.filter.NotifyStale(namespace)
			return err
		}

		err = apply()
		if err == nil {
			for _, src := range n.clones {
				if src.namespace == namespace && src.bounds.Contains(key) {
					src.capture(mod)
				}
			}
		}
		n.mu.Unlock()
		scope.Done()
		return err
	}
}

func (n *Node) criticalSectionFor(namespace string, key kr.Key) *criticalSection {
	for _, cs := range n.critical[namespace] {
		if cs.bounds.Contains(key) {
			return cs
		}
	}
	return nil
}

// Find returns the documents of namespace in b that this shard owns.
// Orphans physically present in b are filtered out.
func (n *Node) Find(ctx context.Context, namespace string, b kr.Bounds) ([]docstore.Document, error) {
	scope, err := n.filter.BeginRead(ctx, namespace)
	if err != nil {
		return nil, err
	}
	defer scope.Done()

	var res []docstore.Document
	err = n.docs.Scan(ctx, namespace, b, func(d docstore.Document) error {
		if scope.ShouldInclude(d.Key) {
			res = append(res, d)
		}
		return nil
	})
	return res, err
}

// EnterCriticalSection blocks new writes to b. Writes already running
// finish first.
func (n *Node) EnterCriticalSection(namespace string, b kr.Bounds) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, cs := range n.critical[namespace] {
		if cs.bounds.Overlaps(b) {
			return rkerror.Newf(rkerror.RK_CONFLICTING_OPERATION,
				"range %s of %s is already in a critical section", cs.bounds, namespace)
		}
	}
	n.critical[namespace] = append(n.critical[namespace], &criticalSection{
		bounds:   b,
		released: make(chan struct{}),
	})
	rklog.Zero.Info().Str("shard", n.id).Str("namespace", namespace).Str("range", b.String()).Msg("shard: critical section entered")
	return nil
}

func (n *Node) ExitCriticalSection(namespace string, b kr.Bounds) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sections := n.critical[namespace]
	for i, cs := range sections {
		if cs.bounds.Equal(b) {
			close(cs.released)
			n.critical[namespace] = append(sections[:i], sections[i+1:]...)
			rklog.Zero.Info().Str("shard", n.id).Str("namespace", namespace).Str("range", b.String()).Msg("shard: critical section released")
			break
		}
	}
	if len(n.critical[namespace]) == 0 {
		delete(n.critical, namespace)
	}
}

// ApplyCloneBatch stores documents cloned from a donor. They stay
// invisible to reads until this shard owns their range.
func (n *Node) ApplyCloneBatch(_ context.Context, namespace string, docs []docstore.Document) error {
	return n.docs.Apply(namespace, docs, nil)
}

// ApplyModifications replays captured donor writes in order.
func (n *Node) ApplyModifications(_ context.Context, namespace string, mods []Modification) error {
	for _, m := range mods {
		var err error
		switch m.Op {
		case OpPut:
			err = n.docs.Put(namespace, m.Doc)
		case OpDelete:
			err = n.docs.Delete(namespace, m.Doc.Ref())
		}
		if err != nil {
			return err
		}
	}
	return nil
}
