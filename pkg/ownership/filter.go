package ownership

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/pkg/statistics"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

const defaultCachedNamespaces = 1024

// Source returns the authoritative range map of a namespace.
type Source interface {
	GetRangeMap(ctx context.Context, namespace string) (*kr.RangeMap, error)
}

// Filter decides which physically stored documents a shard may return.
// It keeps a cached range map per namespace and a registry of in-flight
// reads, so background deletion can wait until no read still sees a
// range.
type Filter struct {
	shardID string
	source  Source
	cache   *lru.Cache
	group   singleflight.Group

	mu      sync.Mutex
	readers map[string]map[uint64]kr.Version
	changed chan struct{}

	nextReadID atomic.Uint64
	refreshes  atomic.Int64
}

func NewFilter(shardID string, source Source, cachedNamespaces int) (*Filter, error) {
	if cachedNamespaces <= 0 {
		cachedNamespaces = defaultCachedNamespaces
	}
	cache, err := lru.New(cachedNamespaces)
	if err != nil {
		return nil, err
	}
	return &Filter{
		shardID: shardID,
		source:  source,
		cache:   cache,
		readers: map[string]map[uint64]kr.Version{},
		changed: make(chan struct{}),
	}, nil
}

func (f *Filter) ShardID() string {
	return f.shardID
}

// Refreshes is the number of range map loads from the source.
func (f *Filter) Refreshes() int64 {
	return f.refreshes.Load()
}

// Cached returns the cached map of namespace without loading it.
func (f *Filter) Cached(namespace string) (*kr.RangeMap, bool) {
	v, ok := f.cache.Get(namespace)
	if !ok {
		return nil, false
	}
	return v.(*kr.RangeMap), true
}

// Get returns the cached map, loading it on a cold cache.
func (f *Filter) Get(ctx context.Context, namespace string) (*kr.RangeMap, error) {
	if m, ok := f.Cached(namespace); ok {
		return m, nil
	}
	return f.Refresh(ctx, namespace)
}

// Refresh reloads the map of namespace. Concurrent refreshes of one
// namespace share a single load. A loaded map never replaces a newer
// cached one.
func (f *Filter) Refresh(ctx context.Context, namespace string) (*kr.RangeMap, error) {
	v, err, _ := f.group.Do(namespace, func() (any, error) {
		f.refreshes.Inc()
		m, err := f.source.GetRangeMap(ctx, namespace)
		if err != nil {
			return nil, err
		}
		return f.install(m), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*kr.RangeMap), nil
}

func (f *Filter) install(m *kr.RangeMap) *kr.RangeMap {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.Cached(m.Namespace()); ok {
		if cur.Version().Epoch == m.Version().Epoch && !cur.Version().OlderThan(m.Version()) {
			return cur
		}
	}
	f.cache.Add(m.Namespace(), m)
	rklog.Zero.Debug().
		Str("shard", f.shardID).
		Str("namespace", m.Namespace()).
		Str("version", m.Version().String()).
		Msg("ownership: range map installed")
	return m
}

// NotifyStale schedules an asynchronous refresh of namespace.
func (f *Filter) NotifyStale(namespace string) {
	statistics.RecordStaleVersion()
	go func() {
		if _, err := f.Refresh(context.Background(), namespace); err != nil {
			rklog.Zero.Error().
				Err(err).
				Str("shard", f.shardID).
				Str("namespace", namespace).
				Msg("ownership: background refresh failed")
		}
	}()
}

// EnsureVersion makes the cached map of namespace at least v.
func (f *Filter) EnsureVersion(ctx context.Context, namespace string, v kr.Version) error {
	if m, ok := f.Cached(namespace); ok && m.Version().AtLeast(v) {
		return nil
	}
	m, err := f.Refresh(ctx, namespace)
	if err != nil {
		return err
	}
	if !m.Version().AtLeast(v) {
		return &kr.StaleVersionError{Namespace: namespace, Expected: v, Current: m.Version()}
	}
	return nil
}

// Invalidate forgets the cached map of namespace.
func (f *Filter) Invalidate(namespace string) {
	f.cache.Remove(namespace)
}

// BeginRead pins the cached map of namespace for the duration of one read.
func (f *Filter) BeginRead(ctx context.Context, namespace string) (*ReadScope, error) {
	m, err := f.Get(ctx, namespace)
	if err != nil {
		return nil, err
	}
	id := f.nextReadID.Inc()

	f.mu.Lock()
	// a newer map may have been installed since Get
	if cur, ok := f.Cached(namespace); ok && m.Version().OlderThan(cur.Version()) {
		m = cur
	}
	nsReaders, ok := f.readers[namespace]
	if !ok {
		nsReaders = map[uint64]kr.Version{}
		f.readers[namespace] = nsReaders
	}
	nsReaders[id] = m.Version()
	f.mu.Unlock()

	return &ReadScope{filter: f, id: id, rangeMap: m}, nil
}

func (f *Filter) endRead(namespace string, id uint64) {
	f.mu.Lock()
	delete(f.readers[namespace], id)
	if len(f.readers[namespace]) == 0 {
		delete(f.readers, namespace)
	}
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// olderReaders counts reads of namespace pinned to a version older than v.
func (f *Filter) olderReaders(namespace string, v kr.Version) (int, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pinned := range f.readers[namespace] {
		if pinned.OlderThan(v) {
			n++
		}
	}
	return n, f.changed
}

// ActiveReads is the number of reads of namespace in flight.
func (f *Filter) ActiveReads(namespace string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readers[namespace])
}

// WaitForReaders returns once no read of namespace pinned to a version
// older than v remains.
func (f *Filter) WaitForReaders(ctx context.Context, namespace string, v kr.Version) error {
	for {
		n, changed := f.olderReaders(namespace, v)
		if n == 0 {
			return nil
		}
		rklog.Zero.Debug().
			Str("shard", f.shardID).
			Str("namespace", namespace).
			Int("readers", n).
			Msg("ownership: waiting for readers of older versions")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// ReadScope is one read pinned to a range map version.
type ReadScope struct {
	filter   *Filter
	id       uint64
	rangeMap *kr.RangeMap
	once     sync.Once
}

func (s *ReadScope) Version() kr.Version {
	return s.rangeMap.Version()
}

func (s *ReadScope) RangeMap() *kr.RangeMap {
	return s.rangeMap
}

// ShouldInclude reports whether the pinned map assigns key to this shard.
func (s *ReadScope) ShouldInclude(key kr.Key) bool {
	owner, err := s.rangeMap.Lookup(key)
	if err != nil {
		// a validated map covers every key
		rklog.Zero.Panic().
			Err(err).
			Str("namespace", s.rangeMap.Namespace()).
			Str("key", key.String()).
			Msg("ownership: key outside of range map")
	}
	return owner == s.filter.shardID
}

// Owns reports whether every key of b belongs to this shard.
func (s *ReadScope) Owns(b kr.Bounds) bool {
	over := s.rangeMap.Overlapping(b)
	if len(over) == 0 {
		return false
	}
	for _, r := range over {
		if r.ShardID != s.filter.shardID {
			return false
		}
	}
	return true
}

// Done releases the read. Calling it twice is harmless.
func (s *ReadScope) Done() {
	s.once.Do(func() {
		s.filter.endRead(s.rangeMap.Namespace(), s.id)
	})
}

// CheckOwned returns StaleVersion when key is not owned by this shard in
// the pinned map.
func (s *ReadScope) CheckOwned(key kr.Key) error {
	if s.ShouldInclude(key) {
		return nil
	}
	return rkerror.Newf(rkerror.RK_STALE_VERSION,
		"shard %s does not own key %s of %s at version %s", s.filter.shardID, key, s.rangeMap.Namespace(), s.rangeMap.Version())
}
