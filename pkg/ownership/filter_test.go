package ownership_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/ownership"
	"github.com/stretchr/testify/assert"
)

const ns = "db.coll"

type fakeSource struct {
	mu    sync.Mutex
	m     *kr.RangeMap
	loads int
	gate  chan struct{}
}

func (s *fakeSource) GetRangeMap(_ context.Context, _ string) (*kr.RangeMap, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.m, nil
}

func (s *fakeSource) set(m *kr.RangeMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m
}

// mapAt splits the key space at 0 and gives [MinKey, 0) to A and
// [0, MaxKey) to owner.
func mapAt(t *testing.T, major uint32, owner string) *kr.RangeMap {
	v := kr.Version{Epoch: "e1", Major: major}
	m, err := kr.NewRangeMap(ns, []kr.Range{
		{Bounds: kr.NewBounds(kr.MinKey, kr.KeyFromInt64(0)), ShardID: "A", Version: v},
		{Bounds: kr.NewBounds(kr.KeyFromInt64(0), kr.MaxKey), ShardID: owner, Version: v},
	})
	assert.NoError(t, err)
	return m
}

func TestReadScopePinsVersion(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	src := &fakeSource{m: mapAt(t, 1, "A")}
	f, err := ownership.NewFilter("A", src, 0)
	assert.NoError(err)

	old, err := f.BeginRead(ctx, ns)
	assert.NoError(err)
	assert.True(old.ShouldInclude(kr.KeyFromInt64(5)))
	assert.True(old.Owns(kr.FullBounds()))

	next := mapAt(t, 2, "B")
	src.set(next)
	assert.NoError(f.EnsureVersion(ctx, ns, next.Version()))

	// the pinned read keeps its view
	assert.True(old.ShouldInclude(kr.KeyFromInt64(5)))

	fresh, err := f.BeginRead(ctx, ns)
	assert.NoError(err)
	assert.False(fresh.ShouldInclude(kr.KeyFromInt64(5)))
	assert.True(fresh.ShouldInclude(kr.KeyFromInt64(-5)))
	assert.True(rkerror.Is(fresh.CheckOwned(kr.KeyFromInt64(5)), rkerror.RK_STALE_VERSION))
	assert.Equal(2, f.ActiveReads(ns))

	waited := make(chan error, 1)
	go func() {
		waited <- f.WaitForReaders(ctx, ns, next.Version())
	}()
	select {
	case <-waited:
		t.Fatal("reader of the old version is still active")
	case <-time.After(50 * time.Millisecond):
	}

	old.Done()
	old.Done()
	assert.NoError(<-waited)

	// newer readers do not hold deletion back
	assert.NoError(f.WaitForReaders(ctx, ns, next.Version()))
	fresh.Done()
	assert.Equal(0, f.ActiveReads(ns))
}

func TestWaitForReadersHonorsContext(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{m: mapAt(t, 1, "A")}
	f, err := ownership.NewFilter("A", src, 0)
	assert.NoError(err)

	scope, err := f.BeginRead(context.Background(), ns)
	assert.NoError(err)
	defer scope.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(f.WaitForReaders(ctx, ns, mapAt(t, 2, "B").Version()), context.DeadlineExceeded)
}

func TestNotifyStaleRefreshesInBackground(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{m: mapAt(t, 1, "A")}
	f, err := ownership.NewFilter("A", src, 0)
	assert.NoError(err)

	_, err = f.Get(context.Background(), ns)
	assert.NoError(err)

	src.set(mapAt(t, 3, "B"))
	f.NotifyStale(ns)
	assert.Eventually(func() bool {
		m, ok := f.Cached(ns)
		return ok && m.Version().Major == 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRefreshNeverInstallsOlderMap(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	src := &fakeSource{m: mapAt(t, 4, "B")}
	f, err := ownership.NewFilter("A", src, 0)
	assert.NoError(err)

	_, err = f.Refresh(ctx, ns)
	assert.NoError(err)

	src.set(mapAt(t, 2, "A"))
	m, err := f.Refresh(ctx, ns)
	assert.NoError(err)
	assert.Equal(uint32(4), m.Version().Major)
}

func TestEnsureVersionFailsWhenSourceLags(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{m: mapAt(t, 1, "A")}
	f, err := ownership.NewFilter("A", src, 0)
	assert.NoError(err)

	err = f.EnsureVersion(context.Background(), ns, mapAt(t, 2, "B").Version())
	var stale *kr.StaleVersionError
	assert.ErrorAs(err, &stale)
	assert.True(rkerror.Is(err, rkerror.RK_STALE_VERSION))
}

func TestConcurrentRefreshesShareOneLoad(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{m: mapAt(t, 1, "A"), gate: make(chan struct{})}
	f, err := ownership.NewFilter("A", src, 0)
	assert.NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Refresh(context.Background(), ns)
			assert.NoError(err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.LessOrEqual(src.loads, 8)
	assert.GreaterOrEqual(src.loads, 1)
	assert.Equal(int64(src.loads), f.Refreshes())
}
