package kr_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/stretchr/testify/assert"
)

func rng(min, max kr.Key, shard string, v kr.Version) kr.Range {
	return kr.Range{Bounds: kr.NewBounds(min, max), ShardID: shard, Version: v}
}

func i64(v int64) kr.Key {
	return kr.KeyFromInt64(v)
}

func threeChunks(t *testing.T) *kr.RangeMap {
	v := kr.InitialVersion("e")
	m, err := kr.NewRangeMap("db.coll", []kr.Range{
		rng(i64(0), i64(100), "B", v),
		rng(kr.MinKey, i64(0), "A", v),
		rng(i64(100), kr.MaxKey, "C", v),
	})
	assert.NoError(t, err)
	return m
}

func TestNewRangeMapValidation(t *testing.T) {
	assert := assert.New(t)
	v := kr.InitialVersion("e")

	for i, c := range []struct {
		ranges []kr.Range
		ok     bool
	}{
		{ranges: []kr.Range{rng(kr.MinKey, kr.MaxKey, "A", v)}, ok: true},
		{ranges: nil},
		{ranges: []kr.Range{rng(i64(0), kr.MaxKey, "A", v)}},
		{ranges: []kr.Range{rng(kr.MinKey, i64(5), "A", v)}},
		// gap
		{ranges: []kr.Range{rng(kr.MinKey, i64(5), "A", v), rng(i64(6), kr.MaxKey, "A", v)}},
		// overlap
		{ranges: []kr.Range{rng(kr.MinKey, i64(6), "A", v), rng(i64(5), kr.MaxKey, "A", v)}},
		// empty range
		{ranges: []kr.Range{rng(kr.MinKey, i64(5), "A", v), rng(i64(5), i64(5), "A", v), rng(i64(5), kr.MaxKey, "A", v)}},
		// no owner
		{ranges: []kr.Range{rng(kr.MinKey, kr.MaxKey, "", v)}},
		// mixed epochs
		{ranges: []kr.Range{rng(kr.MinKey, i64(5), "A", v), rng(i64(5), kr.MaxKey, "A", kr.InitialVersion("x"))}},
	} {
		_, err := kr.NewRangeMap("db.coll", c.ranges)
		if c.ok {
			assert.NoError(err, "case %d", i)
		} else {
			assert.True(rkerror.Is(err, rkerror.RK_INVALID_RANGE_MAP), "case %d: %v", i, err)
		}
	}
}

func TestLookup(t *testing.T) {
	assert := assert.New(t)
	m := threeChunks(t)

	for _, c := range []struct {
		key   kr.Key
		owner string
	}{
		{key: kr.MinKey, owner: "A"},
		{key: i64(-1000), owner: "A"},
		{key: i64(0), owner: "B"},
		{key: i64(99), owner: "B"},
		{key: i64(100), owner: "C"},
		{key: kr.KeyFromString("zzz"), owner: "C"},
	} {
		owner, err := m.Lookup(c.key)
		assert.NoError(err)
		assert.Equal(c.owner, owner, c.key.String())
	}

	_, err := m.Lookup(kr.MaxKey)
	assert.True(rkerror.Is(err, rkerror.RK_KEY_OUT_OF_RANGE))

	assert.Len(m.OwnedBy("B"), 1)
	assert.Empty(m.OwnedBy("D"))

	over := m.Overlapping(kr.NewBounds(i64(-5), i64(100)))
	assert.Len(over, 2)
	assert.Equal("A", over[0].ShardID)
	assert.Equal("B", over[1].ShardID)

	r, ok := m.ExactRange(kr.NewBounds(i64(0), i64(100)))
	assert.True(ok)
	assert.Equal("B", r.ShardID)
	_, ok = m.ExactRange(kr.NewBounds(i64(0), i64(50)))
	assert.False(ok)

	assert.True(m.OwnsAll(kr.NewBounds(i64(10), i64(20)), "B"))
	assert.True(m.OwnsAll(kr.NewBounds(i64(0), i64(100)), "B"))
	assert.False(m.OwnsAll(kr.NewBounds(i64(-1), i64(100)), "B"))
	assert.False(m.OwnsAll(kr.NewBounds(i64(5), i64(5)), "B"))
}

func TestApplyChangeMove(t *testing.T) {
	assert := assert.New(t)
	m := threeChunks(t)
	v := m.Version()

	next, err := m.ApplyChange(v, []kr.Range{rng(i64(0), i64(100), "C", kr.Version{})})
	assert.NoError(err)
	assert.Equal(v.NextMajor(), next.Version())

	owner, _ := next.Lookup(i64(50))
	assert.Equal("C", owner)

	// receiver is unchanged
	owner, _ = m.Lookup(i64(50))
	assert.Equal("B", owner)
	assert.Equal(v, m.Version())

	diff := next.Diff(v)
	assert.Len(diff, 1)
	assert.Equal(next.Version(), diff[0].Version)
	assert.Len(next.Diff(kr.InitialVersion("other")), 3)
	assert.Empty(next.Diff(next.Version()))
}

func TestApplyChangeSplitMerge(t *testing.T) {
	assert := assert.New(t)
	m := threeChunks(t)
	v := m.Version()

	split, err := m.ApplyChange(v, []kr.Range{
		rng(i64(0), i64(50), "B", kr.Version{}),
		rng(i64(50), i64(100), "B", kr.Version{}),
	})
	assert.NoError(err)
	assert.Equal(v.NextMinor(), split.Version())
	assert.Len(split.Ranges(), 4)

	merged, err := split.ApplyChange(split.Version(), []kr.Range{rng(i64(0), i64(100), "B", kr.Version{})})
	assert.NoError(err)
	assert.Equal(v.NextMinor().NextMinor(), merged.Version())
	assert.Len(merged.Ranges(), 3)
}

func TestApplyChangeRejects(t *testing.T) {
	assert := assert.New(t)
	m := threeChunks(t)
	v := m.Version()

	_, err := m.ApplyChange(v.NextMinor(), []kr.Range{rng(i64(0), i64(100), "C", v)})
	var stale *kr.StaleVersionError
	assert.True(errors.As(err, &stale))
	assert.Equal(v, stale.Current)
	assert.Equal(v.NextMinor(), stale.Expected)
	assert.True(rkerror.Is(err, rkerror.RK_STALE_VERSION))

	for i, changes := range [][]kr.Range{
		{},
		{rng(i64(1), i64(100), "C", v)},
		{rng(i64(0), i64(99), "C", v)},
		{rng(i64(0), i64(50), "C", v), rng(i64(60), i64(100), "C", v)},
		{rng(i64(0), i64(100), "", v)},
	} {
		_, err := m.ApplyChange(v, changes)
		assert.True(rkerror.Is(err, rkerror.RK_INVALID_RANGE_MAP), "case %d: %v", i, err)
	}
}

func TestAtMostOneOwnerAfterRandomChanges(t *testing.T) {
	assert := assert.New(t)
	r := rand.New(rand.NewSource(7))
	shards := []string{"A", "B", "C"}

	m, err := kr.NewRangeMap("db.coll", []kr.Range{rng(kr.MinKey, kr.MaxKey, "A", kr.InitialVersion("e"))})
	assert.NoError(err)

	for step := 0; step < 200; step++ {
		ranges := m.Ranges()
		target := ranges[r.Intn(len(ranges))]
		var changes []kr.Range
		at := i64(int64(r.Intn(1000)))
		if target.Contains(at) && !target.Min.Equal(at) && r.Intn(2) == 0 {
			changes = []kr.Range{
				rng(target.Min, at, target.ShardID, kr.Version{}),
				rng(at, target.Max, target.ShardID, kr.Version{}),
			}
		} else {
			changes = []kr.Range{rng(target.Min, target.Max, shards[r.Intn(len(shards))], kr.Version{})}
		}
		next, err := m.ApplyChange(m.Version(), changes)
		assert.NoError(err)
		assert.True(m.Version().OlderThan(next.Version()))

		_, err = kr.NewRangeMap("db.coll", next.Ranges())
		assert.NoError(err)
		for k := int64(-10); k < 1010; k += 37 {
			owners := 0
			for _, rr := range next.Ranges() {
				if rr.Contains(i64(k)) {
					owners++
				}
			}
			assert.Equal(1, owners)
		}
		m = next
	}
}

func TestRangeMapDBRoundTripDetectsCorruption(t *testing.T) {
	assert := assert.New(t)
	m := threeChunks(t)

	state := m.ToDB()
	back, err := kr.RangeMapFromDB(state)
	assert.NoError(err)
	assert.Equal(m.Ranges(), back.Ranges())

	state.Version.Major = 9
	_, err = kr.RangeMapFromDB(state)
	assert.True(rkerror.Is(err, rkerror.RK_METADATA_CORRUPTION))

	state = m.ToDB()
	state.Chunks = state.Chunks[1:]
	_, err = kr.RangeMapFromDB(state)
	assert.True(rkerror.Is(err, rkerror.RK_METADATA_CORRUPTION))
}
