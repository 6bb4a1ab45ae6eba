package kr

import (
	"fmt"

	"github.com/pg-sharding/rangekeeper/qdb"
)

// Bounds is the half-open key interval [Min, Max).
type Bounds struct {
	Min Key `json:"min"`
	Max Key `json:"max"`
}

func NewBounds(min, max Key) Bounds {
	return Bounds{Min: min, Max: max}
}

// FullBounds covers the whole key space.
func FullBounds() Bounds {
	return Bounds{Min: MinKey, Max: MaxKey}
}

func (b Bounds) Empty() bool {
	return !b.Min.Less(b.Max)
}

func (b Bounds) Contains(key Key) bool {
	return !key.Less(b.Min) && key.Less(b.Max)
}

func (b Bounds) Overlaps(other Bounds) bool {
	return b.Min.Less(other.Max) && other.Min.Less(b.Max)
}

// Covers reports whether other lies entirely inside b.
func (b Bounds) Covers(other Bounds) bool {
	return !other.Min.Less(b.Min) && !b.Max.Less(other.Max)
}

func (b Bounds) Equal(other Bounds) bool {
	return b.Min.Equal(other.Min) && b.Max.Equal(other.Max)
}

// Intersect returns the common part of both intervals and false if they are disjoint.
func (b Bounds) Intersect(other Bounds) (Bounds, bool) {
	if !b.Overlaps(other) {
		return Bounds{}, false
	}
	res := b
	if res.Min.Less(other.Min) {
		res.Min = other.Min
	}
	if other.Max.Less(res.Max) {
		res.Max = other.Max
	}
	return res, true
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%s, %s)", b.Min, b.Max)
}

// Range is a chunk: a key interval owned by one shard.
type Range struct {
	Bounds
	ShardID string  `json:"shard_id"`
	Version Version `json:"version"`
}

func (r Range) String() string {
	return fmt.Sprintf("%s -> %s @ %s", r.Bounds, r.ShardID, r.Version)
}

func KeyToDB(k Key) qdb.KeyBound {
	return qdb.KeyBound{Kind: int(k.Kind), Raw: k.Raw}
}

func KeyFromDB(k qdb.KeyBound) Key {
	return Key{Kind: KeyKind(k.Kind), Raw: k.Raw}
}

func VersionToDB(v Version) qdb.ChunkVersion {
	return qdb.ChunkVersion{Epoch: v.Epoch, Major: v.Major, Minor: v.Minor}
}

func VersionFromDB(v qdb.ChunkVersion) Version {
	return Version{Epoch: v.Epoch, Major: v.Major, Minor: v.Minor}
}

func BoundsToDB(b Bounds) (qdb.KeyBound, qdb.KeyBound) {
	return KeyToDB(b.Min), KeyToDB(b.Max)
}

func BoundsFromDB(min, max qdb.KeyBound) Bounds {
	return Bounds{Min: KeyFromDB(min), Max: KeyFromDB(max)}
}

func RangeToDB(r Range) *qdb.Chunk {
	return &qdb.Chunk{
		Min:     KeyToDB(r.Min),
		Max:     KeyToDB(r.Max),
		ShardID: r.ShardID,
		Version: VersionToDB(r.Version),
	}
}

func RangeFromDB(c *qdb.Chunk) Range {
	return Range{
		Bounds:  BoundsFromDB(c.Min, c.Max),
		ShardID: c.ShardID,
		Version: VersionFromDB(c.Version),
	}
}
