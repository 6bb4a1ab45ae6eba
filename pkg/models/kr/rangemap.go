package kr

import (
	"sort"

	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/qdb"
)

// StaleVersionError is returned when a caller acts on a RangeMap version that
// is no longer current.
type StaleVersionError struct {
	Namespace string
	Expected  Version
	Current   Version
}

var _ rkerror.Coded = &StaleVersionError{}

func (e *StaleVersionError) Error() string {
	return "StaleVersion: namespace " + e.Namespace + " expected version " + e.Expected.String() + ", current " + e.Current.String()
}

func (e *StaleVersionError) Code() string {
	return rkerror.RK_STALE_VERSION
}

// RangeMap is an immutable, validated routing table of one namespace.
type RangeMap struct {
	namespace string
	version   Version
	ranges    []Range
}

// NewRangeMap validates ranges and builds a map. The map version is the
// greatest version among its ranges.
func NewRangeMap(namespace string, ranges []Range) (*RangeMap, error) {
	if len(ranges) == 0 {
		return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "namespace %s has no ranges", namespace)
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Min.Less(sorted[j].Min)
	})

	if !sorted[0].Min.IsMin() {
		return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "first range of %s starts at %s instead of MinKey", namespace, sorted[0].Min)
	}
	if !sorted[len(sorted)-1].Max.IsMax() {
		return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "last range of %s ends at %s instead of MaxKey", namespace, sorted[len(sorted)-1].Max)
	}

	version := sorted[0].Version
	for i, r := range sorted {
		if r.Empty() {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "range %s of %s is empty", r.Bounds, namespace)
		}
		if r.ShardID == "" {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "range %s of %s has no owner", r.Bounds, namespace)
		}
		if r.Version.Epoch != version.Epoch {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "range %s of %s belongs to epoch %s, expected %s", r.Bounds, namespace, r.Version.Epoch, version.Epoch)
		}
		if i > 0 && !sorted[i-1].Max.Equal(r.Min) {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "ranges %s and %s of %s are not contiguous", sorted[i-1].Bounds, r.Bounds, namespace)
		}
		if version.OlderThan(r.Version) {
			version = r.Version
		}
	}

	return &RangeMap{
		namespace: namespace,
		version:   version,
		ranges:    sorted,
	}, nil
}

func (m *RangeMap) Namespace() string {
	return m.namespace
}

func (m *RangeMap) Version() Version {
	return m.version
}

// Ranges returns a copy of the ranges ordered by Min.
func (m *RangeMap) Ranges() []Range {
	res := make([]Range, len(m.ranges))
	copy(res, m.ranges)
	return res
}

func (m *RangeMap) index(key Key) int {
	return sort.Search(len(m.ranges), func(i int) bool {
		return key.Less(m.ranges[i].Max)
	})
}

// LookupRange returns the range containing key.
func (m *RangeMap) LookupRange(key Key) (Range, error) {
	if key.IsMax() {
		return Range{}, rkerror.Newf(rkerror.RK_KEY_OUT_OF_RANGE, "MaxKey is not a routable key in %s", m.namespace)
	}
	i := m.index(key)
	if i == len(m.ranges) || !m.ranges[i].Contains(key) {
		return Range{}, rkerror.Newf(rkerror.RK_KEY_OUT_OF_RANGE, "key %s is not covered by %s at %s", key, m.namespace, m.version)
	}
	return m.ranges[i], nil
}

// Lookup returns the owner of key.
func (m *RangeMap) Lookup(key Key) (string, error) {
	r, err := m.LookupRange(key)
	if err != nil {
		return "", err
	}
	return r.ShardID, nil
}

// Overlapping returns ranges intersecting b, in key order.
func (m *RangeMap) Overlapping(b Bounds) []Range {
	var res []Range
	for i := m.index(b.Min); i < len(m.ranges); i++ {
		if !m.ranges[i].Min.Less(b.Max) {
			break
		}
		if m.ranges[i].Overlaps(b) {
			res = append(res, m.ranges[i])
		}
	}
	return res
}

// OwnsAll reports whether every key of b belongs to shard.
func (m *RangeMap) OwnsAll(b Bounds, shard string) bool {
	over := m.Overlapping(b)
	if len(over) == 0 || b.Empty() {
		return false
	}
	for _, r := range over {
		if r.ShardID != shard {
			return false
		}
	}
	return true
}

// OwnedBy returns ranges owned by shard, in key order.
func (m *RangeMap) OwnedBy(shard string) []Range {
	var res []Range
	for _, r := range m.ranges {
		if r.ShardID == shard {
			res = append(res, r)
		}
	}
	return res
}

// ExactRange returns the range whose bounds are exactly b.
func (m *RangeMap) ExactRange(b Bounds) (Range, bool) {
	i := m.index(b.Min)
	if i < len(m.ranges) && m.ranges[i].Bounds.Equal(b) {
		return m.ranges[i], true
	}
	return Range{}, false
}

// ApplyChange returns a new map in which changes replace the ranges they
// cover. changes must be contiguous and start and end on existing range
// boundaries. The receiver is left untouched.
func (m *RangeMap) ApplyChange(oldVersion Version, changes []Range) (*RangeMap, error) {
	if !oldVersion.Equal(m.version) {
		return nil, &StaleVersionError{Namespace: m.namespace, Expected: oldVersion, Current: m.version}
	}
	if len(changes) == 0 {
		return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "empty change set for %s", m.namespace)
	}
	for i := range changes {
		if changes[i].Empty() {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "change %s is empty", changes[i].Bounds)
		}
		if changes[i].ShardID == "" {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "change %s has no owner", changes[i].Bounds)
		}
		if i > 0 && !changes[i-1].Max.Equal(changes[i].Min) {
			return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "changes %s and %s are not sorted and contiguous", changes[i-1].Bounds, changes[i].Bounds)
		}
	}
	covered := Bounds{Min: changes[0].Min, Max: changes[len(changes)-1].Max}

	first := m.index(covered.Min)
	if first == len(m.ranges) || !m.ranges[first].Min.Equal(covered.Min) {
		return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "change start %s is not a range boundary of %s", covered.Min, m.namespace)
	}
	last := first
	for last < len(m.ranges) && m.ranges[last].Max.Less(covered.Max) {
		last++
	}
	if last == len(m.ranges) || !m.ranges[last].Max.Equal(covered.Max) {
		return nil, rkerror.Newf(rkerror.RK_INVALID_RANGE_MAP, "change end %s is not a range boundary of %s", covered.Max, m.namespace)
	}

	ownerChanged := false
	for _, c := range changes {
		for _, r := range m.ranges[first : last+1] {
			if r.Overlaps(c.Bounds) && r.ShardID != c.ShardID {
				ownerChanged = true
			}
		}
	}
	next := m.version.NextMinor()
	if ownerChanged {
		next = m.version.NextMajor()
	}

	ranges := make([]Range, 0, len(m.ranges)-(last-first+1)+len(changes))
	ranges = append(ranges, m.ranges[:first]...)
	for _, c := range changes {
		c.Version = next
		ranges = append(ranges, c)
	}
	ranges = append(ranges, m.ranges[last+1:]...)

	return &RangeMap{
		namespace: m.namespace,
		version:   next,
		ranges:    ranges,
	}, nil
}

// Diff returns ranges changed after from. When from belongs to another epoch
// every range is returned.
func (m *RangeMap) Diff(from Version) []Range {
	if from.Epoch != m.version.Epoch {
		return m.Ranges()
	}
	var res []Range
	for _, r := range m.ranges {
		if from.OlderThan(r.Version) {
			res = append(res, r)
		}
	}
	return res
}

func (m *RangeMap) ToDB() *qdb.RangeMapState {
	chunks := make([]*qdb.Chunk, 0, len(m.ranges))
	for _, r := range m.ranges {
		chunks = append(chunks, RangeToDB(r))
	}
	return &qdb.RangeMapState{
		Namespace: m.namespace,
		Version:   VersionToDB(m.version),
		Chunks:    chunks,
	}
}

// RangeMapFromDB rebuilds a map from its stored state and checks that the
// stored version agrees with the chunks.
func RangeMapFromDB(state *qdb.RangeMapState) (*RangeMap, error) {
	ranges := make([]Range, 0, len(state.Chunks))
	for _, c := range state.Chunks {
		ranges = append(ranges, RangeFromDB(c))
	}
	m, err := NewRangeMap(state.Namespace, ranges)
	if err != nil {
		return nil, rkerror.Wrapf(rkerror.RK_METADATA_CORRUPTION, err, "stored range map of %s is invalid", state.Namespace)
	}
	if stored := VersionFromDB(state.Version); !stored.Equal(m.version) {
		return nil, rkerror.Newf(rkerror.RK_METADATA_CORRUPTION, "stored version %s of %s does not match chunk version %s", stored, state.Namespace, m.version)
	}
	return m, nil
}
