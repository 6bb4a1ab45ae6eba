package kr

import (
	"fmt"
)

// Version identifies a state of a namespace's RangeMap. Versions of one epoch
// are totally ordered by (Major, Minor); the epoch changes only when the
// collection is sharded anew.
type Version struct {
	Epoch string `json:"epoch"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

func InitialVersion(epoch string) Version {
	return Version{Epoch: epoch, Major: 1}
}

func (v Version) IsZero() bool {
	return v.Epoch == "" && v.Major == 0 && v.Minor == 0
}

func (v Version) Equal(other Version) bool {
	return v == other
}

// OlderThan reports whether v precedes other. A version from another epoch
// is always considered older.
func (v Version) OlderThan(other Version) bool {
	if v.Epoch != other.Epoch {
		return true
	}
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// AtLeast reports whether v is the same as or newer than other within one epoch.
func (v Version) AtLeast(other Version) bool {
	return v.Epoch == other.Epoch && !v.OlderThan(other)
}

// NextMajor is used when ownership of some range changes.
func (v Version) NextMajor() Version {
	return Version{Epoch: v.Epoch, Major: v.Major + 1}
}

// NextMinor is used for changes that keep owners, such as split and merge.
func (v Version) NextMinor() Version {
	return Version{Epoch: v.Epoch, Major: v.Major, Minor: v.Minor + 1}
}

func (v Version) String() string {
	return fmt.Sprintf("%d|%d||%s", v.Major, v.Minor, v.Epoch)
}
