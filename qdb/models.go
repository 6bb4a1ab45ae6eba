package qdb

import (
	"fmt"
	"time"
)

// KeyBound is the stored form of a shard key bound.
type KeyBound struct {
	Kind int    `json:"kind"`
	Raw  []byte `json:"raw,omitempty"`
}

type ChunkVersion struct {
	Epoch string `json:"epoch"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

func (v ChunkVersion) String() string {
	return fmt.Sprintf("%d|%d||%s", v.Major, v.Minor, v.Epoch)
}

type Chunk struct {
	Min     KeyBound     `json:"min"`
	Max     KeyBound     `json:"max"`
	ShardID string       `json:"shard_id"`
	Version ChunkVersion `json:"version"`
}

// RangeMapState is the persisted routing table of one namespace.
type RangeMapState struct {
	Namespace string       `json:"namespace"`
	Version   ChunkVersion `json:"version"`
	Chunks    []*Chunk     `json:"chunks"`
}

func (s *RangeMapState) Copy() *RangeMapState {
	res := &RangeMapState{
		Namespace: s.Namespace,
		Version:   s.Version,
		Chunks:    make([]*Chunk, 0, len(s.Chunks)),
	}
	for _, c := range s.Chunks {
		cc := *c
		res.Chunks = append(res.Chunks, &cc)
	}
	return res
}

type Collection struct {
	Namespace     string    `json:"namespace"`
	Epoch         string    `json:"epoch"`
	ShardKeyField string    `json:"shard_key_field"`
	HashFunction  string    `json:"hash_function,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type HistoryKind string

const (
	HistoryCreate  = HistoryKind("create")
	HistoryMigrate = HistoryKind("migrate")
	HistorySplit   = HistoryKind("split")
	HistoryMerge   = HistoryKind("merge")
)

// HistoryEntry records one routing change. Entries of a namespace are
// append-only.
type HistoryEntry struct {
	Namespace string       `json:"namespace"`
	Version   ChunkVersion `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      HistoryKind  `json:"kind"`
	FromShard string       `json:"from_shard,omitempty"`
	ToShard   string       `json:"to_shard"`
	Min       KeyBound     `json:"min"`
	Max       KeyBound     `json:"max"`
}

type MigrationState string

const (
	MigrationNotStarted = MigrationState("NOT_STARTED")
	MigrationCloning    = MigrationState("CLONING")
	MigrationCatchingUp = MigrationState("CATCHING_UP")
	MigrationCommitting = MigrationState("COMMITTING")
	MigrationCommitted  = MigrationState("COMMITTED")
	MigrationAborted    = MigrationState("ABORTED")
)

func (s MigrationState) Terminal() bool {
	return s == MigrationCommitted || s == MigrationAborted
}

// Migration is the durable record of a chunk move in progress.
type Migration struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Min       KeyBound       `json:"min"`
	Max       KeyBound       `json:"max"`
	Donor     string         `json:"donor"`
	Recipient string         `json:"recipient"`
	State     MigrationState `json:"state"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Shard struct {
	ID    string   `json:"id"`
	Hosts []string `json:"hosts"`
}

func NewShard(ID string, hosts []string) *Shard {
	return &Shard{
		ID:    ID,
		Hosts: hosts,
	}
}
