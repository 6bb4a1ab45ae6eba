package qdb

import (
	"context"
	"fmt"
)

//go:generate mockgen -source=qdb.go -destination=mock/qdb.go -package=mock

// QDB is the durable store of cluster metadata: shards, collections, their
// routing tables with history, and live migration records.
type QDB interface {
	AddShard(ctx context.Context, shard *Shard) error
	ListShards(ctx context.Context) ([]*Shard, error)
	GetShard(ctx context.Context, shardID string) (*Shard, error)
	DropShard(ctx context.Context, shardID string) error

	// CreateCollection stores a new collection with its initial routing table.
	// It fails with NamespaceExists if the namespace is already sharded.
	CreateCollection(ctx context.Context, coll *Collection, state *RangeMapState, history []*HistoryEntry) error
	GetCollection(ctx context.Context, namespace string) (*Collection, error)
	ListCollections(ctx context.Context) ([]*Collection, error)

	GetRangeMapState(ctx context.Context, namespace string) (*RangeMapState, error)
	// CommitRangeMapState replaces the routing table and appends history
	// atomically, provided the stored version still equals expected.
	// Otherwise it fails with StaleVersion and changes nothing.
	CommitRangeMapState(ctx context.Context, namespace string, expected ChunkVersion, state *RangeMapState, history []*HistoryEntry) error
	ListChunkHistory(ctx context.Context, namespace string) ([]*HistoryEntry, error)

	RecordMigration(ctx context.Context, migration *Migration) error
	UpdateMigrationState(ctx context.Context, id string, state MigrationState, errMsg string) error
	GetMigration(ctx context.Context, id string) (*Migration, error)
	ListMigrations(ctx context.Context) ([]*Migration, error)
	DeleteMigration(ctx context.Context, id string) error

	TryCoordinatorLock(ctx context.Context, addr string) error
}

func NewQDB(qdbType string, addr string, backupPath string) (QDB, error) {
	switch qdbType {
	case "etcd":
		return NewEtcdQDB(addr)
	case "mem", "":
		return RestoreQDB(backupPath)
	default:
		return nil, fmt.Errorf("qdb implementation %s is invalid", qdbType)
	}
}
