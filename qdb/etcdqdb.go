package qdb

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/pkg/statistics"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
	"go.etcd.io/etcd/client/v3/concurrency"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	retry "github.com/sethvargo/go-retry"
)

type EtcdQDB struct {
	cli *clientv3.Client
}

var _ QDB = &EtcdQDB{}

func NewEtcdQDB(addr string) (*EtcdQDB, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr},
		DialTimeout: 5 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		return nil, err
	}

	rklog.Zero.Debug().
		Str("address", addr).
		Uint("client", rklog.GetPointer(cli)).
		Msg("etcdqdb: NewEtcdQDB")

	return &EtcdQDB{
		cli: cli,
	}, nil
}

const (
	shardsNamespace       = "/shards/"
	collectionsNamespace  = "/collections/"
	rangeMapsNamespace    = "/range_maps/"
	rangeVersionNamespace = "/range_map_versions/"
	historyNamespace      = "/chunk_history/"
	migrationsNamespace   = "/migrations/"

	CoordKeepAliveTtl = 3
	coordLockKey      = "coordinator_exists"
	historySpace      = "history_space"
)

func shardNodePath(key string) string {
	return path.Join(shardsNamespace, key)
}

func collectionNodePath(ns string) string {
	return path.Join(collectionsNamespace, ns)
}

func rangeMapNodePath(ns string) string {
	return path.Join(rangeMapsNamespace, ns)
}

func rangeVersionNodePath(ns string) string {
	return path.Join(rangeVersionNamespace, ns)
}

func historyNodePrefix(ns string) string {
	return path.Join(historyNamespace, ns) + "/"
}

// History keys sort by commit time, then by position inside the commit.
func historyNodePath(ns string, e *HistoryEntry, idx int) string {
	return historyNodePrefix(ns) + fmt.Sprintf("%020d-%05d", e.Timestamp.UnixNano(), idx)
}

func migrationNodePath(id string) string {
	return path.Join(migrationsNamespace, id)
}

func (q *EtcdQDB) Client() *clientv3.Client {
	return q.cli
}

func (q *EtcdQDB) fetch(ctx context.Context, nodePath string, dst any) error {
	resp, err := q.cli.Get(ctx, nodePath)
	if err != nil {
		return err
	}
	switch len(resp.Kvs) {
	case 0:
		return errNotFound
	case 1:
		return json.Unmarshal(resp.Kvs[0].Value, dst)
	default:
		return rkerror.Newf(rkerror.RK_METADATA_CORRUPTION, "possible data corruption: multiple key-value pairs found for %v", nodePath)
	}
}

var errNotFound = fmt.Errorf("etcdqdb: key not found")

func (q *EtcdQDB) commitStatements(ctx context.Context, stmts []QdbStatement) (bool, error) {
	cmps, ops, err := packEtcdCommands(stmts)
	if err != nil {
		return false, err
	}
	resp, err := q.cli.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func putStatement(key string, v any) (QdbStatement, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return QdbStatement{}, err
	}
	return QdbStatement{CmdType: CMD_PUT, Key: key, Value: string(raw)}, nil
}

func historyStatements(ns string, history []*HistoryEntry) ([]QdbStatement, error) {
	stmts := make([]QdbStatement, 0, len(history))
	for i, e := range history {
		stmt, err := putStatement(historyNodePath(ns, e, i), e)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// ==============================================================================
//                                  SHARDS
// ==============================================================================

func (q *EtcdQDB) AddShard(ctx context.Context, shard *Shard) error {
	rklog.Zero.Debug().
		Interface("shard", shard).
		Msg("etcdqdb: add shard")

	t := time.Now()
	bytes, err := json.Marshal(shard)
	if err != nil {
		return err
	}
	resp, err := q.cli.Put(ctx, shardNodePath(shard.ID), string(bytes))
	if err != nil {
		return err
	}

	rklog.Zero.Debug().
		Interface("response", resp).
		Msg("etcdqdb: put shard to qdb")
	statistics.RecordQDBOperation("AddShard", time.Since(t))
	return nil
}

func (q *EtcdQDB) ListShards(ctx context.Context) ([]*Shard, error) {
	rklog.Zero.Debug().Msg("etcdqdb: list shards")

	t := time.Now()
	resp, err := q.cli.Get(ctx, shardsNamespace, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	shards := make([]*Shard, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var shard Shard
		if err := json.Unmarshal(kv.Value, &shard); err != nil {
			return nil, err
		}
		shards = append(shards, &shard)
	}

	sort.Slice(shards, func(i, j int) bool {
		return shards[i].ID < shards[j].ID
	})

	statistics.RecordQDBOperation("ListShards", time.Since(t))
	return shards, nil
}

func (q *EtcdQDB) GetShard(ctx context.Context, id string) (*Shard, error) {
	rklog.Zero.Debug().
		Str("id", id).
		Msg("etcdqdb: get shard")

	t := time.Now()
	var shard Shard
	err := q.fetch(ctx, shardNodePath(id), &shard)
	statistics.RecordQDBOperation("GetShard", time.Since(t))
	if err == errNotFound {
		return nil, rkerror.Newf(rkerror.RK_SHARD_NOT_FOUND, "unknown shard %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &shard, nil
}

func (q *EtcdQDB) DropShard(ctx context.Context, id string) error {
	rklog.Zero.Debug().
		Str("id", id).
		Msg("etcdqdb: drop shard")

	t := time.Now()
	_, err := q.cli.Delete(ctx, shardNodePath(id))
	statistics.RecordQDBOperation("DropShard", time.Since(t))
	return err
}

// ==============================================================================
//                                COLLECTIONS
// ==============================================================================

func (q *EtcdQDB) CreateCollection(ctx context.Context, coll *Collection, state *RangeMapState, history []*HistoryEntry) error {
	rklog.Zero.Debug().
		Interface("collection", coll).
		Msg("etcdqdb: create collection")

	t := time.Now()
	stmts := []QdbStatement{
		{CmdType: CMD_CMP_MISSING, Key: collectionNodePath(coll.Namespace)},
	}
	collStmt, err := putStatement(collectionNodePath(coll.Namespace), coll)
	if err != nil {
		return err
	}
	stateStmt, err := putStatement(rangeMapNodePath(coll.Namespace), state)
	if err != nil {
		return err
	}
	hist, err := historyStatements(coll.Namespace, history)
	if err != nil {
		return err
	}
	stmts = append(stmts, collStmt, stateStmt,
		QdbStatement{CmdType: CMD_PUT, Key: rangeVersionNodePath(coll.Namespace), Value: state.Version.String()})
	stmts = append(stmts, hist...)

	ok, err := q.commitStatements(ctx, stmts)
	statistics.RecordQDBOperation("CreateCollection", time.Since(t))
	if err != nil {
		return err
	}
	if !ok {
		return rkerror.Newf(rkerror.RK_NAMESPACE_EXISTS, "namespace %s is already sharded", coll.Namespace)
	}
	return nil
}

func (q *EtcdQDB) GetCollection(ctx context.Context, namespace string) (*Collection, error) {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Msg("etcdqdb: get collection")

	t := time.Now()
	var coll Collection
	err := q.fetch(ctx, collectionNodePath(namespace), &coll)
	statistics.RecordQDBOperation("GetCollection", time.Since(t))
	if err == errNotFound {
		return nil, rkerror.Newf(rkerror.RK_NAMESPACE_NOT_FOUND, "namespace %s is not sharded", namespace)
	}
	if err != nil {
		return nil, err
	}
	return &coll, nil
}

func (q *EtcdQDB) ListCollections(ctx context.Context) ([]*Collection, error) {
	rklog.Zero.Debug().Msg("etcdqdb: list collections")

	t := time.Now()
	resp, err := q.cli.Get(ctx, collectionsNamespace, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	ret := make([]*Collection, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var coll Collection
		if err := json.Unmarshal(kv.Value, &coll); err != nil {
			return nil, err
		}
		ret = append(ret, &coll)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Namespace < ret[j].Namespace
	})
	statistics.RecordQDBOperation("ListCollections", time.Since(t))
	return ret, nil
}

// ==============================================================================
//                                RANGE MAPS
// ==============================================================================

func (q *EtcdQDB) GetRangeMapState(ctx context.Context, namespace string) (*RangeMapState, error) {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Msg("etcdqdb: get range map")

	t := time.Now()
	var state RangeMapState
	err := q.fetch(ctx, rangeMapNodePath(namespace), &state)
	statistics.RecordQDBOperation("GetRangeMapState", time.Since(t))
	if err == errNotFound {
		return nil, rkerror.Newf(rkerror.RK_NAMESPACE_NOT_FOUND, "namespace %s is not sharded", namespace)
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// CommitRangeMapState guards the write with a compare on the version key, so
// of several concurrent commits from the same version exactly one succeeds.
func (q *EtcdQDB) CommitRangeMapState(ctx context.Context, namespace string, expected ChunkVersion, state *RangeMapState, history []*HistoryEntry) error {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Str("expected", expected.String()).
		Str("version", state.Version.String()).
		Msg("etcdqdb: commit range map")

	t := time.Now()
	stateStmt, err := putStatement(rangeMapNodePath(namespace), state)
	if err != nil {
		return err
	}
	hist, err := historyStatements(namespace, history)
	if err != nil {
		return err
	}
	stmts := []QdbStatement{
		{CmdType: CMD_CMP_VALUE, Key: rangeVersionNodePath(namespace), Value: expected.String()},
		stateStmt,
		{CmdType: CMD_PUT, Key: rangeVersionNodePath(namespace), Value: state.Version.String()},
	}
	stmts = append(stmts, hist...)

	ok, err := q.commitStatements(ctx, stmts)
	statistics.RecordQDBOperation("CommitRangeMapState", time.Since(t))
	if err != nil {
		return err
	}
	if !ok {
		resp, err := q.cli.Get(ctx, rangeVersionNodePath(namespace))
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			return rkerror.Newf(rkerror.RK_NAMESPACE_NOT_FOUND, "namespace %s is not sharded", namespace)
		}
		return rkerror.Newf(rkerror.RK_STALE_VERSION, "namespace %s is at version %s, expected %s", namespace, resp.Kvs[0].Value, expected)
	}
	return nil
}

func (q *EtcdQDB) ListChunkHistory(ctx context.Context, namespace string) ([]*HistoryEntry, error) {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Msg("etcdqdb: list chunk history")

	t := time.Now()
	resp, err := q.cli.Get(ctx, historyNodePrefix(namespace), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	ret := make([]*HistoryEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e HistoryEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, err
		}
		ret = append(ret, &e)
	}
	statistics.RecordQDBOperation("ListChunkHistory", time.Since(t))
	return ret, nil
}

// ==============================================================================
//                                 MIGRATIONS
// ==============================================================================

func (q *EtcdQDB) RecordMigration(ctx context.Context, m *Migration) error {
	rklog.Zero.Debug().
		Str("id", m.ID).
		Msg("etcdqdb: record migration")

	t := time.Now()
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	resp, err := q.cli.Put(ctx, migrationNodePath(m.ID), string(raw))
	if err != nil {
		return err
	}

	rklog.Zero.Debug().
		Interface("response", resp).
		Msg("etcdqdb: record migration")
	statistics.RecordQDBOperation("RecordMigration", time.Since(t))
	return nil
}

// UpdateMigrationState is a read-modify-write of the record guarded by its
// previous value. Conflicting writers are retried.
func (q *EtcdQDB) UpdateMigrationState(ctx context.Context, id string, state MigrationState, errMsg string) error {
	rklog.Zero.Debug().
		Str("id", id).
		Str("state", string(state)).
		Msg("etcdqdb: update migration state")

	t := time.Now()
	defer func() {
		statistics.RecordQDBOperation("UpdateMigrationState", time.Since(t))
	}()

	return retry.Do(ctx, retry.WithMaxRetries(7, retry.NewFibonacci(100*time.Millisecond)), func(ctx context.Context) error {
		resp, err := q.cli.Get(ctx, migrationNodePath(id))
		if err != nil {
			return retry.RetryableError(err)
		}
		if len(resp.Kvs) != 1 {
			return rkerror.Newf(rkerror.RK_MIGRATION_NOT_FOUND, "no migration %s", id)
		}
		var m Migration
		if err := json.Unmarshal(resp.Kvs[0].Value, &m); err != nil {
			return err
		}
		m.State = state
		m.Error = errMsg
		m.UpdatedAt = time.Now()
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		ok, err := q.commitStatements(ctx, []QdbStatement{
			{CmdType: CMD_CMP_VALUE, Key: migrationNodePath(id), Value: string(resp.Kvs[0].Value)},
			{CmdType: CMD_PUT, Key: migrationNodePath(id), Value: string(raw)},
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		if !ok {
			return retry.RetryableError(fmt.Errorf("migration %s was modified concurrently", id))
		}
		return nil
	})
}

func (q *EtcdQDB) GetMigration(ctx context.Context, id string) (*Migration, error) {
	rklog.Zero.Debug().
		Str("id", id).
		Msg("etcdqdb: get migration")

	var m Migration
	err := q.fetch(ctx, migrationNodePath(id), &m)
	if err == errNotFound {
		return nil, rkerror.Newf(rkerror.RK_MIGRATION_NOT_FOUND, "no migration %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (q *EtcdQDB) ListMigrations(ctx context.Context) ([]*Migration, error) {
	rklog.Zero.Debug().Msg("etcdqdb: list migrations")
	t := time.Now()

	resp, err := q.cli.Get(ctx, migrationsNamespace, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	ret := make([]*Migration, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m Migration
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			return nil, err
		}
		ret = append(ret, &m)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})

	statistics.RecordQDBOperation("ListMigrations", time.Since(t))
	return ret, nil
}

func (q *EtcdQDB) DeleteMigration(ctx context.Context, id string) error {
	rklog.Zero.Debug().
		Str("id", id).
		Msg("etcdqdb: delete migration")
	t := time.Now()

	_, err := q.cli.Delete(ctx, migrationNodePath(id))

	statistics.RecordQDBOperation("DeleteMigration", time.Since(t))
	return err
}

// ==============================================================================
//                                COORDINATOR
// ==============================================================================

// TryCoordinatorLock makes this process the only coordinator working with the
// qdb. The lock lives as long as the process keeps its lease alive.
func (q *EtcdQDB) TryCoordinatorLock(ctx context.Context, addr string) error {
	rklog.Zero.Debug().
		Str("address", addr).
		Msg("etcdqdb: try coordinator lock")

	leaseGrantResp, err := q.cli.Grant(ctx, CoordKeepAliveTtl)
	if err != nil {
		rklog.Zero.Error().Err(err).Msg("etcdqdb: lease grant failed")
		return err
	}

	keepAliveCh, err := q.cli.KeepAlive(context.Background(), leaseGrantResp.ID)
	if err != nil {
		rklog.Zero.Error().Err(err).Msg("etcdqdb: lease keep alive failed")
		return err
	}

	op := clientv3.OpPut(coordLockKey, addr, clientv3.WithLease(clientv3.LeaseID(leaseGrantResp.ID)))
	tx := q.cli.Txn(ctx).If(clientv3util.KeyMissing(coordLockKey)).Then(op)
	stat, err := tx.Commit()
	if err != nil {
		rklog.Zero.Error().Err(err).Msg("etcdqdb: failed to commit coordinator lock")
		return err
	}

	if !stat.Succeeded {
		_, err := q.cli.Revoke(ctx, leaseGrantResp.ID)
		if err != nil {
			return err
		}
		return rkerror.New(rkerror.RK_CONFLICTING_OPERATION, "qdb is already in use")
	}

	go func() {
		for resp := range keepAliveCh {
			rklog.Zero.Debug().
				Uint64("raft-term", resp.RaftTerm).
				Int64("lease-id", int64(resp.ID)).
				Msg("etcd keep alive channel")
		}
	}()

	return nil
}

// LockNamespace takes a cluster-wide mutex on one namespace. Metadata
// changes from several coordinator processes serialize on it before the
// final compare-and-swap.
func (q *EtcdQDB) LockNamespace(ctx context.Context, namespace string) (func(), error) {
	sess, err := concurrency.NewSession(q.cli)
	if err != nil {
		return nil, err
	}
	mu := concurrency.NewMutex(sess, path.Join("/lock", historySpace, namespace))
	if err := mu.Lock(ctx); err != nil {
		closeSession(sess)
		return nil, err
	}
	return func() {
		unlockMutex(mu, context.Background())
		closeSession(sess)
	}, nil
}
