package qdb

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
)

type MemQDB struct {
	mu sync.RWMutex

	Shards      map[string]*Shard          `json:"shards"`
	Collections map[string]*Collection     `json:"collections"`
	RangeMaps   map[string]*RangeMapState  `json:"range_maps"`
	History     map[string][]*HistoryEntry `json:"history"`
	Migrations  map[string]*Migration      `json:"migrations"`

	backupPath string
}

var _ QDB = &MemQDB{}

func NewMemQDB(backupPath string) (*MemQDB, error) {
	return &MemQDB{
		Shards:      map[string]*Shard{},
		Collections: map[string]*Collection{},
		RangeMaps:   map[string]*RangeMapState{},
		History:     map[string][]*HistoryEntry{},
		Migrations:  map[string]*Migration{},

		backupPath: backupPath,
	}, nil
}

// RestoreQDB loads the state saved at backupPath, creating the file if it
// does not exist yet.
func RestoreQDB(backupPath string) (*MemQDB, error) {
	qdb, err := NewMemQDB(backupPath)
	if err != nil {
		return nil, err
	}
	if backupPath == "" {
		return qdb, nil
	}
	if _, err := os.Stat(backupPath); err != nil {
		rklog.Zero.Info().Err(err).Msg("memqdb backup file not exists. Creating new one.")
		f, err := os.Create(backupPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return qdb, nil
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return qdb, nil
	}
	if err := json.Unmarshal(data, qdb); err != nil {
		return nil, rkerror.Wrapf(rkerror.RK_METADATA_CORRUPTION, err, "failed to parse memqdb backup %s", backupPath)
	}
	return qdb, nil
}

func (q *MemQDB) DumpState() error {
	if q.backupPath == "" {
		return nil
	}
	tmpPath := q.backupPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	state, err := json.MarshalIndent(q, "", "	")
	if err != nil {
		return err
	}

	if _, err = f.Write(state); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	f.Close()

	return os.Rename(tmpPath, q.backupPath)
}

// ==============================================================================
//                                  SHARDS
// ==============================================================================

func (q *MemQDB) AddShard(ctx context.Context, shard *Shard) error {
	rklog.Zero.Debug().Interface("shard", shard).Msg("memqdb: add shard")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Shards, shard.ID, shard))
}

func (q *MemQDB) ListShards(ctx context.Context) ([]*Shard, error) {
	rklog.Zero.Debug().Msg("memqdb: list shards")
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Shard, 0, len(q.Shards))
	for _, v := range q.Shards {
		ret = append(ret, v)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})

	return ret, nil
}

func (q *MemQDB) GetShard(ctx context.Context, id string) (*Shard, error) {
	rklog.Zero.Debug().Str("shard", id).Msg("memqdb: get shard")
	q.mu.RLock()
	defer q.mu.RUnlock()

	if sh, ok := q.Shards[id]; ok {
		return sh, nil
	}

	return nil, rkerror.Newf(rkerror.RK_SHARD_NOT_FOUND, "unknown shard %s", id)
}

func (q *MemQDB) DropShard(ctx context.Context, id string) error {
	rklog.Zero.Debug().Str("shard", id).Msg("memqdb: drop shard")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Shards, id))
}

// ==============================================================================
//                                COLLECTIONS
// ==============================================================================

func (q *MemQDB) CreateCollection(ctx context.Context, coll *Collection, state *RangeMapState, history []*HistoryEntry) error {
	rklog.Zero.Debug().Interface("collection", coll).Msg("memqdb: create collection")
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.Collections[coll.Namespace]; ok {
		return rkerror.Newf(rkerror.RK_NAMESPACE_EXISTS, "namespace %s is already sharded", coll.Namespace)
	}

	return ExecuteCommands(q.DumpState,
		NewUpdateCommand(q.Collections, coll.Namespace, coll),
		NewUpdateCommand(q.RangeMaps, coll.Namespace, state.Copy()),
		NewAppendCommand(q.History, coll.Namespace, history...))
}

func (q *MemQDB) GetCollection(ctx context.Context, namespace string) (*Collection, error) {
	rklog.Zero.Debug().Str("namespace", namespace).Msg("memqdb: get collection")
	q.mu.RLock()
	defer q.mu.RUnlock()

	coll, ok := q.Collections[namespace]
	if !ok {
		return nil, rkerror.Newf(rkerror.RK_NAMESPACE_NOT_FOUND, "namespace %s is not sharded", namespace)
	}
	return coll, nil
}

func (q *MemQDB) ListCollections(ctx context.Context) ([]*Collection, error) {
	rklog.Zero.Debug().Msg("memqdb: list collections")
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Collection, 0, len(q.Collections))
	for _, v := range q.Collections {
		ret = append(ret, v)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Namespace < ret[j].Namespace
	})
	return ret, nil
}

// ==============================================================================
//                                RANGE MAPS
// ==============================================================================

func (q *MemQDB) GetRangeMapState(ctx context.Context, namespace string) (*RangeMapState, error) {
	rklog.Zero.Debug().Str("namespace", namespace).Msg("memqdb: get range map")
	q.mu.RLock()
	defer q.mu.RUnlock()

	state, ok := q.RangeMaps[namespace]
	if !ok {
		return nil, rkerror.Newf(rkerror.RK_NAMESPACE_NOT_FOUND, "namespace %s is not sharded", namespace)
	}
	return state.Copy(), nil
}

func (q *MemQDB) CommitRangeMapState(ctx context.Context, namespace string, expected ChunkVersion, state *RangeMapState, history []*HistoryEntry) error {
	rklog.Zero.Debug().
		Str("namespace", namespace).
		Str("expected", expected.String()).
		Str("version", state.Version.String()).
		Msg("memqdb: commit range map")
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.RangeMaps[namespace]
	if !ok {
		return rkerror.Newf(rkerror.RK_NAMESPACE_NOT_FOUND, "namespace %s is not sharded", namespace)
	}
	if current.Version != expected {
		return rkerror.Newf(rkerror.RK_STALE_VERSION, "namespace %s is at version %s, expected %s", namespace, current.Version, expected)
	}

	return ExecuteCommands(q.DumpState,
		NewUpdateCommand(q.RangeMaps, namespace, state.Copy()),
		NewAppendCommand(q.History, namespace, history...))
}

func (q *MemQDB) ListChunkHistory(ctx context.Context, namespace string) ([]*HistoryEntry, error) {
	rklog.Zero.Debug().Str("namespace", namespace).Msg("memqdb: list chunk history")
	q.mu.RLock()
	defer q.mu.RUnlock()

	if _, ok := q.Collections[namespace]; !ok {
		return nil, rkerror.Newf(rkerror.RK_NAMESPACE_NOT_FOUND, "namespace %s is not sharded", namespace)
	}
	ret := make([]*HistoryEntry, len(q.History[namespace]))
	copy(ret, q.History[namespace])
	return ret, nil
}

// ==============================================================================
//                                 MIGRATIONS
// ==============================================================================

func (q *MemQDB) RecordMigration(ctx context.Context, m *Migration) error {
	rklog.Zero.Debug().Str("id", m.ID).Msg("memqdb: record migration")
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := *m
	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Migrations, m.ID, &cp))
}

func (q *MemQDB) UpdateMigrationState(ctx context.Context, id string, state MigrationState, errMsg string) error {
	rklog.Zero.Debug().Str("id", id).Str("state", string(state)).Msg("memqdb: update migration state")
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.Migrations[id]
	if !ok {
		return rkerror.Newf(rkerror.RK_MIGRATION_NOT_FOUND, "no migration %s", id)
	}
	prev := *m
	return ExecuteCommands(q.DumpState, NewCustomCommand(func() error {
		m.State = state
		m.Error = errMsg
		m.UpdatedAt = time.Now()
		return nil
	}, func() error {
		*m = prev
		return nil
	}))
}

func (q *MemQDB) GetMigration(ctx context.Context, id string) (*Migration, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	m, ok := q.Migrations[id]
	if !ok {
		return nil, rkerror.Newf(rkerror.RK_MIGRATION_NOT_FOUND, "no migration %s", id)
	}
	cp := *m
	return &cp, nil
}

func (q *MemQDB) ListMigrations(ctx context.Context) ([]*Migration, error) {
	rklog.Zero.Debug().Msg("memqdb: list migrations")
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Migration, 0, len(q.Migrations))
	for _, m := range q.Migrations {
		cp := *m
		ret = append(ret, &cp)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret, nil
}

func (q *MemQDB) DeleteMigration(ctx context.Context, id string) error {
	rklog.Zero.Debug().Str("id", id).Msg("memqdb: delete migration")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Migrations, id))
}

func (q *MemQDB) TryCoordinatorLock(ctx context.Context, addr string) error {
	return nil
}
