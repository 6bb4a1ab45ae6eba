package rangedeleter

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pkg/errors"
)

type TaskState string

const (
	TaskPending           = TaskState("pending")
	TaskWaitingForReaders = TaskState("waiting_for_readers")
	TaskDeleting          = TaskState("deleting")
	TaskDone              = TaskState("done")
)

// Task asks to physically remove the documents of Range from ShardID.
// Provisional tasks belong to a migration in flight and are never
// processed until activated.
type Task struct {
	ID          string     `json:"id"`
	Namespace   string     `json:"namespace"`
	Range       kr.Bounds  `json:"range"`
	ShardID     string     `json:"shard_id"`
	MigrationID string     `json:"migration_id,omitempty"`
	Version     kr.Version `json:"version"`
	State       TaskState  `json:"state"`
	Provisional bool       `json:"provisional"`
	WhenToClean time.Time  `json:"when_to_clean"`
	CreatedAt   time.Time  `json:"created_at"`
}

// sameWork reports whether both tasks describe the same deletion.
func (t *Task) sameWork(other *Task) bool {
	return t.Namespace == other.Namespace &&
		t.ShardID == other.ShardID &&
		t.Range.Equal(other.Range) &&
		t.Version.Equal(other.Version)
}

const taskKeyPrefix = "rangedeleter/task/"

func taskKey(id string) []byte {
	return []byte(taskKeyPrefix + id)
}

// taskStore persists tasks in badger. Every write is synced before it returns.
type taskStore struct {
	db *badger.DB
}

func openTaskStore(dir string, shardID string) (*taskStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{shardID: shardID}).
		WithSyncWrites(true)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening range deletion task table %#q", dir)
	}
	return &taskStore{db: db}, nil
}

func (s *taskStore) close() error {
	return s.db.Close()
}

func (s *taskStore) put(t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(taskKey(t.ID), raw)
	})
}

func (s *taskStore) get(id string) (*Task, error) {
	var t Task
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(taskKey(id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &t)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, rkerror.Newf(rkerror.RK_TASK_NOT_FOUND, "range deletion task %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *taskStore) remove(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(taskKey(id))
	})
}

// update applies f to the stored task inside one transaction.
func (s *taskStore) update(id string, f func(t *Task) error) (*Task, error) {
	var t Task
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(taskKey(id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if err := f(&t); err != nil {
			return err
		}
		raw, err = json.Marshal(&t)
		if err != nil {
			return err
		}
		return txn.Set(taskKey(id), raw)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, rkerror.Newf(rkerror.RK_TASK_NOT_FOUND, "range deletion task %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *taskStore) list() ([]*Task, error) {
	var res []*Task
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(taskKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var t Task
			if err := json.Unmarshal(raw, &t); err != nil {
				return errors.Wrapf(err, "corrupted range deletion task %s", it.Item().Key())
			}
			res = append(res, &t)
		}
		return nil
	})
	return res, err
}
