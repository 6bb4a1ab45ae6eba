package docstore

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/dustin/go-humanize"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Document is a stored document together with its shard key.
type Document struct {
	ID   string   `json:"id"`
	Key  kr.Key   `json:"key"`
	Body bson.Raw `json:"body"`
}

// DocumentRef identifies a document without its body.
type DocumentRef struct {
	ID  string `json:"id"`
	Key kr.Key `json:"key"`
}

func (d Document) Ref() DocumentRef {
	return DocumentRef{ID: d.ID, Key: d.Key}
}

// Store is the physical document storage of one shard. It knows nothing
// about ownership: orphaned documents stay here until range deletion
// removes them.
type Store struct {
	db  *pebble.DB
	dir string
}

// Open opens the store in dir. A nil fs means the OS filesystem.
func Open(dir string, fs vfs.FS) (*Store, error) {
	opts := &pebble.Options{Logger: &pebbleLogger{dir: dir}}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open document store at %s", dir)
	}
	rklog.Zero.Debug().Str("dir", dir).Msg("docstore: opened")
	return &Store{db: db, dir: dir}, nil
}

// OpenInMemory is used by tests and by shards without a data directory.
func OpenInMemory() (*Store, error) {
	return Open("docstore", vfs.NewMem())
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ns string, doc Document) error {
	return s.db.Set(documentKey(ns, doc.Key, doc.ID), doc.Body, pebble.Sync)
}

func (s *Store) Delete(ns string, ref DocumentRef) error {
	return s.db.Delete(documentKey(ns, ref.Key, ref.ID), pebble.Sync)
}

func (s *Store) Get(ns string, ref DocumentRef) (Document, bool, error) {
	val, closer, err := s.db.Get(documentKey(ns, ref.Key, ref.ID))
	if err == pebble.ErrNotFound {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	defer closer.Close()

	body := make([]byte, len(val))
	copy(body, val)
	return Document{ID: ref.ID, Key: ref.Key, Body: body}, true, nil
}

// Apply writes puts and deletes in one atomic batch.
func (s *Store) Apply(ns string, puts []Document, deletes []DocumentRef) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	size := 0
	for _, d := range puts {
		size += len(d.Body)
		if err := batch.Set(documentKey(ns, d.Key, d.ID), d.Body, nil); err != nil {
			return err
		}
	}
	for _, r := range deletes {
		if err := batch.Delete(documentKey(ns, r.Key, r.ID), nil); err != nil {
			return err
		}
	}
	rklog.Zero.Debug().
		Str("namespace", ns).
		Int("puts", len(puts)).
		Int("deletes", len(deletes)).
		Str("size", humanize.Bytes(uint64(size))).
		Msg("docstore: apply batch")
	return batch.Commit(pebble.Sync)
}

// Scan calls fn for every document of ns in b, in shard key order.
func (s *Store) Scan(ctx context.Context, ns string, b kr.Bounds, fn func(Document) error) error {
	return scan(ctx, s.db, ns, b, fn)
}

func (s *Store) Count(ctx context.Context, ns string, b kr.Bounds) (int, error) {
	n := 0
	err := scan(ctx, s.db, ns, b, func(Document) error {
		n++
		return nil
	})
	return n, err
}

// HasDocuments reports whether anything of ns is physically stored in b.
func (s *Store) HasDocuments(ns string, b kr.Bounds) (bool, error) {
	iter, err := s.db.NewIter(iterOptions(ns, b))
	if err != nil {
		return false, err
	}
	defer iter.Close()
	return iter.First(), iter.Error()
}

// DeleteBatch removes up to limit documents of ns in b and returns how
// many were removed.
func (s *Store) DeleteBatch(ns string, b kr.Bounds, limit int) (int, error) {
	iter, err := s.db.NewIter(iterOptions(ns, b))
	if err != nil {
		return 0, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	n := 0
	for valid := iter.First(); valid && n < limit; valid = iter.Next() {
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			_ = iter.Close()
			return 0, err
		}
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, batch.Commit(pebble.Sync)
}

// Snapshot is a point-in-time view of the store.
type Snapshot struct {
	snap *pebble.Snapshot
}

func (s *Store) NewSnapshot() *Snapshot {
	return &Snapshot{snap: s.db.NewSnapshot()}
}

func (s *Snapshot) Scan(ctx context.Context, ns string, b kr.Bounds, fn func(Document) error) error {
	return scan(ctx, s.snap, ns, b, fn)
}

func (s *Snapshot) Close() error {
	return s.snap.Close()
}

func iterOptions(ns string, b kr.Bounds) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: boundKey(ns, b.Min),
		UpperBound: boundKey(ns, b.Max),
	}
}

func scan(ctx context.Context, r pebble.Reader, ns string, b kr.Bounds, fn func(Document) error) error {
	iter, err := r.NewIter(iterOptions(ns, b))
	if err != nil {
		return err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, id, err := parseDocumentKey(ns, iter.Key())
		if err != nil {
			return err
		}
		body := make([]byte, len(iter.Value()))
		copy(body, iter.Value())
		if err := fn(Document{ID: id, Key: key, Body: body}); err != nil {
			return err
		}
	}
	return iter.Error()
}
