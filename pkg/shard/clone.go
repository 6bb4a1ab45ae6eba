package shard

import (
	"context"
	"sync"

	"github.com/pg-sharding/rangekeeper/pkg/docstore"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
)

type ModOp string

const (
	OpPut    = ModOp("put")
	OpDelete = ModOp("delete")
)

// Modification is a write captured on the donor while a range is cloned.
// Deletes carry only the document's id and key.
type Modification struct {
	Op  ModOp             `json:"op"`
	Doc docstore.Document `json:"doc"`
}

//go:generate mockgen -source=clone.go -destination=mock/recipient.go -package=mock

// Recipient receives a migrating range. Node implements it in process.
type Recipient interface {
	ID() string
	ApplyCloneBatch(ctx context.Context, namespace string, docs []docstore.Document) error
	ApplyModifications(ctx context.Context, namespace string, mods []Modification) error
}

var _ Recipient = &Node{}

// cloneSource streams a snapshot of a range and logs every write to it
// that happens after the snapshot.
type cloneSource struct {
	migrationID string
	namespace   string
	bounds      kr.Bounds

	docs    chan docstore.Document
	scanErr error
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	mods []Modification
}

func (s *cloneSource) capture(m Modification) {
	s.mu.Lock()
	s.mods = append(s.mods, m)
	s.mu.Unlock()
}

func (s *cloneSource) drain(max int) ([]Modification, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || max > len(s.mods) {
		max = len(s.mods)
	}
	res := make([]Modification, max)
	copy(res, s.mods[:max])
	s.mods = s.mods[max:]
	return res, len(s.mods)
}

func (s *cloneSource) backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mods)
}

func (s *cloneSource) stop() {
	s.cancel()
	<-s.done
}

// StartClone takes a snapshot of b and starts capturing writes to it.
// Writes running concurrently finish before the snapshot is taken, so
// every write is either in the snapshot or in the log.
func (n *Node) StartClone(ctx context.Context, migrationID string, namespace string, b kr.Bounds) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.clones[migrationID]; ok {
		return rkerror.Newf(rkerror.RK_CONFLICTING_OPERATION, "migration %s is already cloning", migrationID)
	}
	for _, src := range n.clones {
		if src.namespace == namespace && src.bounds.Overlaps(b) {
			return rkerror.Newf(rkerror.RK_CONFLICTING_OPERATION,
				"range %s of %s is already cloned by migration %s", src.bounds, namespace, src.migrationID)
		}
	}

	snap := n.docs.NewSnapshot()
	scanCtx, cancel := context.WithCancel(context.Background())
	src := &cloneSource{
		migrationID: migrationID,
		namespace:   namespace,
		bounds:      b,
		docs:        make(chan docstore.Document, 64),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go func() {
		defer close(src.done)
		defer close(src.docs)
		defer snap.Close()
		src.scanErr = snap.Scan(scanCtx, namespace, b, func(d docstore.Document) error {
			select {
			case src.docs <- d:
				return nil
			case <-scanCtx.Done():
				return scanCtx.Err()
			}
		})
	}()
	n.clones[migrationID] = src

	rklog.Zero.Info().
		Str("shard", n.id).
		Str("migration", migrationID).
		Str("namespace", namespace).
		Str("range", b.String()).
		Msg("shard: clone source registered")
	return nil
}

func (n *Node) cloneSource(migrationID string) (*cloneSource, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	src, ok := n.clones[migrationID]
	if !ok {
		return nil, rkerror.Newf(rkerror.RK_MIGRATION_ABORTED, "no clone source for migration %s on shard %s", migrationID, n.id)
	}
	return src, nil
}

// NextCloneBatch returns up to size snapshot documents. An empty batch
// means the snapshot is exhausted.
func (n *Node) NextCloneBatch(ctx context.Context, migrationID string, size int) ([]docstore.Document, error) {
	src, err := n.cloneSource(migrationID)
	if err != nil {
		return nil, err
	}
	var batch []docstore.Document
	for len(batch) < size {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-src.docs:
			if !ok {
				// scanErr is written before docs is closed
				if src.scanErr != nil {
					return nil, src.scanErr
				}
				return batch, nil
			}
			batch = append(batch, d)
		}
	}
	return batch, nil
}

// DrainModifications pops up to max captured writes, oldest first, and
// reports how many remain.
func (n *Node) DrainModifications(migrationID string, max int) ([]Modification, int, error) {
	src, err := n.cloneSource(migrationID)
	if err != nil {
		return nil, 0, err
	}
	mods, left := src.drain(max)
	return mods, left, nil
}

func (n *Node) ModificationBacklog(migrationID string) (int, error) {
	src, err := n.cloneSource(migrationID)
	if err != nil {
		return 0, err
	}
	return src.backlog(), nil
}

// DropClone stops capturing writes for the migration. Unknown ids are ignored.
func (n *Node) DropClone(migrationID string) {
	n.mu.Lock()
	src, ok := n.clones[migrationID]
	delete(n.clones, migrationID)
	n.mu.Unlock()
	if !ok {
		return
	}
	src.stop()
	rklog.Zero.Info().Str("shard", n.id).Str("migration", migrationID).Msg("shard: clone source dropped")
}
