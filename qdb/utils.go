package qdb

import (
	"context"

	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"go.etcd.io/etcd/client/v3/concurrency"
)

func unlockMutex(mu *concurrency.Mutex, ctx context.Context) {
	if err := mu.Unlock(ctx); err != nil {
		rklog.Zero.Error().Err(err).Msg("etcdqdb: failed to unlock mutex")
	}
}

func closeSession(sess *concurrency.Session) {
	if err := sess.Close(); err != nil {
		rklog.Zero.Error().Err(err).Msg("etcdqdb: failed to close session")
	}
}
