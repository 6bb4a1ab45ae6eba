package rangedeleter

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/rs/zerolog"
)

type badgerLogger struct {
	shardID string
}

var _ badger.Logger = &badgerLogger{}

func (bl *badgerLogger) Errorf(tmpl string, args ...any) {
	bl.log(zerolog.ErrorLevel, "error", tmpl, args...)
}

func (bl *badgerLogger) Warningf(tmpl string, args ...any) {
	bl.log(zerolog.DebugLevel, "warn", tmpl, args...)
}

// Badger's info messages are routine compaction chatter.
func (bl *badgerLogger) Infof(tmpl string, args ...any) {
	bl.log(zerolog.TraceLevel, "info", tmpl, args...)
}

func (bl *badgerLogger) Debugf(tmpl string, args ...any) {
	bl.log(zerolog.TraceLevel, "debug", tmpl, args...)
}

func (bl *badgerLogger) log(lv zerolog.Level, badgerLevel string, tmpl string, args ...any) {
	rklog.Zero.WithLevel(lv).Str("shard", bl.shardID).Msgf("rangedeleter/badger ("+badgerLevel+"): "+tmpl, args...)
}
