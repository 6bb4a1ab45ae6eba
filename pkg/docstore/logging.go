package docstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/rs/zerolog"
)

type pebbleLogger struct {
	dir string
}

var _ pebble.Logger = &pebbleLogger{}

// Pebble's info messages are WAL replay and compaction chatter.
func (pl *pebbleLogger) Infof(format string, args ...any) {
	pl.log(zerolog.DebugLevel, format, args...)
}

func (pl *pebbleLogger) Errorf(format string, args ...any) {
	pl.log(zerolog.ErrorLevel, format, args...)
}

func (pl *pebbleLogger) Fatalf(format string, args ...any) {
	rklog.Zero.Fatal().Str("dir", pl.dir).Msgf("docstore/pebble: "+format, args...)
}

func (pl *pebbleLogger) log(lv zerolog.Level, format string, args ...any) {
	rklog.Zero.WithLevel(lv).Str("dir", pl.dir).Msgf("docstore/pebble: "+format, args...)
}
