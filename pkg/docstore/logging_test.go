package docstore

import (
	"bytes"
	"testing"

	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPebbleLogsGoThroughZerolog(t *testing.T) {
	assert := assert.New(t)

	prev := rklog.Zero
	defer func() { rklog.Zero = prev }()
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	rklog.Zero = &logger

	pl := &pebbleLogger{dir: "/data/sh1"}
	pl.Errorf("background error: %s", "disk full")
	assert.Contains(buf.String(), `"level":"error"`)
	assert.Contains(buf.String(), "docstore/pebble: background error: disk full")
	assert.Contains(buf.String(), `"dir":"/data/sh1"`)

	buf.Reset()
	pl.Infof("replayed %d WAL records", 7)
	assert.Contains(buf.String(), `"level":"debug"`)
	assert.Contains(buf.String(), "replayed 7 WAL records")
}
