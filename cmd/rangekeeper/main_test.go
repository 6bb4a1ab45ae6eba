package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	rkhttp "github.com/pg-sharding/rangekeeper/http"
	"github.com/pg-sharding/rangekeeper/pkg/cluster"
	"github.com/pg-sharding/rangekeeper/pkg/config"
	"github.com/stretchr/testify/assert"
)

func startKeeper(t *testing.T) string {
	cfg := config.Default()
	cfg.Shards = []config.ShardCfg{{ID: "sh1"}, {ID: "sh2"}}
	c, err := cluster.New(cfg, clockwork.NewRealClock())
	assert.NoError(t, err)
	assert.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	srv := httptest.NewServer(rkhttp.NewServer("localhost:0", c).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	assert := assert.New(t)
	url := startKeeper(t)

	out, err := run(t, "shard-collection", "db.users", "--key", "age", "--shard", "sh1", "--split", "30", "-e", url)
	assert.NoError(err)
	assert.Contains(out, "sh1")
	assert.Contains(out, "routing version")

	out, err = run(t, "move-chunk", "db.users", "--min", "30", "--max", "MaxKey", "--to", "sh2", "-e", url)
	assert.NoError(err)
	assert.Contains(out, "COMMITTED")

	out, err = run(t, "show", "ranges", "db.users", "-e", url)
	assert.NoError(err)
	assert.Contains(out, "sh2")

	out, err = run(t, "show", "history", "db.users", "-e", url)
	assert.NoError(err)
	assert.Contains(out, "migrate")

	out, err = run(t, "cleanup-orphaned", "db.users", "--shard", "sh1", "--timeout", "5s", "-e", url)
	assert.NoError(err)
	assert.Contains(out, "ok")
}

func TestClientReportsServerErrors(t *testing.T) {
	assert := assert.New(t)
	url := startKeeper(t)

	_, err := run(t, "show", "ranges", "db.none", "-e", url)
	assert.Error(err)

	_, err = run(t, "show", "deletions", "sh9", "-e", url)
	assert.Error(err)
}

func TestApiURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{endpoint: "localhost:7010", want: "http://localhost:7010/api/v1/shards"},
		{endpoint: "http://keeper:80/", want: "http://keeper:80/api/v1/shards"},
		{endpoint: "https://keeper", want: "https://keeper/api/v1/shards"},
	}
	for _, tt := range tests {
		endpoint = tt.endpoint
		assert.Equal(t, tt.want, apiURL("/shards"))
	}
}
