package rkhttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	rkhttp "github.com/pg-sharding/rangekeeper/http"
	"github.com/pg-sharding/rangekeeper/pkg/cluster"
	"github.com/pg-sharding/rangekeeper/pkg/config"
	"github.com/stretchr/testify/assert"
)

const ns = "db.users"

func prepareServer(t *testing.T) http.Handler {
	cfg := config.Default()
	cfg.Shards = []config.ShardCfg{{ID: "sh1"}, {ID: "sh2"}}
	c, err := cluster.New(cfg, clockwork.NewRealClock())
	assert.NoError(t, err)
	assert.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return rkhttp.NewServer("localhost:0", c).Handler()
}

func call(t *testing.T, h http.Handler, method, path string, body any) (int, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			assert.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	res := map[string]any{}
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec.Code, res
}

func TestMoveChunkOverHTTP(t *testing.T) {
	assert := assert.New(t)
	h := prepareServer(t)

	code, _ := call(t, h, http.MethodPost, "/api/v1/collections", rkhttp.ShardCollectionRequest{
		Namespace:   ns,
		Key:         "age",
		Shard:       "sh1",
		SplitPoints: []string{"30"},
	})
	assert.Equal(http.StatusOK, code)

	for age := 20; age < 40; age++ {
		code, _ := call(t, h, http.MethodPost, "/api/v1/collections/"+ns+"/documents",
			fmt.Sprintf(`{"_id": "u%d", "age": {"$numberLong": "%d"}}`, age, age))
		assert.Equal(http.StatusOK, code)
	}

	code, res := call(t, h, http.MethodPost, "/api/v1/moveChunk", map[string]string{
		"namespace": ns,
		"min":       "30",
		"max":       "MaxKey",
		"to_shard":  "sh2",
	})
	assert.Equal(http.StatusOK, code)
	migration := res["migration"].(map[string]any)
	assert.Equal("COMMITTED", migration["state"])

	code, res = call(t, h, http.MethodGet, "/api/v1/collections/"+ns+"/ranges", nil)
	assert.Equal(http.StatusOK, code)
	ranges := res["ranges"].([]any)
	assert.Len(ranges, 2)
	assert.Equal("sh2", ranges[1].(map[string]any)["shard"])

	code, res = call(t, h, http.MethodGet, "/api/v1/migrations/"+migration["id"].(string), nil)
	assert.Equal(http.StatusOK, code)
	assert.Equal("COMMITTED", res["migration"].(map[string]any)["state"])

	code, res = call(t, h, http.MethodGet, "/api/v1/collections/"+ns+"/orphans", nil)
	assert.Equal(http.StatusOK, code)
	assert.Equal(float64(10), res["orphans"].(map[string]any)["sh1"])

	code, _ = call(t, h, http.MethodPost, "/api/v1/cleanupOrphaned", map[string]string{
		"namespace": ns,
		"shard":     "sh1",
		"timeout":   "5s",
	})
	assert.Equal(http.StatusOK, code)

	code, res = call(t, h, http.MethodGet, "/api/v1/collections/"+ns+"/orphans", nil)
	assert.Equal(http.StatusOK, code)
	assert.Equal(float64(0), res["orphans"].(map[string]any)["sh1"])

	code, res = call(t, h, http.MethodGet, "/api/v1/collections/"+ns+"/documents?min=25&max=35", nil)
	assert.Equal(http.StatusOK, code)
	assert.Len(res["documents"], 10)

	code, res = call(t, h, http.MethodGet, "/api/v1/collections/"+ns+"/history", nil)
	assert.Equal(http.StatusOK, code)
	history := res["history"].([]any)
	assert.Equal("migrate", history[len(history)-1].(map[string]any)["kind"])
}

func TestErrorStatuses(t *testing.T) {
	h := prepareServer(t)
	code, _ := call(t, h, http.MethodPost, "/api/v1/collections", rkhttp.ShardCollectionRequest{
		Namespace: ns, Key: "age", Shard: "sh1", SplitPoints: []string{"30"},
	})
	assert.Equal(t, http.StatusOK, code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "unknown namespace", method: http.MethodGet, path: "/api/v1/collections/db.none/ranges", status: http.StatusNotFound},
		{name: "unknown migration", method: http.MethodGet, path: "/api/v1/migrations/nope", status: http.StatusNotFound},
		{name: "unknown shard", method: http.MethodGet, path: "/api/v1/shards/sh9/rangeDeletions", status: http.StatusNotFound},
		{name: "bad key", method: http.MethodPost, path: "/api/v1/splitChunk", body: map[string]string{"namespace": ns, "at": "abc"}, status: http.StatusBadRequest},
		{name: "missing fields", method: http.MethodPost, path: "/api/v1/moveChunk", body: map[string]string{"namespace": ns}, status: http.StatusBadRequest},
		{
			name:   "not one chunk",
			method: http.MethodPost,
			path:   "/api/v1/moveChunk",
			body:   map[string]string{"namespace": ns, "min": "0", "max": "30", "to_shard": "sh2"},
			status: http.StatusConflict,
		},
		{name: "bad action", method: http.MethodPost, path: "/api/v1/shards/sh1/rangeDeleter/explode", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := call(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	assert := assert.New(t)
	h := prepareServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "rangekeeper_")
}
