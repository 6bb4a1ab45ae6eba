package rkhttp

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pg-sharding/rangekeeper/pkg/docstore"
	"github.com/pg-sharding/rangekeeper/pkg/meta"
	"github.com/pg-sharding/rangekeeper/pkg/migration"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pg-sharding/rangekeeper/pkg/shard"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
)

// Keeper is what the admin API drives. *cluster.Cluster implements it.
type Keeper interface {
	Meta() *meta.Store
	Coordinator() *migration.Coordinator
	Node(id string) (*shard.Node, error)

	ShardCollection(ctx context.Context, namespace, field, hashName, initialShard string, splitPoints ...kr.Key) (*kr.RangeMap, error)
	MoveChunk(ctx context.Context, req *kr.MoveChunk) (*migration.Outcome, error)
	SplitChunk(ctx context.Context, req *kr.SplitChunk) (kr.Version, error)
	MergeChunks(ctx context.Context, req *kr.MergeChunks) (kr.Version, error)
	CleanupOrphaned(ctx context.Context, shardID, namespace string, rng mo.Option[kr.Bounds], timeout time.Duration) error
	Insert(ctx context.Context, namespace string, body bson.Raw) (docstore.Document, error)
	Find(ctx context.Context, namespace string, b kr.Bounds) ([]docstore.Document, error)
	Orphans(ctx context.Context, namespace string) (map[string]int, error)
}

// Server is the admin HTTP API.
type Server struct {
	addr   string
	keeper Keeper
	srv    *http.Server
}

func NewServer(addr string, keeper Keeper) *Server {
	return &Server{
		addr:   addr,
		keeper: keeper,
	}
}

// responseBodyWriter keeps a copy of the response for the request log.
type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (rbw responseBodyWriter) Write(b []byte) (int, error) {
	rbw.body.Write(b)
	return rbw.ResponseWriter.Write(b)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		t := time.Now()
		traceID := uuid.New().String()

		var buf []byte
		if c.Request.Body != nil {
			buf, _ = io.ReadAll(c.Request.Body)
		}
		rklog.Zero.Debug().
			Str("uri", c.Request.RequestURI).
			Str("method", c.Request.Method).
			Str("body", string(buf)).
			Str("client", c.ClientIP()).
			Str("trace", traceID).
			Msg("http: received request")
		c.Request.Body = io.NopCloser(bytes.NewBuffer(buf))
		c.Header("Trace-Id", traceID)

		rbw := &responseBodyWriter{ResponseWriter: c.Writer, body: bytes.NewBufferString("")}
		c.Writer = rbw

		c.Next()

		rklog.Zero.Debug().
			Int("status", c.Writer.Status()).
			Str("body", rbw.body.String()).
			Str("trace", traceID).
			Dur("latency", time.Since(t)).
			Msg("http: sent response")
	}
}

func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/shards", s.listShards)
		v1.GET("/shards/:shard/rangeDeletions", s.listRangeDeletions)
		v1.POST("/shards/:shard/rangeDeleter/:action", s.rangeDeleterControl)

		v1.GET("/collections", s.listCollections)
		v1.POST("/collections", s.shardCollection)
		v1.GET("/collections/:ns/ranges", s.rangeMap)
		v1.GET("/collections/:ns/history", s.history)
		v1.GET("/collections/:ns/orphans", s.orphans)
		v1.GET("/collections/:ns/documents", s.findDocuments)
		v1.POST("/collections/:ns/documents", s.insertDocument)

		v1.POST("/moveChunk", s.moveChunk)
		v1.POST("/splitChunk", s.splitChunk)
		v1.POST("/mergeChunks", s.mergeChunks)
		v1.POST("/cleanupOrphaned", s.cleanupOrphaned)

		v1.GET("/migrations", s.activeMigrations)
		v1.GET("/recentMigrations", s.recentMigrations)
		v1.GET("/migrations/:id", s.migrationStatus)
	}

	router.HandleMethodNotAllowed = true
	return router
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind to %s", s.addr)
	}
	rklog.Zero.Info().Str("address", listener.Addr().String()).Msg("http: serving admin api")

	s.srv = &http.Server{Handler: s.Handler()}

	serveCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go func() {
		err := s.srv.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			rklog.Zero.Error().Err(err).Msg("http: server failed")
			stop(err)
		}
	}()

	<-serveCtx.Done()
	if err := s.srv.Shutdown(context.Background()); err != nil {
		rklog.Zero.Error().Err(err).Msg("http: forced shutdown")
	}
	if cause := context.Cause(serveCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}
