package rkhttp

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pg-sharding/rangekeeper/pkg/meta"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
)

const defaultCleanupTimeout = time.Minute

type ShardCollectionRequest struct {
	Namespace   string   `json:"namespace" binding:"required"`
	Key         string   `json:"key" binding:"required"`
	Hash        string   `json:"hash"`
	Shard       string   `json:"shard" binding:"required"`
	SplitPoints []string `json:"split_points"`
}

type RangeRequest struct {
	Namespace string `json:"namespace" binding:"required"`
	Min       string `json:"min"`
	Max       string `json:"max"`
}

type MoveChunkRequest struct {
	RangeRequest
	ToShard string `json:"to_shard" binding:"required"`
}

type SplitChunkRequest struct {
	Namespace string `json:"namespace" binding:"required"`
	At        string `json:"at" binding:"required"`
}

type CleanupOrphanedRequest struct {
	RangeRequest
	Shard   string `json:"shard"`
	Timeout string `json:"timeout"`
}

type RangeResponse struct {
	Min     string `json:"min"`
	Max     string `json:"max"`
	Shard   string `json:"shard"`
	Version string `json:"version"`
}

type HistoryResponse struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	FromShard string    `json:"from_shard,omitempty"`
	ToShard   string    `json:"to_shard"`
	Min       string    `json:"min"`
	Max       string    `json:"max"`
}

func statusOf(err error) int {
	switch rkerror.CodeOf(err) {
	case rkerror.RK_NAMESPACE_NOT_FOUND, rkerror.RK_SHARD_NOT_FOUND, rkerror.RK_MIGRATION_NOT_FOUND, rkerror.RK_TASK_NOT_FOUND:
		return http.StatusNotFound
	case rkerror.RK_STALE_VERSION, rkerror.RK_RANGE_NOT_OWNED_BY_DONOR, rkerror.RK_CONFLICTING_OPERATION, rkerror.RK_NAMESPACE_EXISTS:
		return http.StatusConflict
	case rkerror.RK_INVALID_RANGE_MAP, rkerror.RK_BAD_SHARD_KEY:
		return http.StatusBadRequest
	case rkerror.RK_EXCEEDED_TIME_LIMIT:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorResponse(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		rklog.Zero.Error().Err(err).Str("uri", c.Request.RequestURI).Msg("http: request failed")
	}
	code := rkerror.CodeOf(err)
	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  rkerror.GetMessageByCode(code),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func parseBounds(minStr, maxStr string) (kr.Bounds, error) {
	b := kr.FullBounds()
	var err error
	if minStr != "" {
		if b.Min, err = kr.ParseKey(minStr); err != nil {
			return kr.Bounds{}, err
		}
	}
	if maxStr != "" {
		if b.Max, err = kr.ParseKey(maxStr); err != nil {
			return kr.Bounds{}, err
		}
	}
	if b.Empty() {
		return kr.Bounds{}, errors.Errorf("range %s is empty", b)
	}
	return b, nil
}

func rangeResponse(r kr.Range) RangeResponse {
	return RangeResponse{
		Min:     r.Min.String(),
		Max:     r.Max.String(),
		Shard:   r.ShardID,
		Version: r.Version.String(),
	}
}

func (s *Server) listShards(c *gin.Context) {
	shards, err := s.keeper.Meta().ListShards(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shards": shards})
}

func (s *Server) listRangeDeletions(c *gin.Context) {
	n, err := s.keeper.Node(c.Param("shard"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	tasks, err := n.RangeDeleter().List()
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":   tasks,
		"deleted": n.RangeDeleter().DeletedDocuments(),
	})
}

func (s *Server) rangeDeleterControl(c *gin.Context) {
	n, err := s.keeper.Node(c.Param("shard"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	switch c.Param("action") {
	case "suspend":
		n.RangeDeleter().Suspend()
	case "resume":
		n.RangeDeleter().Resume()
	default:
		badRequest(c, errors.Errorf("unknown range deleter action %q", c.Param("action")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listCollections(c *gin.Context) {
	colls, err := s.keeper.Meta().ListCollections(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": colls})
}

func (s *Server) shardCollection(c *gin.Context) {
	var req ShardCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	splits := make([]kr.Key, 0, len(req.SplitPoints))
	for _, p := range req.SplitPoints {
		k, err := kr.ParseKey(p)
		if err != nil {
			badRequest(c, err)
			return
		}
		splits = append(splits, k)
	}
	m, err := s.keeper.ShardCollection(c.Request.Context(), req.Namespace, req.Key, req.Hash, req.Shard, splits...)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version": m.Version().String(),
		"ranges":  lo.Map(m.Ranges(), func(r kr.Range, _ int) RangeResponse { return rangeResponse(r) }),
	})
}

func (s *Server) rangeMap(c *gin.Context) {
	m, err := s.keeper.Meta().GetRangeMap(c.Request.Context(), c.Param("ns"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"namespace": m.Namespace(),
		"version":   m.Version().String(),
		"ranges":    lo.Map(m.Ranges(), func(r kr.Range, _ int) RangeResponse { return rangeResponse(r) }),
	})
}

// history accepts at_time (RFC 3339) to see routing changes up to a moment.
func (s *Server) history(c *gin.Context) {
	q := meta.HistoryQuery{}
	if at := c.Query("at_time"); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			badRequest(c, err)
			return
		}
		q.AtTime = mo.Some(t)
	}
	entries, err := s.keeper.Meta().GetHistory(c.Request.Context(), c.Param("ns"), q)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": lo.Map(entries, func(e meta.HistoryEntry, _ int) HistoryResponse {
			return HistoryResponse{
				Version:   e.Version.String(),
				Timestamp: e.Timestamp,
				Kind:      string(e.Kind),
				FromShard: e.FromShard,
				ToShard:   e.ToShard,
				Min:       e.Range.Min.String(),
				Max:       e.Range.Max.String(),
			}
		}),
	})
}

func (s *Server) orphans(c *gin.Context) {
	res, err := s.keeper.Orphans(c.Request.Context(), c.Param("ns"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphans": res})
}

// findDocuments returns documents as the shards' ownership filters see
// them. Bodies are rendered as relaxed extended JSON.
func (s *Server) findDocuments(c *gin.Context) {
	b, err := parseBounds(c.Query("min"), c.Query("max"))
	if err != nil {
		badRequest(c, err)
		return
	}
	docs, err := s.keeper.Find(c.Request.Context(), c.Param("ns"), b)
	if err != nil {
		errorResponse(c, err)
		return
	}
	res := make([]gin.H, 0, len(docs))
	for _, d := range docs {
		res = append(res, gin.H{
			"id":   d.ID,
			"key":  d.Key.String(),
			"body": d.Body.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"documents": res})
}

// insertDocument takes a document in extended JSON.
func (s *Server) insertDocument(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}
	var body bson.Raw
	if err := bson.UnmarshalExtJSON(raw, false, &body); err != nil {
		badRequest(c, err)
		return
	}
	doc, err := s.keeper.Insert(c.Request.Context(), c.Param("ns"), body)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": doc.ID, "key": doc.Key.String()})
}

func (s *Server) moveChunk(c *gin.Context) {
	var req MoveChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := parseBounds(req.Min, req.Max)
	if err != nil {
		badRequest(c, err)
		return
	}
	out, err := s.keeper.MoveChunk(c.Request.Context(), &kr.MoveChunk{
		Namespace: req.Namespace,
		Bounds:    b,
		ToShard:   req.ToShard,
	})
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"migration": out})
}

func (s *Server) splitChunk(c *gin.Context) {
	var req SplitChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	at, err := kr.ParseKey(req.At)
	if err != nil {
		badRequest(c, err)
		return
	}
	v, err := s.keeper.SplitChunk(c.Request.Context(), &kr.SplitChunk{Namespace: req.Namespace, At: at})
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": v.String()})
}

func (s *Server) mergeChunks(c *gin.Context) {
	var req RangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := parseBounds(req.Min, req.Max)
	if err != nil {
		badRequest(c, err)
		return
	}
	v, err := s.keeper.MergeChunks(c.Request.Context(), &kr.MergeChunks{Namespace: req.Namespace, Bounds: b})
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": v.String()})
}

// cleanupOrphaned blocks until the range is clean or the timeout passes.
// Without min and max the whole key space is cleaned.
func (s *Server) cleanupOrphaned(c *gin.Context) {
	var req CleanupOrphanedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rng := mo.None[kr.Bounds]()
	if req.Min != "" || req.Max != "" {
		b, err := parseBounds(req.Min, req.Max)
		if err != nil {
			badRequest(c, err)
			return
		}
		rng = mo.Some(b)
	}
	timeout := defaultCleanupTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			badRequest(c, err)
			return
		}
		timeout = d
	}
	if err := s.keeper.CleanupOrphaned(c.Request.Context(), req.Shard, req.Namespace, rng, timeout); err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) activeMigrations(c *gin.Context) {
	active, err := s.keeper.Coordinator().ListActive(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"migrations": active})
}

func (s *Server) recentMigrations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"migrations": s.keeper.Coordinator().Recent()})
}

func (s *Server) migrationStatus(c *gin.Context) {
	out, err := s.keeper.Coordinator().Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"migration": out})
}
