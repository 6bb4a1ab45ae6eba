package docstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/pg-sharding/rangekeeper/pkg/docstore"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func doc(t *testing.T, key kr.Key, id string) docstore.Document {
	body, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	assert.NoError(t, err)
	return docstore.Document{ID: id, Key: key, Body: body}
}

func ids(t *testing.T, s *docstore.Store, ns string, b kr.Bounds) []string {
	var res []string
	assert.NoError(t, s.Scan(context.Background(), ns, b, func(d docstore.Document) error {
		res = append(res, d.ID)
		return nil
	}))
	return res
}

func TestScanOrderAndBounds(t *testing.T) {
	assert := assert.New(t)
	s, err := docstore.OpenInMemory()
	assert.NoError(err)
	defer s.Close()

	keys := []kr.Key{
		kr.KeyFromInt64(-10),
		kr.KeyFromInt64(0),
		kr.KeyFromInt64(5),
		kr.KeyFromInt64(256),
		kr.KeyFromString("a"),
		kr.KeyFromString("a\x00b"),
		kr.KeyFromString("ab"),
	}
	// insert in reverse order
	for i := len(keys) - 1; i >= 0; i-- {
		assert.NoError(s.Put("db.c", doc(t, keys[i], fmt.Sprintf("d%d", i))))
	}
	assert.NoError(s.Put("db.other", doc(t, kr.KeyFromInt64(0), "x")))
	assert.NoError(s.Put("db.c2", doc(t, kr.KeyFromInt64(0), "y")))

	assert.Equal([]string{"d0", "d1", "d2", "d3", "d4", "d5", "d6"}, ids(t, s, "db.c", kr.FullBounds()))
	assert.Equal([]string{"d1", "d2"}, ids(t, s, "db.c", kr.NewBounds(kr.KeyFromInt64(0), kr.KeyFromInt64(256))))
	assert.Equal([]string{"d4", "d5"}, ids(t, s, "db.c", kr.NewBounds(kr.KeyFromString("a"), kr.KeyFromString("ab"))))
	assert.Equal([]string{"d0"}, ids(t, s, "db.c", kr.NewBounds(kr.MinKey, kr.KeyFromInt64(0))))
	assert.Equal([]string{"x"}, ids(t, s, "db.other", kr.FullBounds()))

	// keys round-trip through the storage encoding
	var got []kr.Key
	assert.NoError(s.Scan(context.Background(), "db.c", kr.FullBounds(), func(d docstore.Document) error {
		got = append(got, d.Key)
		return nil
	}))
	for i := range keys {
		assert.True(keys[i].Equal(got[i]), "%s != %s", keys[i], got[i])
	}

	n, err := s.Count(context.Background(), "db.c", kr.NewBounds(kr.KeyFromString(""), kr.MaxKey))
	assert.NoError(err)
	assert.Equal(3, n)
}

func TestGetDeleteApply(t *testing.T) {
	assert := assert.New(t)
	s, err := docstore.OpenInMemory()
	assert.NoError(err)
	defer s.Close()

	d := doc(t, kr.KeyFromInt64(1), "a")
	assert.NoError(s.Put("db.c", d))

	got, ok, err := s.Get("db.c", d.Ref())
	assert.NoError(err)
	assert.True(ok)
	assert.Equal(d.Body, got.Body)

	assert.NoError(s.Delete("db.c", d.Ref()))
	_, ok, err = s.Get("db.c", d.Ref())
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(s.Apply("db.c",
		[]docstore.Document{doc(t, kr.KeyFromInt64(2), "b"), doc(t, kr.KeyFromInt64(3), "c")},
		[]docstore.DocumentRef{{ID: "b", Key: kr.KeyFromInt64(2)}},
	))
	assert.Equal([]string{"c"}, ids(t, s, "db.c", kr.FullBounds()))
}

func TestDeleteBatchAndSnapshot(t *testing.T) {
	assert := assert.New(t)
	s, err := docstore.OpenInMemory()
	assert.NoError(err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		assert.NoError(s.Put("db.c", doc(t, kr.KeyFromInt64(int64(i)), fmt.Sprintf("%02d", i))))
	}
	snap := s.NewSnapshot()
	defer snap.Close()

	b := kr.NewBounds(kr.KeyFromInt64(2), kr.KeyFromInt64(8))
	n, err := s.DeleteBatch("db.c", b, 4)
	assert.NoError(err)
	assert.Equal(4, n)
	has, err := s.HasDocuments("db.c", b)
	assert.NoError(err)
	assert.True(has)

	n, err = s.DeleteBatch("db.c", b, 4)
	assert.NoError(err)
	assert.Equal(2, n)
	has, err = s.HasDocuments("db.c", b)
	assert.NoError(err)
	assert.False(has)

	n, err = s.DeleteBatch("db.c", b, 4)
	assert.NoError(err)
	assert.Equal(0, n)

	assert.Equal([]string{"00", "01", "08", "09"}, ids(t, s, "db.c", kr.FullBounds()))

	var fromSnap []string
	assert.NoError(snap.Scan(context.Background(), "db.c", b, func(d docstore.Document) error {
		fromSnap = append(fromSnap, d.ID)
		return nil
	}))
	assert.Equal([]string{"02", "03", "04", "05", "06", "07"}, fromSnap)
}
