package shardkey

import (
	"strconv"
	"strings"

	"github.com/pg-sharding/rangekeeper/pkg/models/hashfunction"
	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pg-sharding/rangekeeper/qdb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

const IDField = "_id"

// Pattern describes how the shard key of a collection is derived from its
// documents: a single, possibly dotted, field, optionally hashed.
type Pattern struct {
	Field string                        `json:"field"`
	Hash  hashfunction.HashFunctionType `json:"hash"`
}

func NewPattern(field string, hashName string) (Pattern, error) {
	if field == "" {
		return Pattern{}, rkerror.New(rkerror.RK_BAD_SHARD_KEY, "shard key field is empty")
	}
	hf, err := hashfunction.HashFunctionByName(hashName)
	if err != nil {
		return Pattern{}, rkerror.Wrapf(rkerror.RK_BAD_SHARD_KEY, err, "invalid shard key %s", field)
	}
	return Pattern{Field: field, Hash: hf}, nil
}

func (p Pattern) Hashed() bool {
	return p.Hash != hashfunction.HashFunctionIdent
}

func (p Pattern) String() string {
	if p.Hashed() {
		return "{" + p.Field + ": " + hashfunction.ToString(p.Hash) + "}"
	}
	return "{" + p.Field + ": 1}"
}

func PatternFromDB(coll *qdb.Collection) (Pattern, error) {
	return NewPattern(coll.ShardKeyField, coll.HashFunction)
}

// ExtractKey returns the shard key of doc. Supported key types are int32,
// int64 and string; a missing field is an error.
func (p Pattern) ExtractKey(doc bson.Raw) (kr.Key, error) {
	val, err := doc.LookupErr(strings.Split(p.Field, ".")...)
	if err != nil {
		return kr.Key{}, rkerror.Newf(rkerror.RK_BAD_SHARD_KEY, "document has no shard key field %s", p.Field)
	}

	var v any
	switch val.Type {
	case bsontype.Int32:
		v = int64(val.Int32())
	case bsontype.Int64:
		v = val.Int64()
	case bsontype.String:
		v = val.StringValue()
	default:
		return kr.Key{}, rkerror.Newf(rkerror.RK_BAD_SHARD_KEY, "unsupported shard key type %s of field %s", val.Type, p.Field)
	}

	if p.Hashed() {
		h, err := hashfunction.ApplyHashFunction(v, p.Hash)
		if err != nil {
			return kr.Key{}, rkerror.Wrapf(rkerror.RK_BAD_SHARD_KEY, err, "failed to hash shard key %s", p.Field)
		}
		return kr.KeyFromInt64(h.(int64)), nil
	}

	switch vv := v.(type) {
	case int64:
		return kr.KeyFromInt64(vv), nil
	default:
		return kr.KeyFromString(vv.(string)), nil
	}
}

// DocumentID returns the _id of doc in a printable form.
func DocumentID(doc bson.Raw) (string, error) {
	val, err := doc.LookupErr(IDField)
	if err != nil {
		return "", rkerror.New(rkerror.RK_BAD_SHARD_KEY, "document has no _id")
	}
	switch val.Type {
	case bsontype.ObjectID:
		return val.ObjectID().Hex(), nil
	case bsontype.String:
		return val.StringValue(), nil
	case bsontype.Int32:
		return strconv.FormatInt(int64(val.Int32()), 10), nil
	case bsontype.Int64:
		return strconv.FormatInt(val.Int64(), 10), nil
	default:
		return "", rkerror.Newf(rkerror.RK_BAD_SHARD_KEY, "unsupported _id type %s", val.Type)
	}
}
