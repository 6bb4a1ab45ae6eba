package kr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

type KeyKind int

const (
	KindMinKey = KeyKind(iota)
	KindValue
	KindMaxKey
)

// Type tags of the raw key encoding. Numbers sort before strings.
const (
	tagInt64  byte = 0x10
	tagString byte = 0x20
)

// Key is a shard key value or one of the MinKey/MaxKey sentinels.
// Raw holds an order-preserving encoding, so keys of the same kind
// compare with bytes.Compare.
type Key struct {
	Kind KeyKind `json:"kind"`
	Raw  []byte  `json:"raw,omitempty"`
}

var (
	MinKey = Key{Kind: KindMinKey}
	MaxKey = Key{Kind: KindMaxKey}
)

func KeyFromInt64(v int64) Key {
	raw := make([]byte, 9)
	raw[0] = tagInt64
	binary.BigEndian.PutUint64(raw[1:], uint64(v)^(1<<63))
	return Key{Kind: KindValue, Raw: raw}
}

func KeyFromString(s string) Key {
	raw := make([]byte, 0, len(s)+1)
	raw = append(raw, tagString)
	raw = append(raw, s...)
	return Key{Kind: KindValue, Raw: raw}
}

// KeyFromRaw wraps an already encoded value.
func KeyFromRaw(raw []byte) Key {
	return Key{Kind: KindValue, Raw: raw}
}

// ParseKey parses the textual form produced by String: MinKey, MaxKey,
// a decimal integer or a double-quoted string.
func ParseKey(s string) (Key, error) {
	switch s {
	case "MinKey", "minkey", "$minKey":
		return MinKey, nil
	case "MaxKey", "maxkey", "$maxKey":
		return MaxKey, nil
	}
	if strings.HasPrefix(s, `"`) {
		v, err := strconv.Unquote(s)
		if err != nil {
			return Key{}, fmt.Errorf("invalid string key %s: %w", s, err)
		}
		return KeyFromString(v), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key %q: expected MinKey, MaxKey, integer or quoted string", s)
	}
	return KeyFromInt64(v), nil
}

func (k Key) Compare(other Key) int {
	if k.Kind != other.Kind {
		if k.Kind < other.Kind {
			return -1
		}
		return 1
	}
	if k.Kind != KindValue {
		return 0
	}
	return bytes.Compare(k.Raw, other.Raw)
}

func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

func (k Key) Equal(other Key) bool {
	return k.Compare(other) == 0
}

func (k Key) IsMin() bool {
	return k.Kind == KindMinKey
}

func (k Key) IsMax() bool {
	return k.Kind == KindMaxKey
}

func (k Key) String() string {
	switch k.Kind {
	case KindMinKey:
		return "MinKey"
	case KindMaxKey:
		return "MaxKey"
	}
	if len(k.Raw) == 0 {
		return "<empty>"
	}
	switch k.Raw[0] {
	case tagInt64:
		if len(k.Raw) == 9 {
			return strconv.FormatInt(int64(binary.BigEndian.Uint64(k.Raw[1:])^(1<<63)), 10)
		}
	case tagString:
		return strconv.Quote(string(k.Raw[1:]))
	}
	return fmt.Sprintf("0x%x", k.Raw)
}
