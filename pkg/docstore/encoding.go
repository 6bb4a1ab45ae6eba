package docstore

import (
	"bytes"
	"fmt"

	"github.com/pg-sharding/rangekeeper/pkg/models/kr"
)

// Storage key layout:
//
//	'd' namespace 0x00 escaped(shard key) 0x00 0x01 document id
//
// Zero bytes of the shard key are escaped as 0x00 0xff, so the terminator
// never occurs inside it and keys keep the shard key order.
const (
	docPrefix   byte = 'd'
	nsSeparator byte = 0x00
	nsEnd       byte = 0x01

	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff
)

func namespacePrefix(ns string) []byte {
	b := make([]byte, 0, len(ns)+2)
	b = append(b, docPrefix)
	b = append(b, ns...)
	return append(b, nsSeparator)
}

func encodeShardKey(b []byte, raw []byte) []byte {
	for {
		i := bytes.IndexByte(raw, escape)
		if i == -1 {
			break
		}
		b = append(b, raw[:i]...)
		b = append(b, escape, escaped00)
		raw = raw[i+1:]
	}
	b = append(b, raw...)
	return append(b, escape, escapedTerm)
}

func decodeShardKey(b []byte) (raw []byte, rest []byte, err error) {
	for {
		i := bytes.IndexByte(b, escape)
		if i == -1 || i+1 >= len(b) {
			return nil, nil, fmt.Errorf("docstore: malformed shard key encoding")
		}
		raw = append(raw, b[:i]...)
		switch b[i+1] {
		case escapedTerm:
			return raw, b[i+2:], nil
		case escaped00:
			raw = append(raw, 0x00)
			b = b[i+2:]
		default:
			return nil, nil, fmt.Errorf("docstore: unknown escape sequence 0x00 0x%02x", b[i+1])
		}
	}
}

func documentKey(ns string, key kr.Key, id string) []byte {
	b := encodeShardKey(namespacePrefix(ns), key.Raw)
	return append(b, id...)
}

// boundKey maps a range bound to a storage key: MinKey to the start of the
// namespace, MaxKey to its end.
func boundKey(ns string, k kr.Key) []byte {
	switch k.Kind {
	case kr.KindMinKey:
		return namespacePrefix(ns)
	case kr.KindMaxKey:
		b := namespacePrefix(ns)
		b[len(b)-1] = nsEnd
		return b
	default:
		return encodeShardKey(namespacePrefix(ns), k.Raw)
	}
}

func parseDocumentKey(ns string, storageKey []byte) (kr.Key, string, error) {
	prefix := namespacePrefix(ns)
	if !bytes.HasPrefix(storageKey, prefix) {
		return kr.Key{}, "", fmt.Errorf("docstore: key %q does not belong to namespace %s", storageKey, ns)
	}
	raw, rest, err := decodeShardKey(storageKey[len(prefix):])
	if err != nil {
		return kr.Key{}, "", err
	}
	return kr.KeyFromRaw(raw), string(rest), nil
}
