package hashfunction

import (
	"encoding/binary"
	"fmt"

	"github.com/go-faster/city"
	"github.com/spaolacci/murmur3"
)

type HashFunctionType int

/* Pre-defined hash functions */
const (
	HashFunctionIdent  = HashFunctionType(0)
	HashFunctionMurmur = HashFunctionType(1)
	HashFunctionCity   = HashFunctionType(2)
)

var (
	errUnknownValueType = func(v any, hf HashFunctionType) error {
		return fmt.Errorf("unknown type of value that the hash will be calculated from: %T for %s hash type", v, ToString(hf))
	}
)

// EncodeUInt64 encodes input as a varint padded to 8 bytes, or to
// binary.MaxVarintLen64 bytes for values of 2^56 and above.
func EncodeUInt64(input uint64) []byte {
	const ENCODING_BYTES_BIG = binary.MaxVarintLen64
	const ENCODING_BYTES = 8
	const BOUND = 1 << 56 /* 72057594037927936 */

	sz := ENCODING_BYTES
	if input >= BOUND {
		sz = ENCODING_BYTES_BIG
	}

	buf := make([]byte, sz)
	binary.PutUvarint(buf, input)
	return buf
}

func hashInput(input any, hf HashFunctionType) ([]byte, error) {
	switch v := input.(type) {
	case int32:
		return EncodeUInt64(uint64(int64(v))), nil
	case int64:
		return EncodeUInt64(uint64(v)), nil
	case int:
		return EncodeUInt64(uint64(int64(v))), nil
	case uint64:
		return EncodeUInt64(v), nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, errUnknownValueType(input, hf)
	}
}

func ApplyMurmurHashFunction(input any) (uint64, error) {
	buf, err := hashInput(input, HashFunctionMurmur)
	if err != nil {
		return 0, err
	}
	return murmur3.Sum64(buf), nil
}

func ApplyCityHashFunction(input any) (uint64, error) {
	buf, err := hashInput(input, HashFunctionCity)
	if err != nil {
		return 0, err
	}
	return city.Hash64(buf), nil
}

// ApplyHashFunction returns input unchanged for the identity function and
// the 64-bit hash of it, as a signed value, otherwise. Hashed shard keys
// are stored as signed integers so they spread over the whole int64 range.
func ApplyHashFunction(input any, hf HashFunctionType) (any, error) {
	switch hf {
	case HashFunctionIdent:
		return input, nil
	case HashFunctionMurmur:
		v, err := ApplyMurmurHashFunction(input)
		return int64(v), err
	case HashFunctionCity:
		v, err := ApplyCityHashFunction(input)
		return int64(v), err
	default:
		return nil, fmt.Errorf("unknown hash function type: %d", hf)
	}
}

// HashFunctionByName returns the HashFunctionType named hfn.
func HashFunctionByName(hfn string) (HashFunctionType, error) {
	switch hfn {
	case "identity", "ident", "":
		return HashFunctionIdent, nil
	case "murmur", "hashed":
		return HashFunctionMurmur, nil
	case "city":
		return HashFunctionCity, nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %s", hfn)
	}
}

// ToString converts a HashFunctionType to its name. Unknown types map to "".
func ToString(hf HashFunctionType) string {
	switch hf {
	case HashFunctionIdent:
		return "identity"
	case HashFunctionMurmur:
		return "murmur"
	case HashFunctionCity:
		return "city"
	}
	return ""
}
