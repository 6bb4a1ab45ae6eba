package hashfunction_test

import (
	"testing"

	"github.com/pg-sharding/rangekeeper/pkg/models/hashfunction"
	"github.com/stretchr/testify/assert"
)

func TestEncodeUInt64(t *testing.T) {
	tests := []struct {
		name     string
		inp      uint64
		expected []byte
	}{
		{"Zero value", 0, []byte{0, 0, 0, 0, 0, 0, 0, 0}},
		{"Power of two: 2^7", 128, []byte{128, 1, 0, 0, 0, 0, 0, 0}},
		{"Power of two: 2^10", 1024, []byte{128, 8, 0, 0, 0, 0, 0, 0}},
		{"Arbitrary number: 12345", 12345, []byte{185, 96, 0, 0, 0, 0, 0, 0}},
		{"Maximum 56-bit - 1 value", 1<<56 - 1, []byte{255, 255, 255, 255, 255, 255, 255, 127}},
		{"Boundary value 2^56", 1 << 56, []byte{128, 128, 128, 128, 128, 128, 128, 128, 1, 0}},
		{"Large number: 2^64 - 1", (1 << 64) - 1, []byte{255, 255, 255, 255, 255, 255, 255, 255, 255, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := hashfunction.EncodeUInt64(tt.inp)
			assert.Equal(t, tt.expected, result, "Test '%s': EncodeUInt64 should produce the expected result", tt.name)
		})
	}
}

func TestApplyHashFunction(t *testing.T) {
	assert := assert.New(t)

	for _, hf := range []hashfunction.HashFunctionType{hashfunction.HashFunctionMurmur, hashfunction.HashFunctionCity} {
		a, err := hashfunction.ApplyHashFunction(int64(42), hf)
		assert.NoError(err)
		b, err := hashfunction.ApplyHashFunction(int32(42), hf)
		assert.NoError(err)
		assert.Equal(a, b, "int32 and int64 of the same value hash equally")
		assert.IsType(int64(0), a)

		s1, err := hashfunction.ApplyHashFunction("abc", hf)
		assert.NoError(err)
		s2, err := hashfunction.ApplyHashFunction([]byte("abc"), hf)
		assert.NoError(err)
		assert.Equal(s1, s2)
		assert.NotEqual(a, s1)

		_, err = hashfunction.ApplyHashFunction(3.14, hf)
		assert.Error(err)
	}

	v, err := hashfunction.ApplyHashFunction("abc", hashfunction.HashFunctionIdent)
	assert.NoError(err)
	assert.Equal("abc", v)

	_, err = hashfunction.ApplyHashFunction("abc", hashfunction.HashFunctionType(9))
	assert.Error(err)
}

func TestHashFunctionByName(t *testing.T) {
	assert := assert.New(t)

	for _, name := range []string{"identity", "murmur", "city"} {
		hf, err := hashfunction.HashFunctionByName(name)
		assert.NoError(err)
		assert.Equal(name, hashfunction.ToString(hf))
	}
	hf, err := hashfunction.HashFunctionByName("hashed")
	assert.NoError(err)
	assert.Equal(hashfunction.HashFunctionMurmur, hf)

	_, err = hashfunction.HashFunctionByName("md5")
	assert.Error(err)
}
