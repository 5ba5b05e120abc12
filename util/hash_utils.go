package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashUint64 对一个64位键进行Hash
func HashUint64(key uint64) uint64 {
	var buff [8]byte
	WriteUB8(buff[:], 0, key)
	return HashCode(buff[:])
}
