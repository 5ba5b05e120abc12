package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadWriteRoundTrip(t *testing.T) {
	buff := make([]byte, 32)

	WriteUB2(buff, 0, 0xBEEF)
	assert.Equal(t, uint16(0xBEEF), ReadUB2(buff, 0))

	WriteUB4(buff, 4, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), ReadUB4(buff, 4))

	WriteUB8(buff, 8, 0x0102030405060708)
	assert.Equal(t, uint64(0x0102030405060708), ReadUB8(buff, 8))
}

func TestLittleEndianLayout(t *testing.T) {
	buff := make([]byte, 8)
	WriteUB8(buff, 0, 0x42)
	assert.Equal(t, []byte{0x42, 0, 0, 0, 0, 0, 0, 0}, buff)

	WriteUB2(buff, 0, 0x1234)
	assert.Equal(t, byte(0x34), buff[0])
	assert.Equal(t, byte(0x12), buff[1])
}

func TestHashCode(t *testing.T) {
	a := HashCode([]byte("hello"))
	b := HashCode([]byte("hello"))
	c := HashCode([]byte("world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	assert.Equal(t, HashUint64(42), HashUint64(42))
	assert.NotEqual(t, HashUint64(42), HashUint64(43))
}
