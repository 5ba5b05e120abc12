package btree

import "github.com/zhukovaskychina/xengine/util"

// FixedCodec 定长编解码器: 键和值都按固定字节数小端落盘
type FixedCodec[T any] struct {
	// ByteSize 编码后的字节数
	ByteSize int
	// Encode 将v编码到b的前ByteSize字节
	Encode func(b []byte, v T)
	// Decode 从b的前ByteSize字节解码
	Decode func(b []byte) T
}

// Uint64Codec uint64键/值的编解码器
var Uint64Codec = FixedCodec[uint64]{
	ByteSize: 8,
	Encode:   func(b []byte, v uint64) { util.WriteUB8(b, 0, v) },
	Decode:   func(b []byte) uint64 { return util.ReadUB8(b, 0) },
}

// Uint32Codec uint32键/值的编解码器
var Uint32Codec = FixedCodec[uint32]{
	ByteSize: 4,
	Encode:   func(b []byte, v uint32) { util.WriteUB4(b, 0, v) },
	Decode:   func(b []byte) uint32 { return util.ReadUB4(b, 0) },
}

// CompareUint64 uint64的三路比较
func CompareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
