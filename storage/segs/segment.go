package segs

import (
	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/storage/buffer_pool"
)

// Segment 段: 页号空间中由16位段ID限定的命名空间.
// 上层结构 (索引, 记录存储, 元数据) 都各自存放在一个段里.
type Segment struct {
	// SegmentID 段ID
	SegmentID basic.SegmentID
	// BufferManager 段使用的缓冲池
	BufferManager *buffer_pool.BufferManager
}

// NewSegment 构造段
func NewSegment(segmentID basic.SegmentID, bufferManager *buffer_pool.BufferManager) Segment {
	return Segment{SegmentID: segmentID, BufferManager: bufferManager}
}

// PageID 由段内偏移构造完整页号
func (seg *Segment) PageID(offset basic.FileOffset) basic.PageID {
	return basic.NewPageID(seg.SegmentID, offset)
}
