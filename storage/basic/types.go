package basic

// PageID 64位页号: 高16位为段ID, 低48位为段内页偏移
type PageID = uint64

// SegmentID 16位段ID
type SegmentID = uint16

// FileOffset 段内页偏移
type FileOffset = uint64

const (
	// InvalidPageID 无效页号
	InvalidPageID PageID = ^PageID(0)

	// SegmentOffsetBits 段内偏移所占位数
	SegmentOffsetBits = 48

	// SegmentOffsetMask 段内偏移掩码
	SegmentOffsetMask = (uint64(1) << SegmentOffsetBits) - 1
)

// SegmentOf 返回页号中的段ID (高16位)
func SegmentOf(pageID PageID) SegmentID {
	return SegmentID(pageID >> SegmentOffsetBits)
}

// OffsetOf 返回页号中的段内偏移 (低48位)
func OffsetOf(pageID PageID) FileOffset {
	return pageID & SegmentOffsetMask
}

// NewPageID 由段ID和段内偏移构造页号
func NewPageID(segmentID SegmentID, offset FileOffset) PageID {
	return (uint64(segmentID) << SegmentOffsetBits) | (offset & SegmentOffsetMask)
}
