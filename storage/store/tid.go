package store

import "github.com/zhukovaskychina/xengine/storage/basic"

// TID 元组标识: 高48位为段内页偏移, 低16位为槽号.
//
//	0x 000000000000 ' 0000
//	    页偏移48位    槽号16位
//
// 存放在重定向槽里的TID最高字节不能为0xFF, 否则无法与普通槽区分.
type TID uint64

// TIDSize TID落盘占用的字节数
const TIDSize = 8

// NewTID 由段内页偏移和槽号构造TID
func NewTID(pageOffset basic.FileOffset, slot uint16) TID {
	return TID(pageOffset<<16 | uint64(slot))
}

// PageOffset 返回段内页偏移
func (t TID) PageOffset() basic.FileOffset {
	return uint64(t) >> 16
}

// PageID 返回在给定段中的完整页号
func (t TID) PageID(segmentID basic.SegmentID) basic.PageID {
	return basic.NewPageID(segmentID, t.PageOffset())
}

// Slot 返回槽号
func (t TID) Slot() uint16 {
	return uint16(t)
}

// Value 返回原始64位值
func (t TID) Value() uint64 {
	return uint64(t)
}
