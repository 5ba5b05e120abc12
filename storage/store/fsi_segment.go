package store

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/storage/buffer_pool"
	"github.com/zhukovaskychina/xengine/storage/schemas"
	"github.com/zhukovaskychina/xengine/storage/segs"
)

// FSISegment 空闲空间清单段.
//
// 每个数据页对应一个4位条目, 编码该页空闲字节数的保守下界:
// 低8级按2的幂 (0, C/128, C/64, ..., C/2), 高8级按C/16线性递增,
// C为页的最大有效载荷. 编码向下取整, 解码值永不超过真实可紧缩空闲空间.
// 每字节两个条目, 一个FSI页覆盖2*PageSize个数据页.
type FSISegment struct {
	segs.Segment

	table *schemas.Table

	// lookupTable 4位编码与空闲字节数的对照表
	lookupTable [16]uint32
}

// NewFSISegment 构造FSI段, 首个FSI页在第一次建段时初始化为全0xFF
func NewFSISegment(segmentID basic.SegmentID, bufferManager *buffer_pool.BufferManager, table *schemas.Table) (*FSISegment, error) {
	f := &FSISegment{
		Segment: segs.NewSegment(segmentID, bufferManager),
		table:   table,
	}

	freeSize := uint32(bufferManager.PageSize() - HeaderSize)
	halfPageSize := freeSize >> 1
	linearLevel := halfPageSize >> 3
	f.lookupTable[15] = freeSize
	for i := 1; i <= 7; i++ {
		f.lookupTable[15-i] = freeSize - uint32(i)*linearLevel
	}
	for i := 0; i <= 6; i++ {
		f.lookupTable[7-i] = halfPageSize >> uint(i)
	}
	f.lookupTable[0] = 0

	if table.AllocatedFSIPages == 0 {
		if err := f.appendFSIPage(0); err != nil {
			return nil, errors.Trace(err)
		}
		table.AllocatedFSIPages = 1
	}
	return f, nil
}

// appendFSIPage 初始化一个新的FSI页, 预先把未来覆盖的页都标成满空闲
func (f *FSISegment) appendFSIPage(offset basic.FileOffset) error {
	frame, err := f.BufferManager.FixPage(f.PageID(offset), true)
	if err != nil {
		return errors.Trace(err)
	}
	data := frame.Data()
	for i := range data {
		data[i] = 0xFF
	}
	f.BufferManager.UnfixPage(frame, true)
	return nil
}

// EncodeFreeSpace 编码空闲字节数为4位级别, 向下取整
func (f *FSISegment) EncodeFreeSpace(freeSpace uint32) uint8 {
	for i := 15; ; i-- {
		if freeSpace >= f.lookupTable[i] {
			return uint8(i)
		}
	}
}

// DecodeFreeSpace 解码4位级别为保守的空闲字节数
func (f *FSISegment) DecodeFreeSpace(level uint8) uint32 {
	return f.lookupTable[level&0x0F]
}

// entriesPerPage 一个FSI页覆盖的数据页数量
func (f *FSISegment) entriesPerPage() uint64 {
	return uint64(f.BufferManager.PageSize()) * 2
}

// fsiPosition 返回数据页对应的FSI页号与页内条目下标
func (f *FSISegment) fsiPosition(targetPageID basic.PageID) (basic.PageID, uint64, bool) {
	segmentPageID := basic.OffsetOf(targetPageID)
	if segmentPageID >= f.table.AllocatedSlottedPages {
		return 0, 0, false
	}
	perPage := f.entriesPerPage()
	fsiPageID := f.PageID(segmentPageID / perPage)
	entry := segmentPageID % perPage
	return fsiPageID, entry, true
}

// targetPosition fsiPosition的逆: 由FSI页号与条目下标返回数据页号
func (f *FSISegment) targetPosition(fsiPageID basic.PageID, entry uint64) basic.PageID {
	segmentPageID := basic.OffsetOf(fsiPageID)*f.entriesPerPage() + entry
	return basic.NewPageID(f.table.SPSegment, segmentPageID)
}

// Update 重写一个数据页的空闲空间条目
func (f *FSISegment) Update(targetPageID basic.PageID, freeSpace uint32) error {
	fsiPageID, entry, ok := f.fsiPosition(targetPageID)
	if !ok {
		return errors.NotValidf("page %d has no fsi entry", targetPageID)
	}
	frame, err := f.BufferManager.FixPage(fsiPageID, true)
	if err != nil {
		return errors.Trace(err)
	}
	data := frame.Data()
	level := f.EncodeFreeSpace(freeSpace)
	byteOffset := entry >> 1
	if entry&1 == 0 {
		// 偶数条目在高4位
		data[byteOffset] = (level << 4) | (data[byteOffset] & 0x0F)
	} else {
		// 奇数条目在低4位
		data[byteOffset] = (data[byteOffset] & 0xF0) | level
	}
	f.BufferManager.UnfixPage(frame, true)
	return nil
}

// Find 线性扫描FSI, 找第一个空闲空间不小于requiredSpace的数据页.
// 命中时当场把条目扣减requiredSpace (空间预留), 返回(true, 页号);
// 未命中时返回(false, 下一个待分配的数据页号).
func (f *FSISegment) Find(requiredSpace uint32) (bool, basic.PageID, error) {
	numPages := f.table.AllocatedSlottedPages
	numFSIPages := f.table.AllocatedFSIPages
	perPage := f.entriesPerPage()
	missPageID := basic.NewPageID(f.table.SPSegment, f.table.AllocatedSlottedPages)

	scanned := uint64(0)
	for fsiPage := uint64(0); fsiPage < numFSIPages && scanned < numPages; fsiPage++ {
		fsiPageID := f.PageID(fsiPage)
		frame, err := f.BufferManager.FixPage(fsiPageID, true)
		if err != nil {
			return false, 0, errors.Trace(err)
		}
		data := frame.Data()
		for entry := uint64(0); entry < perPage && scanned < numPages; entry++ {
			byteOffset := entry >> 1
			var level uint8
			if entry&1 == 0 {
				level = data[byteOffset] >> 4
			} else {
				level = data[byteOffset] & 0x0F
			}
			freeSpace := f.DecodeFreeSpace(level)
			if freeSpace >= requiredSpace {
				// 预留空间, 条目当场扣减
				reserved := f.EncodeFreeSpace(freeSpace - requiredSpace)
				if entry&1 == 0 {
					data[byteOffset] = (reserved << 4) | (data[byteOffset] & 0x0F)
				} else {
					data[byteOffset] = (data[byteOffset] & 0xF0) | reserved
				}
				f.BufferManager.UnfixPage(frame, true)
				return true, f.targetPosition(fsiPageID, entry), nil
			}
			scanned++
		}
		f.BufferManager.UnfixPage(frame, false)
	}
	return false, missPageID, nil
}
