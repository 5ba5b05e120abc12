package store

import (
	"fmt"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/storage/buffer_pool"
	"github.com/zhukovaskychina/xengine/storage/schemas"
	"github.com/zhukovaskychina/xengine/storage/segs"
	"github.com/zhukovaskychina/xengine/util"
)

// SPSegment 槽页数据段: 一张表的记录存储.
//
// 记录按TID寻址. 页放不下增长后的记录时建立重定向:
// 源槽存放目标TID, 目标槽载荷以原TID开头, 不允许多级重定向.
// 每次改变页空闲空间的操作都同步维护FSI.
type SPSegment struct {
	segs.Segment

	schema *SchemaSegment
	fsi    *FSISegment
	table  *schemas.Table

	// allocMu 串行化页分配与表计数器更新
	allocMu sync.Mutex
}

// NewSPSegment 构造槽页段, 首个数据页在第一次建段时初始化
func NewSPSegment(segmentID basic.SegmentID, bufferManager *buffer_pool.BufferManager, schema *SchemaSegment, fsi *FSISegment, table *schemas.Table) (*SPSegment, error) {
	s := &SPSegment{
		Segment: segs.NewSegment(segmentID, bufferManager),
		schema:  schema,
		fsi:     fsi,
		table:   table,
	}
	if table.AllocatedSlottedPages == 0 {
		frame, err := bufferManager.FixPage(s.PageID(0), true)
		if err != nil {
			return nil, errors.Trace(err)
		}
		InitSlottedPage(frame.Data())
		bufferManager.UnfixPage(frame, true)
		table.AllocatedSlottedPages = 1
	}
	return s, nil
}

// MaxRecordSize 返回一条记录的最大长度
func (s *SPSegment) MaxRecordSize() uint32 {
	return MaxRecordSize(s.BufferManager.PageSize())
}

// Allocate 分配一条记录, 返回TID.
// 先查FSI找有空位的页, 找不到时分配新的数据页,
// 每满2*PageSize个数据页追加一个FSI页.
func (s *SPSegment) Allocate(requiredSpace uint32) (TID, error) {
	if requiredSpace > s.MaxRecordSize() {
		return 0, errors.Annotatef(basic.ErrRecordTooLarge, "%d bytes, page holds at most %d", requiredSpace, s.MaxRecordSize())
	}
	s.allocMu.Lock()

	found, targetPageID, err := s.fsi.Find(requiredSpace + SlotSize)
	if err != nil {
		s.allocMu.Unlock()
		return 0, errors.Trace(err)
	}
	segmentPageID := basic.OffsetOf(targetPageID)

	if found {
		// FSI命中: 空间已被Find当场预留, 页已发布, 不在allocMu下加latch
		s.allocMu.Unlock()
		frame, err := s.BufferManager.FixPage(targetPageID, true)
		if err != nil {
			return 0, errors.Trace(err)
		}
		page := AsSlottedPage(frame.Data())
		slotID := page.Allocate(requiredSpace)
		freeSpace := page.FreeSpace()
		s.BufferManager.UnfixPage(frame, true)
		if err := s.fsi.Update(targetPageID, freeSpace); err != nil {
			return 0, errors.Trace(err)
		}
		return NewTID(segmentPageID, slotID), nil
	}

	// 未命中: 分配下一个数据页.
	// 计数器发布之前别的线程看不到这个页, 初始化完成后才对Find可见.
	frame, err := s.BufferManager.FixPage(targetPageID, true)
	if err != nil {
		s.allocMu.Unlock()
		return 0, errors.Trace(err)
	}
	page := InitSlottedPage(frame.Data())

	// 每2*PageSize个数据页需要一个新的FSI页
	needNewFSIPage := (s.table.AllocatedSlottedPages+1)%(uint64(s.BufferManager.PageSize())*2) == 0
	if needNewFSIPage {
		if err := s.fsi.appendFSIPage(basic.FileOffset(s.table.AllocatedFSIPages)); err != nil {
			s.BufferManager.UnfixPage(frame, true)
			s.allocMu.Unlock()
			return 0, errors.Trace(err)
		}
	}

	slotID := page.Allocate(requiredSpace)
	freeSpace := page.FreeSpace()

	s.table.AllocatedSlottedPages++
	if needNewFSIPage {
		s.table.AllocatedFSIPages++
	}
	s.allocMu.Unlock()

	s.BufferManager.UnfixPage(frame, true)
	if err := s.fsi.Update(targetPageID, freeSpace); err != nil {
		return 0, errors.Trace(err)
	}
	logger.Debugf("slotted page %d allocated in segment %d", segmentPageID, s.SegmentID)
	return NewTID(segmentPageID, slotID), nil
}

// Read 把记录读入record, 返回读到的字节数.
// 重定向记录跟随一跳, 校验目标槽的回指TID.
func (s *SPSegment) Read(tid TID, record []byte) (uint32, error) {
	frame, err := s.BufferManager.FixPage(tid.PageID(s.SegmentID), false)
	if err != nil {
		return 0, errors.Trace(err)
	}
	page := AsSlottedPage(frame.Data())
	slot := page.Slot(tid.Slot())

	if !slot.IsRedirect() {
		payload := page.Payload(slot)
		n := copy(record, payload)
		s.BufferManager.UnfixPage(frame, false)
		return uint32(n), nil
	}

	redirectTID := slot.RedirectTID()
	s.BufferManager.UnfixPage(frame, false)

	targetFrame, err := s.BufferManager.FixPage(redirectTID.PageID(s.SegmentID), false)
	if err != nil {
		return 0, errors.Trace(err)
	}
	targetPage := AsSlottedPage(targetFrame.Data())
	targetSlot := targetPage.Slot(redirectTID.Slot())
	s.checkRedirectTarget(targetPage, targetSlot, tid)

	payload := targetPage.Payload(targetSlot)
	n := copy(record, payload[TIDSize:])
	s.BufferManager.UnfixPage(targetFrame, false)
	return uint32(n), nil
}

// Write 把record写入记录, 返回写入的字节数.
// 重定向记录写入目标槽8字节TID头之后的区域.
func (s *SPSegment) Write(tid TID, record []byte) (uint32, error) {
	frame, err := s.BufferManager.FixPage(tid.PageID(s.SegmentID), true)
	if err != nil {
		return 0, errors.Trace(err)
	}
	page := AsSlottedPage(frame.Data())
	slot := page.Slot(tid.Slot())

	if !slot.IsRedirect() {
		payload := page.Payload(slot)
		n := copy(payload, record)
		s.BufferManager.UnfixPage(frame, true)
		return uint32(n), nil
	}

	redirectTID := slot.RedirectTID()
	s.BufferManager.UnfixPage(frame, false)

	targetFrame, err := s.BufferManager.FixPage(redirectTID.PageID(s.SegmentID), true)
	if err != nil {
		return 0, errors.Trace(err)
	}
	targetPage := AsSlottedPage(targetFrame.Data())
	targetSlot := targetPage.Slot(redirectTID.Slot())
	s.checkRedirectTarget(targetPage, targetSlot, tid)

	payload := targetPage.Payload(targetSlot)
	n := copy(payload[TIDSize:], record)
	s.BufferManager.UnfixPage(targetFrame, true)
	return uint32(n), nil
}

// Resize 把记录调整为新长度, 保留min(旧, 新)字节.
func (s *SPSegment) Resize(tid TID, newLength uint32) error {
	pageID := tid.PageID(s.SegmentID)
	slotID := tid.Slot()

	frame, err := s.BufferManager.FixPage(pageID, true)
	if err != nil {
		return errors.Trace(err)
	}
	page := AsSlottedPage(frame.Data())
	slot := page.Slot(slotID)

	if !slot.IsRedirect() {
		return errors.Trace(s.resizeDirect(frame, page, tid, slot, newLength))
	}
	return errors.Trace(s.resizeRedirected(frame, page, tid, slot, newLength))
}

// resizeDirect 非重定向记录的三种情形: 等长, 缩短, 增长(页内或重定向出去)
func (s *SPSegment) resizeDirect(frame *buffer_pool.BufferFrame, page SlottedPage, tid TID, slot Slot, newLength uint32) error {
	pageID := tid.PageID(s.SegmentID)
	slotID := tid.Slot()
	oldSize := slot.Size()

	if newLength == oldSize {
		// 情形1: 等长, 无动作
		s.BufferManager.UnfixPage(frame, false)
		return nil
	}

	if newLength < oldSize {
		// 情形2: 缩短, 就地截断并归还空闲空间
		page.Relocate(slotID, newLength)
		freeSpace := page.FreeSpace()
		s.BufferManager.UnfixPage(frame, true)
		return errors.Trace(s.fsi.Update(pageID, freeSpace))
	}

	if page.FreeSpace()+oldSize > newLength {
		// 情形3: 增长且页内放得下 (必要时紧缩), 页内重新布置
		page.Relocate(slotID, newLength)
		freeSpace := page.FreeSpace()
		s.BufferManager.UnfixPage(frame, true)
		return errors.Trace(s.fsi.Update(pageID, freeSpace))
	}

	// 情形4: 页内放不下, 重定向到别的页
	buffer := make([]byte, oldSize)
	copy(buffer, page.Payload(slot))

	redirectTID, err := s.Allocate(newLength + TIDSize)
	if err != nil {
		s.BufferManager.UnfixPage(frame, false)
		return errors.Trace(err)
	}
	page.SetSlot(slotID, MakeRedirectSlot(redirectTID))
	// 原载荷区随紧缩回收
	page.setFreeSpace(page.FreeSpace() + oldSize)
	freeSpace := page.FreeSpace()
	s.BufferManager.UnfixPage(frame, true)
	if err := s.fsi.Update(pageID, freeSpace); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.writeRedirectTarget(redirectTID, tid, buffer))
}

// resizeRedirected 已重定向记录的三种情形:
// 回迁原页, 目标页内调整, 换新的目标页
func (s *SPSegment) resizeRedirected(frame *buffer_pool.BufferFrame, page SlottedPage, tid TID, slot Slot, newLength uint32) error {
	pageID := tid.PageID(s.SegmentID)
	slotID := tid.Slot()

	redirectTID := slot.RedirectTID()
	targetPageID := redirectTID.PageID(s.SegmentID)
	targetFrame, err := s.BufferManager.FixPage(targetPageID, true)
	if err != nil {
		s.BufferManager.UnfixPage(frame, false)
		return errors.Trace(err)
	}
	targetPage := AsSlottedPage(targetFrame.Data())
	targetSlot := targetPage.Slot(redirectTID.Slot())
	s.checkRedirectTarget(targetPage, targetSlot, tid)
	targetDataSize := targetSlot.Size() - TIDSize

	if page.FreeSpace() >= newLength {
		// 情形5a: 新长度能放回原页, 取消重定向
		buffer := make([]byte, minU32(targetDataSize, newLength))
		copy(buffer, targetPage.Payload(targetSlot)[TIDSize:TIDSize+uint32(len(buffer))])

		targetPage.Erase(redirectTID.Slot())
		targetFreeSpace := targetPage.FreeSpace()
		s.BufferManager.UnfixPage(targetFrame, true)
		if err := s.fsi.Update(targetPageID, targetFreeSpace); err != nil {
			s.BufferManager.UnfixPage(frame, false)
			return errors.Trace(err)
		}

		// 源槽先改成占位槽 (size 0, offset 1), 再页内布置新长度
		page.SetSlot(slotID, MakeSlot(1, 0, false))
		page.Relocate(slotID, newLength)
		copy(page.Payload(page.Slot(slotID)), buffer)
		freeSpace := page.FreeSpace()
		s.BufferManager.UnfixPage(frame, true)
		return errors.Trace(s.fsi.Update(pageID, freeSpace))
	}

	if targetPage.FreeSpace()+targetSlot.Size() >= newLength+TIDSize {
		// 情形5b: 目标页内放得下, 目标槽就地调整 (缩短时丢尾部字节)
		s.BufferManager.UnfixPage(frame, false)
		targetPage.Relocate(redirectTID.Slot(), newLength+TIDSize)
		targetFreeSpace := targetPage.FreeSpace()
		s.BufferManager.UnfixPage(targetFrame, true)
		return errors.Trace(s.fsi.Update(targetPageID, targetFreeSpace))
	}

	// 情形5c: 换一个新的目标页, 旧目标槽废弃
	buffer := make([]byte, minU32(targetDataSize, newLength))
	copy(buffer, targetPage.Payload(targetSlot)[TIDSize:TIDSize+uint32(len(buffer))])
	targetPage.Erase(redirectTID.Slot())
	targetFreeSpace := targetPage.FreeSpace()
	s.BufferManager.UnfixPage(targetFrame, true)
	if err := s.fsi.Update(targetPageID, targetFreeSpace); err != nil {
		s.BufferManager.UnfixPage(frame, false)
		return errors.Trace(err)
	}

	newRedirectTID, err := s.Allocate(newLength + TIDSize)
	if err != nil {
		s.BufferManager.UnfixPage(frame, false)
		return errors.Trace(err)
	}
	page.SetSlot(slotID, MakeRedirectSlot(newRedirectTID))
	s.BufferManager.UnfixPage(frame, true)
	return errors.Trace(s.writeRedirectTarget(newRedirectTID, tid, buffer))
}

// writeRedirectTarget 初始化重定向目标槽: 标记目标标志,
// 写入[原TID‖载荷], 分配时已清零的扩展区保持为零
func (s *SPSegment) writeRedirectTarget(redirectTID TID, originalTID TID, payload []byte) error {
	targetFrame, err := s.BufferManager.FixPage(redirectTID.PageID(s.SegmentID), true)
	if err != nil {
		return errors.Trace(err)
	}
	targetPage := AsSlottedPage(targetFrame.Data())
	targetSlot := targetPage.Slot(redirectTID.Slot())
	targetPage.SetSlot(redirectTID.Slot(), targetSlot.WithRedirectTarget(true))

	target := targetPage.Payload(targetPage.Slot(redirectTID.Slot()))
	util.WriteUB8(target, 0, originalTID.Value())
	copy(target[TIDSize:], payload)
	s.BufferManager.UnfixPage(targetFrame, true)
	return nil
}

// Erase 删除记录. 重定向记录先删源槽再删目标槽, 两页的FSI都更新.
func (s *SPSegment) Erase(tid TID) error {
	pageID := tid.PageID(s.SegmentID)
	frame, err := s.BufferManager.FixPage(pageID, true)
	if err != nil {
		return errors.Trace(err)
	}
	page := AsSlottedPage(frame.Data())
	slot := page.Slot(tid.Slot())

	if !slot.IsRedirect() {
		page.Erase(tid.Slot())
		freeSpace := page.FreeSpace()
		s.BufferManager.UnfixPage(frame, true)
		return errors.Trace(s.fsi.Update(pageID, freeSpace))
	}

	redirectTID := slot.RedirectTID()
	page.Erase(tid.Slot())
	freeSpace := page.FreeSpace()
	s.BufferManager.UnfixPage(frame, true)
	if err := s.fsi.Update(pageID, freeSpace); err != nil {
		return errors.Trace(err)
	}

	targetPageID := redirectTID.PageID(s.SegmentID)
	targetFrame, err := s.BufferManager.FixPage(targetPageID, true)
	if err != nil {
		return errors.Trace(err)
	}
	targetPage := AsSlottedPage(targetFrame.Data())
	targetSlot := targetPage.Slot(redirectTID.Slot())
	s.checkRedirectTarget(targetPage, targetSlot, tid)
	targetPage.Erase(redirectTID.Slot())
	targetFreeSpace := targetPage.FreeSpace()
	s.BufferManager.UnfixPage(targetFrame, true)
	return errors.Trace(s.fsi.Update(targetPageID, targetFreeSpace))
}

// checkRedirectTarget 校验目标槽: 必须带目标标志, 不得再次重定向,
// 载荷前8字节必须是原TID. 违反属于页结构损坏, 不可恢复.
func (s *SPSegment) checkRedirectTarget(targetPage SlottedPage, targetSlot Slot, originalTID TID) {
	if targetSlot.IsRedirect() {
		panic(fmt.Sprintf("redirect target of tid %#x redirects again", originalTID.Value()))
	}
	if !targetSlot.IsRedirectTarget() {
		panic(fmt.Sprintf("slot for tid %#x is not marked as redirect target", originalTID.Value()))
	}
	if targetSlot.Size() <= TIDSize {
		panic(fmt.Sprintf("redirect target of tid %#x too small: %d bytes", originalTID.Value(), targetSlot.Size()))
	}
	backPointer := util.ReadUB8(targetPage.Payload(targetSlot), 0)
	if backPointer != originalTID.Value() {
		panic(fmt.Sprintf("redirect target back pointer %#x does not match tid %#x", backPointer, originalTID.Value()))
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
