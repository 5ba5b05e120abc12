package store

import (
	"fmt"
	"sort"

	"github.com/zhukovaskychina/xengine/util"
)

// 槽页布局:
//
//	--------------------------------------------------------------------------
//	| 页头 | ... 槽数组 ... | ...... 空闲区 ...... | ...... 记录载荷 ...... |
//	--------------------------------------------------------------------------
//	      ^12字节                                ^dataStart          页尾^
//
// 页头 (12字节, 小端):
//
//	| slotCount u16 | firstFreeSlot u16 | dataStart u32 | freeSpace u32 |
//
// 槽数组向后生长, 记录载荷从dataStart向前生长.
// freeSpace是紧缩后可用的字节数. dataStart是载荷区的下界, 所有存活载荷都不低于它;
// 截断、擦除与重定向留下的空洞只在紧缩时回收, 因此它可能低于最小的存活载荷偏移.
const (
	// HeaderSize 页头字节数
	HeaderSize = 12
	// SlotSize 一个槽字的字节数
	SlotSize = 8
)

// Slot 64位槽字 (小端):
//
//	bits 63..56  标记字节, 0xFF为普通槽, 否则整个槽字是一个重定向TID
//	bits 55..48  重定向目标标志, 0x00非目标, 0xFF为目标
//	bits 47..24  页内偏移 (24位)
//	bits 23..0   载荷长度 (24位)
type Slot uint64

// EmptySlot 空普通槽的哨兵值
const EmptySlot Slot = 0xFF00_0000_0000_0000

// IsRedirect 槽字是否为重定向TID
func (s Slot) IsRedirect() bool {
	return (s >> 56) != 0xFF
}

// IsRedirectTarget 槽是否为重定向目标
func (s Slot) IsRedirectTarget() bool {
	return ((s >> 48) & 0xFF) != 0
}

// IsEmpty 槽是否为空
func (s Slot) IsEmpty() bool {
	return s == EmptySlot
}

// Offset 载荷页内偏移
func (s Slot) Offset() uint32 {
	return uint32((s >> 24) & 0xFFFFFF)
}

// Size 载荷长度
func (s Slot) Size() uint32 {
	return uint32(s & 0xFFFFFF)
}

// RedirectTID 将槽字解释为重定向TID
func (s Slot) RedirectTID() TID {
	return TID(s)
}

// WithSize 返回改写长度后的槽字
func (s Slot) WithSize(size uint32) Slot {
	return (s &^ 0xFFFFFF) | Slot(size&0xFFFFFF)
}

// WithOffset 返回改写偏移后的槽字
func (s Slot) WithOffset(offset uint32) Slot {
	return (s &^ (0xFFFFFF << 24)) | (Slot(offset&0xFFFFFF) << 24)
}

// WithRedirectTarget 返回改写重定向目标标志后的槽字
func (s Slot) WithRedirectTarget(target bool) Slot {
	s &^= 0xFF << 48
	if target {
		s |= 0xFF << 48
	}
	return s
}

// MakeSlot 构造普通槽字
func MakeSlot(offset, size uint32, redirectTarget bool) Slot {
	s := Slot(0xFF)<<56 | Slot(offset&0xFFFFFF)<<24 | Slot(size&0xFFFFFF)
	if redirectTarget {
		s |= Slot(0xFF) << 48
	}
	return s
}

// MakeRedirectSlot 由目标TID构造重定向槽字.
// TID最高字节为0xFF时无法与普通槽区分, 视为程序错误.
func MakeRedirectSlot(tid TID) Slot {
	if (tid.Value() >> 56) == 0xFF {
		panic(fmt.Sprintf("tid %#x cannot be stored in a redirect slot", tid.Value()))
	}
	return Slot(tid.Value())
}

// SlottedPage 借用缓冲帧字节的槽页视图
type SlottedPage struct {
	data []byte
}

// AsSlottedPage 把页字节解释为槽页
func AsSlottedPage(data []byte) SlottedPage {
	return SlottedPage{data: data}
}

// InitSlottedPage 把页字节初始化为空槽页
func InitSlottedPage(data []byte) SlottedPage {
	if len(data) <= HeaderSize+SlotSize {
		panic(fmt.Sprintf("page size %d cannot hold any slot", len(data)))
	}
	page := SlottedPage{data: data}
	page.setSlotCount(0)
	page.setFirstFreeSlot(0)
	page.setDataStart(uint32(len(data)))
	page.setFreeSpace(uint32(len(data) - HeaderSize))
	for i := HeaderSize; i < len(data); i++ {
		data[i] = 0
	}
	return page
}

// MaxRecordSize 返回页能容纳的最大记录长度
func MaxRecordSize(pageSize int) uint32 {
	return uint32(pageSize - HeaderSize - SlotSize)
}

// SlotCount 当前槽数量
func (p SlottedPage) SlotCount() uint16 { return util.ReadUB2(p.data, 0) }

// FirstFreeSlot 第一个空槽的下标缓存
func (p SlottedPage) FirstFreeSlot() uint16 { return util.ReadUB2(p.data, 2) }

// DataStart 载荷区下界
func (p SlottedPage) DataStart() uint32 { return util.ReadUB4(p.data, 4) }

// FreeSpace 紧缩后可用的字节数
func (p SlottedPage) FreeSpace() uint32 { return util.ReadUB4(p.data, 8) }

func (p SlottedPage) setSlotCount(v uint16)     { util.WriteUB2(p.data, 0, v) }
func (p SlottedPage) setFirstFreeSlot(v uint16) { util.WriteUB2(p.data, 2, v) }
func (p SlottedPage) setDataStart(v uint32)     { util.WriteUB4(p.data, 4, v) }
func (p SlottedPage) setFreeSpace(v uint32)     { util.WriteUB4(p.data, 8, v) }

// Slot 读取槽字
func (p SlottedPage) Slot(slotID uint16) Slot {
	if slotID >= p.SlotCount() {
		panic(fmt.Sprintf("slot %d out of range, page has %d slots", slotID, p.SlotCount()))
	}
	return Slot(util.ReadUB8(p.data, HeaderSize+int(slotID)*SlotSize))
}

// SetSlot 写入槽字
func (p SlottedPage) SetSlot(slotID uint16, slot Slot) {
	if slotID >= p.SlotCount() {
		panic(fmt.Sprintf("slot %d out of range, page has %d slots", slotID, p.SlotCount()))
	}
	util.WriteUB8(p.data, HeaderSize+int(slotID)*SlotSize, uint64(slot))
}

// Payload 返回槽的载荷字节
func (p SlottedPage) Payload(slot Slot) []byte {
	offset := slot.Offset()
	size := slot.Size()
	if int(offset)+int(size) > len(p.data) {
		panic(fmt.Sprintf("slot payload [%d, %d) exceeds page size %d", offset, offset+size, len(p.data)))
	}
	return p.data[offset : offset+size]
}

// continuousFreeSpace 槽数组末尾到dataStart之间的连续空闲字节
func (p SlottedPage) continuousFreeSpace() uint32 {
	slotArrayEnd := uint32(HeaderSize) + uint32(p.SlotCount())*SlotSize
	dataStart := p.DataStart()
	if dataStart < slotArrayEnd {
		panic(fmt.Sprintf("slot array end %d overlaps data start %d", slotArrayEnd, dataStart))
	}
	return dataStart - slotArrayEnd
}

// Allocate 在页内分配一个槽, 返回槽号.
// 优先复用firstFreeSlot指向的空槽, 否则增长槽数组.
// 连续空闲区不足时先紧缩.
func (p SlottedPage) Allocate(dataSize uint32) uint16 {
	var slotID uint16
	if p.FirstFreeSlot() == p.SlotCount() {
		// 新增一个槽
		if p.FreeSpace() < dataSize+SlotSize {
			panic(fmt.Sprintf("allocate %d bytes on page with %d free", dataSize, p.FreeSpace()))
		}
		if p.continuousFreeSpace() < dataSize+SlotSize {
			p.compactify()
		}
		p.setFirstFreeSlot(p.FirstFreeSlot() + 1)
		p.setFreeSpace(p.FreeSpace() - dataSize - SlotSize)
		slotID = p.SlotCount()
		p.setSlotCount(slotID + 1)
	} else {
		// 复用空槽
		slotID = p.FirstFreeSlot()
		if p.FreeSpace() < dataSize {
			panic(fmt.Sprintf("allocate %d bytes on page with %d free", dataSize, p.FreeSpace()))
		}
		if p.continuousFreeSpace() < dataSize {
			p.compactify()
		}
		// 找下一个空槽
		next := p.SlotCount()
		for i := slotID + 1; i < p.SlotCount(); i++ {
			if p.Slot(i).IsEmpty() {
				next = i
				break
			}
		}
		p.setFirstFreeSlot(next)
		p.setFreeSpace(p.FreeSpace() - dataSize)
	}

	dataStart := p.DataStart() - dataSize
	p.setDataStart(dataStart)
	p.SetSlot(slotID, MakeSlot(dataStart, dataSize, false))
	payload := p.data[dataStart : dataStart+dataSize]
	for i := range payload {
		payload[i] = 0
	}
	return slotID
}

// Relocate 将槽调整为新长度, 保留min(旧, 新)字节的数据.
// 等长无动作, 缩短就地截断, 增长时暂存数据并必要时紧缩后重新布置.
func (p SlottedPage) Relocate(slotID uint16, dataSize uint32) {
	slot := p.Slot(slotID)
	if slot.IsEmpty() {
		panic(fmt.Sprintf("relocate empty slot %d", slotID))
	}
	slotSize := slot.Size()
	slotOffset := slot.Offset()

	if slotSize == 0 && slotOffset == 1 {
		// 取消重定向后的占位槽 (size 0, offset 1): 当作全新分配布置
		if p.FreeSpace() < dataSize {
			panic(fmt.Sprintf("relocate to %d bytes on page with %d free", dataSize, p.FreeSpace()))
		}
		if p.continuousFreeSpace() < dataSize {
			p.compactify()
		}
		p.setFreeSpace(p.FreeSpace() - dataSize)
		dataStart := p.DataStart() - dataSize
		p.setDataStart(dataStart)
		p.SetSlot(slotID, MakeSlot(dataStart, dataSize, false))
		payload := p.data[dataStart : dataStart+dataSize]
		for i := range payload {
			payload[i] = 0
		}
		return
	}

	if slotSize == dataSize {
		return
	}
	if slotSize > dataSize {
		// 截断, 多出的字节归还空闲区
		p.setFreeSpace(p.FreeSpace() + slotSize - dataSize)
		p.SetSlot(slotID, slot.WithSize(dataSize))
		return
	}

	// 增长: 暂存数据, 紧缩会清理临时清空的槽的载荷区
	buffer := make([]byte, slotSize)
	copy(buffer, p.data[slotOffset:slotOffset+slotSize])
	p.setFreeSpace(p.FreeSpace() + slotSize)
	if p.FreeSpace() < dataSize {
		panic(fmt.Sprintf("relocate to %d bytes on page with %d free", dataSize, p.FreeSpace()))
	}
	if slotOffset == p.DataStart() {
		p.setDataStart(p.DataStart() + slotSize)
	}
	wasRedirectTarget := slot.IsRedirectTarget()
	p.SetSlot(slotID, EmptySlot)
	if p.continuousFreeSpace() < dataSize {
		p.compactify()
	}
	p.setFreeSpace(p.FreeSpace() - dataSize)
	dataStart := p.DataStart() - dataSize
	p.setDataStart(dataStart)
	p.SetSlot(slotID, MakeSlot(dataStart, dataSize, wasRedirectTarget))
	copy(p.data[dataStart:dataStart+slotSize], buffer)
	tail := p.data[dataStart+slotSize : dataStart+dataSize]
	for i := range tail {
		tail[i] = 0
	}
}

// Erase 清空一个槽.
// 重定向槽不占载荷, 只回收槽字本身.
// 末尾的连续空槽被裁剪, 槽数组字节归还空闲区.
func (p SlottedPage) Erase(slotID uint16) {
	slot := p.Slot(slotID)
	if slot.IsEmpty() {
		panic(fmt.Sprintf("erase empty slot %d", slotID))
	}
	if !slot.IsRedirect() {
		p.setFreeSpace(p.FreeSpace() + slot.Size())
		if slot.Offset() == p.DataStart() {
			p.setDataStart(p.DataStart() + slot.Size())
		}
	}
	if slotID < p.FirstFreeSlot() {
		p.setFirstFreeSlot(slotID)
	}
	p.SetSlot(slotID, EmptySlot)

	if slotID == p.SlotCount()-1 {
		count := p.SlotCount()
		free := p.FreeSpace()
		for count >= 1 && Slot(util.ReadUB8(p.data, HeaderSize+int(count-1)*SlotSize)).IsEmpty() {
			count--
			free += SlotSize
		}
		p.setSlotCount(count)
		p.setFreeSpace(free)
		if p.FirstFreeSlot() > count {
			p.setFirstFreeSlot(count)
		}
	}
}

// compactify 把存活载荷按偏移降序滑到页尾, 消除空洞, 重算dataStart
func (p SlottedPage) compactify() {
	type liveSlot struct {
		id   uint16
		slot Slot
	}
	live := make([]liveSlot, 0, p.SlotCount())
	for i := uint16(0); i < p.SlotCount(); i++ {
		slot := p.Slot(i)
		if !slot.IsRedirect() && !slot.IsEmpty() {
			live = append(live, liveSlot{id: i, slot: slot})
		}
	}
	if len(live) == 0 {
		p.setDataStart(uint32(len(p.data)))
		return
	}
	sort.Slice(live, func(a, b int) bool {
		return live[a].slot.Offset() > live[b].slot.Offset()
	})

	pageSize := uint32(len(p.data))
	lastDataOffset := pageSize
	for _, ls := range live {
		size := ls.slot.Size()
		offset := ls.slot.Offset()
		newOffset := lastDataOffset - size
		if newOffset != offset {
			copy(p.data[newOffset:newOffset+size], p.data[offset:offset+size])
			p.SetSlot(ls.id, ls.slot.WithOffset(newOffset))
		}
		lastDataOffset = newOffset
	}
	p.setDataStart(lastDataOffset)
}
