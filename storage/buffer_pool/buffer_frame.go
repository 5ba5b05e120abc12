package buffer_pool

import (
	"container/list"
	"sync"

	"github.com/zhukovaskychina/xengine/storage/basic"
)

// frameState 缓冲帧状态机
//
// 五个状态各自区分一种并发场景, 不可合并:
// Loading区分读盘进行中, Evicting/Reloaded区分淘汰写回与并发re-fix的竞争.
type frameState uint8

const (
	// stateNew 帧刚建立, 数据未加载
	stateNew frameState = iota
	// stateLoading 正在从磁盘读入
	stateLoading
	// stateLoaded 数据已加载
	stateLoaded
	// stateEvicting 正在被淘汰写回
	stateEvicting
	// stateReloaded 写回期间又被fix, 淘汰作废
	stateReloaded
)

// BufferFrame 缓冲帧: 持有一个页的内存副本
type BufferFrame struct {
	pageID basic.PageID

	// 页数据, 长度等于页大小
	data []byte

	// 页内容读写锁
	latch sync.RWMutex

	// 是否以排他方式持有latch, 仅在持锁期间读写
	exclusive bool

	// 状态, 由BufferManager的全局互斥锁保护
	state frameState

	// 当前使用者数量 (被fix的次数)
	users int

	// 脏标记
	dirty bool

	// 在FIFO/LRU链表中的位置, 不在链表中时为nil, 至多位于其一
	fifoElem *list.Element
	lruElem  *list.Element
}

// PageID 返回帧对应的页号
func (frame *BufferFrame) PageID() basic.PageID {
	return frame.pageID
}

// Data 返回页数据
func (frame *BufferFrame) Data() []byte {
	return frame.data
}

func (frame *BufferFrame) lock(exclusive bool) {
	if exclusive {
		frame.latch.Lock()
		frame.exclusive = true
	} else {
		frame.latch.RLock()
	}
}

func (frame *BufferFrame) unlock() {
	if frame.exclusive {
		frame.exclusive = false
		frame.latch.Unlock()
	} else {
		frame.latch.RUnlock()
	}
}
