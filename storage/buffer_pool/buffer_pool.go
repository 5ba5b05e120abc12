package buffer_pool

import (
	"container/list"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/conf"
	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/storage/blocks"
)

// segmentFile 一个段文件, fileMu串行化Resize
type segmentFile struct {
	fileMu sync.Mutex
	file   *blocks.BlockFile
}

// BufferManager 缓冲池管理器
//
// 两队列置换: 新页进入FIFO队尾, FIFO中再次被fix的页晋升到LRU队尾,
// LRU中的页被fix后移到LRU队尾. 淘汰时先扫FIFO再扫LRU,
// 选第一个users==0且状态为Loaded的帧.
//
// 并发协议: 全局互斥锁保护页表和两个链表, 帧latch保护页内容.
// 全局锁先于帧latch获取, 且不跨磁盘I/O持有.
type BufferManager struct {
	pageSize   int
	frameCount int
	dataDir    string

	mu sync.Mutex

	// 页表: 所有驻留内存的帧
	frames map[basic.PageID]*BufferFrame

	// FIFO与LRU链表, 元素为*BufferFrame
	fifoList *list.List
	lruList  *list.List

	// 空闲页缓冲区
	freeData [][]byte

	// 段文件表
	segmentFiles map[basic.SegmentID]*segmentFile
}

// NewBufferManager 创建缓冲池, pageSize为页大小, frameCount为帧数量
func NewBufferManager(pageSize int, frameCount int, dataDir string) (*BufferManager, error) {
	if pageSize <= 0 || frameCount <= 0 {
		return nil, errors.Trace(basic.ErrInvalidPageSize)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Annotatef(err, "create data dir %s", dataDir)
	}
	bm := &BufferManager{
		pageSize:     pageSize,
		frameCount:   frameCount,
		dataDir:      dataDir,
		frames:       make(map[basic.PageID]*BufferFrame),
		fifoList:     list.New(),
		lruList:      list.New(),
		freeData:     make([][]byte, 0, frameCount),
		segmentFiles: make(map[basic.SegmentID]*segmentFile),
	}
	slab := make([]byte, pageSize*frameCount)
	for i := 0; i < frameCount; i++ {
		bm.freeData = append(bm.freeData, slab[i*pageSize:(i+1)*pageSize])
	}
	logger.Debugf("buffer pool created: page_size=%d frames=%d dir=%s", pageSize, frameCount, dataDir)
	return bm, nil
}

// NewBufferManagerWithCfg 由配置创建缓冲池
func NewBufferManagerWithCfg(cfg *conf.Cfg) (*BufferManager, error) {
	return NewBufferManager(cfg.PageSize, cfg.BufferFrames, cfg.DataDir)
}

// PageSize 返回页大小
func (bm *BufferManager) PageSize() int {
	return bm.pageSize
}

// FixPage 取得页号对应的帧并加latch. 页不在内存时从磁盘读入.
// exclusive为true时排他加锁, 否则共享加锁.
// 所有帧都被占用且无法淘汰时返回basic.ErrBufferFull.
func (bm *BufferManager) FixPage(pageID basic.PageID, exclusive bool) (*BufferFrame, error) {
	bm.mu.Lock()

	for {
		frame, ok := bm.frames[pageID]
		if !ok {
			break
		}
		frame.users++
		if frame.state == stateEvicting {
			// 淘汰写回进行中又被需要, 作废本次淘汰
			frame.state = stateReloaded
		} else if frame.state == stateNew {
			// 另一线程正在为该帧找淘汰对象, 以排他latch等其结束
			bm.mu.Unlock()
			frame.lock(true)
			frame.unlock()
			bm.mu.Lock()
			if frame.state == stateNew {
				// 对方淘汰失败, 清理残留帧后重试
				frame.users--
				if frame.users == 0 {
					delete(bm.frames, pageID)
				}
				continue
			}
		}
		if frame.lruElem != nil {
			// 已在LRU中, 移到LRU队尾
			bm.lruList.MoveToBack(frame.lruElem)
		} else {
			// 在FIFO中再次被fix, 晋升到LRU
			bm.fifoList.Remove(frame.fifoElem)
			frame.fifoElem = nil
			frame.lruElem = bm.lruList.PushBack(frame)
		}
		bm.mu.Unlock()
		frame.lock(exclusive)
		return frame, nil
	}

	// 缺页: 建立新帧, 暂不进入任何队列
	frame := &BufferFrame{pageID: pageID, state: stateNew}
	bm.frames[pageID] = frame
	frame.users++
	frame.lock(true)

	var data []byte
	if len(bm.freeData) > 0 {
		data = bm.freeData[len(bm.freeData)-1]
		bm.freeData = bm.freeData[:len(bm.freeData)-1]
	} else {
		var err error
		data, err = bm.evictPage()
		if data == nil {
			// 淘汰失败: 回收残留帧
			frame.users--
			frame.unlock()
			if frame.users == 0 {
				delete(bm.frames, pageID)
			}
			bm.mu.Unlock()
			if err != nil {
				return nil, errors.Trace(err)
			}
			return nil, errors.Trace(basic.ErrBufferFull)
		}
	}

	frame.state = stateLoading
	frame.data = data
	frame.fifoElem = bm.fifoList.PushBack(frame)
	if err := bm.loadPage(frame); err != nil {
		// 读盘失败: 回收缓冲和帧, 等待者会看到stateNew并重试
		bm.fifoList.Remove(frame.fifoElem)
		frame.fifoElem = nil
		bm.freeData = append(bm.freeData, frame.data)
		frame.data = nil
		frame.state = stateNew
		frame.users--
		if frame.users == 0 {
			delete(bm.frames, pageID)
		}
		frame.unlock()
		bm.mu.Unlock()
		return nil, errors.Trace(err)
	}
	frame.unlock()
	bm.mu.Unlock()
	frame.lock(exclusive)
	return frame, nil
}

// UnfixPage 释放一次fix, dirty为true时标记脏页, 写回被推迟
func (bm *BufferManager) UnfixPage(frame *BufferFrame, dirty bool) {
	frame.unlock()
	bm.mu.Lock()
	if dirty {
		frame.dirty = true
	}
	frame.users--
	bm.mu.Unlock()
}

// FIFOList 返回FIFO队列中的页号, 队首在前. 非线程安全, 仅用于诊断与测试.
func (bm *BufferManager) FIFOList() []basic.PageID {
	ids := make([]basic.PageID, 0, bm.fifoList.Len())
	for e := bm.fifoList.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*BufferFrame).pageID)
	}
	return ids
}

// LRUList 返回LRU队列中的页号, 最久未用在前. 非线程安全, 仅用于诊断与测试.
func (bm *BufferManager) LRUList() []basic.PageID {
	ids := make([]basic.PageID, 0, bm.lruList.Len())
	for e := bm.lruList.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*BufferFrame).pageID)
	}
	return ids
}

// Close 将所有脏页写回磁盘并关闭段文件
func (bm *BufferManager) Close() error {
	bm.mu.Lock()
	var firstErr error
	for _, frame := range bm.frames {
		if !frame.dirty {
			continue
		}
		if err := bm.writeOutPage(frame.pageID, frame.data); err != nil && firstErr == nil {
			firstErr = err
		}
		frame.dirty = false
	}
	for _, sf := range bm.segmentFiles {
		if err := sf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bm.segmentFiles = make(map[basic.SegmentID]*segmentFile)
	bm.mu.Unlock()
	return errors.Trace(firstErr)
}

// segmentFileOf 取得段文件, 必要时打开或创建. 调用者持有bm.mu.
func (bm *BufferManager) segmentFileOf(segmentID basic.SegmentID) (*segmentFile, error) {
	if sf, ok := bm.segmentFiles[segmentID]; ok {
		return sf, nil
	}
	path := filepath.Join(bm.dataDir, strconv.Itoa(int(segmentID)))
	file, err := blocks.Open(path, blocks.ModeWrite)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sf := &segmentFile{file: file}
	bm.segmentFiles[segmentID] = sf
	return sf, nil
}

// loadPage 从磁盘读入一页. 调用者持有bm.mu, I/O期间释放.
func (bm *BufferManager) loadPage(frame *BufferFrame) error {
	offset := basic.OffsetOf(frame.pageID)
	sf, err := bm.segmentFileOf(basic.SegmentOf(frame.pageID))
	if err != nil {
		return errors.Trace(err)
	}

	bm.mu.Unlock()
	sf.fileMu.Lock()
	size, err := sf.file.Size()
	if err != nil {
		sf.fileMu.Unlock()
		bm.mu.Lock()
		return errors.Trace(err)
	}
	need := int64(offset+1) * int64(bm.pageSize)
	if size < need {
		// 文件太短: 补零扩展, 文件中的零无需从磁盘读
		if err := sf.file.Resize(need); err != nil {
			sf.fileMu.Unlock()
			bm.mu.Lock()
			return errors.Trace(err)
		}
		sf.fileMu.Unlock()
		for i := range frame.data {
			frame.data[i] = 0
		}
		bm.mu.Lock()
	} else {
		sf.fileMu.Unlock()
		err := sf.file.ReadBlock(int64(offset)*int64(bm.pageSize), frame.data)
		bm.mu.Lock()
		if err != nil {
			return errors.Trace(err)
		}
	}
	frame.state = stateLoaded
	frame.dirty = false
	return nil
}

// writeOutPage 将一页写回磁盘. 调用者持有bm.mu, I/O期间释放.
func (bm *BufferManager) writeOutPage(pageID basic.PageID, data []byte) error {
	offset := basic.OffsetOf(pageID)
	sf, err := bm.segmentFileOf(basic.SegmentOf(pageID))
	if err != nil {
		return errors.Trace(err)
	}
	bm.mu.Unlock()
	err = sf.file.WriteBlock(int64(offset)*int64(bm.pageSize), data)
	bm.mu.Lock()
	return errors.Trace(err)
}

// findVictim 选出可淘汰的帧: 先FIFO后LRU, users==0且Loaded.
// 调用者持有bm.mu.
func (bm *BufferManager) findVictim() *BufferFrame {
	for e := bm.fifoList.Front(); e != nil; e = e.Next() {
		frame := e.Value.(*BufferFrame)
		if frame.users == 0 && frame.state == stateLoaded {
			return frame
		}
	}
	for e := bm.lruList.Front(); e != nil; e = e.Next() {
		frame := e.Value.(*BufferFrame)
		if frame.users == 0 && frame.state == stateLoaded {
			return frame
		}
	}
	return nil
}

// evictPage 淘汰一帧并返回其页缓冲. 无帧可淘汰时返回nil.
// 脏页写回使用数据快照, 写回期间其他线程可重新fix该页;
// 写回结束时只有状态仍为Evicting才允许移除.
// 调用者持有bm.mu, 写回I/O期间释放.
func (bm *BufferManager) evictPage() ([]byte, error) {
	var victim *BufferFrame
	for {
		victim = bm.findVictim()
		if victim == nil {
			return nil, nil
		}
		victim.state = stateEvicting
		if !victim.dirty {
			break
		}
		snapshot := make([]byte, bm.pageSize)
		copy(snapshot, victim.data)
		if err := bm.writeOutPage(victim.pageID, snapshot); err != nil {
			victim.state = stateLoaded
			return nil, errors.Trace(err)
		}
		if victim.state == stateEvicting {
			// 写回期间无人认领, 可以移除
			victim.dirty = false
			break
		}
		// 写回期间被重新fix (Reloaded), 放弃该帧另找
		victim.state = stateLoaded
	}
	if victim.lruElem != nil {
		bm.lruList.Remove(victim.lruElem)
		victim.lruElem = nil
	} else {
		bm.fifoList.Remove(victim.fifoElem)
		victim.fifoElem = nil
	}
	logger.Debugf("evict page %d from buffer pool", victim.pageID)
	data := victim.data
	victim.data = nil
	delete(bm.frames, victim.pageID)
	return data, nil
}
