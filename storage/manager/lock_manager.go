package manager

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/util"
)

// chain 哈希桶: 桶锁保护的锁记录单链
type chain struct {
	mu    sync.Mutex
	first *Lock
}

// LockManager 锁管理器: 严格两阶段锁.
//
// 固定桶数的链式哈希表存放锁记录, 等待图负责死锁检测.
// 锁序: 桶锁先于锁记录的元数据锁; 两者都不跨阻塞的读写锁获取持有;
// 等待图的互斥锁是叶子级.
type LockManager struct {
	table []chain
	wfg   *WaitsForGraph

	// nextTxID 事务ID分配器, 从1开始, 0是无效ID
	nextTxID atomic.Uint64
}

// NewLockManager 构造锁管理器, bucketCount为哈希桶数量
func NewLockManager(bucketCount int) *LockManager {
	lm := &LockManager{
		table: make([]chain, bucketCount),
		wfg:   NewWaitsForGraph(),
	}
	lm.nextTxID.Store(1)
	return lm
}

// Begin 开启一个事务
func (lm *LockManager) Begin() *Transaction {
	return &Transaction{
		id:          lm.nextTxID.Add(1) - 1,
		lockManager: lm,
	}
}

// chainFor 数据项所在的哈希桶
func (lm *LockManager) chainFor(item DataItem) *chain {
	return &lm.table[util.HashUint64(item)%uint64(len(lm.table))]
}

// findOrCreateLock 在桶链上找数据项的存活锁记录, 没有则新建并头插.
// 顺路摘除过期记录 (refs==0). 返回的记录引用计数已加一.
func (lm *LockManager) findOrCreateLock(item DataItem) *Lock {
	c := lm.chainFor(item)
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := &c.first
	for *prev != nil {
		current := *prev
		if current.refs == 0 {
			// 惰性删除: 过期记录在遍历时摘除
			*prev = current.next
			continue
		}
		if current.item == item {
			current.refs++
			return current
		}
		prev = &current.next
	}

	lock := &Lock{item: item, refs: 1, next: c.first}
	c.first = lock
	return lock
}

// releaseRef 归还一次引用, 记录过期后等下一次链遍历回收
func (lm *LockManager) releaseRef(lock *Lock) {
	c := lm.chainFor(lock.item)
	c.mu.Lock()
	lock.refs--
	c.mu.Unlock()
}

// AcquireLock 以指定模式为事务在数据项上加锁.
// 拿不到锁时登记等待边并阻塞; 等待将构成死锁时撤销等待边,
// 返回basic.ErrDeadlock, 事务此前持有的锁保持不变.
func (lm *LockManager) AcquireLock(tx *Transaction, item DataItem, mode LockMode) error {
	if mode != LockShared && mode != LockExclusive {
		return errors.Trace(basic.ErrInvalidLockMode)
	}
	lock := lm.findOrCreateLock(item)

	lock.meta.Lock()

	// 先试非阻塞获取
	acquired := false
	if mode == LockShared {
		acquired = lock.lock.TryRLock()
	} else {
		acquired = lock.lock.TryLock()
	}
	if acquired {
		lock.mode = mode
		lock.owners = append(lock.owners, tx)
		// 已有的等待者现在也在等本事务
		lm.wfg.AddWaiters(tx, lock.waiters)
		lock.meta.Unlock()
		tx.held = append(tx.held, heldLock{lock: lock, mode: mode})
		return nil
	}

	// 要等: 先登记等待边做死锁检查
	if err := lm.wfg.AddWaitsFor(tx, lock.owners); err != nil {
		lock.meta.Unlock()
		lm.releaseRef(lock)
		logger.Debugf("deadlock detected: tx %d waiting for item %d", tx.ID(), item)
		return errors.Trace(err)
	}
	lock.waiters = append(lock.waiters, tx)
	lock.meta.Unlock()

	// 阻塞获取, 公平性交给sync.RWMutex
	if mode == LockShared {
		lock.lock.RLock()
	} else {
		lock.lock.Lock()
	}

	lock.meta.Lock()
	filtered := lock.waiters[:0]
	for _, waiter := range lock.waiters {
		if waiter != tx {
			filtered = append(filtered, waiter)
		}
	}
	lock.waiters = filtered
	lock.mode = mode
	lock.owners = append(lock.owners, tx)
	// 锁易主: 剩下的等待者现在都在等本事务
	lm.wfg.AddWaiters(tx, lock.waiters)
	lock.meta.Unlock()

	tx.held = append(tx.held, heldLock{lock: lock, mode: mode})
	return nil
}

// Mode 返回数据项当前的锁定状态, 仅用于诊断与测试
func (lm *LockManager) Mode(item DataItem) LockMode {
	c := lm.chainFor(item)
	c.mu.Lock()
	defer c.mu.Unlock()
	for lock := c.first; lock != nil; lock = lock.next {
		if lock.item == item {
			if lock.refs == 0 {
				return LockUnlocked
			}
			lock.meta.Lock()
			mode := lock.mode
			owners := len(lock.owners)
			lock.meta.Unlock()
			if owners == 0 {
				return LockUnlocked
			}
			return mode
		}
	}
	return LockUnlocked
}
