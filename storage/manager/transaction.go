package manager

import (
	"github.com/juju/errors"
)

// Transaction 事务: 单调递增的ID与当前持有的锁.
//
// 严格两阶段锁: 事务存续期间只加锁不放锁,
// Drop一次性释放全部持有的锁.
type Transaction struct {
	id          uint64
	lockManager *LockManager

	held []heldLock
}

// ID 返回事务ID
func (tx *Transaction) ID() uint64 {
	return tx.id
}

// Acquire 为事务在数据项上加锁
func (tx *Transaction) Acquire(item DataItem, mode LockMode) error {
	return errors.Trace(tx.lockManager.AcquireLock(tx, item, mode))
}

// Locks 返回事务当前持有的锁记录
func (tx *Transaction) Locks() []*Lock {
	locks := make([]*Lock, 0, len(tx.held))
	for _, h := range tx.held {
		locks = append(locks, h.lock)
	}
	return locks
}

// Drop 结束事务: 先退出等待图, 再释放每一把锁.
// 每把锁在其元数据锁之下从持有者名单中除名,
// 并按获取时的模式解开读写锁.
func (tx *Transaction) Drop() {
	lm := tx.lockManager
	lm.wfg.RemoveTransaction(tx)

	for _, h := range tx.held {
		h.lock.meta.Lock()
		owners := h.lock.owners[:0]
		for _, owner := range h.lock.owners {
			if owner != tx {
				owners = append(owners, owner)
			}
		}
		h.lock.owners = owners
		if len(owners) == 0 {
			h.lock.mode = LockUnlocked
		}
		h.lock.meta.Unlock()

		if h.mode == LockShared {
			h.lock.lock.RUnlock()
		} else {
			h.lock.lock.Unlock()
		}
		lm.releaseRef(h.lock)
	}
	tx.held = nil
}
