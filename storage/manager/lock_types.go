package manager

import "sync"

// DataItem 被加锁的数据项标识, 通常是一个TID
type DataItem = uint64

// LockMode 锁模式
type LockMode int

const (
	// LockUnlocked 未加锁
	LockUnlocked LockMode = iota
	// LockShared 共享锁
	LockShared
	// LockExclusive 排他锁
	LockExclusive
)

// Lock 一个数据项上的锁记录.
//
// 记录挂在哈希桶的单链上, 用引用计数标记存活:
// refs==0的记录已过期, 由之后遍历该链的线程顺手摘除 (惰性删除),
// 摘除发生在桶锁之下, 其他线程不可能再看到被摘除的记录.
type Lock struct {
	item DataItem
	next *Lock

	// refs 存活引用数, 由所在桶的互斥锁保护
	refs int

	// lock 真正的读写锁
	lock sync.RWMutex

	// meta 保护owners/waiters/mode的元数据锁
	meta sync.Mutex

	// owners 当前持有者: 排他时一个, 共享时多个
	owners []*Transaction

	// waiters 正在等待的事务
	waiters []*Transaction

	// mode 当前锁定状态
	mode LockMode
}

// Item 返回锁对应的数据项
func (l *Lock) Item() DataItem {
	return l.item
}

// heldLock 事务持有的锁及其获取模式
type heldLock struct {
	lock *Lock
	mode LockMode
}
