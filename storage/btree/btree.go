package btree

import (
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/storage/buffer_pool"
	"github.com/zhukovaskychina/xengine/storage/segs"
)

// traversalMode 自顶向下遍历的三种模式
type traversalMode int

const (
	// modeLookup 父子节点都共享加锁
	modeLookup traversalMode = iota
	// modeInsert 全程排他加锁, 不安全的内部节点在下行前分裂
	modeInsert
	// modeErase 内部节点共享加锁, 仅叶节点排他加锁
	modeErase
)

// BTree 页式存储上的B+树索引, 键值都是定长可平凡复制的类型.
//
// 同步协议为锁耦合: 任一时刻至多持有父子两个节点的latch,
// 子节点安全到达后立即释放父节点. 插入路径上数量达到容量-1的
// 内部节点在继续下行之前就地分裂, 保证分裂向上传播至多一层.
type BTree[K any, V any] struct {
	segs.Segment

	keyCodec FixedCodec[K]
	valCodec FixedCodec[V]
	compare  func(a, b K) int

	innerCapacity int
	leafCapacity  int

	// mu 保护root与nextPageID
	mu         sync.Mutex
	hasRoot    bool
	root       basic.PageID
	nextPageID uint64
}

// New 在指定段上构造B+树
func New[K any, V any](
	segmentID basic.SegmentID,
	bufferManager *buffer_pool.BufferManager,
	keyCodec FixedCodec[K],
	valCodec FixedCodec[V],
	compare func(a, b K) int,
) (*BTree[K, V], error) {
	pageSize := bufferManager.PageSize()
	innerCapacity := (pageSize - innerPayloadOffset) / (keyCodec.ByteSize + 8)
	leafCapacity := (pageSize - leafPayloadOffset) / (keyCodec.ByteSize + valCodec.ByteSize)
	if innerCapacity < 3 || leafCapacity < 2 {
		return nil, errors.Annotatef(basic.ErrInvalidPageSize, "page size %d cannot hold a node", pageSize)
	}
	return &BTree[K, V]{
		Segment:       segs.NewSegment(segmentID, bufferManager),
		keyCodec:      keyCodec,
		valCodec:      valCodec,
		compare:       compare,
		innerCapacity: innerCapacity,
		leafCapacity:  leafCapacity,
		nextPageID:    basic.NewPageID(segmentID, 0),
	}, nil
}

// InnerCapacity 内部节点容量
func (t *BTree[K, V]) InnerCapacity() int { return t.innerCapacity }

// LeafCapacity 叶节点容量
func (t *BTree[K, V]) LeafCapacity() int { return t.leafCapacity }

func (t *BTree[K, V]) allocPageID() basic.PageID {
	t.mu.Lock()
	pageID := t.nextPageID
	t.nextPageID++
	t.mu.Unlock()
	return pageID
}

// Lookup 查找键, 返回值与是否命中
func (t *BTree[K, V]) Lookup(key K) (V, bool, error) {
	var zero V
	t.mu.Lock()
	hasRoot := t.hasRoot
	t.mu.Unlock()
	if !hasRoot {
		return zero, false, nil
	}
	_, _, leafPage, err := t.getLeafPage(key, modeLookup)
	if err != nil {
		return zero, false, errors.Trace(err)
	}
	leaf := t.asLeaf(leafPage.Data())
	value, found := leaf.lookup(key)
	t.BufferManager.UnfixPage(leafPage, false)
	return value, found, nil
}

// Erase 删除键, 不存在时无动作
func (t *BTree[K, V]) Erase(key K) error {
	t.mu.Lock()
	hasRoot := t.hasRoot
	t.mu.Unlock()
	if !hasRoot {
		return nil
	}
	_, _, leafPage, err := t.getLeafPage(key, modeErase)
	if err != nil {
		return errors.Trace(err)
	}
	leaf := t.asLeaf(leafPage.Data())
	erased := leaf.erase(key)
	t.BufferManager.UnfixPage(leafPage, erased)
	return nil
}

// Insert 插入键值, 重复键覆盖旧值
func (t *BTree[K, V]) Insert(key K, value V) error {
	// 空树: 建立一个叶节点作为根
	t.mu.Lock()
	if !t.hasRoot {
		rootID := t.nextPageID
		t.nextPageID++
		rootPage, err := t.BufferManager.FixPage(rootID, true)
		if err != nil {
			t.mu.Unlock()
			return errors.Trace(err)
		}
		t.root = rootID
		t.hasRoot = true
		t.mu.Unlock()
		leaf := t.asLeaf(rootPage.Data())
		leaf.setLevel(0)
		leaf.setCount(0)
		leaf.insert(key, value)
		t.BufferManager.UnfixPage(rootPage, true)
		return nil
	}
	t.mu.Unlock()

	parentPage, parentDirty, leafPage, err := t.getLeafPage(key, modeInsert)
	if err != nil {
		return errors.Trace(err)
	}
	leaf := t.asLeaf(leafPage.Data())

	if leaf.count() < t.leafCapacity {
		// 叶子有空位, 直接插入
		if parentPage != nil {
			t.BufferManager.UnfixPage(parentPage, parentDirty)
		}
		leaf.insert(key, value)
		t.BufferManager.UnfixPage(leafPage, true)
		return nil
	}

	// 叶子已满: 分裂
	newLeafID := t.allocPageID()
	newLeafPage, err := t.BufferManager.FixPage(newLeafID, true)
	if err != nil {
		if parentPage != nil {
			t.BufferManager.UnfixPage(parentPage, parentDirty)
		}
		t.BufferManager.UnfixPage(leafPage, false)
		return errors.Trace(err)
	}
	newLeaf := t.asLeaf(newLeafPage.Data())
	separator := leaf.split(newLeaf)

	if parentPage == nil {
		// 根就是叶子: 在其上建立新的内部根节点
		newRootID := t.allocPageID()
		newRootPage, err := t.BufferManager.FixPage(newRootID, true)
		if err != nil {
			t.BufferManager.UnfixPage(newLeafPage, true)
			t.BufferManager.UnfixPage(leafPage, true)
			return errors.Trace(err)
		}
		newRoot := t.asInner(newRootPage.Data())
		newRoot.setLevel(1)
		newRoot.initInsert(separator, leafPage.PageID(), newLeafID)
		t.mu.Lock()
		t.root = newRootID
		t.mu.Unlock()
		t.BufferManager.UnfixPage(newRootPage, true)
	} else {
		// 父节点在遍历时已保证安全, 插入分隔键不会再向上传播
		parent := t.asInner(parentPage.Data())
		parent.insert(separator, newLeafID)
		t.BufferManager.UnfixPage(parentPage, true)
	}

	if t.compare(separator, key) < 0 {
		newLeaf.insert(key, value)
	} else {
		leaf.insert(key, value)
	}
	t.BufferManager.UnfixPage(newLeafPage, true)
	t.BufferManager.UnfixPage(leafPage, true)
	return nil
}

// fixRoot 固定当前根页并核对根指针未变 (根分裂与fix之间存在窗口)
func (t *BTree[K, V]) fixRoot(exclusive bool) (*buffer_pool.BufferFrame, basic.PageID, error) {
	for {
		t.mu.Lock()
		rootID := t.root
		t.mu.Unlock()
		rootPage, err := t.BufferManager.FixPage(rootID, exclusive)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		t.mu.Lock()
		unchanged := t.root == rootID
		t.mu.Unlock()
		if unchanged {
			return rootPage, rootID, nil
		}
		t.BufferManager.UnfixPage(rootPage, false)
	}
}

// getLeafPage 自根下行到键所属的叶节点.
//
// 返回的叶节点已按模式加锁 (Lookup共享, Insert/Erase排他).
// Insert模式下还返回仍被排他固定的1层父节点 (根为叶时为nil),
// 供叶分裂时插入分隔键; 其他模式父节点总是nil, 已在下行中释放.
func (t *BTree[K, V]) getLeafPage(key K, mode traversalMode) (*buffer_pool.BufferFrame, bool, *buffer_pool.BufferFrame, error) {
restart:
	for {
		parentFixMode := mode == modeInsert
		parentPage, parentID, err := t.fixRoot(parentFixMode)
		if err != nil {
			return nil, false, nil, errors.Trace(err)
		}
		parentDirty := false

		if (node{data: parentPage.Data()}).isLeaf() {
			// 根就是叶子
			if mode == modeErase {
				// 重新以排他方式固定, 期间根可能已分裂, 需复核
				t.BufferManager.UnfixPage(parentPage, false)
				parentPage, err = t.BufferManager.FixPage(parentID, true)
				if err != nil {
					return nil, false, nil, errors.Trace(err)
				}
				t.mu.Lock()
				unchanged := t.root == parentID
				t.mu.Unlock()
				if !unchanged || !(node{data: parentPage.Data()}).isLeaf() {
					t.BufferManager.UnfixPage(parentPage, false)
					continue restart
				}
			}
			return nil, false, parentPage, nil
		}

		parentInner := t.asInner(parentPage.Data())

		if mode == modeInsert && parentInner.count() >= t.innerCapacity-1 {
			// 根不安全: 分裂出兄弟节点并在其上建立新根
			newInnerID := t.allocPageID()
			newInnerPage, err := t.BufferManager.FixPage(newInnerID, true)
			if err != nil {
				t.BufferManager.UnfixPage(parentPage, false)
				return nil, false, nil, errors.Trace(err)
			}
			newInner := t.asInner(newInnerPage.Data())
			separator := parentInner.split(newInner)

			newRootID := t.allocPageID()
			newRootPage, err := t.BufferManager.FixPage(newRootID, true)
			if err != nil {
				t.BufferManager.UnfixPage(newInnerPage, true)
				t.BufferManager.UnfixPage(parentPage, true)
				return nil, false, nil, errors.Trace(err)
			}
			newRoot := t.asInner(newRootPage.Data())
			newRoot.setLevel(parentInner.level() + 1)
			newRoot.initInsert(separator, parentID, newInnerID)
			t.mu.Lock()
			t.root = newRootID
			t.mu.Unlock()
			t.BufferManager.UnfixPage(newRootPage, true)

			if t.compare(separator, key) < 0 {
				t.BufferManager.UnfixPage(parentPage, true)
				parentID = newInnerID
				parentPage = newInnerPage
				parentInner = newInner
			} else {
				t.BufferManager.UnfixPage(newInnerPage, true)
			}
			parentDirty = true
		}

		// 锁耦合下行, 直到子节点是叶子
		childPageID := parentInner.lookup(key)
		childFixMode := mode == modeInsert || (mode == modeErase && parentInner.level() == 1)
		childPage, err := t.BufferManager.FixPage(childPageID, childFixMode)
		if err != nil {
			t.BufferManager.UnfixPage(parentPage, parentDirty)
			return nil, false, nil, errors.Trace(err)
		}
		childDirty := false

		for !(node{data: childPage.Data()}).isLeaf() {
			childInner := t.asInner(childPage.Data())

			if mode == modeInsert && childInner.count() >= t.innerCapacity-1 {
				// 不安全的内部节点在下行前分裂, 父节点必有空位接纳分隔键
				newInnerID := t.allocPageID()
				newInnerPage, err := t.BufferManager.FixPage(newInnerID, true)
				if err != nil {
					t.BufferManager.UnfixPage(childPage, childDirty)
					t.BufferManager.UnfixPage(parentPage, parentDirty)
					return nil, false, nil, errors.Trace(err)
				}
				newInner := t.asInner(newInnerPage.Data())
				separator := childInner.split(newInner)
				parentInner.insert(separator, newInnerID)

				if t.compare(separator, key) < 0 {
					t.BufferManager.UnfixPage(childPage, true)
					childPageID = newInnerID
					childPage = newInnerPage
					childInner = newInner
				} else {
					t.BufferManager.UnfixPage(newInnerPage, true)
				}
				parentDirty = true
				childDirty = true
			}

			// 子节点已安全到达, 释放父节点
			t.BufferManager.UnfixPage(parentPage, parentDirty)
			parentPage = childPage
			parentInner = t.asInner(childPage.Data())
			parentDirty = childDirty

			childPageID = parentInner.lookup(key)
			if mode == modeErase && parentInner.level() == 1 {
				childFixMode = true
			}
			childPage, err = t.BufferManager.FixPage(childPageID, childFixMode)
			if err != nil {
				t.BufferManager.UnfixPage(parentPage, parentDirty)
				return nil, false, nil, errors.Trace(err)
			}
			childDirty = false
		}

		if mode == modeInsert {
			// 叶分裂可能需要向父节点插入分隔键, 父节点保持固定
			return parentPage, parentDirty, childPage, nil
		}
		t.BufferManager.UnfixPage(parentPage, parentDirty)
		return nil, false, childPage, nil
	}
}
