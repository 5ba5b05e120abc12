package btree

import "github.com/zhukovaskychina/xengine/util"

// 页上节点布局, 全部小端:
//
// 节点头 (4字节):
//
//	| level u16 | count u16 |
//
// level==0为叶节点, 否则为内部节点.
//
// 内部节点 (容量n, 存n个子页号, n个键槽, 其中最后一个键槽是物理填充):
//
//	| 节点头 | 填充到8字节 | PAGE_ID(0..n) | KEY(0..n) |
//
// 子页号children[i]覆盖键区间 key[i-1] < k <= key[i] (与分隔键相等的键归左侧子树),
// key[-1] = -inf, key[count-1] = +inf.
//
// 叶节点 (容量m, 键升序且唯一, 值按下标与键对齐):
//
//	| 节点头 | 右兄弟页号预留8字节 | KEY(0..m) | VALUE(0..m) |
const (
	nodeHeaderSize = 4

	// innerPayloadOffset 内部节点载荷起始: 头部对齐到8字节
	innerPayloadOffset = 8

	// leafPayloadOffset 叶节点载荷起始: 头部4字节 + 右兄弟链接预留8字节
	leafPayloadOffset = nodeHeaderSize + 8
)

// node 节点头视图, 借用缓冲帧的字节
type node struct {
	data []byte
}

func (n node) level() uint16         { return util.ReadUB2(n.data, 0) }
func (n node) setLevel(level uint16) { util.WriteUB2(n.data, 0, level) }
func (n node) count() int            { return int(util.ReadUB2(n.data, 2)) }
func (n node) setCount(count int)    { util.WriteUB2(n.data, 2, uint16(count)) }
func (n node) isLeaf() bool          { return n.level() == 0 }

// innerNode 内部节点视图
type innerNode[K any, V any] struct {
	node
	tree *BTree[K, V]
}

func (t *BTree[K, V]) asInner(data []byte) innerNode[K, V] {
	return innerNode[K, V]{node: node{data: data}, tree: t}
}

func (n innerNode[K, V]) childOffset(i int) int {
	return innerPayloadOffset + i*8
}

func (n innerNode[K, V]) keyOffset(i int) int {
	return innerPayloadOffset + n.tree.innerCapacity*8 + i*n.tree.keyCodec.ByteSize
}

func (n innerNode[K, V]) child(i int) uint64 {
	return util.ReadUB8(n.data, n.childOffset(i))
}

func (n innerNode[K, V]) setChild(i int, pageID uint64) {
	util.WriteUB8(n.data, n.childOffset(i), pageID)
}

func (n innerNode[K, V]) key(i int) K {
	return n.tree.keyCodec.Decode(n.data[n.keyOffset(i):])
}

func (n innerNode[K, V]) setKey(i int, key K) {
	n.tree.keyCodec.Encode(n.data[n.keyOffset(i):], key)
}

// lowerBound 返回第一个不小于key的键下标, 忽略最后一个填充键
func (n innerNode[K, V]) lowerBound(key K) (int, bool) {
	count := n.count()
	if count == 0 {
		return 0, false
	}
	first := 0
	cnt := count - 1 // 最后一个键是填充, 不参与比较
	for cnt > 0 {
		step := cnt / 2
		idx := first + step
		if n.tree.compare(n.key(idx), key) < 0 {
			first = idx + 1
			cnt -= step + 1
		} else {
			cnt = step
		}
	}
	found := first < count && n.tree.compare(n.key(first), key) == 0
	return first, found
}

// lookup 返回key所属子树的子页号
func (n innerNode[K, V]) lookup(key K) uint64 {
	index, _ := n.lowerBound(key)
	if index == n.count() {
		return n.child(index - 1)
	}
	return n.child(index)
}

// initInsert 空内部节点的首次插入: 一个分隔键, 两个子页号
func (n innerNode[K, V]) initInsert(key K, leftPageID, rightPageID uint64) {
	n.setChild(0, leftPageID)
	n.setKey(0, key)
	n.setChild(1, rightPageID)
	n.setKey(1, key) // 填充键, 内容无效
	n.setCount(2)
}

// insert 插入来自子节点分裂的分隔键与新右子页号
func (n innerNode[K, V]) insert(key K, rightPageID uint64) {
	count := n.count()
	index, _ := n.lowerBound(key)
	keySize := n.tree.keyCodec.ByteSize
	if index == count-1 {
		// 落在填充槽: 只需改写最后一个键
		n.setKey(index, key)
		n.setKey(index+1, key) // 新的填充键
		n.setChild(index+1, rightPageID)
		n.setCount(count + 1)
		return
	}
	numToCopy := count - 1 - index
	// 键与子页号按字节搬移, 含填充键
	copy(n.data[n.keyOffset(index+1):n.keyOffset(index+1)+(numToCopy+1)*keySize],
		n.data[n.keyOffset(index):n.keyOffset(index)+(numToCopy+1)*keySize])
	copy(n.data[n.childOffset(index+2):n.childOffset(index+2)+numToCopy*8],
		n.data[n.childOffset(index+1):n.childOffset(index+1)+numToCopy*8])
	n.setChild(index+1, rightPageID)
	n.setKey(index, key)
	n.setCount(count + 1)
}

// split 分裂内部节点, 右半部分搬到other, 返回分隔键.
// 分隔键是截断后左节点的最后一个键 (即新的填充键).
func (n innerNode[K, V]) split(other innerNode[K, V]) K {
	count := n.count()
	keySize := n.tree.keyCodec.ByteSize
	separator := n.key((count - 1) / 2)

	leftCount := (count-1)/2 + 1
	rightCount := count - leftCount
	other.setLevel(n.level())
	other.setCount(rightCount)
	n.setCount(leftCount)

	copy(other.data[other.keyOffset(0):other.keyOffset(0)+rightCount*keySize],
		n.data[n.keyOffset(leftCount):n.keyOffset(leftCount)+rightCount*keySize])
	copy(other.data[other.childOffset(0):other.childOffset(0)+rightCount*8],
		n.data[n.childOffset(leftCount):n.childOffset(leftCount)+rightCount*8])
	return separator
}

// leafNode 叶节点视图
type leafNode[K any, V any] struct {
	node
	tree *BTree[K, V]
}

func (t *BTree[K, V]) asLeaf(data []byte) leafNode[K, V] {
	return leafNode[K, V]{node: node{data: data}, tree: t}
}

func (n leafNode[K, V]) keyOffset(i int) int {
	return leafPayloadOffset + i*n.tree.keyCodec.ByteSize
}

func (n leafNode[K, V]) valueOffset(i int) int {
	return leafPayloadOffset + n.tree.leafCapacity*n.tree.keyCodec.ByteSize + i*n.tree.valCodec.ByteSize
}

func (n leafNode[K, V]) key(i int) K {
	return n.tree.keyCodec.Decode(n.data[n.keyOffset(i):])
}

func (n leafNode[K, V]) setKey(i int, key K) {
	n.tree.keyCodec.Encode(n.data[n.keyOffset(i):], key)
}

func (n leafNode[K, V]) value(i int) V {
	return n.tree.valCodec.Decode(n.data[n.valueOffset(i):])
}

func (n leafNode[K, V]) setValue(i int, value V) {
	n.tree.valCodec.Encode(n.data[n.valueOffset(i):], value)
}

// lowerBound 返回第一个不小于key的键下标
func (n leafNode[K, V]) lowerBound(key K) (int, bool) {
	count := n.count()
	if count == 0 {
		return 0, false
	}
	first := 0
	cnt := count
	for cnt > 0 {
		step := cnt / 2
		idx := first + step
		if n.tree.compare(n.key(idx), key) < 0 {
			first = idx + 1
			cnt -= step + 1
		} else {
			cnt = step
		}
	}
	found := first < count && n.tree.compare(n.key(first), key) == 0
	return first, found
}

// lookup 在叶内查键
func (n leafNode[K, V]) lookup(key K) (V, bool) {
	index, found := n.lowerBound(key)
	if !found {
		var zero V
		return zero, false
	}
	return n.value(index), true
}

// insert 叶内插入, 重复键覆盖旧值
func (n leafNode[K, V]) insert(key K, value V) {
	count := n.count()
	if count == 0 {
		n.setKey(0, key)
		n.setValue(0, value)
		n.setCount(1)
		return
	}
	index, found := n.lowerBound(key)
	if found {
		n.setValue(index, value)
		return
	}
	keySize := n.tree.keyCodec.ByteSize
	valSize := n.tree.valCodec.ByteSize
	numToCopy := count - index
	copy(n.data[n.valueOffset(index+1):n.valueOffset(index+1)+numToCopy*valSize],
		n.data[n.valueOffset(index):n.valueOffset(index)+numToCopy*valSize])
	copy(n.data[n.keyOffset(index+1):n.keyOffset(index+1)+numToCopy*keySize],
		n.data[n.keyOffset(index):n.keyOffset(index)+numToCopy*keySize])
	n.setKey(index, key)
	n.setValue(index, value)
	n.setCount(count + 1)
}

// erase 叶内删键, 不存在时不做任何事
func (n leafNode[K, V]) erase(key K) bool {
	count := n.count()
	if count == 0 {
		return false
	}
	index, found := n.lowerBound(key)
	if !found {
		return false
	}
	keySize := n.tree.keyCodec.ByteSize
	valSize := n.tree.valCodec.ByteSize
	numToCopy := count - 1 - index
	copy(n.data[n.valueOffset(index):n.valueOffset(index)+numToCopy*valSize],
		n.data[n.valueOffset(index+1):n.valueOffset(index+1)+numToCopy*valSize])
	copy(n.data[n.keyOffset(index):n.keyOffset(index)+numToCopy*keySize],
		n.data[n.keyOffset(index+1):n.keyOffset(index+1)+numToCopy*keySize])
	n.setCount(count - 1)
	return true
}

// split 分裂叶节点, 右半部分搬到other, 返回分隔键
func (n leafNode[K, V]) split(other leafNode[K, V]) K {
	count := n.count()
	keySize := n.tree.keyCodec.ByteSize
	valSize := n.tree.valCodec.ByteSize
	separator := n.key(count / 2)

	leftCount := count/2 + 1
	rightCount := count - leftCount
	other.setLevel(0)
	other.setCount(rightCount)
	n.setCount(leftCount)

	copy(other.data[other.keyOffset(0):other.keyOffset(0)+rightCount*keySize],
		n.data[n.keyOffset(leftCount):n.keyOffset(leftCount)+rightCount*keySize])
	copy(other.data[other.valueOffset(0):other.valueOffset(0)+rightCount*valSize],
		n.data[n.valueOffset(leftCount):n.valueOffset(leftCount)+rightCount*valSize])
	return separator
}
