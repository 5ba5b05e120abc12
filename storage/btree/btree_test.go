package btree

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/storage/buffer_pool"
)

func newTestTree(t *testing.T, frameCount int) *BTree[uint64, uint64] {
	t.Helper()
	bm, err := buffer_pool.NewBufferManager(1024, frameCount, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bm.Close() })
	tree, err := New(1, bm, Uint64Codec, Uint64Codec, CompareUint64)
	require.NoError(t, err)
	return tree
}

func TestNodeCapacities(t *testing.T) {
	tree := newTestTree(t, 100)
	// 页1024字节: 内部节点(1024-8)/(8+8)=63, 叶节点(1024-12)/(8+8)=63
	assert.Equal(t, 63, tree.InnerCapacity())
	assert.Equal(t, 63, tree.LeafCapacity())
}

func TestInnerNodeSplitBoundary(t *testing.T) {
	tree := newTestTree(t, 100)
	capacity := tree.InnerCapacity()

	left := tree.asInner(make([]byte, 1024))
	right := tree.asInner(make([]byte, 1024))
	left.setLevel(1)

	// 填满一个内部节点: count个子页号, count-1个有效键
	left.initInsert(0, 1000, 1001)
	for i := 1; left.count() < capacity; i++ {
		left.insert(uint64(i), uint64(1001+i))
	}
	require.Equal(t, capacity, left.count())

	separator := left.split(right)

	// 分隔键是下标(count-1)/2处的键, 左边保留(count-1)/2+1个子页号
	assert.Equal(t, uint64((capacity-1)/2), separator)
	assert.Equal(t, (capacity-1)/2+1, left.count())
	assert.Equal(t, capacity-((capacity-1)/2+1), right.count())
	assert.Equal(t, uint16(1), right.level())
	// 分隔键留在左节点末尾, 充当新的填充键
	assert.Equal(t, separator, left.key(left.count()-1))

	// 两侧键仍然严格递增
	for i := 1; i < left.count()-1; i++ {
		assert.Less(t, left.key(i-1), left.key(i))
	}
	for i := 1; i < right.count()-1; i++ {
		assert.Less(t, right.key(i-1), right.key(i))
	}
}

func TestInsertEmptyTree(t *testing.T) {
	tree := newTestTree(t, 100)
	require.NoError(t, tree.Insert(42, 84))

	// 空树插入后根是level 0的叶节点, 只有一个元素
	tree.mu.Lock()
	rootID := tree.root
	tree.mu.Unlock()
	frame, err := tree.BufferManager.FixPage(rootID, false)
	require.NoError(t, err)
	leaf := tree.asLeaf(frame.Data())
	assert.Equal(t, uint16(0), leaf.level())
	assert.Equal(t, 1, leaf.count())
	assert.Equal(t, uint64(42), leaf.key(0))
	assert.Equal(t, uint64(84), leaf.value(0))
	tree.BufferManager.UnfixPage(frame, false)
}

func TestLookupEmptyTree(t *testing.T) {
	tree := newTestTree(t, 100)
	_, found, err := tree.Lookup(1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInsertLeafNode(t *testing.T) {
	tree := newTestTree(t, 100)
	for i := uint64(0); i < uint64(tree.LeafCapacity()); i++ {
		require.NoError(t, tree.Insert(i, 2*i))
	}
	for i := uint64(0); i < uint64(tree.LeafCapacity()); i++ {
		value, found, err := tree.Lookup(i)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		assert.Equal(t, 2*i, value)
	}
}

func TestInsertDuplicateOverwrites(t *testing.T) {
	tree := newTestTree(t, 100)
	require.NoError(t, tree.Insert(7, 1))
	require.NoError(t, tree.Insert(7, 2))
	value, found, err := tree.Lookup(7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), value)
}

func TestInsertLeafNodeSplit(t *testing.T) {
	tree := newTestTree(t, 100)
	capacity := uint64(tree.LeafCapacity())
	for i := uint64(0); i <= capacity; i++ {
		require.NoError(t, tree.Insert(i, 2*i))
	}

	// 分裂后左叶持有M/2+1个, 右叶持有M-M/2-1+1(新插入)个
	tree.mu.Lock()
	rootID := tree.root
	tree.mu.Unlock()
	frame, err := tree.BufferManager.FixPage(rootID, false)
	require.NoError(t, err)
	root := tree.asInner(frame.Data())
	require.Equal(t, uint16(1), root.level())
	require.Equal(t, 2, root.count())
	assert.Equal(t, capacity/2, root.key(0))
	leftID := root.child(0)
	rightID := root.child(1)
	tree.BufferManager.UnfixPage(frame, false)

	leftFrame, err := tree.BufferManager.FixPage(leftID, false)
	require.NoError(t, err)
	assert.Equal(t, int(capacity/2+1), tree.asLeaf(leftFrame.Data()).count())
	tree.BufferManager.UnfixPage(leftFrame, false)

	rightFrame, err := tree.BufferManager.FixPage(rightID, false)
	require.NoError(t, err)
	assert.Equal(t, int(capacity-capacity/2), tree.asLeaf(rightFrame.Data()).count())
	tree.BufferManager.UnfixPage(rightFrame, false)

	for i := uint64(0); i <= capacity; i++ {
		value, found, err := tree.Lookup(i)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		assert.Equal(t, 2*i, value)
	}
}

func TestLookupMultipleSplitsIncreasing(t *testing.T) {
	tree := newTestTree(t, 200)
	n := 10 * uint64(tree.LeafCapacity())
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tree.Insert(i, 2*i))
		for j := uint64(0); j <= i; j += 7 {
			value, found, err := tree.Lookup(j)
			require.NoError(t, err)
			require.True(t, found, "key %d after inserting %d", j, i)
			require.Equal(t, 2*j, value)
		}
	}
}

func TestLookupMultipleSplitsDecreasing(t *testing.T) {
	tree := newTestTree(t, 200)
	n := 10 * uint64(tree.LeafCapacity())
	for i := n; i > 0; i-- {
		require.NoError(t, tree.Insert(i, 2*i))
	}
	for i := n; i > 0; i-- {
		value, found, err := tree.Lookup(i)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, 2*i, value)
	}
}

func TestLookupRandomNonRepeating(t *testing.T) {
	tree := newTestTree(t, 200)
	n := 10 * uint64(tree.LeafCapacity())
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = uint64(i)
	}
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(keys), func(a, b int) { keys[a], keys[b] = keys[b], keys[a] })

	for _, key := range keys {
		require.NoError(t, tree.Insert(key, 2*key))
	}
	for _, key := range keys {
		value, found, err := tree.Lookup(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", key)
		require.Equal(t, 2*key, value)
	}
}

func TestLookupRandomRepeating(t *testing.T) {
	tree := newTestTree(t, 200)
	n := 10 * tree.LeafCapacity()
	rng := rand.New(rand.NewSource(7))
	expected := make(map[uint64]uint64)
	for i := 0; i < 3*n; i++ {
		key := uint64(rng.Intn(n))
		value := uint64(i)
		require.NoError(t, tree.Insert(key, value))
		expected[key] = value
	}
	for key, want := range expected {
		value, found, err := tree.Lookup(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", key)
		require.Equal(t, want, value)
	}
}

func TestErase(t *testing.T) {
	tree := newTestTree(t, 200)
	n := 2 * uint64(tree.LeafCapacity())
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tree.Insert(i, 2*i))
	}
	for i := uint64(0); i < n; i++ {
		value, found, err := tree.Lookup(i)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, 2*i, value)

		require.NoError(t, tree.Erase(i))

		_, found, err = tree.Lookup(i)
		require.NoError(t, err)
		require.False(t, found, "key %d still present after erase", i)
	}
}

func TestEraseAbsentKeyIsNoop(t *testing.T) {
	tree := newTestTree(t, 100)
	require.NoError(t, tree.Insert(1, 1))
	require.NoError(t, tree.Erase(99))
	value, found, err := tree.Lookup(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), value)
}

// collectKeysInOrder 中序遍历整棵树收集键
func collectKeysInOrder(t *testing.T, tree *BTree[uint64, uint64], pageID basic.PageID) []uint64 {
	t.Helper()
	frame, err := tree.BufferManager.FixPage(pageID, false)
	require.NoError(t, err)
	defer tree.BufferManager.UnfixPage(frame, false)

	if (node{data: frame.Data()}).isLeaf() {
		leaf := tree.asLeaf(frame.Data())
		keys := make([]uint64, 0, leaf.count())
		for i := 0; i < leaf.count(); i++ {
			keys = append(keys, leaf.key(i))
		}
		return keys
	}
	inner := tree.asInner(frame.Data())
	var keys []uint64
	for i := 0; i < inner.count(); i++ {
		keys = append(keys, collectKeysInOrder(t, tree, inner.child(i))...)
	}
	return keys
}

func TestInOrderTraversalAscending(t *testing.T) {
	tree := newTestTree(t, 300)
	n := 20 * tree.LeafCapacity()
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = uint64(i)
	}
	rng := rand.New(rand.NewSource(99))
	rng.Shuffle(len(keys), func(a, b int) { keys[a], keys[b] = keys[b], keys[a] })
	for _, key := range keys {
		require.NoError(t, tree.Insert(key, key))
	}

	tree.mu.Lock()
	rootID := tree.root
	tree.mu.Unlock()
	collected := collectKeysInOrder(t, tree, rootID)
	require.Len(t, collected, n)
	for i := 1; i < len(collected); i++ {
		require.Less(t, collected[i-1], collected[i], "keys out of order at %d", i)
	}
}

func TestConcurrentInsertLookup(t *testing.T) {
	tree := newTestTree(t, 300)
	n := uint64(2000)

	var wg sync.WaitGroup
	for thread := 0; thread < 4; thread++ {
		wg.Add(1)
		go func(offset uint64) {
			defer wg.Done()
			for i := offset; i < n; i += 4 {
				if !assert.NoError(t, tree.Insert(i, 2*i)) {
					return
				}
			}
		}(uint64(thread))
	}
	wg.Wait()

	for i := uint64(0); i < n; i++ {
		value, found, err := tree.Lookup(i)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, 2*i, value)
	}
}
