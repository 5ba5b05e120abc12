package buffer_pool

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xengine/storage/basic"
	"github.com/zhukovaskychina/xengine/util"
)

func newTestPool(t *testing.T, pageSize, frameCount int) *BufferManager {
	t.Helper()
	bm, err := NewBufferManager(pageSize, frameCount, t.TempDir())
	require.NoError(t, err)
	return bm
}

func TestFixSingle(t *testing.T) {
	bm := newTestPool(t, 1024, 10)
	defer bm.Close()

	expected := make([]byte, 1024)
	for off := 0; off < 1024; off += 8 {
		util.WriteUB8(expected, off, 123)
	}

	frame, err := bm.FixPage(1, true)
	require.NoError(t, err)
	require.NotNil(t, frame.Data())
	copy(frame.Data(), expected)
	bm.UnfixPage(frame, true)
	assert.Equal(t, []basic.PageID{1}, bm.FIFOList())
	assert.Empty(t, bm.LRUList())

	frame, err = bm.FixPage(1, false)
	require.NoError(t, err)
	values := make([]byte, 1024)
	copy(values, frame.Data())
	bm.UnfixPage(frame, true)
	assert.Empty(t, bm.FIFOList())
	assert.Equal(t, []basic.PageID{1}, bm.LRUList())
	assert.Equal(t, expected, values)
}

func TestPersistentRestart(t *testing.T) {
	dir := t.TempDir()
	bm, err := NewBufferManager(1024, 10, dir)
	require.NoError(t, err)
	for segment := uint16(0); segment < 3; segment++ {
		for segmentPage := uint64(0); segmentPage < 10; segmentPage++ {
			pageID := basic.NewPageID(segment, segmentPage)
			frame, err := bm.FixPage(pageID, true)
			require.NoError(t, err)
			util.WriteUB8(frame.Data(), 0, uint64(segment)*10+segmentPage)
			bm.UnfixPage(frame, true)
		}
	}
	require.NoError(t, bm.Close())

	// 销毁缓冲池后重建, 数据必须还在
	bm, err = NewBufferManager(1024, 10, dir)
	require.NoError(t, err)
	defer bm.Close()
	for segment := uint16(0); segment < 3; segment++ {
		for segmentPage := uint64(0); segmentPage < 10; segmentPage++ {
			pageID := basic.NewPageID(segment, segmentPage)
			frame, err := bm.FixPage(pageID, false)
			require.NoError(t, err)
			value := util.ReadUB8(frame.Data(), 0)
			bm.UnfixPage(frame, false)
			assert.Equal(t, uint64(segment)*10+segmentPage, value)
		}
	}
}

func TestWriteReadAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	bm, err := NewBufferManager(1024, 10, dir)
	require.NoError(t, err)

	pageID := basic.NewPageID(1, 5)
	frame, err := bm.FixPage(pageID, true)
	require.NoError(t, err)
	copy(frame.Data(), []byte{0x42, 0, 0, 0, 0, 0, 0, 0})
	bm.UnfixPage(frame, true)
	require.NoError(t, bm.Close())

	bm, err = NewBufferManager(1024, 10, dir)
	require.NoError(t, err)
	defer bm.Close()
	frame, err = bm.FixPage(pageID, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42, 0, 0, 0, 0, 0, 0, 0}, frame.Data()[:8])
	bm.UnfixPage(frame, false)
}

func TestFIFOEvict(t *testing.T) {
	bm := newTestPool(t, 1024, 10)
	defer bm.Close()

	for i := uint64(1); i < 11; i++ {
		frame, err := bm.FixPage(i, false)
		require.NoError(t, err)
		bm.UnfixPage(frame, false)
	}
	expectedFIFO := []basic.PageID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, expectedFIFO, bm.FIFOList())
	assert.Empty(t, bm.LRUList())

	frame, err := bm.FixPage(11, false)
	require.NoError(t, err)
	bm.UnfixPage(frame, false)

	expectedFIFO = []basic.PageID{2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	assert.Equal(t, expectedFIFO, bm.FIFOList())
	assert.Empty(t, bm.LRUList())
}

func TestBufferFull(t *testing.T) {
	bm := newTestPool(t, 1024, 10)
	defer bm.Close()

	frames := make([]*BufferFrame, 0, 10)
	for i := uint64(1); i < 11; i++ {
		frame, err := bm.FixPage(i, false)
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	_, err := bm.FixPage(11, false)
	assert.Equal(t, basic.ErrBufferFull, errors.Cause(err))
	for _, frame := range frames {
		bm.UnfixPage(frame, false)
	}
}

func TestMoveToLRU(t *testing.T) {
	bm := newTestPool(t, 1024, 10)
	defer bm.Close()

	fifoFrame, err := bm.FixPage(1, false)
	require.NoError(t, err)
	lruFrame, err := bm.FixPage(2, false)
	require.NoError(t, err)
	bm.UnfixPage(fifoFrame, false)
	bm.UnfixPage(lruFrame, false)
	assert.Equal(t, []basic.PageID{1, 2}, bm.FIFOList())
	assert.Empty(t, bm.LRUList())

	lruFrame, err = bm.FixPage(2, false)
	require.NoError(t, err)
	bm.UnfixPage(lruFrame, false)
	assert.Equal(t, []basic.PageID{1}, bm.FIFOList())
	assert.Equal(t, []basic.PageID{2}, bm.LRUList())
}

func TestLRURefresh(t *testing.T) {
	bm := newTestPool(t, 1024, 10)
	defer bm.Close()

	for _, pageID := range []basic.PageID{1, 2} {
		for j := 0; j < 2; j++ {
			frame, err := bm.FixPage(pageID, false)
			require.NoError(t, err)
			bm.UnfixPage(frame, false)
		}
	}
	assert.Empty(t, bm.FIFOList())
	assert.Equal(t, []basic.PageID{1, 2}, bm.LRUList())

	// 再次访问1, LRU顺序刷新
	frame, err := bm.FixPage(1, false)
	require.NoError(t, err)
	bm.UnfixPage(frame, false)
	assert.Equal(t, []basic.PageID{2, 1}, bm.LRUList())
}

func TestMultithreadParallelFix(t *testing.T) {
	bm := newTestPool(t, 1024, 10)
	defer bm.Close()

	var wg sync.WaitGroup
	for thread := 0; thread < 4; thread++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				pageID := basic.PageID(rng.Intn(8))
				frame, err := bm.FixPage(pageID, false)
				if err != nil {
					assert.Equal(t, basic.ErrBufferFull, errors.Cause(err))
					continue
				}
				bm.UnfixPage(frame, false)
			}
		}(int64(thread))
	}
	wg.Wait()
}

func TestMultithreadExclusiveAccess(t *testing.T) {
	bm := newTestPool(t, 1024, 10)
	defer bm.Close()

	var counter atomic.Uint64
	var wg sync.WaitGroup
	for thread := 0; thread < 4; thread++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				frame, err := bm.FixPage(0, true)
				if !assert.NoError(t, err) {
					continue
				}
				value := util.ReadUB8(frame.Data(), 0)
				util.WriteUB8(frame.Data(), 0, value+1)
				counter.Add(1)
				bm.UnfixPage(frame, true)
			}
		}()
	}
	wg.Wait()

	frame, err := bm.FixPage(0, false)
	require.NoError(t, err)
	value := util.ReadUB8(frame.Data(), 0)
	bm.UnfixPage(frame, false)
	assert.Equal(t, uint64(1000), value)
	assert.Equal(t, uint64(1000), counter.Load())
}

func TestMultithreadManyPages(t *testing.T) {
	bm := newTestPool(t, 1024, 10)
	defer bm.Close()

	// 工作集远大于帧数, 逼出淘汰与写回
	var wg sync.WaitGroup
	for thread := 0; thread < 4; thread++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				pageID := basic.PageID(rng.Intn(64))
				frame, err := bm.FixPage(pageID, true)
				if err != nil {
					assert.Equal(t, basic.ErrBufferFull, errors.Cause(err))
					continue
				}
				util.WriteUB8(frame.Data(), 0, uint64(pageID))
				bm.UnfixPage(frame, true)
			}
		}(int64(thread) + 100)
	}
	wg.Wait()

	for pageID := basic.PageID(0); pageID < 64; pageID++ {
		frame, err := bm.FixPage(pageID, false)
		require.NoError(t, err)
		value := util.ReadUB8(frame.Data(), 0)
		bm.UnfixPage(frame, false)
		if value != 0 {
			assert.Equal(t, uint64(pageID), value)
		}
	}
}
