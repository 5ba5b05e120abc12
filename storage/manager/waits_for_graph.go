package manager

import (
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xengine/storage/basic"
)

// WaitsForGraph 等待图: 从等待中的事务指向它所等锁的持有者.
// 整张图由一把互斥锁保护, 该锁是叶子级的, 持有期间不获取任何其他锁.
type WaitsForGraph struct {
	mu sync.Mutex

	// graph 邻接表: txID -> 它等待的事务
	graph map[uint64][]uint64
}

// NewWaitsForGraph 构造等待图
func NewWaitsForGraph() *WaitsForGraph {
	return &WaitsForGraph{graph: make(map[uint64][]uint64)}
}

// hasCycle 从from出发做DFS, 节点在当前DFS路径上被再次进入即成环.
// 调用者持有g.mu.
func (g *WaitsForGraph) hasCycle(from uint64) bool {
	onPath := make(map[uint64]bool)
	var visit func(txID uint64) bool
	visit = func(txID uint64) bool {
		if onPath[txID] {
			return true
		}
		onPath[txID] = true
		for _, next := range g.graph[txID] {
			if visit(next) {
				return true
			}
		}
		delete(onPath, txID)
		return false
	}
	return visit(from)
}

// AddWaitsFor 登记tx等待lock的全部持有者.
// 若新增的边构成环, 则撤销本次新增的边并返回basic.ErrDeadlock.
func (g *WaitsForGraph) AddWaitsFor(tx *Transaction, owners []*Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edges := g.graph[tx.ID()]
	for _, owner := range owners {
		if owner.ID() == tx.ID() {
			continue
		}
		if !containsID(edges, owner.ID()) {
			edges = append(edges, owner.ID())
		}
	}
	g.graph[tx.ID()] = edges

	if g.hasCycle(tx.ID()) {
		// 等待将构成死锁: 撤销本次acquire加入的全部等待边
		delete(g.graph, tx.ID())
		return errors.Trace(basic.ErrDeadlock)
	}
	return nil
}

// AddWaiters 锁易主后登记: 现有的waiters现在都等待新持有者owner
func (g *WaitsForGraph) AddWaiters(owner *Transaction, waiters []*Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, waiter := range waiters {
		if waiter.ID() == owner.ID() {
			continue
		}
		edges := g.graph[waiter.ID()]
		if !containsID(edges, owner.ID()) {
			g.graph[waiter.ID()] = append(edges, owner.ID())
		}
	}
}

// RemoveTransaction 把一个事务从图中摘除: 出边与入边一起删
func (g *WaitsForGraph) RemoveTransaction(tx *Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.graph, tx.ID())
	for txID, edges := range g.graph {
		filtered := edges[:0]
		for _, id := range edges {
			if id != tx.ID() {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == 0 {
			delete(g.graph, txID)
		} else {
			g.graph[txID] = filtered
		}
	}
}

// WaitsFor 返回tx当前等待的事务ID, 仅用于诊断与测试
func (g *WaitsForGraph) WaitsFor(txID uint64) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	edges := g.graph[txID]
	out := make([]uint64, len(edges))
	copy(out, edges)
	return out
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
