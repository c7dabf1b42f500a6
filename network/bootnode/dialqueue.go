package bootnode

import (
	"container/heap"
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// DialTask is one queued dial. Lower priority values dial first.
type DialTask struct {
	index    int
	addrInfo *peer.AddrInfo
	priority uint64
}

// AddrInfo returns the peer to dial.
func (dt *DialTask) AddrInfo() *peer.AddrInfo {
	return dt.addrInfo
}

// DialQueue is a priority queue of peers waiting to be dialed. Re-adding a
// queued peer with a lower priority moves it forward.
type DialQueue struct {
	sync.Mutex
	heap     dialQueueImpl
	tasks    map[peer.ID]*DialTask
	updateCh chan struct{}
	closeCh  chan struct{}
}

type dialQueueImpl []*DialTask

func (t dialQueueImpl) Len() int           { return len(t) }
func (t dialQueueImpl) Less(i, j int) bool { return t[i].priority < t[j].priority }
func (t dialQueueImpl) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}
func (t *dialQueueImpl) Push(x interface{}) {
	n := len(*t)
	item := x.(*DialTask)
	item.index = n
	*t = append(*t, item)
}
func (t *dialQueueImpl) Pop() interface{} {
	old := *t
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*t = old[0 : n-1]
	return item
}

// NewDialQueue creates an empty dial queue.
func NewDialQueue() *DialQueue {
	return &DialQueue{
		heap:     dialQueueImpl{},
		tasks:    map[peer.ID]*DialTask{},
		updateCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// Close wakes any waiter and marks the queue closed.
func (d *DialQueue) Close() {
	close(d.closeCh)
}

// Wait blocks until the queue has work, reporting true when the queue or ctx
// is done.
func (d *DialQueue) Wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-d.updateCh:
		return false
	case <-d.closeCh:
		return true
	}
}

// PopTask removes and returns the highest priority task, or nil.
func (d *DialQueue) PopTask() *DialTask {
	d.Lock()
	defer d.Unlock()
	if len(d.heap) != 0 {
		task := heap.Pop(&d.heap).(*DialTask)
		delete(d.tasks, task.addrInfo.ID)
		return task
	}
	return nil
}

// AddTask queues a dial for the peer.
func (d *DialQueue) AddTask(addrInfo *peer.AddrInfo, priority uint64) {
	d.Lock()
	defer d.Unlock()
	if item, ok := d.tasks[addrInfo.ID]; ok {
		if item.priority > priority {
			item.addrInfo = addrInfo
			item.priority = priority
			heap.Fix(&d.heap, item.index)
		}
		return
	}
	task := &DialTask{
		addrInfo: addrInfo,
		priority: priority,
	}
	d.tasks[addrInfo.ID] = task
	heap.Push(&d.heap, task)
	select {
	case d.updateCh <- struct{}{}:
	default:
	}
}
