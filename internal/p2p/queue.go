package p2p

import (
	"sync"

	"github.com/tendermint/checkpointbft/types"
)

// queue passes outbound messages for a single peer from any number of
// senders to the peer's send routine.
type queue interface {
	// enqueue returns a channel for submitting messages.
	enqueue() chan<- *types.Message

	// dequeue returns a channel ordered according to some queueing policy.
	dequeue() <-chan *types.Message

	// close closes the queue. After this call enqueue() will block, so the
	// caller must select on closed() as well to avoid blocking forever. The
	// enqueue() and dequeue() channels will not be closed.
	close()

	// closed returns a channel that's closed when the queue is closed.
	closed() <-chan struct{}
}

// fifoQueue is a bounded lossless queue that passes messages through in the
// order they were received. Senders decide whether to block when it is full.
type fifoQueue struct {
	queueCh   chan *types.Message
	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ queue = (*fifoQueue)(nil)

func newFIFOQueue(size int) *fifoQueue {
	return &fifoQueue{
		queueCh: make(chan *types.Message, size),
		closeCh: make(chan struct{}),
	}
}

func (q *fifoQueue) enqueue() chan<- *types.Message {
	return q.queueCh
}

func (q *fifoQueue) dequeue() <-chan *types.Message {
	return q.queueCh
}

func (q *fifoQueue) close() {
	q.closeOnce.Do(func() { close(q.closeCh) })
}

func (q *fifoQueue) closed() <-chan struct{} {
	return q.closeCh
}

// tryEnqueue submits msg without blocking. It reports false if the queue is
// full or closed.
func (q *fifoQueue) tryEnqueue(msg *types.Message) bool {
	select {
	case <-q.closeCh:
		return false
	default:
	}

	select {
	case q.enqueue() <- msg:
		return true
	default:
		return false
	}
}
