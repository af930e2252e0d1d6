// Package eventlog implements an indexed, append-only log of items with
// restartable subscriptions.
//
// Every item carries a strictly increasing index. A Subscription is a cursor
// positioned at an index: it yields the items at or after that index in order
// and blocks when it reaches the head of the log. Old items can be pruned from
// memory; a subscription that falls behind the oldest resident item reads the
// gap back through its Loader (typically backed by a database). Only indices
// the Loader does not have are skipped.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrOutOfOrder is returned by Add when the index does not exceed the newest
// index already in the log.
var ErrOutOfOrder = errors.New("item index is not increasing")

// Item is a single entry of the log.
type Item struct {
	Index uint64
	Data  interface{}
}

// Loader fetches items that are no longer resident in memory. It returns the
// stored item with the lowest index at or above from, and reports false if
// there is none.
type Loader func(from uint64) (Item, bool, error)

// Log is an append-only log of items. It is safe for concurrent use.
type Log struct {
	metrics *Metrics

	mtx    sync.Mutex
	items  []Item
	newest uint64
	empty  bool
	// ready is closed and replaced on every Add.
	ready chan struct{}
}

// New constructs a new empty log.
func New(metrics *Metrics) *Log {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Log{
		metrics: metrics,
		empty:   true,
		ready:   make(chan struct{}),
	}
}

// Add appends data at index.
func (lg *Log) Add(index uint64, data interface{}) error {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()

	if !lg.empty && index <= lg.newest {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, index, lg.newest)
	}
	lg.items = append(lg.items, Item{Index: index, Data: data})
	lg.newest, lg.empty = index, false
	lg.metrics.NumItems.Set(float64(len(lg.items)))

	close(lg.ready)
	lg.ready = make(chan struct{})
	return nil
}

// Newest returns the index of the most recently added item. ok is false if
// nothing was ever added.
func (lg *Log) Newest() (index uint64, ok bool) {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()
	return lg.newest, !lg.empty
}

// Len returns the number of items resident in memory.
func (lg *Log) Len() int {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()
	return len(lg.items)
}

// Get returns the resident item at index.
func (lg *Log) Get(index uint64) (interface{}, bool) {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()

	i := lg.searchLocked(index)
	if i < len(lg.items) && lg.items[i].Index == index {
		return lg.items[i].Data, true
	}
	return nil, false
}

// Scan calls fn for every resident item with index >= from, in order.
// Scanning stops at the first error returned by fn.
func (lg *Log) Scan(from uint64, fn func(Item) error) error {
	lg.mtx.Lock()
	items := lg.items[lg.searchLocked(from):]
	lg.mtx.Unlock()

	for _, itm := range items {
		if err := fn(itm); err != nil {
			return err
		}
	}
	return nil
}

// Prune removes the resident items with index below cutoff and returns how
// many were removed. The newest index is retained, so Add ordering is not
// affected.
func (lg *Log) Prune(cutoff uint64) int {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()

	n := lg.searchLocked(cutoff)
	if n == 0 {
		return 0
	}
	lg.items = append([]Item(nil), lg.items[n:]...)
	lg.metrics.NumItems.Set(float64(len(lg.items)))
	lg.metrics.Pruned.Add(float64(n))
	return n
}

// caller must hold mtx
func (lg *Log) searchLocked(index uint64) int {
	return sort.Search(len(lg.items), func(i int) bool {
		return lg.items[i].Index >= index
	})
}

// Subscribe returns a cursor positioned at index from. loader may be nil.
func (lg *Log) Subscribe(from uint64, loader Loader) *Subscription {
	return &Subscription{log: lg, next: from, loader: loader}
}

// Subscription is a restartable cursor over a Log. A Subscription is not safe
// for concurrent use; independent consumers should each subscribe.
type Subscription struct {
	log    *Log
	next   uint64
	loader Loader
	done   bool
}

// Position returns the index the next call to Next starts from. A new
// subscription created at this position resumes where this one left off.
func (s *Subscription) Position() uint64 { return s.next }

// Next blocks until an item with index >= Position is available and returns
// it. It returns ctx.Err() if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (Item, error) {
	for {
		if s.done {
			// the cursor passed the largest possible index
			<-ctx.Done()
			return Item{}, ctx.Err()
		}

		itm, ok, ready, err := s.poll()
		if err != nil {
			return Item{}, err
		}
		if ok {
			if itm.Index == ^uint64(0) {
				s.done = true
			} else {
				s.next = itm.Index + 1
			}
			return itm, nil
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-ready:
		}
	}
}

func (s *Subscription) poll() (Item, bool, <-chan struct{}, error) {
	lg := s.log

	lg.mtx.Lock()
	ready := lg.ready
	i := lg.searchLocked(s.next)
	var (
		itm      Item
		resident = i < len(lg.items)
		newest   = lg.newest
	)
	if resident {
		itm = lg.items[i]
	}
	// anything between next and the resident item was pruned from memory
	pruned := (resident && itm.Index > s.next) || (!resident && !lg.empty && newest >= s.next)
	lg.mtx.Unlock()

	if !pruned {
		return itm, resident, ready, nil
	}

	if s.loader != nil {
		loaded, found, err := s.loader(s.next)
		if err != nil {
			return Item{}, false, nil, fmt.Errorf("loading item %d: %w", s.next, err)
		}
		// the loaded item must lie inside the pruned gap
		if found && loaded.Index >= s.next &&
			((resident && loaded.Index < itm.Index) || (!resident && loaded.Index <= newest)) {
			return loaded, true, ready, nil
		}
	}
	if !resident {
		// everything up to newest is gone, wait for what comes after it
		if newest == ^uint64(0) {
			s.done = true
		} else {
			s.next = newest + 1
		}
	}
	return itm, resident, ready, nil
}
