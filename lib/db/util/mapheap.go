// Package util
//
// This file provides a specialized priority queue for expiry tracking.
//
// This implementation combines a binary heap with a hash map to provide both
// efficient priority-based operations and key-based access. The engine keeps one
// MapHeap per shard, keyed by the entry key and prioritized by the instant
// (Unix nanoseconds) at which the entry stops being live.
//
// Time Complexity:
//   - O(log n) for priority operations (AddItem, RemoveByKey)
//   - O(1) for key-based lookups, existence checks and Peek
//
// Concurrency Considerations:
//   - This implementation is not thread-safe
//   - The engine only touches a shard's heap while holding that shard's lock
//
// Example usage:
//
//	expiry := NewMapHeap[string]()
//	expiry.AddItem("session:1", deadline.UnixNano())
//
//	// Evict everything that is due
//	for it, ok := expiry.Peek(); ok && it.Priority <= now.UnixNano(); it, ok = expiry.Peek() {
//	    expiry.RemoveByKey(it.Key)
//	}
package util

import (
	"container/heap"
	"fmt"
)

// Item is an entry of a MapHeap.
type Item[K comparable] struct {
	Key      K     // Unique identifier for the item
	Priority int64 // Lower values are popped first
	index    int   // Index in the heap, maintained by heap package
}

func (i *Item[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap by priority with key-based access
type MapHeap[K comparable] struct {
	items    []*Item[K]     // The actual heap slice
	itemsMap map[K]*Item[K] // Map for O(1) access by key
}

// NewMapHeap creates a new, empty MapHeap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*Item[K], 0),
		itemsMap: make(map[K]*Item[K]),
	}
}

// Len returns the number of items in the queue (part of heap.Interface)
func (mh *MapHeap[K]) Len() int { return len(mh.items) }

// Less compares items by priority (part of heap.Interface)
func (mh *MapHeap[K]) Less(i, j int) bool {
	return mh.items[i].Priority < mh.items[j].Priority
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (mh *MapHeap[K]) Swap(i, j int) {
	mh.items[i], mh.items[j] = mh.items[j], mh.items[i]
	mh.items[i].index = i
	mh.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface)
func (mh *MapHeap[K]) Push(x any) {
	it := x.(*Item[K])
	it.index = len(mh.items)
	mh.items = append(mh.items, it)
	mh.itemsMap[it.Key] = it
}

// Pop removes and returns the minimum item (part of heap.Interface)
func (mh *MapHeap[K]) Pop() any {
	old := mh.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // Avoid memory leak
	it.index = -1
	mh.items = old[:n-1]
	delete(mh.itemsMap, it.Key)
	return it
}

// AddItem adds a new item to the queue or updates the priority of an existing one
func (mh *MapHeap[K]) AddItem(key K, priority int64) {
	if it, exists := mh.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(mh, it.index)
		return
	}
	heap.Push(mh, &Item[K]{Key: key, Priority: priority})
}

// RemoveByKey removes an item by its key and returns its priority
func (mh *MapHeap[K]) RemoveByKey(key K) (int64, bool) {
	it, exists := mh.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(mh, it.index)
	return it.Priority, true
}

// Peek returns the minimum priority item without removing it
func (mh *MapHeap[K]) Peek() (*Item[K], bool) {
	if len(mh.items) == 0 {
		return nil, false
	}
	return mh.items[0], true
}

// Reset removes all items
func (mh *MapHeap[K]) Reset() {
	clear(mh.items)
	mh.items = mh.items[:0]
	clear(mh.itemsMap)
}
