// Copyright 2026 The Samepage Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package samepage

import (
	"sync"
	"sync/atomic"

	"samepage.dev/samepage/pkg/mem"
	"samepage.dev/samepage/pkg/rbtree"
)

// Item state flags, kept in the low bits of the address word.
const (
	// flagNew: the item is on the new-pages queue.
	flagNew uint64 = 1 << iota

	// flagDead: the item is on the deletion queue.
	flagDead

	// flagEngine: the item has been handed to the scanner.
	flagEngine

	// flagUnstable: the item is a node of the unstable tree.
	flagUnstable

	// flagStable: the item heads a stable-tree entry.
	flagStable

	// flagRefresh: the item is on the checksum-refresh queue.
	flagRefresh

	// flagInitChecksum: the checksum must be recomputed before use.
	flagInitChecksum

	// flagRescan: the item is on the rescan queue.
	flagRescan
)

// addrFlagsMask covers the flag bits. Page alignment guarantees they are
// free in any mapped address.
const addrFlagsMask = uint64(1)<<12 - 1

// Item is the engine's per-tracked-page record.
//
// The page back-pointer and the flag word are shared with the notification
// entry points and are accessed atomically; everything else belongs to the
// scanner.
type Item struct {
	page atomic.Pointer[mem.Page]

	// root is the reverse-mapping root of the page at registration.
	root *mem.AnonRoot

	// address holds the page's registration address in the high bits and
	// state flags in the low bits.
	address atomic.Uint64

	checksum uint32

	// shares counts reverse mappings beyond the stable head's own.
	shares atomic.Int64

	node rbtree.Node[*Item]

	// anchors is the chain of mapping anchors while the item heads a
	// stable-tree entry.
	anchors *anchor

	scanEntry    listEntry
	deadEntry    listEntry
	refreshEntry listEntry
}

// anchor pins one reverse-mapping root that maps a shared page.
type anchor struct {
	root *mem.AnonRoot
	next *anchor
}

func (it *Item) testFlags(f uint64) bool {
	return it.address.Load()&f != 0
}

func (it *Item) setFlags(f uint64) {
	it.address.Or(f)
}

func (it *Item) clearFlags(f uint64) {
	it.address.And(^f)
}

// testClearFlags clears f and reports whether any of f was set.
func (it *Item) testClearFlags(f uint64) bool {
	return it.address.And(^f)&f != 0
}

func (it *Item) vaddr() uint64 {
	return it.address.Load() &^ addrFlagsMask
}

func (it *Item) reset() {
	it.page.Store(nil)
	it.root = nil
	it.address.Store(0)
	it.checksum = 0
	it.shares.Store(0)
	it.anchors = nil
	it.scanEntry = listEntry{}
	it.deadEntry = listEntry{}
	it.refreshEntry = listEntry{}
	it.node = rbtree.Node[*Item]{}
	it.node.Value = it
}

// listEntry links an Item into one itemList.
type listEntry struct {
	next, prev *Item
	member     bool
}

// itemList is an intrusive FIFO over one of an Item's three link slots.
type itemList struct {
	head, tail *Item
	entry      func(*Item) *listEntry
}

func scanEntryOf(it *Item) *listEntry    { return &it.scanEntry }
func deadEntryOf(it *Item) *listEntry    { return &it.deadEntry }
func refreshEntryOf(it *Item) *listEntry { return &it.refreshEntry }

func (l *itemList) empty() bool {
	return l.head == nil
}

func (l *itemList) front() *Item {
	return l.head
}

func (l *itemList) next(it *Item) *Item {
	return l.entry(it).next
}

func (l *itemList) pushBack(it *Item) {
	e := l.entry(it)
	if e.member {
		return
	}
	e.member = true
	e.next = nil
	e.prev = l.tail
	if l.tail != nil {
		l.entry(l.tail).next = it
	} else {
		l.head = it
	}
	l.tail = it
}

func (l *itemList) remove(it *Item) {
	e := l.entry(it)
	if !e.member {
		return
	}
	if e.prev != nil {
		l.entry(e.prev).next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		l.entry(e.next).prev = e.prev
	} else {
		l.tail = e.prev
	}
	*e = listEntry{}
}

// popFront removes and returns the first item, or nil.
func (l *itemList) popFront() *Item {
	it := l.head
	if it != nil {
		l.remove(it)
	}
	return it
}

// itemCache is the bounded descriptor slab.
type itemCache struct {
	mu   sync.Mutex
	free []*Item
	live int
	cap  int
}

func (c *itemCache) alloc() *Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live >= c.cap {
		return nil
	}
	c.live++
	if n := len(c.free); n > 0 {
		it := c.free[n-1]
		c.free = c.free[:n-1]
		return it
	}
	it := &Item{}
	it.node.Value = it
	return it
}

func (c *itemCache) release(it *Item) {
	it.reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live--
	c.free = append(c.free, it)
}

func (c *itemCache) inUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}
