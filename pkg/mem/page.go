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

// Package mem models the host memory-management collaborators of the
// deduplication engine: physical page frames, address spaces, VMAs,
// reverse-mapping roots, and the page-table operations the engine drives.
//
// The package stands in for the host kernel's MM. It implements the exact
// capability contract the engine needs (pinning, page locks, write-protect,
// PTE replacement, rmap chains) and nothing more.
package mem

import (
	"runtime"
	"sync/atomic"
)

// Page is a physical page frame.
//
// Reference discipline: refs counts PTE mappings plus transient pins. A
// quiescent mapped anonymous page has refs == mapcount (+1 if it is also in
// the swap cache). A reader holding extra pins passes them to HasExtraRefs
// when testing for in-flight I/O.
type Page struct {
	pfn  uint64
	data []byte

	refs     atomic.Int64
	mapcount atomic.Int64
	locked   atomic.Bool

	anon      bool
	swapCache atomic.Bool
	shared    atomic.Bool // write-protected page owned by the dedup engine
	tracked   atomic.Bool // page is registered with the dedup engine

	// root and index are the reverse-mapping coordinates, set at the first
	// anonymous fault and stable for the page's lifetime.
	root  *AnonRoot
	index uint64

	dedup atomic.Pointer[DedupBinding]
}

// DedupBinding binds a page to the engine's per-page record. Page carries
// the expected-mapping tag: a loaded binding is only valid if it still names
// the page it was loaded from, anything else means concurrent destruction.
type DedupBinding struct {
	// Owner is the engine descriptor. Opaque to this package.
	Owner any

	// Page is the page the binding was installed on.
	Page *Page
}

// PFN returns the page frame number.
func (p *Page) PFN() uint64 {
	return p.pfn
}

// Data returns the frame contents.
func (p *Page) Data() []byte {
	return p.data
}

// Anon returns true if the page is anonymous.
func (p *Page) Anon() bool {
	return p.anon
}

// Root returns the page's reverse-mapping root, nil until first mapped.
func (p *Page) Root() *AnonRoot {
	return p.root
}

// Index returns the virtual address the page was first faulted at.
func (p *Page) Index() uint64 {
	return p.index
}

// Refs returns the current reference count.
func (p *Page) Refs() int64 {
	return p.refs.Load()
}

// Mapcount returns the number of PTEs mapping the page.
func (p *Page) Mapcount() int64 {
	return p.mapcount.Load()
}

// TryPin takes a reference unless the count has already dropped to zero.
func (p *Page) TryPin() bool {
	for {
		r := p.refs.Load()
		if r <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Unpin drops a reference taken by TryPin.
func (p *Page) Unpin() {
	p.refs.Add(-1)
}

// TryLock attempts to take the page lock without blocking.
func (p *Page) TryLock() bool {
	return p.locked.CompareAndSwap(false, true)
}

// Lock takes the page lock, spinning cooperatively.
func (p *Page) Lock() {
	for !p.TryLock() {
		runtime.Gosched()
	}
}

// Unlock releases the page lock.
func (p *Page) Unlock() {
	p.locked.Store(false)
}

// Locked returns true if the page lock is held.
func (p *Page) Locked() bool {
	return p.locked.Load()
}

// InSwapCache returns true if the page is in the swap cache.
func (p *Page) InSwapCache() bool {
	return p.swapCache.Load()
}

// SetSwapCache sets the swap-cache bit.
func (p *Page) SetSwapCache(v bool) {
	p.swapCache.Store(v)
}

// HasExtraRefs returns true if references beyond the page's mappings, the
// caller's held pins, and any swap-cache reference exist. Such references
// indicate in-flight direct I/O.
func (p *Page) HasExtraRefs(held int64) bool {
	swapped := int64(0)
	if p.swapCache.Load() {
		swapped = 1
	}
	return p.refs.Load() != p.mapcount.Load()+held+swapped
}

// Shared returns true if the page is a write-protected shared page.
func (p *Page) Shared() bool {
	return p.shared.Load()
}

// SetShared marks the page as a write-protected shared page.
func (p *Page) SetShared(v bool) {
	p.shared.Store(v)
}

// Tracked returns true if the page is registered with the dedup engine.
func (p *Page) Tracked() bool {
	return p.tracked.Load()
}

// SetTracked sets the tracking bit, failing if it was already set.
func (p *Page) SetTracked() bool {
	return p.tracked.CompareAndSwap(false, true)
}

// ClearTracked clears the tracking bit.
func (p *Page) ClearTracked() {
	p.tracked.Store(false)
}

// BindDedup installs the engine binding on the page.
func (p *Page) BindDedup(b *DedupBinding) {
	p.dedup.Store(b)
}

// DedupBinding returns the page's engine binding, or nil if the page is not
// bound or the binding's tag no longer matches (concurrent destruction).
func (p *Page) DedupBinding() *DedupBinding {
	b := p.dedup.Load()
	if b == nil || b.Page != p {
		return nil
	}
	return b
}

// UnbindDedup clears the engine binding.
func (p *Page) UnbindDedup() {
	p.dedup.Store(nil)
}
