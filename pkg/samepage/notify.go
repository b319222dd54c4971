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
	"errors"

	"samepage.dev/samepage/pkg/mem"
)

var (
	// ErrNoAllocator indicates the engine was configured without a frame
	// allocator.
	ErrNoAllocator = errors.New("samepage: no allocator")

	// ErrNoMemory indicates descriptor slab exhaustion.
	ErrNoMemory = errors.New("samepage: out of descriptors")

	// ErrBadDescriptor indicates a nil or mismatched page/descriptor
	// pair.
	ErrBadDescriptor = errors.New("samepage: bad descriptor")

	// ErrNotAnon indicates the page is not anonymous.
	ErrNotAnon = errors.New("samepage: page not anonymous")

	// ErrAlreadyTracked indicates the page's tracking bit is already set.
	ErrAlreadyTracked = errors.New("samepage: page already tracked")

	// ErrSharedPage indicates the page is already an engine-owned shared
	// page.
	ErrSharedPage = errors.New("samepage: page already shared")

	// ErrNotTracked indicates the page is unknown to the engine.
	ErrNotTracked = errors.New("samepage: page not tracked")

	// ErrSpaceExists indicates the address space already entered the
	// engine.
	ErrSpaceExists = errors.New("samepage: address space already entered")

	// ErrNoSpace indicates the address space never entered the engine.
	ErrNoSpace = errors.New("samepage: no such address space")
)

// AllocItem allocates a fresh descriptor from the bounded slab. The
// page-fault path allocates before publishing a birth so that slab
// exhaustion is surfaced there, not in the scanner.
func (e *Engine) AllocItem() (*Item, error) {
	it := e.cache.alloc()
	if it == nil {
		return nil, ErrNoMemory
	}
	return it, nil
}

// FreeItem returns an unpublished descriptor to the slab. Descriptors
// handed to OnBirth are owned by the engine and must not be freed.
func (e *Engine) FreeItem(it *Item) {
	e.cache.release(it)
}

// OnBirth publishes a new anonymous page to the engine. root is the page's
// reverse-mapping root. The descriptor must come from AllocItem and passes
// to engine ownership on success.
//
// Non-blocking beyond the queue lock's critical section.
func (e *Engine) OnBirth(page *mem.Page, it *Item, root *mem.AnonRoot) error {
	if it == nil || page == nil || root == nil {
		return ErrBadDescriptor
	}
	if !page.Anon() {
		return ErrNotAnon
	}
	if page.Shared() {
		return ErrSharedPage
	}
	if !page.SetTracked() {
		return ErrAlreadyTracked
	}

	it.root = root
	it.address.Store(page.Index()&^addrFlagsMask | flagNew | flagInitChecksum)
	it.page.Store(page)
	page.BindDedup(&mem.DedupBinding{Owner: it, Page: page})

	e.qmu.Lock()
	e.newQ.pushBack(it)
	e.qmu.Unlock()
	return nil
}

// OnDeath tells the engine the host is freeing a tracked page. The
// page-to-descriptor binding is severed here; the descriptor itself is
// reaped by the scanner, or immediately if it never entered the engine.
//
// Non-blocking beyond the queue lock's critical section.
func (e *Engine) OnDeath(page *mem.Page) error {
	if page == nil {
		return ErrBadDescriptor
	}
	if !page.Tracked() {
		return ErrNotTracked
	}
	page.ClearTracked()

	b := page.DedupBinding()
	if b == nil {
		return ErrBadDescriptor
	}
	it, ok := b.Owner.(*Item)
	if !ok || it.page.Load() != page {
		return ErrBadDescriptor
	}

	// Return any sharing the dying page still carried.
	if shares := it.shares.Swap(0); shares > 0 {
		e.pagesSharing.Add(-shares)
	}

	page.UnbindDedup()
	it.page.Store(nil)

	e.qmu.Lock()
	if it.testFlags(flagNew | flagRescan) {
		// Still on the new or rescan queue and in neither tree:
		// unlink and free right here.
		if it.testClearFlags(flagNew) {
			e.newQ.remove(it)
		}
		if it.testClearFlags(flagRescan) {
			e.rescanQ.remove(it)
		}
		e.qmu.Unlock()
		e.cache.release(it)
		return nil
	}
	it.setFlags(flagDead)
	e.deadQ.pushBack(it)
	e.qmu.Unlock()
	return nil
}
