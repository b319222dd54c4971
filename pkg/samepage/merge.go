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

// releasePage drops an engine pin through the host free path, so that a
// last-reference drop delivers the page-death notification.
func (e *Engine) releasePage(p *mem.Page) {
	e.alloc.Release(p)
}

// validItem returns true if it is still a live engine descriptor for its
// page.
func validItem(it *Item, page *mem.Page) bool {
	return it != nil && page != nil && page.Tracked() && it.testFlags(flagEngine)
}

// mergeStep returns the per-mapping operation applied by a merge walk:
// write-protect the mapping, then either elect page as a stable head (kpage
// nil) or verify content equality and migrate the mapping to kpage.
//
// The scanner's single pin on page is accounted to the in-flight I/O check.
func (e *Engine) mergeStep(page, kpage *mem.Page) func(vma *mem.VMA, addr uint64) fault {
	return func(vma *mem.VMA, addr uint64) fault {
		orig, err := vma.WriteProtect(addr, page, 1)
		switch {
		case err == nil:
		case errors.Is(err, mem.ErrPageBusy):
			return faultTry
		default:
			return faultDrop
		}

		if kpage == nil {
			// Stable election: the page keeps its mappings, now
			// read-only, and awaits tree insertion.
			page.SetShared(true)
			return faultSuccess
		}

		// Key match is not content match in hash-keyed mode, and an
		// unstable page may have drifted since its key was computed.
		// Nothing merges without byte equality under write protection.
		if !pagesIdentical(page.Data(), kpage.Data()) {
			return faultDrop
		}

		if err := vma.Replace(addr, page, kpage, orig, false); err != nil {
			return faultDrop
		}
		e.addSharing(kpage, 1)
		return faultSuccess
	}
}

// addSharing credits n new sharers to the shared page's stable head.
func (e *Engine) addSharing(kpage *mem.Page, n int64) {
	if b := kpage.DedupBinding(); b != nil {
		b.Owner.(*Item).shares.Add(n)
	}
	e.pagesSharing.Add(n)
}

// rmapWalkMerge applies step to every eligible mapping of page, walking the
// page's reverse-mapping root under its lock. The walk stops at the first
// non-success, at a VMA that cannot be deduplicated, or at a VMA the page
// has left.
func (e *Engine) rmapWalkMerge(page *mem.Page, step func(vma *mem.VMA, addr uint64) fault) fault {
	if !page.Anon() {
		return faultDrop
	}
	root := page.Root()
	if root == nil {
		return faultDrop
	}
	root.Lock()
	defer root.Unlock()

	f := faultDrop
	for _, vma := range root.VMAs() {
		if !vma.Flags.CanDeduplicate() {
			break
		}
		addr, ok := vma.AddressOf(page)
		if !ok {
			break
		}
		if f = step(vma, addr); f != faultSuccess {
			break
		}
	}
	return f
}

// tryToMergeOnePage write-protects page and, if kpage is non-nil, migrates
// page's mappings onto kpage. With a nil kpage the page is elected as a
// stable head in place.
//
// The page lock is taken with trylock: a locked page is deferred rather
// than waited on, so the scanner keeps merging other pages meanwhile.
func (e *Engine) tryToMergeOnePage(page, kpage *mem.Page) fault {
	if page == kpage {
		// Shared page forked back to us.
		return faultSuccess
	}
	if !page.Anon() {
		return faultDrop
	}
	if !page.TryLock() {
		return faultTry
	}
	defer page.Unlock()
	return e.rmapWalkMerge(page, e.mergeStep(page, kpage))
}

// tryToMergeTwoPages merges two unstable pages: page is elected as the
// stable head, then treePage's mappings migrate onto it. Content equality
// is re-verified under write protection by the second walk; promotion into
// the stable tree is the caller's step.
func (e *Engine) tryToMergeTwoPages(page, treePage *mem.Page) fault {
	f := e.tryToMergeOnePage(page, nil)
	if f == faultSuccess {
		f = e.tryToMergeOnePage(treePage, page)
	}
	return f
}

// cmpAndMerge resolves one descriptor against the trees: zero fast path,
// then stable lookup, then unstable lookup or insert.
func (e *Engine) cmpAndMerge(it *Item, page *mem.Page, initChecksum bool) fault {
	if !validItem(it, page) {
		return faultDrop
	}
	if page.Shared() || it.testFlags(flagStable) {
		return faultDrop
	}

	e.removeFromTree(it, false)

	if initChecksum {
		it.checksum = e.hash.checksum(page.Data())
	}

	if e.cmpAndMergeZero(it, page) == faultSuccess {
		return faultSuccess
	}

	if kitem, kpage := e.stableSearch(it, page); kpage != nil {
		f := e.tryToMergeOnePage(page, kpage)
		if f == faultSuccess {
			kpage.Lock()
			e.stableAppend(kitem, page)
			kpage.Unlock()
		}
		e.releasePage(kpage)
		return f
	}

	treeItem, treePage := e.unstableSearchInsert(it, page)
	if treeItem == nil {
		return faultSuccess
	}

	f := e.tryToMergeTwoPages(page, treePage)
	if f == faultSuccess {
		// The partner leaves the unstable tree; its descriptor is
		// reaped when its now-unmapped page is freed.
		e.removeFromTree(treeItem, false)

		page.Lock()
		f = e.stableInsert(it, page)
		if f == faultSuccess {
			e.stableAppend(it, page)
			treePage.Lock()
			e.stableAppend(it, treePage)
			treePage.Unlock()
		} else {
			// Promotion conflict: an identical page was promoted
			// while ours was being write-protected. Permanent for
			// this descriptor.
			page.SetShared(false)
			f = faultDrop
		}
		page.Unlock()
	}
	e.releasePage(treePage)
	return f
}
