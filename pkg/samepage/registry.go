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
	"samepage.dev/samepage/pkg/mem"
)

// WalkControl steers a registry walk.
type WalkControl int

const (
	// WalkContinue proceeds to the next mapping.
	WalkContinue WalkControl = iota

	// WalkStop ends the walk.
	WalkStop
)

// Visitor is called for each live mapping of a shared page.
type Visitor func(page *mem.Page, vma *mem.VMA, addr uint64) WalkControl

// stableItemOf resolves a shared page to its stable head descriptor.
func stableItemOf(page *mem.Page) *Item {
	if !page.Shared() || !page.Tracked() {
		return nil
	}
	b := page.DedupBinding()
	if b == nil {
		return nil
	}
	it, ok := b.Owner.(*Item)
	if !ok || !it.testFlags(flagStable) {
		return nil
	}
	return it
}

// walkShared fans a query on a shared page out to every real mapping: each
// anchor pins a reverse-mapping root, each root chains the VMAs that may
// map the page. Returns the number of mappings visited. The caller must
// hold the page lock.
func (e *Engine) walkShared(page *mem.Page, visitor Visitor) int {
	it := stableItemOf(page)
	if it == nil {
		return 0
	}
	visited := 0
	for a := it.anchors; a != nil; a = a.next {
		a.root.Lock()
		for _, vma := range a.root.VMAs() {
			for _, addr := range vma.AddressesOf(page) {
				visited++
				if visitor(page, vma, addr) == WalkStop {
					a.root.Unlock()
					return visited
				}
			}
		}
		a.root.Unlock()
	}
	return visited
}

// OnReferenceWalk drives a reference query over every mapping of a shared
// page, returning the number of mappings visited.
func (e *Engine) OnReferenceWalk(page *mem.Page, visitor Visitor) int {
	return e.walkShared(page, visitor)
}

// OnUnmapWalk drives an unmap over a shared page's mappings. The visitor
// performs the host's actual PTE teardown; the walk stops early once the
// page has no mappings left. Returns true if the page was fully unmapped.
func (e *Engine) OnUnmapWalk(page *mem.Page, visitor Visitor) bool {
	e.walkShared(page, func(p *mem.Page, vma *mem.VMA, addr uint64) WalkControl {
		if page.Mapcount() == 0 {
			return WalkStop
		}
		return visitor(p, vma, addr)
	})
	return page.Mapcount() == 0
}

// OnMigrate transfers the engine's tracking state from an old frame to its
// migration target. Both pages must be locked by the migration path.
func (e *Engine) OnMigrate(oldPage, newPage *mem.Page) {
	it := stableItemOf(oldPage)
	if it == nil {
		return
	}
	newPage.BindDedup(&mem.DedupBinding{Owner: it, Page: newPage})
	newPage.SetShared(true)
	newPage.SetTracked()
	it.page.Store(newPage)
	oldPage.UnbindDedup()
	oldPage.ClearTracked()
	oldPage.SetShared(false)
}

// OnUnmapShared accounts for the host unmapping one PTE of a shared page
// outside the engine's own merge paths. Sharing beyond the engine's own
// count is ignored.
func (e *Engine) OnUnmapShared(page *mem.Page) {
	if !page.Shared() || !page.Tracked() {
		return
	}
	b := page.DedupBinding()
	if b == nil {
		return
	}
	it, ok := b.Owner.(*Item)
	if !ok {
		return
	}
	shares := it.shares.Load()
	if page.Mapcount() > shares {
		return
	}
	if shares > 0 {
		it.shares.Add(-1)
		e.pagesSharing.Add(-1)
	}
}
