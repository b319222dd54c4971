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
	"bytes"

	"samepage.dev/samepage/pkg/mem"
	"samepage.dev/samepage/pkg/rbtree"
)

// staleNode returns true if a tree node's item must not be compared
// against: a death notification has flagged it, or its page back-pointer is
// already gone. Walks unlink such nodes and restart from the root; this
// tolerance is what keeps deletion lock-light.
func staleNode(t *Item) bool {
	return t.testFlags(flagDead) || t.page.Load() == nil
}

// getStablePage pins the page of a stable-tree item, verifying the
// page-to-item binding before and after the pin. Returns nil if the item is
// being destroyed concurrently.
func (e *Engine) getStablePage(it *Item) *mem.Page {
	if !it.testFlags(flagEngine) || !it.testFlags(flagStable) {
		return nil
	}
	page := it.page.Load()
	if page == nil || !page.Shared() || !page.Tracked() {
		return nil
	}
	b := page.DedupBinding()
	if b == nil || b.Owner != it {
		return nil
	}
	if !page.TryPin() {
		return nil
	}
	if it.page.Load() != page || page.DedupBinding() != b {
		e.releasePage(page)
		return nil
	}
	return page
}

// getUnstablePage pins the page of an unstable-tree item. Returns nil if
// the item is being destroyed or its page is no longer anonymous.
func (e *Engine) getUnstablePage(it *Item) *mem.Page {
	if !it.testFlags(flagEngine) || !it.testFlags(flagUnstable) {
		return nil
	}
	page := it.page.Load()
	if page == nil {
		return nil
	}
	if !page.TryPin() {
		return nil
	}
	if it.page.Load() != page || !page.Tracked() || !page.Anon() {
		e.releasePage(page)
		return nil
	}
	return page
}

// compareKeys orders it's page against a tree item's page per the key mode.
func (e *Engine) compareKeys(it *Item, page *mem.Page, treeItem *Item, treePage *mem.Page) int {
	if e.mode == HashKeyed {
		return hashCompare(it.checksum, treeItem.checksum)
	}
	return bytes.Compare(page.Data(), treePage.Data())
}

// stableSearch looks page up in the stable tree. On a key match it returns
// the matching item and its page, pinned. Content equality is NOT implied
// in hash-keyed mode; the merge protocol verifies it under the page lock.
func (e *Engine) stableSearch(it *Item, page *mem.Page) (*Item, *mem.Page) {
	if page.Shared() {
		return nil, nil
	}

retry:
	link := e.stable.RootLink()
	for *link != nil {
		n := *link
		treeItem := n.Value

		if staleNode(treeItem) {
			e.removeFromTree(treeItem, false)
			goto retry
		}

		treePage := e.getStablePage(treeItem)
		if treePage == nil {
			return nil, nil
		}

		switch cmp := e.compareKeys(it, page, treeItem, treePage); {
		case cmp < 0:
			e.releasePage(treePage)
			link = n.LeftLink()
		case cmp > 0:
			e.releasePage(treePage)
			link = n.RightLink()
		default:
			return treeItem, treePage
		}
	}
	return nil, nil
}

// stableInsert links it into the stable tree as the head of a new entry.
// kpage is it's page, already write-protected and locked by the caller.
//
// Finding an equal key here is not a bug: the page was not yet
// write-protected during the stable search, so an identical page may have
// been promoted since. faultTry is returned, and the caller treats it as a
// promotion conflict and drops the descriptor.
func (e *Engine) stableInsert(it *Item, kpage *mem.Page) fault {
retry:
	link := e.stable.RootLink()
	var parent *rbtree.Node[*Item]
	for *link != nil {
		n := *link
		treeItem := n.Value

		if staleNode(treeItem) {
			e.removeFromTree(treeItem, false)
			goto retry
		}

		treePage := e.getStablePage(treeItem)
		if treePage == nil {
			return faultDrop
		}
		cmp := e.compareKeys(it, kpage, treeItem, treePage)
		e.releasePage(treePage)

		parent = n
		switch {
		case cmp < 0:
			link = n.LeftLink()
		case cmp > 0:
			link = n.RightLink()
		default:
			return faultTry
		}
	}

	if it.testFlags(flagUnstable | flagStable) {
		return faultDrop
	}
	e.stable.InsertAt(&it.node, parent, link)
	it.setFlags(flagStable)
	kpage.SetShared(true)
	return faultSuccess
}

// unstableSearchInsert looks page up in the unstable tree; if absent, it
// inserts it as a new candidate and queues it for checksum refresh. On a
// key match it returns the matching item and its page, pinned.
func (e *Engine) unstableSearchInsert(it *Item, page *mem.Page) (*Item, *mem.Page) {
retry:
	link := e.unstable.RootLink()
	var parent *rbtree.Node[*Item]
	for *link != nil {
		n := *link
		treeItem := n.Value

		if staleNode(treeItem) {
			e.removeFromTree(treeItem, false)
			goto retry
		}

		treePage := e.getUnstablePage(treeItem)
		if treePage == nil {
			return nil, nil
		}

		// Never substitute a shared page for a forked copy of itself.
		if treePage == page {
			e.releasePage(treePage)
			return nil, nil
		}

		cmp := e.compareKeys(it, page, treeItem, treePage)
		parent = n
		switch {
		case cmp < 0:
			e.releasePage(treePage)
			link = n.LeftLink()
		case cmp > 0:
			e.releasePage(treePage)
			link = n.RightLink()
		default:
			return treeItem, treePage
		}
	}

	if !it.testFlags(flagUnstable | flagStable) {
		it.setFlags(flagUnstable)
		e.unstable.InsertAt(&it.node, parent, link)
		e.pagesUnshared.Add(1)
		e.refreshQ.pushBack(it)
		it.setFlags(flagRefresh)
	}
	return nil, nil
}

// removeFromTree detaches it from whichever tree it occupies, and from the
// refresh queue if it was an unstable node. With releaseAnchors set it also
// drops the item's mapping anchors, unpinning each anchored root.
func (e *Engine) removeFromTree(it *Item, releaseAnchors bool) {
	if it.testFlags(flagStable) {
		if it.node.Linked() {
			it.clearFlags(flagStable)
			e.stable.Remove(&it.node)
			e.pagesShared.Add(-1)
		}
	} else if it.testFlags(flagUnstable) {
		if it.node.Linked() {
			it.clearFlags(flagUnstable)
			e.unstable.Remove(&it.node)
			e.pagesUnshared.Add(-1)
		}
		if it.testClearFlags(flagRefresh) {
			e.refreshQ.remove(it)
		}
	}

	if releaseAnchors {
		for a := it.anchors; a != nil; a = a.next {
			a.root.Put()
			e.stableNodes.Add(-1)
		}
		it.anchors = nil
	}
}

// stableAppend hangs a new mapping anchor for page off the stable head.
// The first anchor makes the head a counted shared entry.
func (e *Engine) stableAppend(head *Item, page *mem.Page) {
	root := page.Root()
	if page.Shared() {
		if b := page.DedupBinding(); b != nil {
			root = b.Owner.(*Item).root
		}
	}
	if root == nil {
		return
	}
	root.Get()
	a := &anchor{root: root, next: head.anchors}
	head.anchors = a
	e.stableNodes.Add(1)
	if a.next == nil {
		e.pagesShared.Add(1)
	}
}
