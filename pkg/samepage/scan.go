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
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"samepage.dev/samepage/pkg/log"
	"samepage.dev/samepage/pkg/mem"
)

// Start launches the scanner worker.
func (e *Engine) Start() {
	log.Infof("samepage: scanner starting, batch=%d sleep=%dms", e.pagesToScan.Load(), e.sleepMillis.Load())
	go e.scanLoop()
}

// Stop terminates the scanner and waits for it to park.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.stopped
	log.Infof("samepage: scanner stopped")
}

func (e *Engine) scanLoop() {
	defer close(e.stopped)
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		e.mu.Lock()
		switch e.run.Load() {
		case RunMerge:
			e.scanBatch()
		case RunUnmerge:
			e.unmergeAll()
			e.run.Store(RunStop)
		}
		e.mu.Unlock()

		if e.run.Load() == RunMerge {
			e.sleepBetweenBatches()
		} else {
			select {
			case <-e.wake:
			case <-e.stop:
				return
			}
		}
	}
}

// wakeup nudges a parked or sleeping scanner.
func (e *Engine) wakeup() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) batchRate() rate.Limit {
	ms := e.sleepMillis.Load()
	if ms == 0 {
		return rate.Inf
	}
	return rate.Every(time.Duration(ms) * time.Millisecond)
}

// sleepBetweenBatches blocks until the next batch is due. In deferred-timer
// mode the limiter is the sleep source: a batch that overran the interval
// coalesces into an immediate return instead of a fixed extra sleep.
func (e *Engine) sleepBetweenBatches() {
	d := time.Duration(e.sleepMillis.Load()) * time.Millisecond
	if e.deferredTimer.Load() {
		e.pacer.SetLimit(e.batchRate())
		d = e.pacer.Reserve().Delay()
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.wake:
	case <-e.stop:
	}
}

// scanBatch is one scanner iteration: drain the new and rescan queues,
// resolve each drained descriptor, reap the deletion queue, then refresh a
// slice of the unstable population.
func (e *Engine) scanBatch() {
	n := int(e.pagesToScan.Load())
	work := e.drainQueues(n)
	for _, it := range work {
		e.processItem(it)
		runtime.Gosched()
	}
	e.reapDead()
	e.refreshUnstable()
	e.spaces.advance()
	e.fullScans.Add(1)
}

// drainQueues moves up to n descriptors from each of the new and rescan
// queues into a private work list. New descriptors enter the engine here.
func (e *Engine) drainQueues(n int) []*Item {
	e.qmu.Lock()
	defer e.qmu.Unlock()

	var work []*Item
	for len(work) < n {
		it := e.newQ.popFront()
		if it == nil {
			break
		}
		it.clearFlags(flagNew)
		it.setFlags(flagEngine)
		work = append(work, it)
	}
	for drained := 0; drained < n; {
		it := e.rescanQ.popFront()
		if it == nil {
			break
		}
		it.clearFlags(flagRescan)
		if it.testFlags(flagDead) {
			// Freed via the deletion queue.
			continue
		}
		work = append(work, it)
		drained++
	}
	return work
}

// processItem resolves one drained descriptor. The page is pinned and the
// page-to-descriptor binding re-verified under the pin before any merge
// work; failures here mean the page is dying and its death notification
// owns the cleanup.
func (e *Engine) processItem(it *Item) {
	if it.testFlags(flagDead) {
		return
	}
	initChecksum := it.testClearFlags(flagInitChecksum)

	page := it.page.Load()
	if page == nil {
		return
	}
	if !page.TryPin() {
		return
	}
	if it.page.Load() != page || !page.Tracked() {
		e.releasePage(page)
		return
	}

	if page.Locked() || page.HasExtraRefs(1) {
		// Busy: somebody holds the page lock, or direct I/O is in
		// flight. Come back to it.
		e.rescanItem(it)
		e.releasePage(page)
		return
	}

	switch e.cmpAndMerge(it, page, initChecksum) {
	case faultSuccess, faultKeep:
	case faultDrop:
		e.dropItem(it)
	case faultTry:
		e.rescanItem(it)
	}
	e.releasePage(page)
}

// rescanItem defers a descriptor to the rescan queue with a forced
// checksum recomputation.
func (e *Engine) rescanItem(it *Item) {
	e.qmu.Lock()
	it.setFlags(flagInitChecksum | flagRescan)
	e.rescanQ.pushBack(it)
	e.qmu.Unlock()
}

// dropItem permanently rejects a descriptor: the page's tracking state is
// severed and the descriptor leaves every tree, queue and anchor before
// returning to the slab. Only called with the page pinned or gone.
func (e *Engine) dropItem(it *Item) {
	if page := it.page.Load(); page != nil {
		page.ClearTracked()
		page.UnbindDedup()
	}
	log.Debugf("samepage: dropping descriptor for %#x", it.vaddr())
	e.removeFromTree(it, true)
	it.page.Store(nil)
	it.address.Store(0)
	e.cache.release(it)
}

// reapDead frees every descriptor on the deletion queue. Their reverse
// page-links were cleared by the death notifications.
func (e *Engine) reapDead() {
	e.qmu.Lock()
	var dead []*Item
	for {
		it := e.deadQ.popFront()
		if it == nil {
			break
		}
		dead = append(dead, it)
	}
	e.qmu.Unlock()

	for _, it := range dead {
		e.removeFromTree(it, true)
		it.address.Store(0)
		e.cache.release(it)
		runtime.Gosched()
	}
}

// refreshQuota sizes the unstable-refresh share of this batch so that the
// whole unstable population is revisited once per refresh period.
func (e *Engine) refreshQuota() int {
	unstable := e.pagesUnshared.Load()
	if unstable <= 0 {
		return 0
	}
	batch := int64(e.pagesToScan.Load())
	need := unstable
	if unstable >= batch {
		period := int64(e.refreshPeriod.Load())
		if period == 0 {
			period = 1
		}
		need = unstable * int64(e.sleepMillis.Load()) / (period * 1000)
	}
	if need > batch {
		need = batch
	}
	return int(need)
}

// refreshUnstable rehashes a quota of unstable descriptors. A page whose
// content drifted no longer satisfies its tree key: it leaves the unstable
// tree and requeues for a fresh attempt. Visited descriptors rotate to the
// back of the queue so the whole population is covered across batches.
func (e *Engine) refreshUnstable() {
	need := e.refreshQuota()
	it := e.refreshQ.front()
	for scanned := 0; it != nil && scanned < need; scanned++ {
		next := e.refreshQ.next(it)
		e.refreshItem(it)
		it = next
		runtime.Gosched()
	}
}

func (e *Engine) refreshItem(it *Item) {
	if it.testFlags(flagDead) {
		return
	}
	page := it.page.Load()
	if page == nil {
		return
	}
	if !page.TryPin() {
		return
	}
	if it.page.Load() != page || !page.Tracked() {
		e.releasePage(page)
		return
	}

	if it.testFlags(flagRefresh) {
		e.refreshQ.remove(it)
		e.refreshQ.pushBack(it)
	}

	if page.Locked() || page.HasExtraRefs(1) {
		e.releasePage(page)
		return
	}

	if sum := e.hash.checksum(page.Data()); sum != it.checksum {
		it.checksum = sum
		e.removeFromTree(it, false)
		e.qmu.Lock()
		it.setFlags(flagInitChecksum | flagRescan)
		e.rescanQ.pushBack(it)
		e.qmu.Unlock()
	}
	e.releasePage(page)
}

// unmergeAll walks the stable tree breaking the sharing of every entry:
// each mapping of a shared page is replaced by a private writable copy, and
// the descriptor retires. Zero-page sharings are left in place; the host
// re-faults them on write.
func (e *Engine) unmergeAll() {
	var entries, copies int
	for {
		n := e.stable.First()
		if n == nil {
			break
		}
		it := n.Value
		c, page := e.unmergeItem(it)
		copies += c
		// Sever tracking before the pin drops so the frame's release
		// does not double-report a death.
		e.dropItem(it)
		if page != nil {
			e.releasePage(page)
		}
		entries++
		runtime.Gosched()
	}
	log.Infof("samepage: unmerged %d stable entries into %d private copies", entries, copies)
}

// unmergeItem breaks COW on every mapping of it's shared page. Returns the
// number of private copies made and the page, still pinned.
func (e *Engine) unmergeItem(it *Item) (int, *mem.Page) {
	page := e.getStablePage(it)
	if page == nil {
		return 0, nil
	}
	copies := 0
	page.Lock()
	for a := it.anchors; a != nil; a = a.next {
		a.root.Lock()
		for _, vma := range a.root.VMAs() {
			for _, addr := range vma.AddressesOf(page) {
				np, err := e.alloc.Allocate()
				if err != nil {
					log.Warningf("samepage: unmerge copy failed: %v", err)
					break
				}
				copy(np.Data(), page.Data())
				if err := vma.Restore(addr, page, np); err != nil {
					e.alloc.Release(np)
					continue
				}
				e.alloc.Release(np)
				copies++
			}
		}
		a.root.Unlock()
	}
	if shares := it.shares.Swap(0); shares > 0 {
		e.pagesSharing.Add(-shares)
	}
	page.SetShared(false)
	page.Unlock()
	return copies, page
}

// MemoryEvent is a memory-hotplug notification.
type MemoryEvent int

const (
	// MemoryGoingOffline locks out the scanner while a frame range goes
	// away.
	MemoryGoingOffline MemoryEvent = iota

	// MemoryOffline prunes stable entries in the offlined range and
	// releases the scanner.
	MemoryOffline

	// MemoryCancelOffline releases the scanner without pruning.
	MemoryCancelOffline
)

// OnMemoryEvent handles hotplug notifications for frames [startPFN,
// endPFN). GoingOffline acquires the engine mutex; Offline and
// CancelOffline release it.
func (e *Engine) OnMemoryEvent(ev MemoryEvent, startPFN, endPFN uint64) {
	switch ev {
	case MemoryGoingOffline:
		e.mu.Lock()
	case MemoryOffline:
		e.pruneStableRange(startPFN, endPFN)
		e.mu.Unlock()
	case MemoryCancelOffline:
		e.mu.Unlock()
	}
}

// pruneStableRange retires stable descriptors whose frames were offlined.
// Page migration has done most of the work; these are the leftovers whose
// frames no longer exist.
func (e *Engine) pruneStableRange(startPFN, endPFN uint64) {
	var doomed []*Item
	for n := e.stable.First(); n != nil; n = n.Next() {
		it := n.Value
		if page := it.page.Load(); page != nil && page.PFN() >= startPFN && page.PFN() < endPFN {
			doomed = append(doomed, it)
		}
	}
	for _, it := range doomed {
		if page := it.page.Load(); page != nil {
			page.UnbindDedup()
			page.ClearTracked()
		}
		if shares := it.shares.Swap(0); shares > 0 {
			e.pagesSharing.Add(-shares)
		}
		e.removeFromTree(it, true)
		it.page.Store(nil)
		it.address.Store(0)
		e.cache.release(it)
	}
	if len(doomed) > 0 {
		log.Infof("samepage: pruned %d stable entries in offlined range [%#x, %#x)", len(doomed), startPFN, endPFN)
	}
}
