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

// zeroCandidate returns true if the page may be all zero: checksum match in
// hash-keyed mode, byte scan otherwise. A candidate still gets a full byte
// verification under write protection before any mapping is replaced.
func (e *Engine) zeroCandidate(it *Item, page *mem.Page) bool {
	if e.mode == HashKeyed {
		return it.checksum == e.hash.zeroChecksum
	}
	return isFullZero(page.Data())
}

// zeroStep write-protects one mapping and, if the page verifies all zero,
// replaces the mapping with the canonical zero page.
func (e *Engine) zeroStep(page *mem.Page) func(vma *mem.VMA, addr uint64) fault {
	return func(vma *mem.VMA, addr uint64) fault {
		orig, err := vma.WriteProtect(addr, page, 1)
		switch {
		case err == nil:
		case errors.Is(err, mem.ErrPageBusy):
			return faultTry
		default:
			return faultDrop
		}
		if !isFullZero(page.Data()) {
			return faultDrop
		}
		if err := vma.Replace(addr, page, e.zeroPage, orig, true); err != nil {
			return faultDrop
		}
		e.pagesZeroSharing.Add(1)
		return faultSuccess
	}
}

// tryToMergeZeroPage replaces every mapping of page with the canonical zero
// page.
func (e *Engine) tryToMergeZeroPage(page *mem.Page) fault {
	if !page.Anon() {
		return faultDrop
	}
	if !page.TryLock() {
		return faultTry
	}
	defer page.Unlock()
	return e.rmapWalkMerge(page, e.zeroStep(page))
}

// cmpAndMergeZero is the zero fast path of the merge protocol. Success
// means every mapping of page now points at the zero page; any other
// outcome falls through to the tree protocol.
func (e *Engine) cmpAndMergeZero(it *Item, page *mem.Page) fault {
	if !e.zeroCandidate(it, page) {
		return faultDrop
	}
	return e.tryToMergeZeroPage(page)
}
