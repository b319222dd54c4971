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
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"

	"samepage.dev/samepage/pkg/hostarch"
)

// randomSeeds draws permutation seeds from the host entropy source.
func randomSeeds() (uint64, uint64) {
	var b [16]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		// Entropy exhaustion leaves a deterministic permutation, which
		// only weakens adversarial resistance, not correctness.
		return 1, 2
	}
	return binary.NativeEndian.Uint64(b[:8]), binary.NativeEndian.Uint64(b[8:])
}

const (
	hashSeed = 0xdeadbeef

	// fullStrength is the number of sampled words needed to cover a whole
	// page.
	fullStrength = hostarch.PageWords

	// defaultStrength samples a sixteenth of the page. Sublinear in page
	// size while distinguishing real-world pages; the random permutation
	// keeps an adversarial common prefix from defeating the sample.
	defaultStrength = fullStrength >> 4

	hashShiftL = 8
	hashShiftR = 12
)

// hashTable holds the process-wide random sampling permutation, built once
// at engine creation.
type hashTable struct {
	// perm is a permutation of all word offsets within a page.
	perm [fullStrength]uint32

	// strength is the length of the permutation prefix folded per digest.
	strength int

	// zeroChecksum is the digest of an all-zero page under the same
	// permutation.
	zeroChecksum uint32
}

func newHashTable(seed1, seed2 uint64) *hashTable {
	h := &hashTable{strength: defaultStrength}
	for i := range h.perm {
		h.perm[i] = uint32(i)
	}
	rng := rand.New(rand.NewPCG(seed1, seed2))
	for i := range h.perm {
		j := i + int(rng.Uint64N(uint64(fullStrength-i)))
		h.perm[i], h.perm[j] = h.perm[j], h.perm[i]
	}
	h.zeroChecksum = h.zeroSum()
	return h
}

// checksum digests a page's contents.
func (h *hashTable) checksum(data []byte) uint32 {
	sum := uint32(hashSeed)
	for i := 0; i < h.strength; i++ {
		pos := h.perm[i]
		sum += binary.NativeEndian.Uint32(data[pos*4:])
		sum += sum << hashShiftL
		sum ^= sum >> hashShiftR
	}
	return sum
}

// zeroSum digests an all-zero page without reading one.
func (h *hashTable) zeroSum() uint32 {
	sum := uint32(hashSeed)
	for i := 0; i < h.strength; i++ {
		sum += sum << hashShiftL
		sum ^= sum >> hashShiftR
	}
	return sum
}

// pagesIdentical compares two pages byte-wise.
func pagesIdentical(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i += 8 {
		if binary.NativeEndian.Uint64(a[i:]) != binary.NativeEndian.Uint64(b[i:]) {
			return false
		}
	}
	return true
}

// isFullZero returns true if the page is byte-wise all zero.
func isFullZero(data []byte) bool {
	for i := 0; i < len(data); i += 8 {
		if binary.NativeEndian.Uint64(data[i:]) != 0 {
			return false
		}
	}
	return true
}

// hashCompare orders two digests for tree descent.
func hashCompare(a, b uint32) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
