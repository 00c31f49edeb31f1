// Package bloom provides the row-presence filter that lets a table skip
// point reads for rows it has never written.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter over row keys. It never yields false negatives:
// once a key is added, MayContain reports true for it.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
	capacity  uint64
}

// New creates a filter with the given number of bits and hash functions.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	// Round up to a whole number of words
	numWords := (numBits + 63) / 64

	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates creates a filter sized for expectedItems keys at the target
// false positive rate.
func NewWithEstimates(expectedItems int, targetFPR float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	numBits, numHashes := OptimalParameters(expectedItems, targetFPR)
	f := New(numBits, numHashes)
	f.capacity = uint64(expectedItems)
	return f
}

// OptimalParameters calculates the number of bits and hash functions for
// n expected items at false positive rate p:
//   - m = -n * ln(p) / (ln(2)^2)
//   - k = (m/n) * ln(2)
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil((m / n) * math.Ln2))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add records key.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MayContain reports whether key might have been added. False means the key
// was definitely never added.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls, including repeats.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Saturated reports whether more keys were added than the filter was sized
// for. Filters built with New have no capacity and are never saturated.
func (f *Filter) Saturated() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.capacity > 0 && f.count > f.capacity
}

// Capacity returns the expected item count the filter was sized for.
func (f *Filter) Capacity() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int(f.capacity)
}

// FalsePositiveRate estimates the current false positive rate as
// (1 - e^(-k*n/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
