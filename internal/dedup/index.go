// Package dedup holds the in-memory duplicate index: an exact-hash map for
// bit-identical re-fetches and an insertion-ordered list of perceptual
// signatures searched by bounded Hamming distance.
package dedup

import (
	"math/bits"
	"sync"

	"github.com/user/ingest-service/internal/domain"
)

type entry struct {
	sig uint64
	id  int64
}

// Index answers "is this fingerprint already known?". Both tiers are guarded
// by one mutex; the pipeline additionally serializes check-then-register
// through its committer, so a lookup can never interleave with a registration
// for a racing candidate.
type Index struct {
	mu        sync.Mutex
	threshold int
	exact     map[string]int64
	entries   []entry
}

// NewIndex creates an empty index. threshold is the near-duplicate Hamming
// cutoff T: signatures at distance <= T count as duplicates.
func NewIndex(threshold int) *Index {
	return &Index{
		threshold: threshold,
		exact:     make(map[string]int64),
	}
}

// IsDuplicate returns the record ID of a stored image matching fp, if any.
// The exact tier is checked first; otherwise the closest signature within the
// threshold wins, ties broken by earliest insertion.
func (ix *Index) IsDuplicate(fp domain.Fingerprint) (int64, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if id, ok := ix.exact[fp.HexHash()]; ok {
		return id, true
	}

	bestID := int64(0)
	bestDist := ix.threshold + 1
	for _, e := range ix.entries {
		d := bits.OnesCount64(e.sig ^ fp.Signature)
		if d < bestDist {
			bestDist = d
			bestID = e.id
		}
	}
	if bestDist <= ix.threshold {
		return bestID, true
	}
	return 0, false
}

// Register inserts fp into both tiers. Called exactly once per persisted
// record, after the persist succeeds.
func (ix *Index) Register(fp domain.Fingerprint, id int64) {
	ix.Load(fp.HexHash(), fp.Signature, id)
}

// Load inserts a persisted fingerprint during index warm-up.
func (ix *Index) Load(hash string, sig uint64, id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.exact[hash] = id
	ix.entries = append(ix.entries, entry{sig: sig, id: id})
}

// Len reports the number of registered fingerprints.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// Threshold reports the configured near-duplicate cutoff.
func (ix *Index) Threshold() int {
	return ix.threshold
}
