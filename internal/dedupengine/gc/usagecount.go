// Package gc implements layer L3's usage-count garbage collector: it
// diffs block-mapping pairs to compute per-fingerprint reference-count
// deltas, applies them to the chunk index, and maintains a candidate
// index of containers worth considering for the merging GC once a
// fingerprint's usage count reaches zero (spec.md section 4.8).
package gc

import (
	"sync"

	"github.com/dedupv1/dedupengine/internal/dedupengine/blockindex"
	"github.com/dedupv1/dedupengine/internal/dedupengine/chunkindex"
)

// Delta is a computed usage-count change for one fingerprint: the number
// of times a block's new mapping references it minus the number of times
// the block's old mapping did.
type Delta struct {
	Fingerprint []byte
	Change      int32
}

// Diff computes the usage-count deltas implied by moving a block from
// pair.Old to pair.New: each fingerprint's change is its occurrence count
// in New minus its occurrence count in Old, so a fingerprint repeated
// within one mapping counts once per occurrence. Fingerprints whose counts
// match get no delta (spec.md's "move", not "delete+add", semantics for
// an overwritten block).
func Diff(pair blockindex.Pair) []Delta {
	counts := fingerprintCounts(pair.New)
	for fp, n := range fingerprintCounts(pair.Old) {
		counts[fp] -= n
	}

	var deltas []Delta
	for fp, n := range counts {
		if n != 0 {
			deltas = append(deltas, Delta{Fingerprint: []byte(fp), Change: n})
		}
	}
	return deltas
}

func fingerprintCounts(m *blockindex.Mapping) map[string]int32 {
	counts := make(map[string]int32)
	if m == nil {
		return counts
	}
	for _, it := range m.Items {
		counts[string(it.Fingerprint)]++
	}
	return counts
}

// Collector applies usage-count deltas to the chunk index and tracks
// which containers currently hold a zero-usage (collectible) fingerprint.
type Collector struct {
	chunks *chunkindex.Index
	cand   *CandidateIndex

	mu       sync.Mutex
	cond     *sync.Cond
	inCombat map[string]bool // fingerprints currently being processed, to suppress races between concurrent Apply calls
	replayed map[uint64]bool // log_ids already applied, for at-least-once idempotence
}

// NewCollector builds a Collector over the given chunk index and
// candidate index.
func NewCollector(chunks *chunkindex.Index, cand *CandidateIndex) *Collector {
	c := &Collector{
		chunks:   chunks,
		cand:     cand,
		inCombat: make(map[string]bool),
		replayed: make(map[uint64]bool),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Apply applies the deltas from one block-mapping diff, identified by
// logID for at-least-once idempotence under operation-log redelivery: a
// logID already applied is skipped entirely, making repeated delivery
// (from both direct commit and background replay) safe.
func (c *Collector) Apply(logID uint64, deltas []Delta) error {
	c.mu.Lock()
	if c.replayed[logID] {
		c.mu.Unlock()
		return nil
	}
	c.replayed[logID] = true
	c.mu.Unlock()

	for _, d := range deltas {
		if err := c.applyOne(d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) applyOne(d Delta) error {
	key := string(d.Fingerprint)
	c.mu.Lock()
	for c.inCombat[key] {
		c.cond.Wait()
	}
	c.inCombat[key] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inCombat, key)
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	m, ok, err := c.chunks.Lookup(d.Fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return nil // fingerprint already reclaimed; nothing to update
	}

	newCount := int32(m.UsageCount) + d.Change
	if newCount < 0 {
		newCount = 0
	}
	m.UsageCount = uint32(newCount)
	if err := c.chunks.Put(d.Fingerprint, m); err != nil {
		return err
	}

	if newCount == 0 {
		return c.cand.MarkCandidate(m.ContainerID, d.Fingerprint)
	}
	return nil
}
