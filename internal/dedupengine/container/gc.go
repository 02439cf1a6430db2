package container

import "sort"

// LiveChecker reports whether an item (by key) inside some container is
// still referenced by any block mapping; it is supplied by the chunk
// index / usage-count GC layer above this package.
type LiveChecker func(key []byte) (bool, error)

// MergeCandidate describes one container considered for the greedy merge
// pass, along with its measured sparsity (live fraction).
type MergeCandidate struct {
	ContainerID uint64
	Sparsity    float64
}

// ScanCandidates computes the sparsity of every container in the store and
// returns those at or below maxSparsity, most-sparse first — the greedy
// order the merging GC processes them in (spec.md section 4.4).
func (s *Store) ScanCandidates(maxSparsity float64) ([]MergeCandidate, error) {
	ids, err := s.AllContainerIDs()
	if err != nil {
		return nil, err
	}
	var candidates []MergeCandidate
	for _, id := range ids {
		sp, err := s.Sparsity(id)
		if err != nil {
			return nil, err
		}
		if sp <= maxSparsity {
			candidates = append(candidates, MergeCandidate{ContainerID: id, Sparsity: sp})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Sparsity < candidates[j].Sparsity
	})
	return candidates, nil
}

// MergeResult summarizes one greedy merge pass.
type MergeResult struct {
	MergedFrom []uint64
	Into       uint64
	ItemsKept  int
	ItemsDropped int
}

// Merge greedily consolidates the given candidate containers (most-sparse
// first, as returned by ScanCandidates) into as few fresh containers as
// possible: it accumulates still-live items (per isLive) from successive
// candidates into one in-memory container until it would overflow the
// slab size, then writes it out via MergeWrite and starts the next one.
// Every fully-drained source container is deleted. Candidates containing
// no live items are simply deleted without producing a merge target.
func (s *Store) Merge(candidates []MergeCandidate, isLive LiveChecker) ([]MergeResult, error) {
	var results []MergeResult
	var current *Container
	var mergedFrom []uint64

	flush := func() error {
		if current == nil || len(current.Items) == 0 {
			current = nil
			mergedFrom = nil
			return nil
		}
		if err := s.MergeWrite(current); err != nil {
			return err
		}
		results = append(results, MergeResult{
			MergedFrom: mergedFrom,
			Into:       current.ContainerID,
			ItemsKept:  len(current.Items),
		})
		current = nil
		mergedFrom = nil
		return nil
	}

	for _, cand := range candidates {
		c, err := s.readContainer(cand.ContainerID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}

		var live []Item
		dropped := 0
		for _, it := range c.Items {
			ok, err := isLive(it.Key)
			if err != nil {
				return nil, err
			}
			if ok {
				live = append(live, it)
			} else {
				dropped++
			}
		}

		if len(live) == 0 {
			if err := s.Delete(cand.ContainerID); err != nil {
				return nil, err
			}
			if len(results) > 0 {
				results[len(results)-1].ItemsDropped += dropped
			}
			continue
		}

		if current == nil {
			freshID, err := s.allocateLogicalID()
			if err != nil {
				return nil, err
			}
			current = &Container{ContainerID: freshID}
		}

		for _, it := range live {
			trial := &Container{ContainerID: current.ContainerID, Items: append(append([]Item(nil), current.Items...), it)}
			_, _, overflow := Encode(trial, s.slabSize)
			if len(overflow) > 0 {
				if err := flush(); err != nil {
					return nil, err
				}
				freshID, err := s.allocateLogicalID()
				if err != nil {
					return nil, err
				}
				current = &Container{ContainerID: freshID}
			}
			current.Items = append(current.Items, it)
		}
		mergedFrom = append(mergedFrom, cand.ContainerID)

		if err := s.Delete(cand.ContainerID); err != nil {
			return nil, err
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) allocateLogicalID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextLogicalID
	s.nextLogicalID++
	return id, nil
}
