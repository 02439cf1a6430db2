package gc

import (
	"encoding/binary"
	"encoding/json"

	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
	"github.com/dedupv1/dedupengine/internal/dedupengine/hashindex"
)

// candidateRecord is "a small record holding a list of candidate items"
// per container, keyed by container_id: the zero-usage fingerprints found
// in that container plus when it was last checked. JSON is used for this
// record's encoding rather than a bespoke binary layout since it is small,
// infrequently read, and never on the hot write path — unlike the chunk
// and block mappings, which stay binary for size and decode-speed.
type candidateRecord struct {
	Fingerprints  [][]byte `json:"fingerprints"`
	LastCheckedAt int64    `json:"last_checked_at"`
}

// CandidateIndex tracks, per container ID, which of its fingerprints have
// dropped to zero usage count and are therefore worth considering for the
// merging GC (container.MergeCandidate). It reuses hashindex.Index, the
// same disk hash index primitive that backs the chunk and block indices,
// rather than a bespoke structure.
type CandidateIndex struct {
	idx *hashindex.Index
}

// OpenCandidateIndex opens or creates the GC candidate index under dir.
func OpenCandidateIndex(dir string, cfg config.HashIndex) (*CandidateIndex, error) {
	idx, err := hashindex.Open(dir, "gc-candidates", cfg)
	if err != nil {
		return nil, err
	}
	return &CandidateIndex{idx: idx}, nil
}

func containerIDKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// MarkCandidate records that fingerprint (now at zero usage count) lives
// in containerID.
func (ci *CandidateIndex) MarkCandidate(containerID uint64, fingerprint []byte) error {
	key := containerIDKey(containerID)
	v, ok, err := ci.idx.Lookup(key)
	if err != nil {
		return err
	}
	var rec candidateRecord
	if ok {
		if err := json.Unmarshal(v, &rec); err != nil {
			return errkind.New(errkind.Integrity, err)
		}
	}
	for _, fp := range rec.Fingerprints {
		if string(fp) == string(fingerprint) {
			return nil // already recorded
		}
	}
	rec.Fingerprints = append(rec.Fingerprints, fingerprint)
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ci.idx.Put(key, buf)
}

// Candidates returns the zero-usage fingerprints recorded for containerID.
func (ci *CandidateIndex) Candidates(containerID uint64) ([][]byte, error) {
	v, ok, err := ci.idx.Lookup(containerIDKey(containerID))
	if err != nil || !ok {
		return nil, err
	}
	var rec candidateRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, errkind.New(errkind.Integrity, err)
	}
	return rec.Fingerprints, nil
}

// Clear removes containerID's candidate record, used once the merging GC
// has processed (merged away or confirmed still-live) that container.
func (ci *CandidateIndex) Clear(containerID uint64) error {
	return ci.idx.Delete(containerIDKey(containerID))
}

// Close flushes and closes the backing hash index.
func (ci *CandidateIndex) Close() error { return ci.idx.Close() }
