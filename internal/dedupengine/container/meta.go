package container

import (
	"encoding/binary"

	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
	"github.com/dedupv1/dedupengine/internal/dedupengine/hashindex"
)

// metaIndex maps a stable logical container ID to the physical slot that
// currently backs it. Merges rewrite many containers into fewer, new
// physical slots without changing any logical ID a caller has stored in
// the block mapping or chunk mapping — only this indirection is updated
// (spec.md section 4.4 "metadata indirection").
type metaIndex struct {
	idx *hashindex.Index
}

func openMetaIndex(dir string, cfg config.HashIndex) (*metaIndex, error) {
	idx, err := hashindex.Open(dir, "container-meta", cfg)
	if err != nil {
		return nil, err
	}
	return &metaIndex{idx: idx}, nil
}

func containerIDKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func (m *metaIndex) Lookup(containerID uint64) (slot int, ok bool, err error) {
	v, ok, err := m.idx.Lookup(containerIDKey(containerID))
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(v) != 4 {
		return 0, false, errkind.Newf(errkind.Integrity, "container-meta value for %d has wrong size", containerID)
	}
	return int(binary.BigEndian.Uint32(v)), true, nil
}

func (m *metaIndex) Set(containerID uint64, slot int) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(slot))
	return m.idx.Put(containerIDKey(containerID), v)
}

func (m *metaIndex) Delete(containerID uint64) error {
	return m.idx.Delete(containerIDKey(containerID))
}

func (m *metaIndex) Iterate(fn func(containerID uint64, slot int) error) error {
	return m.idx.Iterate(func(k, v []byte) error {
		if len(k) != 8 || len(v) != 4 {
			return errkind.Newf(errkind.Integrity, "malformed container-meta entry")
		}
		return fn(binary.BigEndian.Uint64(k), int(binary.BigEndian.Uint32(v)))
	})
}

func (m *metaIndex) Close() error {
	return m.idx.Close()
}
