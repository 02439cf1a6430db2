// Package collab defines the interfaces this engine expects from its
// external collaborators: the SCSI/iSCSI command handler, the chunking
// algorithm, the fingerprinting algorithm, and the filter chain. None of
// these are implemented here — spec.md's Non-goals explicitly name them
// as out of scope — but the engine's inline write path is defined in
// terms of them, so their contracts live in one place.
package collab

import "context"

// Chunker splits a byte stream into content-defined chunks. A production
// collaborator would implement content-defined chunking (e.g. Rabin
// fingerprinting over a rolling window); this package only names the
// contract the engine depends on.
type Chunker interface {
	// Chunk splits data into zero or more chunk boundaries, returning
	// each chunk's byte range.
	Chunk(data []byte) ([]ChunkRange, error)
}

// ChunkRange is one content-defined chunk's offset and length within the
// buffer passed to Chunker.Chunk.
type ChunkRange struct {
	Offset int
	Length int
}

// Fingerprinter computes the content-addressing key for a chunk's bytes.
// A production collaborator would use a cryptographic hash (e.g. SHA-256)
// strong enough that the probability of an undetected collision is
// considered acceptable for the intended storage guarantees.
type Fingerprinter interface {
	Fingerprint(chunk []byte) ([]byte, error)
}

// FilterChain runs a sequence of pre-storage checks/transforms over a
// candidate chunk before it reaches the chunk index — e.g. a bloom-filter
// existence check, a similarity-based delta filter, or a whitelist/
// blacklist policy filter. Any Filter may short-circuit storage of a
// chunk by reporting skip=true.
type FilterChain interface {
	Apply(ctx context.Context, fingerprint, chunk []byte) (skip bool, err error)
}

// VolumeHandler represents the SCSI/iSCSI command surface that issues
// block-level read/write operations against a volume backed by this
// engine. The engine's block index and container store are written
// against this contract's Read/Write shape; the protocol termination
// itself is entirely out of scope here.
type VolumeHandler interface {
	// ReadBlock returns the bytes currently stored at (volumeID,
	// blockID), or ok=false if the block has never been written
	// (reads as all-zero per SCSI semantics).
	ReadBlock(ctx context.Context, volumeID string, blockID uint64) (data []byte, ok bool, err error)

	// WriteBlock stores data at (volumeID, blockID), deduplicating via
	// the engine's chunk index before any new bytes reach the container
	// store.
	WriteBlock(ctx context.Context, volumeID string, blockID uint64, data []byte) error

	// UnmapBlock discards (volumeID, blockID)'s mapping entirely (SCSI
	// UNMAP/TRIM), dropping its usage-count references without writing
	// a replacement mapping.
	UnmapBlock(ctx context.Context, volumeID string, blockID uint64) error
}
