package oplog

// EventType is the closed set of log event types (spec.md section 3).
type EventType uint16

const (
	// ContainerCommitted is logged when a container's write completes and
	// its metadata-index entry becomes visible to readers.
	ContainerCommitted EventType = iota + 1
	// ContainerMoved is logged when a container's storage address changes
	// without a merge (e.g. rewrite-after-delete).
	ContainerMoved
	// ContainerMerged is logged when two sparse containers are consolidated.
	ContainerMerged
	// ContainerDeleted is logged when an empty container is removed.
	ContainerDeleted
	// BlockMappingWritten is logged when a block mapping is promoted to the
	// persistent block index.
	BlockMappingWritten
	// BlockMappingWriteFailed is logged when a pending block mapping write
	// is abandoned because a referenced container failed to commit.
	BlockMappingWriteFailed
	// BlockMappingDeleted is logged when a block's mapping is removed.
	BlockMappingDeleted
	// VolumeAttached is logged when a volume collaborator attaches.
	VolumeAttached
	// VolumeDetached is logged when a volume collaborator detaches.
	VolumeDetached
	// ReplayStarted marks the beginning of a dirty replay pass.
	ReplayStarted
	// LogEmpty is logged when the replay cursor catches up to the head.
	LogEmpty

	// wrapMarker is an internal, never-replayed sentinel written into the
	// reserved wrap zone at the tail of the ring buffer (see wrapZoneSize in frame.go).
	wrapMarker EventType = 0xFFFF
)

func (t EventType) String() string {
	switch t {
	case ContainerCommitted:
		return "ContainerCommitted"
	case ContainerMoved:
		return "ContainerMoved"
	case ContainerMerged:
		return "ContainerMerged"
	case ContainerDeleted:
		return "ContainerDeleted"
	case BlockMappingWritten:
		return "BlockMappingWritten"
	case BlockMappingWriteFailed:
		return "BlockMappingWriteFailed"
	case BlockMappingDeleted:
		return "BlockMappingDeleted"
	case VolumeAttached:
		return "VolumeAttached"
	case VolumeDetached:
		return "VolumeDetached"
	case ReplayStarted:
		return "ReplayStarted"
	case LogEmpty:
		return "LogEmpty"
	default:
		return "Unknown"
	}
}

// ReplayMode distinguishes the two replay phases described in spec.md
// section 4.2.
type ReplayMode int

const (
	// DirectMode is synchronous delivery to registered consumers at
	// commit time.
	DirectMode ReplayMode = iota
	// DirtyStart is startup replay after an unclean shutdown.
	DirtyStart
	// ReplayBG is continuous background replay during normal operation.
	ReplayBG
)

// Event is one delivered log record.
type Event struct {
	LogID    uint64
	Type     EventType
	Payload  []byte
	PreImage []byte
	Mode     ReplayMode
}

// Consumer receives events either synchronously (direct, under the log's
// commit lock) or from the replay goroutines. Implementations must be
// idempotent: background and dirty replay may redeliver the same LogID.
type Consumer interface {
	// Name identifies the consumer for logging and failure attribution.
	Name() string
	// Apply processes one event. Returning an error from a direct-mode
	// delivery fails the commit call; returning an error from replay mode
	// increments the replayer's failure counter and is retried later.
	Apply(ev Event) error
}
