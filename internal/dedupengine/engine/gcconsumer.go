package engine

import (
	"github.com/dedupv1/dedupengine/internal/dedupengine/gc"
	"github.com/dedupv1/dedupengine/internal/dedupengine/oplog"
)

// gcConsumer adapts a gc.Collector to oplog.Consumer, so usage-count
// deltas committed to the operation log are applied both at commit time
// (direct delivery) and, after an unclean shutdown or during background
// replay, redelivered through the exact same idempotent Apply path.
type gcConsumer struct {
	collector *gc.Collector
}

func (c *gcConsumer) Name() string { return "usage-count-gc" }

func (c *gcConsumer) Apply(ev oplog.Event) error {
	if ev.Type != oplog.BlockMappingWritten {
		return nil
	}
	deltas, err := gc.DecodeDeltas(ev.Payload)
	if err != nil {
		return err
	}
	return c.collector.Apply(ev.LogID, deltas)
}

var _ oplog.Consumer = (*gcConsumer)(nil)
