package gateway

import (
	"context"

	"github.com/loqalabs/speech-bridge/internal/protocol"
)

// Recorder observes every event the gateway emits, plus the stt:start and
// stt:stop lifecycle markers. Implementations must not block for long: they
// run on the connection goroutine.
type Recorder interface {
	Record(ctx context.Context, evt protocol.Event)
}

// Recorders fans an event out to several recorders in order.
type Recorders []Recorder

func (rs Recorders) Record(ctx context.Context, evt protocol.Event) {
	for _, r := range rs {
		if r != nil {
			r.Record(ctx, evt)
		}
	}
}
