package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and must be safe for repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// orchestrator stays agnostic about who listens.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(context.Context, Event) {}
