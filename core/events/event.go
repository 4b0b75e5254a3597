package events

// Event represents a structured state change emitted by the escrow ledger.
// Attributes carry the per-operation payload as flat string pairs so sinks
// can serialize them without knowing the originating module.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers (e.g. webhooks,
// indexers). Implementations must not block the caller: the state machine's
// success or failure is decided before Emit is invoked and must not depend
// on delivery.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default wired into components that optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
