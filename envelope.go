package batch

import "github.com/UniQw/batch-go/internal/wire"

// Envelope is the wire record wrapping a job for transport: type id, encoded
// payload, attempt counter and routing metadata. It is created by the
// Producer, rebuilt from each delivery by the Worker and never mutated by
// handlers.
type Envelope = wire.Envelope
