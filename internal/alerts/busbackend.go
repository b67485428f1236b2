package alerts

import (
	"context"

	"github.com/tradefabric/tradefabric/internal/bus"
)

// BusBackend re-publishes alerts on the NATS event bus so out-of-process
// consumers observe the same alert stream.
type BusBackend struct {
	bus *bus.Bus
}

// NewBusBackend creates the bus sink.
func NewBusBackend(b *bus.Bus) *BusBackend {
	return &BusBackend{bus: b}
}

func (b *BusBackend) Name() string { return "bus" }

func (b *BusBackend) Send(_ context.Context, alert Alert) error {
	return b.bus.Publish(bus.SubjectAlert, alert)
}
