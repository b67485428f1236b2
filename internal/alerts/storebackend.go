package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tradefabric/tradefabric/internal/store"
)

// StoreBackend is the required durable sink; every routed alert lands in the
// AlertStore.
type StoreBackend struct {
	alerts store.AlertStore
}

// NewStoreBackend creates the durable sink.
func NewStoreBackend(alerts store.AlertStore) *StoreBackend {
	return &StoreBackend{alerts: alerts}
}

func (b *StoreBackend) Name() string { return "store" }

func (b *StoreBackend) Send(ctx context.Context, alert Alert) error {
	var details json.RawMessage
	if len(alert.Details) > 0 {
		raw, err := json.Marshal(alert.Details)
		if err != nil {
			return fmt.Errorf("marshal alert details: %w", err)
		}
		details = raw
	}

	return b.alerts.PutAlert(ctx, store.AlertRecord{
		ID:        alert.ID,
		Type:      alert.Type,
		Message:   alert.Message,
		Severity:  string(alert.Severity),
		Details:   details,
		Source:    alert.Source,
		Timestamp: alert.Timestamp,
	})
}
