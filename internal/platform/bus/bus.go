// Package bus contains concrete adapters for the cross-instance presence
// event bus. Two backends are supported: Redis Pub/Sub riding on the shared
// store, and Google Cloud Pub/Sub for deployments already on that
// infrastructure. Delivery is at-least-once; presence events are
// content-idempotent so duplicates are tolerated.
package bus

import (
	"encoding/json"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// encode serializes a presence event for the wire.
func encode(event presence.Event) ([]byte, error) {
	return json.Marshal(event)
}

// decode parses a wire payload back into a presence event.
func decode(payload []byte) (presence.Event, error) {
	var event presence.Event
	err := json.Unmarshal(payload, &event)
	return event, err
}
