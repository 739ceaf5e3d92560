// Package api holds the stateless HTTP handlers: lease arbitration and the
// live presence stream.
package api

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// statusReader is the slice of the presence store the API reads from.
type statusReader interface {
	GetStatuses(ctx context.Context, userIDs []string) (map[string]presence.Record, error)
}

// presenceWatcher hands out live presence event subscriptions.
type presenceWatcher interface {
	SubscribePresence() (<-chan presence.Event, func())
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	coordinator leaseCoordinator
	statuses    statusReader
	watcher     presenceWatcher
	logger      zerolog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(coordinator leaseCoordinator, statuses statusReader, watcher presenceWatcher, logger zerolog.Logger) (*API, error) {
	if coordinator == nil || statuses == nil || watcher == nil {
		return nil, fmt.Errorf("coordinator, status reader and watcher are required")
	}
	return &API{
		coordinator: coordinator,
		statuses:    statuses,
		watcher:     watcher,
		logger:      logger.With().Str("component", "API").Logger(),
	}, nil
}
