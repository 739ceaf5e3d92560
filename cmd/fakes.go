package cmd

import (
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// FakeBackends bundles the in-memory stand-ins for every external store the
// service needs, for local development without Redis or Postgres.
type FakeBackends struct {
	Counters  *fakes.CounterStore
	Presence  *fakes.PresenceBackend
	Leases    *fakes.LeaseStore
	Bus       presence.EventBus
	Persister presence.MessagePersister
	Sessions  presence.SessionStore
}

// NewFakeBackends creates in-memory fakes for local development.
func NewFakeBackends(logger zerolog.Logger) *FakeBackends {
	logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")
	return &FakeBackends{
		Counters:  fakes.NewCounterStore(),
		Presence:  fakes.NewPresenceBackend(),
		Leases:    fakes.NewLeaseStore(),
		Bus:       fakes.NewBus(),
		Persister: fakes.NewPersister(),
		Sessions:  fakes.NewSessions(),
	}
}
