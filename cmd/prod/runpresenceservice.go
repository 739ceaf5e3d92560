/*
File: cmd/prod/runpresenceservice.go
Description: Production entrypoint. Wires Redis, Postgres, the presence
event bus, and JWT auth, then runs the API service and the websocket
gateway together.
*/
package main

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-presence-service/cmd"
	"github.com/tinywideclouds/go-presence-service/internal/api"
	"github.com/tinywideclouds/go-presence-service/internal/app"
	"github.com/tinywideclouds/go-presence-service/internal/delivery"
	"github.com/tinywideclouds/go-presence-service/internal/fanout"
	"github.com/tinywideclouds/go-presence-service/internal/gateway"
	"github.com/tinywideclouds/go-presence-service/internal/leadership"
	"github.com/tinywideclouds/go-presence-service/internal/middleware"
	"github.com/tinywideclouds/go-presence-service/internal/monitoring"
	"github.com/tinywideclouds/go-presence-service/internal/platform/bus"
	"github.com/tinywideclouds/go-presence-service/internal/platform/postgres"
	presencestore "github.com/tinywideclouds/go-presence-service/internal/presence"
	"github.com/tinywideclouds/go-presence-service/internal/ratelimit"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
	"github.com/tinywideclouds/go-presence-service/presenceservice"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-presence-service").Logger()

	// 2. Load config.yaml and apply env overrides
	cfg, err := cmd.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err = config.UpdateConfigWithEnvOverrides(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}

	ctx := context.Background()
	instanceID := uuid.NewString()
	logger = logger.With().Str("instance", instanceID).Logger()

	registry := prometheus.NewRegistry()
	monitor := monitoring.NewLoadMonitor(cfg.Load.HighLoadThreshold, registry)
	hub := fanout.NewHub(logger)

	// 3. Create backing components (real or faked by run mode)
	components, err := newComponents(ctx, cfg, hub, instanceID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	pipeline, err := delivery.NewPipeline(
		delivery.Config{
			Window:                   cfg.RateLimitWindow(),
			LimitNormal:              cfg.RateLimit.LimitNormal,
			LimitHighLoad:            cfg.RateLimit.LimitHighLoad,
			OptimisticMaxConnections: cfg.Load.OptimisticMaxConnections,
		},
		components.limiter,
		hub,
		components.persister,
		components.sessions,
		monitor,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create delivery pipeline")
	}

	// 4. Create Authentication Middleware
	httpAuth, wsAuth, err := newAuthMiddleware(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize authentication middleware")
	}

	// 5. Create the two main services
	apiHandler, err := api.NewAPI(components.coordinator, components.store, hub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API handlers")
	}
	apiService, err := presenceservice.New(cfg, apiHandler, httpAuth, registry,
		logger.With().Str("component", "ApiService").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API service")
	}

	gw, err := gateway.New(
		cfg.WebSocketPort,
		wsAuth,
		hub,
		components.store,
		pipeline,
		components.sessions,
		monitor,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Connection Gateway")
	}

	// 6. Start consuming remote presence events
	if err := components.store.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe to presence bus")
	}

	// 7. Run the application
	app.Run(ctx, logger, apiService, gw)
	pipeline.Wait()
	if err := components.bus.Close(); err != nil {
		logger.Warn().Err(err).Msg("Event bus close failed")
	}
}

// serviceComponents bundles the store-backed parts of the service.
type serviceComponents struct {
	limiter     *ratelimit.Limiter
	store       *presencestore.Store
	coordinator *leadership.Coordinator
	persister   presence.MessagePersister
	sessions    presence.SessionStore
	bus         presence.EventBus
}

// newComponents builds the backing components for the configured run mode.
func newComponents(ctx context.Context, cfg *config.AppConfig, hub *fanout.Hub, instanceID string, logger zerolog.Logger) (*serviceComponents, error) {
	if cfg.RunMode == "local" {
		return newLocalComponents(cfg, hub, instanceID, logger)
	}
	return newProdComponents(ctx, cfg, hub, instanceID, logger)
}

func newLocalComponents(cfg *config.AppConfig, hub *fanout.Hub, instanceID string, logger zerolog.Logger) (*serviceComponents, error) {
	backends := cmd.NewFakeBackends(logger)

	limiter, err := ratelimit.NewLimiter(backends.Counters, logger)
	if err != nil {
		return nil, err
	}
	store, err := presencestore.NewStore(backends.Presence, backends.Bus, backends.Sessions,
		hub, instanceID, cfg.PresenceTTL(), cfg.PresenceGrace(), logger)
	if err != nil {
		return nil, err
	}
	coordinator, err := leadership.NewCoordinator(backends.Leases, cfg.Leadership.HistoryLimit, logger)
	if err != nil {
		return nil, err
	}
	return &serviceComponents{
		limiter:     limiter,
		store:       store,
		coordinator: coordinator,
		persister:   backends.Persister,
		sessions:    backends.Sessions,
		bus:         backends.Bus,
	}, nil
}

// newProdComponents creates real, production-ready dependencies.
func newProdComponents(ctx context.Context, cfg *config.AppConfig, hub *fanout.Hub, instanceID string, logger zerolog.Logger) (*serviceComponents, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is not configured")
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sessions, err := postgres.NewSessionStore(pool, logger)
	if err != nil {
		return nil, err
	}
	persister, err := postgres.NewMessageStore(pool, logger)
	if err != nil {
		return nil, err
	}

	eventBus, err := newBus(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewLimiter(rdb, logger)
	if err != nil {
		return nil, err
	}
	store, err := presencestore.NewStore(rdb, eventBus, sessions, hub, instanceID,
		cfg.PresenceTTL(), cfg.PresenceGrace(), logger)
	if err != nil {
		return nil, err
	}
	coordinator, err := leadership.NewCoordinator(rdb, cfg.Leadership.HistoryLimit, logger)
	if err != nil {
		return nil, err
	}

	return &serviceComponents{
		limiter:     limiter,
		store:       store,
		coordinator: coordinator,
		persister:   persister,
		sessions:    sessions,
		bus:         eventBus,
	}, nil
}

// newBus creates the pluggable presence event bus based on config.
func newBus(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (presence.EventBus, error) {
	busType := cfg.Bus.Type
	logger.Info().Str("type", busType).Msg("Initializing presence event bus...")

	switch busType {
	case "redis":
		if cfg.Bus.Redis.Addr == "" {
			return nil, fmt.Errorf("bus type is redis but no address is configured")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Bus.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis bus at %s: %w", cfg.Bus.Redis.Addr, err)
		}
		return bus.NewRedisBus(rdb, cfg.Bus.Redis.Channel, logger)

	case "pubsub":
		psClient, err := pubsub.NewClient(ctx, cfg.Bus.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		return bus.NewPubSubBus(psClient, cfg.Bus.PubSub.TopicID, cfg.Bus.PubSub.SubscriptionID, logger)

	default:
		return nil, fmt.Errorf("invalid bus type: %s (must be 'redis' or 'pubsub')", busType)
	}
}

// newAuthMiddleware creates the JWT-validating middleware pair for the HTTP
// API and the websocket gateway. Local mode runs unauthenticated.
func newAuthMiddleware(ctx context.Context, cfg *config.AppConfig) (func(http.Handler) http.Handler, func(http.Handler) http.Handler, error) {
	if cfg.RunMode == "local" {
		// The HTTP API needs an identity in context; the gateway accepts any
		// userId the client claims.
		return middleware.NoopAuth(true, "local-user"), middleware.NoopAuth(true, ""), nil
	}
	auth, err := middleware.NewJWKSAuth(ctx, cfg.IdentityServiceURL+"/.well-known/jwks.json")
	if err != nil {
		return nil, nil, err
	}
	return auth.Middleware, auth.WebsocketMiddleware, nil
}
