// Package app wires the registries, handlers, stores and transports
// into a runnable relay node.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/config"
	"github.com/chanrelay/chanrelay-server/internal/core"
	"github.com/chanrelay/chanrelay-server/internal/events"
	"github.com/chanrelay/chanrelay-server/internal/identity"
	"github.com/chanrelay/chanrelay-server/internal/proto"
	"github.com/chanrelay/chanrelay-server/internal/store"
	"github.com/chanrelay/chanrelay-server/internal/store/memory"
	"github.com/chanrelay/chanrelay-server/internal/store/sqlite"
	transporthttp "github.com/chanrelay/chanrelay-server/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	storeWorkers    int

	tasks     *core.TaskPool
	channels  *core.Channels
	store     store.Store
	publisher events.Publisher
	cfg       *config.Config
	log       *zerolog.Logger
}

// New constructs the application with the provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	tasks := core.NewTaskPool(cfg.StoreQueue, logger)
	conns := core.NewConnections(cfg.DistinguishDeviceIDs)
	channels := core.NewChannels(cfg.ServerName, cfg.AssistantID, cfg.MaxChannelsPerUser, cfg.MaxChannelsPerServer, st, tasks, logger)
	history := core.NewHistory(cfg.HistoryPerChannel, cfg.HistoryCleanupDelay, st, tasks, logger)

	broadcaster := core.NewBroadcaster(cfg.ServerName, cfg.AssistantID, core.BroadcastPolicy{
		DistinguishDeviceIDs:        cfg.DistinguishDeviceIDs,
		PrivateChannelAssistantOnly: cfg.PrivateChannelAssistantOnly,
	}, conns, channels, history, logger)
	pings := core.NewPings(cfg.UseAlivePings, cfg.PingInterval, cfg.PingExpiry, broadcaster, conns, logger)
	router := core.NewRouter(cfg.ServerName, conns, channels, broadcaster, pings, logger)

	provider, err := openProvider(cfg, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init identity provider: %w", err)
	}
	publisher := openPublisher(ctx, cfg, logger)

	var sessions core.SessionIDs
	authHandler := core.NewAuthHandler(cfg.ServerName, cfg.AssistantID, provider, conns, channels, broadcaster, pings, &sessions, logger)
	authHandler.OnLogin(func(userID, deviceID string) {
		evCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := publisher.Publish(evCtx, events.Event{Type: events.TypeUserJoined, UserID: userID}); err != nil {
			logger.Warn().Err(err).Msg("failed to publish user-joined event")
		}
	})
	remoteHandler := core.NewRemoteActionHandler(conns, broadcaster, logger)
	router.Register(proto.DataTypeAuthenticate, authHandler)
	router.Register(proto.DataTypeJoinChannel, core.NewJoinHandler(cfg.ServerName, conns, channels, broadcaster, logger))
	router.Register(proto.DataTypeUpdateData, core.NewUpdateDataHandler(conns, history, broadcaster, logger))
	router.Register(proto.DataTypeRemoteAction, remoteHandler)

	tokens := identity.NewClusterTokens([]byte(cfg.ClusterKey), cfg.ServerName, 5*time.Minute)
	wsHandler := transporthttp.NewWSHandler(router, conns, publisher, logger)
	control := transporthttp.NewControlHandlers(cfg.ServerName, provider, channels, conns, history, pings, broadcaster, remoteHandler, publisher, logger)
	server := transporthttp.NewServer(cfg, wsHandler, control, tokens, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		storeWorkers:    cfg.StoreWorkers,
		tasks:           tasks,
		channels:        channels,
		store:           st,
		publisher:       publisher,
		cfg:             cfg,
		log:             logger,
	}, nil
}

// Run starts the node and blocks until context cancellation or a fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	poolCtx, stopPool := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		a.tasks.Run(poolCtx, a.storeWorkers)
		close(poolDone)
	}()

	if err := a.channels.Restore(ctx); err != nil {
		a.log.Warn().Err(err).Msg("failed to restore channels from store")
	}
	a.createDefaultChannels()

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("relay node listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup(stopPool, poolDone)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)
		a.cleanup(stopPool, poolDone)
		if err != nil {
			return err
		}
		return <-serverErr
	}
}

// createDefaultChannels makes sure the open world channel exists.
func (a *App) createDefaultChannels() {
	if a.cfg.OpenChannelID == "" || a.channels.Has(a.cfg.OpenChannelID) {
		return
	}
	if _, err := a.channels.Create(a.cfg.OpenChannelID, a.cfg.ServerName, true, "World", nil, true); err != nil {
		a.log.Error().Err(err).Str("channel_id", a.cfg.OpenChannelID).Msg("default channel could not be created")
	}
}

// cleanup drains the persistence pool and closes external resources.
func (a *App) cleanup(stopPool context.CancelFunc, poolDone <-chan struct{}) {
	stopPool()
	select {
	case <-poolDone:
	case <-time.After(a.shutdownTimeout):
		a.log.Warn().Msg("persistence pool did not drain in time")
	}
	if err := a.publisher.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close event publisher")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
	} else {
		a.log.Info().Msg("store closed")
	}
}

func openStore(cfg *config.Config, logger *zerolog.Logger) (store.Store, error) {
	if cfg.DatabasePath == "" {
		logger.Info().Msg("no database path set, using in-memory store")
		return memory.New(), nil
	}
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")
	return st, nil
}

func openProvider(cfg *config.Config, logger *zerolog.Logger) (identity.Provider, error) {
	if cfg.IdentityURL != "" {
		logger.Info().Str("identity_url", cfg.IdentityURL).Msg("using remote identity provider")
		return identity.NewHTTPProvider(cfg.IdentityURL), nil
	}
	logger.Info().Str("accounts_path", cfg.AccountsPath).Msg("using local account file")
	return identity.NewLocalProvider(cfg.AccountsPath)
}

func openPublisher(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) events.Publisher {
	if cfg.BrokerURL == "" {
		return events.Noop{}
	}
	pub, err := events.NewAMQP(ctx, events.DialOptions{
		URL:      cfg.BrokerURL,
		Exchange: cfg.BrokerTopic,
	}, cfg.ServerName, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("event broker unreachable, events disabled")
		return events.Noop{}
	}
	return pub
}
