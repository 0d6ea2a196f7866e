// Package daemon composes the engine with fx: one session lock, one
// cache, one socket connection, supervised by the reconnect runner.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lunavale/parley/internal/api"
	"github.com/lunavale/parley/internal/bus"
	"github.com/lunavale/parley/internal/chat"
	"github.com/lunavale/parley/internal/config"
	"github.com/lunavale/parley/internal/conversation"
	"github.com/lunavale/parley/internal/crypto"
	"github.com/lunavale/parley/internal/lock"
	"github.com/lunavale/parley/internal/logging"
	"github.com/lunavale/parley/internal/session"
	"github.com/lunavale/parley/internal/socket"
	"github.com/lunavale/parley/internal/status"
	"github.com/lunavale/parley/internal/store"
	"github.com/lunavale/parley/internal/user"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// Endpoint overrides for testing; empty = read from config.
	BaseURL   string
	SocketURL string
}

// Module returns the fx module for the daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideEndpoints,
			provideIdentity,
			provideStore,
			provideKeyManager,
			provideAPIClient,
			provideUserCache,
			provideRepository,
			provideSocketClient,
			provideChatService,
			provideRunner,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// Endpoints are the resolved server URLs for this run.
type Endpoints struct {
	BaseURL   string
	SocketURL string
}

func provideEndpoints(p Params) (Endpoints, error) {
	ep := Endpoints{BaseURL: p.BaseURL, SocketURL: p.SocketURL}
	if ep.BaseURL != "" && ep.SocketURL != "" {
		return ep, nil
	}
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return Endpoints{}, err
	}
	if ep.BaseURL == "" {
		ep.BaseURL = cfg.Server.BaseURL
	}
	if ep.SocketURL == "" {
		ep.SocketURL = cfg.Server.SocketURL
	}
	return ep, nil
}

// provideIdentity reads the session identity once at startup. The
// access token is re-read per connection attempt by the runner, so a
// refreshed token does not require a provider.
func provideIdentity(p Params, logger *zap.Logger) (session.Info, error) {
	creds, err := session.LoadCredentials(session.CredentialsPath(p.SessionName))
	if err != nil {
		return session.Info{}, err
	}
	logger.Info("session identity loaded", zap.String("user_id", creds.UserID))
	return session.Info{UserID: creds.UserID, Email: creds.Email}, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideKeyManager(p Params) (*crypto.Manager, error) {
	ks, err := crypto.NewFileKeystore(session.KeystoreDir(p.SessionName))
	if err != nil {
		return nil, err
	}
	return crypto.NewManager(ks), nil
}

func provideAPIClient(p Params, ep Endpoints) *api.Client {
	return api.NewClient(ep.BaseURL, func() string {
		creds, err := session.LoadCredentials(session.CredentialsPath(p.SessionName))
		if err != nil {
			return ""
		}
		return creds.AccessToken
	})
}

func provideUserCache(client *api.Client, identity session.Info) *user.Cache {
	self := user.User{ID: identity.UserID, Email: identity.Email}
	return user.NewCache(client, self)
}

func provideRepository(db *store.DB, keys *crypto.Manager, users *user.Cache, b *bus.Bus, identity session.Info, logger *zap.Logger) *conversation.Repository {
	return conversation.NewRepository(db, keys, users, b, identity, logger)
}

func provideSocketClient(ep Endpoints, logger *zap.Logger) *socket.Client {
	return socket.NewClient(ep.SocketURL, logger)
}

func provideChatService(client *socket.Client, server *api.Client, convs *conversation.Repository, users *user.Cache, keys *crypto.Manager, identity session.Info, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(client, server, convs, users, keys, identity, b, logger)
}

func provideRunner(p Params, svc *chat.Service, machine *status.Machine, logger *zap.Logger) *Runner {
	credentials := func() (*session.Credentials, error) {
		return session.LoadCredentials(session.CredentialsPath(p.SessionName))
	}
	return NewRunner(svc.Connect, machine, credentials, logger)
}

func registerLifecycle(lc fx.Lifecycle, runner *Runner, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			runner.Start()
			return nil
		},
		OnStop: func(_ context.Context) error {
			runner.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
