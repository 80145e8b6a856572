package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	migrations "github.com/skybothq/skybot/db"
	"github.com/skybothq/skybot/internal/ai"
	"github.com/skybothq/skybot/internal/audit"
	"github.com/skybothq/skybot/internal/commands"
	"github.com/skybothq/skybot/internal/config"
	"github.com/skybothq/skybot/internal/db"
	"github.com/skybothq/skybot/internal/dispatch"
	"github.com/skybothq/skybot/internal/handlers"
	"github.com/skybothq/skybot/internal/history"
	"github.com/skybothq/skybot/internal/logger"
	"github.com/skybothq/skybot/internal/reminders"
	"github.com/skybothq/skybot/internal/server"
	"github.com/skybothq/skybot/internal/slackgw"
	"github.com/skybothq/skybot/internal/state"
	"github.com/skybothq/skybot/internal/tokens"
	"github.com/skybothq/skybot/internal/version"
)

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pgxpool.Pool, error) {
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(log, cfg.Postgres, migrations.MigrationsFS()); err != nil {
		conn.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideStateStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *state.Store {
	interval, err := time.ParseDuration(cfg.Cache.SweepInterval)
	if err != nil || interval <= 0 {
		log.Warn("invalid sweep interval, using 1h", slog.String("value", cfg.Cache.SweepInterval))
		interval = time.Hour
	}
	store := state.NewStore(log, interval)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			store.StartSweep(interval)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			store.StopSweep()
			return nil
		},
	})
	return store
}

func provideTokenService(log *slog.Logger, conn *pgxpool.Pool, cfg config.Config) *tokens.Service {
	return tokens.NewService(log, conn, cfg.Slack.ClientID, cfg.Slack.ClientSecret)
}

func provideHistoryService(log *slog.Logger, conn *pgxpool.Pool) *history.Service {
	return history.NewService(log, conn)
}

func provideAuditService(log *slog.Logger, conn *pgxpool.Pool) *audit.Service {
	return audit.NewService(log, conn)
}

func provideChain(log *slog.Logger, cfg config.Config, st *state.Store, hist *history.Service, aud *audit.Service) *ai.Chain {
	providers := []ai.Provider{
		ai.NewOpenAI(log, cfg.OpenAI),
		ai.NewGemini(log, cfg.Gemini),
	}
	return ai.NewChain(log, providers, st, hist, aud, cfg.OpenAI.SystemPrompt)
}

func provideGateway(log *slog.Logger, tok *tokens.Service) *slackgw.Gateway {
	return slackgw.NewGateway(log, tok)
}

func provideCommandRegistry(log *slog.Logger, gw *slackgw.Gateway, aud *audit.Service) *commands.Registry {
	return commands.NewRegistry(log, gw, aud)
}

func provideReminderStore(log *slog.Logger, conn *pgxpool.Pool) *reminders.Store {
	return reminders.NewStore(log, conn)
}

func startReminderPoller(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, store *reminders.Store, gw *slackgw.Gateway) {
	poller := reminders.NewPoller(log, store, gw, cfg.Reminders.Schedule)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return poller.Start()
		},
		OnStop: func(ctx context.Context) error {
			poller.Stop()
			return nil
		},
	})
}

func provideEngine(
	log *slog.Logger,
	st *state.Store,
	tok *tokens.Service,
	gw *slackgw.Gateway,
	reg *commands.Registry,
	chain *ai.Chain,
	hist *history.Service,
	rem *reminders.Store,
	aud *audit.Service,
) *dispatch.Engine {
	return dispatch.NewEngine(log, st, tok, gw, reg, chain, hist, rem, aud)
}

func provideSlackHandler(log *slog.Logger, cfg config.Config, engine *dispatch.Engine) *handlers.SlackHandler {
	return handlers.NewSlackHandler(log, cfg.Slack.SigningSecret, engine)
}

func provideOAuthHandler(log *slog.Logger, cfg config.Config, tok *tokens.Service) *handlers.OAuthHandler {
	return handlers.NewOAuthHandler(log, cfg.Slack, tok)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Server.APIKeys, params.ServerHandlers...)
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting skybot %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func main() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideStateStore,

			provideTokenService,
			provideHistoryService,
			provideAuditService,
			provideChain,
			provideGateway,
			provideCommandRegistry,
			provideReminderStore,
			provideEngine,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideSlackHandler),
			provideServerHandler(provideOAuthHandler),
			provideServerHandler(handlers.NewRemindersHandler),

			provideServer,
		),
		fx.Invoke(
			startReminderPoller,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}
