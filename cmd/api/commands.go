package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"escrowbot/auth"
	"escrowbot/bot"
	"escrowbot/config"
	"escrowbot/db"
	"escrowbot/deadline"
	"escrowbot/engine"
	"escrowbot/gateway"
	"escrowbot/notify"
	"escrowbot/outbox"
	"escrowbot/reconcile"
	"escrowbot/store"
)

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	return pool, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage admin console logins",
	}

	add := &cobra.Command{
		Use:   "add [username]",
		Short: "Create an operator; the password is read from ESCROWD_OPERATOR_PASSWORD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, _ := cmd.Flags().GetInt64("handle")
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
			op, err := svc.Register(cmd.Context(), auth.RegisterRequest{
				Username: args[0],
				Password: os.Getenv("ESCROWD_OPERATOR_PASSWORD"),
				Handle:   handle,
			})
			if err != nil {
				return err
			}
			admins, _ := cfg.AdminIDs()
			if !containsID(admins, op.Handle) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: handle %d is not listed in ADMIN_CHAT_IDS\n", op.Handle)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operator %s created (id %d)\n", op.Username, op.ID)
			return nil
		},
	}
	add.Flags().Int64("handle", 0, "chat handle the operator acts as")
	_ = add.MarkFlagRequired("handle")

	cmd.AddCommand(add)
	return cmd
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, deadline sweeper and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required to serve the admin API")
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	stripe := gateway.NewStripe(gateway.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.BaseURL,
	})
	eng := engine.New(store.New(pool), stripe, cfg.Engine(), logger.With("component", "engine"))

	notifier, telegram, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	sweeper := deadline.NewSweeper(deadline.NewDueSource(pool), eng, logger.With("component", "sweeper"), deadline.SweeperConfig{
		Schedule:  cfg.SweepSchedule,
		BatchSize: cfg.DeadlineBatchSize,
	})
	dispatcher := outbox.NewDispatcher(outbox.NewSource(pool), notifier, logger.With("component", "outbox"), cfg.OutboxPollInterval)

	server := &Server{
		engine:     eng,
		webhooks:   stripe,
		reconciler: reconcile.New(eng, logger.With("component", "reconcile")),
		auth:       auth.NewService(auth.NewRepository(pool), cfg.JWTSecret),
		logger:     logger.With("component", "http"),
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	if telegram != nil {
		chat := bot.New(telegram.Bot(), telegram, eng, logger.With("component", "bot"))
		g.Go(func() error { return chat.Run(ctx) })
	}
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildNotifier returns the configured transport and, for telegram, the bot
// that also serves inbound chat commands.
func buildNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, *notify.Telegram, func(), error) {
	switch strings.ToLower(cfg.Notifier) {
	case "telegram":
		tg, err := notify.NewTelegram(cfg.TelegramBotToken)
		if err != nil {
			return nil, nil, nil, err
		}
		return tg, tg, func() {}, nil
	case "amqp":
		pub, err := notify.NewAMQP(cfg.RabbitMQURL, cfg.NotifyExchange)
		if err != nil {
			return nil, nil, nil, err
		}
		return pub, nil, pub.Close, nil
	default:
		return notify.LogNotifier{Logger: logger.With("component", "notify")}, nil, func() {}, nil
	}
}
