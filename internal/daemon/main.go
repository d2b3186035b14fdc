package daemon

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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jsherman999/crmrealtime/internal/api"
	"github.com/jsherman999/crmrealtime/internal/config"
	"github.com/jsherman999/crmrealtime/internal/db"
	"github.com/jsherman999/crmrealtime/internal/events"
	"github.com/jsherman999/crmrealtime/internal/gateway"
	"github.com/jsherman999/crmrealtime/internal/hub"
	"github.com/jsherman999/crmrealtime/internal/identity"
	"github.com/jsherman999/crmrealtime/internal/metrics"
	"github.com/jsherman999/crmrealtime/internal/presence"
	"github.com/jsherman999/crmrealtime/internal/store"
	"github.com/jsherman999/crmrealtime/internal/watcher"
)

func Main() {
	var cfgPath string

	root := &cobra.Command{Use: "realtimed", Short: "CRM realtime daemon (websocket gateway + presence + change detector)"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(migrateCmd(&cfgPath))
	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(tokenCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the development schema (tenants, import_jobs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.DB.DSN == "" {
				return errors.New("db.dsn is required (set CRMRT_DB_DSN or config file)")
			}
			logger := newLogger(cfg)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			dbConn, err := db.Open(ctx, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer dbConn.Close()
			applied, err := db.ApplyMigrations(ctx, dbConn)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "count", len(applied), "names", strings.Join(applied, ","))
			return nil
		},
	}
}

func tokenCmd(cfgPath *string) *cobra.Command {
	var tenant, user, name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token for a tenant user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("tenant: %w", err)
			}
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("user: %w", err)
			}
			r := identity.NewResolver(identity.Options{Secret: cfg.Auth.JWTSecret, Expiry: ttl})
			token, err := r.Generate(tenantID, userID, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				st      *store.Store
				keys    events.TenantKeys
				tenants identity.TenantLookup
			)
			if cfg.DB.DSN != "" {
				dbConn, err := db.Open(ctx, cfg.DB.DSN)
				if err != nil {
					return err
				}
				defer dbConn.Close()
				st = store.New(dbConn)
				keys, tenants = st, st
			} else {
				logger.Warn("db.dsn not set: tenant keys unavailable, flagged events follow enabled_by_default only")
			}

			m := metrics.New(prometheus.DefaultRegisterer)
			h := hub.New()
			pub := events.NewPublisher(h, events.Options{
				SendTimeout:    cfg.Publisher.SendTimeout,
				MaxConcurrency: cfg.Publisher.MaxConcurrency,
				Gate:           events.NewFlagGate(cfg.Features.Realtime, keys, logger),
				Metrics:        m,
				Logger:         logger,
			})
			records := presence.NewRecords(h, pub, m, logger)
			online := presence.NewOnline(h, pub, m, logger)
			resolver := identity.NewResolver(identity.Options{
				Secret:       cfg.Auth.JWTSecret,
				TenantHeader: cfg.Auth.TenantHeader,
				Tenants:      tenants,
				Logger:       logger,
			})
			if cfg.Auth.JWTSecret == "" {
				logger.Warn("auth.jwt_secret not set: every connection is unauthenticated")
			}
			ws := gateway.NewHandler(gateway.NewLifecycle(h, records, online, m, logger), records, resolver, gateway.Options{
				SendBuffer:      cfg.Gateway.SendBuffer,
				WriteWait:       cfg.Gateway.WriteWait,
				PongWait:        cfg.Gateway.PongWait,
				PingInterval:    cfg.Gateway.PingInterval,
				MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
				AllowedOrigins:  cfg.Gateway.AllowedOrigins,
				Logger:          logger,
			})
			a := api.New(api.Deps{
				Gateway:      ws,
				Resolver:     resolver,
				Records:      records,
				Online:       online,
				Publisher:    pub,
				PublishToken: cfg.API.PublishToken,
				Gatherer:     prometheus.DefaultGatherer,
				Logger:       logger,
			})
			srv := &http.Server{Addr: cfg.API.Listen, Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			if cfg.Watcher.Enabled {
				w := watcher.New(st, pub, watcher.Options{
					Interval:    cfg.Watcher.Interval,
					Window:      cfg.Watcher.Window,
					PageSize:    cfg.Watcher.PageSize,
					MaxPages:    cfg.Watcher.MaxPages,
					ScanTimeout: cfg.Watcher.ScanTimeout,
					Metrics:     m,
					Logger:      logger,
				})
				g.Go(func() error {
					w.Run(gctx)
					return nil
				})
			}
			g.Go(func() error {
				logger.Info("realtimed listening", "addr", cfg.API.Listen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				return nil
			})
			return g.Wait()
		},
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
