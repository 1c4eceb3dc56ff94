package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/medcardhq/cardauthd/api"
	"github.com/medcardhq/cardauthd/auth"
	"github.com/medcardhq/cardauthd/config"
	"github.com/medcardhq/cardauthd/objstore"
	"github.com/medcardhq/cardauthd/storage"
	bboltstorage "github.com/medcardhq/cardauthd/storage/bbolt"
	"github.com/medcardhq/cardauthd/storage/postgres"
	"github.com/medcardhq/cardauthd/webhook"
)

// backendStore is the surface both persistence backends expose.
type backendStore interface {
	storage.CardStore
	storage.PrescriptionStore
	CardSessions() storage.CardSessionStore
	Transactions() storage.TransactionStore
	AuditLog() storage.AuditLogStore
}

func openBackend(ctx context.Context, cfg *config.Config) (backendStore, func(), error) {
	switch cfg.Storage.Backend {
	case "bbolt":
		s, err := bboltstorage.Open(cfg.Storage.BBoltPath, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bbolt store: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		s, err := postgres.NewStoreFromDSN(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the card authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		masterKey, err := cfg.MasterKey()
		if err != nil {
			return err
		}

		store, cleanup, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		var sessions auth.SessionStore
		if cfg.Redis.Addr != "" {
			rs, err := auth.NewRedisSessionStore(cmd.Context(), cfg.Redis.Addr,
				cfg.Redis.Password, cfg.Redis.DB, logger)
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			defer rs.Close()
			sessions = rs
		} else {
			ms := auth.NewMemorySessionStore()
			ms.StartSweeper(time.Minute)
			defer ms.Stop()
			sessions = ms
		}

		protocol, err := auth.NewProtocol(store, store.CardSessions(), sessions,
			masterKey, auth.WithLogger(logger))
		if err != nil {
			return err
		}

		guard, err := webhook.NewGuard([]byte(cfg.Secrets.BankHMACSecret),
			store.Transactions(),
			webhook.WithPrescriptions(store),
			webhook.WithAuditLog(store.AuditLog()),
			webhook.WithLogger(logger))
		if err != nil {
			return err
		}

		apiOpts := []api.Option{api.WithLogger(logger)}
		if cfg.Minio.Endpoint != "" {
			avatars, err := objstore.NewAvatarStore(cmd.Context(),
				cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey,
				cfg.Minio.UseSSL,
				objstore.WithBucket(cfg.Minio.Bucket),
				objstore.WithURLTTL(cfg.Minio.URLTTL),
				objstore.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("connecting to object store: %w", err)
			}
			apiOpts = append(apiOpts, api.WithAvatarStore(avatars))
		}

		a := api.New(protocol, guard, apiOpts...)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			IdleTimeout:       cfg.HTTP.IdleTimeout,
		}
		useTLS := cfg.HTTP.TLSCertFile != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile)
			if err != nil {
				return fmt.Errorf("loading TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("server started", "addr", cfg.HTTP.Addr,
			"backend", cfg.Storage.Backend, "tls", useTLS, "version", Version)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
