package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"smartborrow/internal/handlers"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  `Starts the Smart Borrow JSON API, the notification workers and the /metrics endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.ServerAddr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if password, _ := cmd.Flags().GetString("admin-password"); password != "" {
			if _, err := a.accounts.EnsureAdmin(ctx, "admin", password); err != nil {
				return err
			}
		}

		if cfg.Env != "dev" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())
		handlers.RegisterRoutes(router, handlers.Deps{
			Borrow:   a.borrow,
			Accounts: a.accounts,
			Tokens:   handlers.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
			Metrics:  a.metrics.Handler(),
			Ping:     a.ping,
		})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.ServerAddr).Str("db", cfg.DBDriver).Msg("starting server")
			serverErrors <- srv.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Dur("timeout", shutdownTimeout).Msg("graceful shutdown did not complete")
			if err := srv.Close(); err != nil {
				log.Error().Err(err).Msg("error killing server")
			}
		}
		log.Info().Msg("server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides SERVER_ADDR)")
	serveCmd.Flags().String("admin-password", "", "Create the admin account with this password if it does not exist")
}
