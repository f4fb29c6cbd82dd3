// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pmaitland/con-signups/internal/config"
	"github.com/pmaitland/con-signups/internal/database"
	"github.com/pmaitland/con-signups/internal/handler"
	"github.com/pmaitland/con-signups/internal/notifier"
	"github.com/pmaitland/con-signups/internal/repository"
	"github.com/pmaitland/con-signups/internal/service"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "con-signups",
		Short:         "Convention run-signup allocation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (default config.yaml if present)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}
	root.AddCommand(serve, migrate)
	return root
}

func loadConfig(configPath string) (config.Config, error) {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()
	return config.Load(configPath)
}

func runMigrate(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	slog.Info("schema applied")
	return nil
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	// Wire up layers.
	store := repository.NewPostgresStore(pool, cfg.LockTimeout)
	mailer := &notifier.SlogMailer{}
	notify := notifier.New(mailer, cfg.NotificationDelay, slog.Default())
	signupSvc := service.NewSignupService(store, notify, slog.Default())
	withdrawSvc := service.NewWithdrawService(store, notify, slog.Default())
	vacancySvc := service.NewVacancyFillService(store, slog.Default())
	h := handler.NewSignupHandler(store, signupSvc, withdrawSvc, vacancySvc)

	// Build the router.
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(handler.Logger)
	r.Use(handler.CORS)

	r.Get("/health", handler.HealthCheck)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)
		r.Get("/{id}", h.GetEvent)
		r.Post("/{id}/runs", h.CreateRun)
		r.Post("/{id}/team-members", h.CreateTeamMember)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/{id}", h.GetRun)
		r.Post("/{id}/signups", h.CreateSignup)
		r.Get("/{id}/signups", h.ListSignups)
		r.Get("/{id}/counts", h.RunCounts)
		r.Post("/{id}/vacancy-fill", h.VacancyFill)
	})
	r.Post("/profiles", h.CreateProfile)
	r.Post("/signups/{id}/withdraw", h.Withdraw)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	notify.Flush()
	slog.Info("server stopped")
	return nil
}
