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

	"github.com/blingmoon/buyplan-approval/internal/api"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动审批 HTTP 服务和超时升级任务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func newEcho(app *application) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(app.metrics, promhttp.HandlerOpts{})))
	api.RegisterHandlers(e.Group("/api/v1"), api.NewServer(app.service))
	return e
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	cfg := opts.config
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	go app.logEvents(ctx)
	if err := app.scheduler.Start(ctx); err != nil {
		return err
	}
	defer app.scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      newEcho(app),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		slog.Info(fmt.Sprintf("approval server starting, addr: %s", cfg.HTTP.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error(fmt.Sprintf("server shutdown failed, err: %v", err))
		if err := server.Close(); err != nil {
			slog.Error(fmt.Sprintf("server close failed, err: %v", err))
		}
	}
	slog.Info("server stopped gracefully")
	return nil
}
