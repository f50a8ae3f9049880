package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/delivery/http/handler"
	"github.com/user/pt-crawler/internal/delivery/http/router"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the operator HTTP API and metrics endpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		server := &http.Server{
			Addr:         ":" + a.cfg.ServerPort,
			Handler:      router.New(handler.NewHandler(a.manager, a.logger), a.metrics, a.registry, a.logger),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("server started", zap.String("port", a.cfg.ServerPort))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				a.logger.Error("could not listen on port", zap.String("port", a.cfg.ServerPort), zap.Error(err))
				return err
			}
		case <-ctx.Done():
		}

		a.logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server forced to shutdown", zap.Error(err))
		}
		if err := a.manager.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("active runs did not stop in time", zap.Error(err))
		}
		a.logger.Info("server exiting")
		return nil
	},
}
