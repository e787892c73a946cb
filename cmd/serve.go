package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"timebridge/config"
	"timebridge/gateway"
)

var (
	servePort          int
	serveRetryInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook gateway with the retry worker",
	Long: `Start the HTTP gateway that receives entry webhooks on the main and
backup paths. A background worker drains the retry queue on an interval.`,
	Example: `
  # Start on the configured port
  timebridge serve

  # Override port and retry cadence
  timebridge serve --port 9090 --retry-interval 1m
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAndValidate()
		if err != nil {
			return err
		}

		b, err := openBridge(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		port := servePort
		if port == 0 {
			port = cfg.Gateway.Port
		}

		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: gateway.NewServer(b.handlers(), b.log),
		}

		workerCtx, stopWorker := context.WithCancel(cmd.Context())
		defer stopWorker()
		go func() {
			if err := b.worker().Run(workerCtx, serveRetryInterval); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Error("retry worker stopped", "error", err)
			}
		}()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()
		b.log.Info("gateway listening", "addr", server.Addr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-sigCh:
			stopWorker()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown server: %w", err)
			}
			err := <-errCh
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port for the gateway (default: gateway.port from config)")
	serveCmd.Flags().DurationVar(&serveRetryInterval, "retry-interval", 30*time.Second, "How often the background worker drains due retry items")
}
