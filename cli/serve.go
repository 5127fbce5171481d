package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalgp/bus"
	petalotel "github.com/petal-labs/petalgp/otel"
	"github.com/petal-labs/petalgp/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 = none, required for long event streams)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Int("max-trials", 100000, "Largest trial count accepted per run")
	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP collector host:port for traces")
	cmd.Flags().Bool("otel-insecure", false, "Send traces over plain HTTP")
	addCatalogFlag(cmd)
	addStoreFlag(cmd)
	addRetentionFlags(cmd)

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	maxTrials, _ := cmd.Flags().GetInt("max-trials")
	endpoint, _ := cmd.Flags().GetString("otel-endpoint")

	cat, err := resolveCatalog(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	es, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = es.Close()
	}()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	logger := slog.Default()

	cfg := server.ServerConfig{
		Catalog:    cat,
		Bus:        eb,
		EventStore: es,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		MaxTrials:  maxTrials,
		Logger:     logger,
	}
	if endpoint != "" {
		insecure, _ := cmd.Flags().GetBool("otel-insecure")
		tel, err := petalotel.Setup(ctx, petalotel.Config{Endpoint: endpoint, Insecure: insecure})
		if err != nil {
			return exitError(exitRuntime, "configuring telemetry: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
		cfg.RuntimeEvents = tel.Handler()
		cfg.EmitDecorator = tel.Decorator()
	}
	api := server.NewServer(cfg)

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "petalgp API listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if runErr := api.Shutdown(shutdownCtx); err == nil {
			err = runErr
		}
		_ = eb.Close()
		return err
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		if err := shutdown(); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		_ = shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
