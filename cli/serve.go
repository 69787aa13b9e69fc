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
	"go.opentelemetry.io/otel"

	"github.com/petal-labs/chatflow/bus"
	chatotel "github.com/petal-labs/chatflow/otel"
	"github.com/petal-labs/chatflow/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the flow HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("sqlite-path", "", "Path to the SQLite event store (default: in-memory store)")
	cmd.Flags().Duration("retention-age", 0, "Delete stored events older than this (0 = keep forever)")
	cmd.Flags().Int("retention-count", 0, "Keep at most this many events per run (0 = no limit)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 = none, required for SSE)")
	cmd.Flags().Bool("otel", false, "Emit an OpenTelemetry span per run and per executed node")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	retentionAge, _ := cmd.Flags().GetDuration("retention-age")
	retentionCount, _ := cmd.Flags().GetInt("retention-count")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	otelEnabled, _ := cmd.Flags().GetBool("otel")

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	var store bus.EventStore
	if sqlitePath != "" {
		sqlStore, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:            sqlitePath,
			RetentionAge:   retentionAge,
			RetentionCount: retentionCount,
		})
		if err != nil {
			return exitError(exitRuntime, "opening event store: %v", err)
		}
		defer func() {
			_ = sqlStore.Close()
		}()
		store = sqlStore
	} else {
		store = bus.NewMemEventStore()
	}

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()

	api := server.New(store, eb, logger)
	defer func() {
		_ = api.Close()
	}()
	if otelEnabled {
		// Spans go to whatever TracerProvider the host process set as
		// the otel global.
		api.WithTracing(chatotel.NewTracingHandler(otel.Tracer("chatflow")))
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler:      api.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server: %v", err)
		}
	case <-sig:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return exitError(exitRuntime, "shutdown: %v", err)
		}
	}
	return nil
}
