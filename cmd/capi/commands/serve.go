package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type serveFlags struct {
	host string
	port int
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the capi HTTP API server",
		Long: `Start the OpenAI-compatible HTTP API server, serving whatever
models are requested against the local model registry.

Examples:
  capi serve
  capi serve --port 8080
  CAPI_BIND=0.0.0.0:9000 capi serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "Bind host (overrides config.json)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Bind port (overrides config.json)")

	return cmd
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	ctx := cmd.Context()

	if err := initRuntime(ctx); err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}

	cfg := cfgStore.Get()
	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	if flags.host != "" {
		addr = fmt.Sprintf("%s:%d", flags.host, cfg.BindPort)
	}
	if flags.port != 0 {
		addr = fmt.Sprintf("%s:%d", cfg.BindHost, flags.port)
		if flags.host != "" {
			addr = fmt.Sprintf("%s:%d", flags.host, flags.port)
		}
	}
	// CAPI_BIND wins over both config and flags (spec §6).
	if bind := os.Getenv("CAPI_BIND"); bind != "" {
		addr = bind
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: api,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	cmd.Printf("capi listening on http://%s\n", addr)
	cmd.Printf("Example usage:\n")
	cmd.Printf("  curl http://%s/v1/chat/completions -H 'Content-Type: application/json' \\\n", addr)
	cmd.Printf("    -d '{\"model\":\"<model-id>\",\"messages\":[{\"role\":\"user\",\"content\":\"Hello!\"}]}'\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-sigCh:
	}

	cmd.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
