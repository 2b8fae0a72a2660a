// Package commands implements the capi CLI commands.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tiagoflino/capi/internal/config"
	"github.com/tiagoflino/capi/internal/engine"
	"github.com/tiagoflino/capi/internal/engine/refbackend"
	"github.com/tiagoflino/capi/internal/hardware"
	"github.com/tiagoflino/capi/internal/httpapi"
	"github.com/tiagoflino/capi/internal/logging"
	"github.com/tiagoflino/capi/internal/registry"
	"github.com/tiagoflino/capi/internal/resource"
	"github.com/tiagoflino/capi/internal/session"
	"github.com/tiagoflino/capi/internal/telemetry"
)

var (
	// Global flags
	verbose bool
	logJSON bool

	// Shared state, lazily initialized by initRuntime.
	log      *logrus.Entry
	homeDir  string
	cfgStore *config.Store
	reg      *registry.Manager
	sessions *session.Store
	manager  *engine.Manager
	tracker  *telemetry.Tracker
	api      *httpapi.Server
)

// rootCmd is the root command for capi.
var rootCmd = &cobra.Command{
	Use:   "capi",
	Short: "Local inference runtime for quantized LLMs",
	Long: `capi hosts quantized language models locally and exposes an
OpenAI-compatible HTTP API.

Example:
  capi serve
  capi run ai/smollm2`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		logger := logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
		if logJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
		if level := os.Getenv("CAPI_LOG_LEVEL"); level != "" {
			if lvl, err := logrus.ParseLevel(level); err == nil {
				logger.SetLevel(lvl)
			}
		}
		log = logger.WithField("component", "capi")

		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if manager != nil {
			manager.Shutdown()
		}
		if reg != nil {
			reg.Close()
		}
		if sessions != nil {
			sessions.Close()
		}
	}()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newModelCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
}

// initRuntime brings up the whole stack shared by serve/run/model/config:
// config, registry, sessions, hardware probe, resource admitter, engine
// manager, telemetry and the HTTP API router. Idempotent.
func initRuntime(ctx context.Context) error {
	if manager != nil {
		return nil
	}

	var err error
	homeDir, err = config.HomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("creating home directory %s: %w", homeDir, err)
	}

	cfgStore, err = config.Load(homeDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	adapter := logging.NewLogrusAdapterFromEntry(log)

	reg, err = registry.Open(filepath.Join(homeDir, "registry.db"), adapter)
	if err != nil {
		return fmt.Errorf("opening model registry: %w", err)
	}

	sessions, err = session.Open(filepath.Join(homeDir, "registry.db"))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	probe := hardware.New(adapter)
	probe.Refresh()
	admitter := resource.New(probe)

	backend, err := refbackend.New()
	if err != nil {
		return fmt.Errorf("initializing inference backend: %w", err)
	}

	cfg := cfgStore.Get()
	idleTimeout := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	manager = engine.NewManager(backend, probe, admitter, reg, adapter, cfg.ResourceMode, idleTimeout)

	tracker = telemetry.NewTracker(adapter)
	api = httpapi.New(manager, reg, sessions, tracker, cfgStore, adapter)

	return nil
}
