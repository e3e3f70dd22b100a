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

	"github.com/spf13/cobra"
	"github.com/zerodha/logf"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"catmesh/internal/buildinfo"
	"catmesh/internal/config"
	"catmesh/internal/controllerapi"
	"catmesh/internal/controllerstore"
	"catmesh/internal/logging"
	"catmesh/internal/pairing"
)

const envAPIKey = "CATMESH_CONTROLLER_API_KEY"

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var listenAddr string
	var dataFile string
	var debug bool

	cmd := &cobra.Command{
		Use:     "catmeshd-controller",
		Short:   "catmesh pairing controller",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.LoadController()
			if err != nil {
				return fmt.Errorf("load controller config: %w", err)
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if dataFile != "" {
				cfg.DataFile = dataFile
			}
			if cfg.ListenAddr == "" {
				cfg.ListenAddr = ":8443"
			}
			if cfg.DataFile == "" {
				cfg.DataFile = "catmesh-controller.db"
			}
			if os.Getenv(envAPIKey) == "" {
				slog.Warn("no operator api key set", "env", envAPIKey, "note", "client registration still works; operator-only routes are not built yet")
			}

			return run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "SQLite database path (overrides config)")
	return cmd
}

func run(ctx context.Context, cfg *config.ControllerConfig) error {
	store, err := controllerstore.Open(cfg.DataFile)
	if err != nil {
		return fmt.Errorf("open controller store: %w", err)
	}
	defer store.Close()

	pairingSvc := pairing.New(store)
	logger := slog.Default()
	startup := logf.New(logf.Opts{})

	api := controllerapi.NewServer(pairingSvc, store, logger, startup)
	handler := otelhttp.NewHandler(api.Router(), "catmeshd-controller")

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("controller listening", "addr", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}
