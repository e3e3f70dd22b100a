package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"catmesh/internal/buildinfo"
	"catmesh/internal/config"
	"catmesh/internal/identity"
	"catmesh/internal/ipc"
	"catmesh/internal/logging"
	"catmesh/internal/signal/ntp"
	"catmesh/internal/stun"
)

// stunPollInterval is how often the agent re-resolves its public
// address once registered. There is no change notification for a NAT
// binding expiring early, so this is a plain poll like the reconciler's
// own tunnel-list fetch.
const stunPollInterval = 5 * time.Minute

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "catmeshd.sock")
	}
	return "/var/run/catmeshd.sock"
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "catmesh")
	}
	return "/var/lib/catmesh"
}

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
	var socketPath string
	var dataDir string
	var debug bool

	cmd := &cobra.Command{
		Use:     "catmeshd",
		Short:   "catmesh node agent",
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
			return run(ctx, socketPath, dataDir)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "Unix socket path for the local control channel")
	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Node data directory (private key, shared secret)")
	return cmd
}

func run(ctx context.Context, socketPath, dataDir string) error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}

	privateKey, err := identity.LoadOrCreateKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	ntpChecker := ntp.NewChecker()
	go ntpChecker.Run(ctx)

	a := newAgent(cfg, privateKey, ntpChecker)

	if err := a.ensureRegistered(ctx); err != nil {
		slog.Warn("controller registration failed, continuing unpaired", "err", err)
	}

	if err := a.loop.Start(ctx); err != nil {
		slog.Warn("initial tunnel reconciliation failed", "err", err)
	}
	defer a.loop.Stop()

	go a.runEndpointResolver(ctx, cfg)

	secret, err := ipc.LoadOrCreateSecret(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load ipc shared secret: %w", err)
	}

	ln, err := ipc.Listen(socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	srv := ipc.NewServer(a, secret, slog.Default())
	slog.Info("catmeshd ready", "socket", socketPath, "data_dir", cfg.DataDir)
	return srv.Serve(runCtx, ln)
}

// runEndpointResolver re-resolves the node's public address on a fixed
// interval as long as the agent config names STUN bootstrap URLs.
func (a *agent) runEndpointResolver(ctx context.Context, cfg *config.AgentConfig) {
	if cfg.StunGeneralURL == "" {
		return
	}

	servers, err := bootstrapServers(ctx, cfg)
	if err != nil {
		slog.Warn("stun server list bootstrap failed", "err", err)
		return
	}

	ticker := time.NewTicker(stunPollInterval)
	defer ticker.Stop()
	for {
		if err := a.resolveEndpoint(ctx, servers); err != nil {
			slog.Warn("stun public address resolution failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func bootstrapServers(ctx context.Context, cfg *config.AgentConfig) ([]netip.AddrPort, error) {
	list, err := stun.FetchServerList(ctx, http.DefaultClient, cfg.StunGeneralURL, cfg.StunNATURL, 0)
	if err != nil {
		return nil, err
	}
	return list.General, nil
}
