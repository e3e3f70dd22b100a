package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"catmesh/internal/buildinfo"
	"catmesh/internal/ipc"
	"catmesh/internal/ui"
)

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
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var socketPath string
	var dataDir string

	cmd := &cobra.Command{
		Use:     "catmesh",
		Short:   "Control a running catmeshd node agent",
		Version: buildinfo.Version,
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "Unix socket path of the running catmeshd")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Node data directory (for locating the shared secret)")

	newClient := func() (*ipc.Client, error) {
		secret, err := ipc.LoadOrCreateSecret(dataDir)
		if err != nil {
			return nil, fmt.Errorf("load shared secret: %w", err)
		}
		return ipc.NewClient(socketPath, secret), nil
	}

	cmd.AddCommand(statusCmd(newClient))
	cmd.AddCommand(registerCmd(newClient))
	cmd.AddCommand(configCmd(newClient))
	cmd.AddCommand(shutdownCmd(newClient))
	cmd.AddCommand(natCheckCmd(newClient))
	return cmd
}

func statusCmd(newClient func() (*ipc.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node agent's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			resp, err := client.Call(ipc.Request{Type: ipc.RequestStatus})
			if err != nil {
				return err
			}
			if resp.Type == ipc.ResponseError {
				return fmt.Errorf("%s", resp.Message)
			}
			fmt.Print(ui.KeyValues("",
				ui.KV("running", ui.Bool(resp.Running)),
				ui.KV("controller_paired", ui.Bool(resp.ControllerPaired)),
				ui.KV("tunnel_count", fmt.Sprintf("%d", resp.TunnelCount)),
			))
			return nil
		},
	}
}

func registerCmd(newClient func() (*ipc.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "register <invitation-key>",
		Short: "Register this node with a controller using a one-time invitation key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			resp, err := client.Call(ipc.Request{Type: ipc.RequestRegister, InvitationKey: args[0]})
			if err != nil {
				return err
			}
			if resp.Type == ipc.ResponseError {
				return fmt.Errorf("%s", resp.Message)
			}
			fmt.Println(ui.SuccessMsg("registered"))
			return nil
		},
	}
}

func configCmd(newClient func() (*ipc.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the node agent's running configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			resp, err := client.Call(ipc.Request{Type: ipc.RequestGetConfig})
			if err != nil {
				return err
			}
			if resp.Type == ipc.ResponseError {
				return fmt.Errorf("%s", resp.Message)
			}
			fmt.Println(string(resp.Config))
			return nil
		},
	}
}

func natCheckCmd(newClient func() (*ipc.Client, error)) *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "nat-check",
		Short: "Classify this node's NAT behavior (RFC 5780)",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch family {
			case "", "4", "6":
			default:
				return fmt.Errorf("family must be \"4\", \"6\", or empty for both, got %q", family)
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			resp, err := client.Call(ipc.Request{Type: ipc.RequestNATType, Family: family})
			if err != nil {
				return err
			}
			if resp.Type == ipc.ResponseError {
				return fmt.Errorf("%s", resp.Message)
			}

			var pairs []ui.Pair
			if resp.NATTypeIPv4 != "" {
				pairs = append(pairs, ui.KV("nat_type_ipv4", resp.NATTypeIPv4))
			}
			if resp.NATTypeIPv6 != "" {
				pairs = append(pairs, ui.KV("nat_type_ipv6", resp.NATTypeIPv6))
			}
			fmt.Print(ui.KeyValues("", pairs...))
			return nil
		},
	}
	cmd.Flags().StringVar(&family, "family", "", `Address family to classify: "4", "6", or empty for both`)
	return cmd
}

func shutdownCmd(newClient func() (*ipc.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the node agent to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			resp, err := client.Call(ipc.Request{Type: ipc.RequestShutdown})
			if err != nil {
				return err
			}
			if resp.Type == ipc.ResponseError {
				return fmt.Errorf("%s", resp.Message)
			}
			fmt.Println(ui.SuccessMsg("shutdown requested"))
			return nil
		},
	}
}
