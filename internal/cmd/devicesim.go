package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdure-mcp/gateway/internal/config"
	"github.com/verdure-mcp/gateway/internal/devicesim"
	"github.com/verdure-mcp/gateway/internal/devicesim/tui"
	"github.com/verdure-mcp/gateway/pkg/protocol"
)

func newDeviceSimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device-sim",
		Short: "Connect as a simulated device and print pushed messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			token, _ := cmd.Flags().GetString("token")
			mac, _ := cmd.Flags().GetString("mac")
			heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
			insecure, _ := cmd.Flags().GetBool("insecure")
			view, _ := cmd.Flags().GetBool("tui")
			if token == "" {
				token = os.Getenv("VERDURE_DEVICE_TOKEN")
			}
			if token == "" || mac == "" {
				return fmt.Errorf("--token and --mac are required")
			}

			opts := devicesim.Options{
				URL:               url,
				Token:             token,
				MACAddress:        mac,
				HeartbeatInterval: heartbeat,
				TLSSkipVerify:     insecure,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if view {
				// Log output would tear the full-screen view.
				return tui.Run(ctx, opts, slog.New(slog.DiscardHandler))
			}

			logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, cmd.ErrOrStderr())
			out := cmd.OutOrStdout()
			client := devicesim.NewClient(opts, func(in protocol.Inbound) {
				fmt.Fprintf(out, "%s %s %s\n", in.Timestamp.Format(time.TimeOnly), in.Type, in.Payload)
			}, logger)
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("url", "ws://localhost:8080/hub/devices", "device hub websocket URL")
	cmd.Flags().String("token", "", "API token or JWT (or VERDURE_DEVICE_TOKEN)")
	cmd.Flags().String("mac", "", "MAC address to register")
	cmd.Flags().Duration("heartbeat", 30*time.Second, "heartbeat interval")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	cmd.Flags().Bool("tui", false, "show a live full-screen view instead of printing messages")
	return cmd
}
