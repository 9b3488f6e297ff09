package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/frameloader/pkg/gateway"
	"github.com/spf13/cobra"
)

var watchGateway string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream gateway events",
	Long: `Stream the gateway's events, such as session creation, visibility changes
and heartbeats, one line per event.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchGateway, "gateway", "", "gateway websocket URL (default ws://<gateway.host>:<gateway.port>)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	baseURL := watchGateway
	if baseURL == "" {
		baseURL = "ws://" + cfg.Gateway.Addr()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err = gateway.Subscribe(ctx, baseURL, cfg.Gateway.SharedSecret, func(msg gateway.EventMessage) {
		fmt.Fprintln(out, formatEvent(msg))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func formatEvent(msg gateway.EventMessage) string {
	ts := time.UnixMilli(msg.Timestamp).Format(time.TimeOnly)
	data, err := json.Marshal(msg.Data)
	if err != nil || string(data) == "null" {
		data = nil
	}
	line := fmt.Sprintf("%s %s", ts, msg.Event)
	if msg.Session != "" {
		line += " " + msg.Session
	}
	if data != nil {
		line += " " + string(data)
	}
	return line
}
