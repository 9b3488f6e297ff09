package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/harun/frameloader/internal/config"
	"github.com/harun/frameloader/internal/daemon"
	"github.com/harun/frameloader/pkg/gateway"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the frameloader daemon and, when its gateway
answers, the sessions it currently owns.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	// The PID file is written once at startup.
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	sessions, err := fetchSessions(cfg)
	if err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Gateway: %s\n", cfg.Gateway.Addr())
	printSessions(out, sessions)
	return nil
}

func fetchSessions(cfg *config.Config) ([]gateway.SessionInfo, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+cfg.Gateway.Addr()+"/sessions", nil)
	if err != nil {
		return nil, err
	}
	if cfg.Gateway.SharedSecret != "" {
		req.Header.Set(gateway.SecretHeader, cfg.Gateway.SharedSecret)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var sessions []gateway.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return sessions, nil
}

func printSessions(out io.Writer, sessions []gateway.SessionInfo) {
	fmt.Fprintf(out, "Sessions: %d\n", len(sessions))
	for _, s := range sessions {
		state := "connected"
		if !s.Connected {
			state = "disconnected"
		}
		if s.Hidden {
			state += ", hidden"
		}
		fmt.Fprintf(out, "  %s  %s  (%s)\n", s.ID, s.URL, state)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
