package cli

import (
	"fmt"

	"github.com/harun/frameloader/internal/daemon"
	"github.com/spf13/cobra"
)

var noWatch bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the frameloader daemon",
	Long: `Start the frameloader daemon in the foreground.
The daemon serves the gateway, runs the configured host and reloads its
bindings whenever the config file changes. It stops on SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file when it changes")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if !noWatch {
		d.WatchConfig(loader)
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Frameloader listening on %s\n", d.Status().Addr)
	d.Wait()
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessRunning(pid)
}
