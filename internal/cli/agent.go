package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/content"
	"github.com/harun/frameloader/pkg/gateway"
	"github.com/harun/frameloader/pkg/loader"
	"github.com/spf13/cobra"
)

var agentOpts struct {
	gateway   string
	target    string
	frame     string
	url       string
	incognito bool
	name      string
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a context agent against the gateway",
	Long: `Run a context agent that connects to the gateway as the given target and
frame. Bindings whose patterns match --url are attached to it, and the
procedures they send are evaluated in-process. Procedures reach the
controller's resources through the "http" global.

SIGUSR1 hides the document and SIGUSR2 shows it again, which the controller
sees as pagehide and pageshow.`,
	RunE: runAgent,
}

func init() {
	f := agentCmd.Flags()
	f.StringVar(&agentOpts.gateway, "gateway", "", "gateway websocket URL (default ws://<gateway.host>:<gateway.port>)")
	f.StringVar(&agentOpts.target, "target", "", "target id this agent runs in")
	f.StringVar(&agentOpts.frame, "frame", "", "frame id, empty for the top frame")
	f.StringVar(&agentOpts.url, "url", "", "URL of the document this agent runs in")
	f.BoolVar(&agentOpts.incognito, "incognito", false, "the document is private")
	f.StringVar(&agentOpts.name, "name", loader.DefaultPortName, "port name to connect with")
	_ = agentCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	baseURL := agentOpts.gateway
	if baseURL == "" {
		baseURL = "ws://" + cfg.Gateway.Addr()
	}

	evaluator, err := content.NewYaegiEvaluator(cfg.Agent.Imports...)
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port, err := gateway.Dial(ctx, gateway.DialOptions{
		URL:          baseURL,
		Session:      loader.SessionID{Target: agentOpts.target, Frame: agentOpts.frame},
		PageURL:      agentOpts.url,
		Incognito:    agentOpts.incognito,
		Name:         agentOpts.name,
		SharedSecret: cfg.Gateway.SharedSecret,
		Logger:       log.Zerolog(),
	})
	if err != nil {
		return err
	}

	doc := content.NewDocumentState()
	doc.SetReadyState(content.Complete)

	agent, err := content.New(port, content.Options{
		RootURL:            cfg.RootURL,
		Evaluator:          evaluator,
		RequireResource:    cfg.RequireResource,
		Document:           doc,
		Bus:                content.NewLocalBus(),
		ProbeOnReinjection: cfg.Agent.ProbeOnReinjection,
		ProbeSchedule:      cfg.Agent.ProbeSchedule,
		Debug:              cfg.Debug,
		Logger:             log.Zerolog(),
		Metrics:            metrics.NewMetrics(),
	})
	if err != nil {
		_ = port.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Agent %s connected to %s\n", agent.ID(), baseURL)

	visibility := make(chan os.Signal, 1)
	signal.Notify(visibility, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(visibility)

	for {
		select {
		case sig := <-visibility:
			doc.SetVisible(sig == syscall.SIGUSR2)
		case <-agent.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "Agent unloaded")
			return nil
		case <-ctx.Done():
			_ = agent.Close()
			return nil
		}
	}
}
