// Command agent runs the private-network half of the tunnel: it loads a
// persisted routing configuration, dials the relay, and serves requests
// against local targets. Two subcommands — "run" for a single agent
// config, "start" for a YAML document declaring several tunnels — no
// separate login/exchange control plane (see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/foldedstring/relaytunnel/internal/agentlink"
	"github.com/foldedstring/relaytunnel/internal/config"
	"github.com/foldedstring/relaytunnel/internal/logging"
	"github.com/foldedstring/relaytunnel/internal/mapping"
)

func main() {
	root := &cobra.Command{Use: "agent", Short: "Run the reverse tunnel agent"}
	root.AddCommand(runCmd(), startCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath, relayURL, authToken string
	var pretty bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dial the relay and serve requests from the configured routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath, relayURL, authToken, pretty)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("AGENT_CONFIG"), "path to the agent's JSON routing config")
	cmd.Flags().StringVar(&relayURL, "relay-url", os.Getenv("SERVER_WS_URL"), "relay control endpoint, e.g. ws://relay.example:3001/control")
	cmd.Flags().StringVar(&authToken, "token", os.Getenv("AGENT_TOKEN"), "admission token presented to the relay (empty if the relay has no AGENT_SECRET configured)")
	cmd.Flags().BoolVar(&pretty, "pretty-logs", isTerminal(), "human-readable console logging instead of JSON")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("relay-url")
	return cmd
}

func runAgent(configPath, relayURL, authToken string, pretty bool) error {
	log := logging.New(pretty)

	agentCfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	entries := make([]mapping.Entry, 0, len(agentCfg.Mappings))
	for _, m := range agentCfg.EffectiveMappings() {
		entries = append(entries, mapping.Entry{Prefix: m.Prefix, Target: m.Target, Description: m.Description})
	}
	table := mapping.Table{Mappings: entries, DefaultTarget: agentCfg.Client.DefaultTarget}

	l := agentlink.New(relayURL, authToken, agentCfg.Client.ID, agentCfg.Client.Name, table, logging.Component(log, "agent-link"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("relay_url", relayURL).Str("agent_id", agentCfg.Client.ID).Msg("starting agent link")
	err = l.Run(ctx)
	if err != nil && ctx.Err() != nil {
		log.Info().Msg("shutting down")
		return nil
	}
	return err
}

// startCmd runs several named tunnels out of one YAML multi-tunnel
// document, each as its own agent link against the same relay, the way
// the teacher's "start" command fans a config file out into one goroutine
// per tunnel.
func startCmd() *cobra.Command {
	var configPath string
	var pretty bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start every tunnel declared in a multi-tunnel YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMultiTunnel(configPath, pretty)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("AGENT_MULTI_CONFIG"), "path to the multi-tunnel YAML config")
	cmd.Flags().BoolVar(&pretty, "pretty-logs", isTerminal(), "human-readable console logging instead of JSON")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runMultiTunnel(configPath string, pretty bool) error {
	log := logging.New(pretty)

	doc, err := config.LoadMultiTunnel(configPath)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if doc.RelayURL == "" || doc.AgentID == "" {
		return fmt.Errorf("agent: multi-tunnel config requires relayUrl and agentId")
	}
	if len(doc.Tunnels) == 0 {
		return fmt.Errorf("agent: multi-tunnel config declares no tunnels")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(doc.Tunnels))

	for _, tunnel := range doc.Tunnels {
		tunnel := tunnel
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runTunnelEntry(ctx, doc.RelayURL, doc.AgentID, tunnel, log); err != nil {
				errCh <- fmt.Errorf("tunnel %q: %w", tunnel.Name, err)
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func runTunnelEntry(ctx context.Context, relayURL, agentID string, tunnel config.MultiTunnelEntry, log zerolog.Logger) error {
	entries := make([]mapping.Entry, 0, len(tunnel.Mappings))
	for _, m := range tunnel.Mappings {
		if !m.Enabled {
			continue
		}
		entries = append(entries, mapping.Entry{Prefix: m.Prefix, Target: m.Target, Description: m.Description})
	}
	table := mapping.Table{Mappings: entries, DefaultTarget: tunnel.DefaultTarget}

	tunnelID := fmt.Sprintf("%s-%s", agentID, tunnel.Name)
	l := agentlink.New(relayURL, "", tunnelID, tunnel.Name, table, logging.Component(log, "agent-link").With().Str("tunnel", tunnel.Name).Logger())

	log.Info().Str("relay_url", relayURL).Str("tunnel", tunnel.Name).Str("agent_id", tunnelID).Msg("starting tunnel")
	err := l.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
