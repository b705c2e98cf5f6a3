package main

import (
	"fmt"
	"strings"

	"github.com/jonathan/mosaic-agent/internal/mosaic"
	"github.com/jonathan/mosaic-agent/internal/observability"
	"github.com/spf13/cobra"
)

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Manage an agent's YouTube channel triggers",
}

var triggersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add YouTube channels that trigger agent runs",
	Long: `Add YouTube channels to an agent's trigger. Channels may be channel IDs (UC...), channel URLs
or @handles, comma-separated. --callback-url sets the URL notified when a trigger fires;
--remove-callback clears it.`,
	RunE: runTriggersAdd,
}

var triggersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an agent's triggers",
	RunE:  runTriggersList,
}

var (
	triggersAgentID        string
	triggersChannels       string
	triggersCallbackURL    string
	triggersRemoveCallback bool
	triggersJSON           bool
)

func init() {
	triggersCmd.PersistentFlags().StringVar(&triggersAgentID, "agent-id", "", "Agent ID (optional, defaults to MOSAIC_AGENT_ID env var)")

	triggersAddCmd.Flags().StringVar(&triggersChannels, "channels", "", "Comma-separated YouTube channel IDs, URLs or @handles")
	triggersAddCmd.Flags().StringVar(&triggersCallbackURL, "callback-url", "", "URL notified when a trigger fires")
	triggersAddCmd.Flags().BoolVar(&triggersRemoveCallback, "remove-callback", false, "Clear the trigger callback URL")
	triggersAddCmd.MarkFlagsMutuallyExclusive("callback-url", "remove-callback")
	_ = triggersAddCmd.MarkFlagRequired("channels")

	triggersListCmd.Flags().BoolVar(&triggersJSON, "json", false, "Print the raw API response")

	triggersCmd.AddCommand(triggersAddCmd, triggersListCmd)
	rootCmd.AddCommand(triggersCmd)
}

func triggerAgentID(cmd *cobra.Command, configured string) (string, error) {
	id := configured
	if cmd.Flags().Changed("agent-id") {
		id = triggersAgentID
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("--agent-id is required (or set MOSAIC_AGENT_ID)")
	}
	return id, nil
}

func runTriggersAdd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	agentID, err := triggerAgentID(cmd, cfg.AgentID)
	if err != nil {
		return err
	}

	channels, warnings := mosaic.ParseChannels(triggersChannels)
	if len(channels) == 0 {
		return fmt.Errorf("no channels given")
	}
	if triggersCallbackURL != "" && !mosaic.ValidCallbackURL(triggersCallbackURL) {
		return fmt.Errorf("invalid callback URL %q: must be http(s) with a host", triggersCallbackURL)
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	printer := observability.NewPrinter(cmd.OutOrStdout())
	for _, w := range warnings {
		printer.Printf("⚠️  %s", w)
	}

	raw, err := client.AddYouTubeChannels(ctx, mosaic.AddChannelsRequest{
		AgentID:        agentID,
		Channels:       channels,
		CallbackURL:    triggersCallbackURL,
		RemoveCallback: triggersRemoveCallback,
	})
	if err != nil {
		return err
	}

	printer.PrintJSON(fmt.Sprintf("✅ ADDED %d CHANNEL(S)", len(channels)), raw)
	return nil
}

func runTriggersList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	agentID, err := triggerAgentID(cmd, cfg.AgentID)
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	triggers, err := client.GetTriggers(ctx, agentID)
	if err != nil {
		return err
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	if len(triggers) == 0 {
		printer.Printf("No triggers configured for agent %s", agentID)
		return nil
	}
	for i, t := range triggers {
		if triggersJSON {
			printer.PrintJSON(fmt.Sprintf("TRIGGER %d", i+1), t.Raw)
			continue
		}
		printer.Printf("Trigger %d: %s", i+1, formatTrigger(t))
	}
	return nil
}

func formatTrigger(t mosaic.Trigger) string {
	var sb strings.Builder
	if t.ID != "" {
		sb.WriteString("id=" + t.ID + " ")
	}
	if t.Type != "" {
		sb.WriteString("type=" + t.Type + " ")
	}
	sb.WriteString(fmt.Sprintf("channels=%d", len(t.YouTubeChannels)))
	if len(t.YouTubeChannels) > 0 {
		sb.WriteString(" [" + strings.Join(t.YouTubeChannels, ", ") + "]")
	}
	if t.TriggerCallbackURL != "" {
		sb.WriteString(" callback=" + t.TriggerCallbackURL)
	}
	return sb.String()
}
