package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/observability/logging"
	"github.com/promptgate/promptgate/pkg/types"
)

func newCheckCmd() *cobra.Command {
	var clientID string
	var locale string

	cmd := &cobra.Command{
		Use:   "check [text]",
		Short: "Evaluate one text from the command line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runCheck(configPath, args[0], clientID, locale)
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "cli", "Client identifier for rate limiting")
	cmd.Flags().StringVar(&locale, "locale", "", "Locale hint passed to detectors")
	return cmd
}

func runCheck(configPath, text, clientID, locale string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// CLI runs want errors only.
	if err := logging.Init("error", false); err != nil {
		return err
	}

	eng, _, _, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	req := &types.ComplianceRequest{Text: text, ClientID: clientID}
	if locale != "" {
		req.Context = map[string]string{"locale": locale}
	}

	decision, err := eng.Decide(context.Background(), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(decision); err != nil {
		return err
	}
	if decision.Action == types.ActionBlock {
		os.Exit(1)
	}
	return nil
}
