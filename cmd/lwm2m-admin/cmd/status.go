package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show transport status",
	Long:  `Show the supervisor state and which server instances are selected and running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/status", nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp api.StatusResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		fmt.Fprintf(out, "State:          %s\n", resp.State)
		fmt.Fprintf(out, "DTLS mode:      %s\n", resp.SecurityMode)
		fmt.Fprintf(out, "Start all:      %s\n", yesNo(resp.StartAll))
		fmt.Fprintf(out, "Key generation: %s\n", yesNo(resp.KeyGenerator))
		fmt.Fprintln(out)

		headers := []string{"INSTANCE", "SELECTED", "RUNNING", "MODES"}
		rows := make([][]string, len(resp.Instances))
		for i, inst := range resp.Instances {
			rows[i] = []string{inst.Name, yesNo(inst.Selected), yesNo(inst.Running), strings.Join(inst.Modes, ",")}
		}
		printTable(out, headers, rows)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check transport health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/health", nil)
		if err != nil {
			return err
		}

		var resp api.HealthResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if output == "json" {
			if err := printJSON(cmd.OutOrStdout(), data); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (state %s, storage %s)\n", resp.Status, resp.State, resp.Storage)
		}
		if resp.Status != "ok" {
			return fmt.Errorf("transport is %s", resp.Status)
		}
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}
