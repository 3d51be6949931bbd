package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/api"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Device event tap",
}

var eventsTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an event tap token",
	Long: `Issue a token to present as {"token": "..."} in the first message
sent on /ws/events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("POST", "/api/events/token", api.EventTokenRequest{
			Subject:    tokenSubject,
			TTLSeconds: int(tokenTTL / time.Second),
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp api.EventTokenResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		fmt.Fprintln(out, resp.Token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTokenCmd)

	eventsTokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Subscriber name (required)")
	eventsTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	_ = eventsTokenCmd.MarkFlagRequired("subject")
}
