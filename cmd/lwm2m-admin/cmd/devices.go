package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
)

// DeviceListResponse represents the list devices response
type DeviceListResponse struct {
	Devices []domain.DeviceSession `json:"devices"`
	Count   int                    `json:"count"`
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect registered devices",
	Long:  `Commands for inspecting device sessions known to the transport.`,
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/api/devices", nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp DeviceListResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		if len(resp.Devices) == 0 {
			fmt.Fprintln(out, "No devices registered.")
			return nil
		}

		headers := []string{"ENDPOINT", "INSTANCE", "MODE", "PRESENCE", "ADDRESS", "LAST SEEN"}
		rows := make([][]string, len(resp.Devices))
		for i, d := range resp.Devices {
			rows[i] = []string{d.Endpoint, d.Instance, d.SecurityMode, string(d.Presence), d.Address, d.LastSeen.Format(time.RFC3339)}
		}
		printTable(out, headers, rows)
		return nil
	},
}

var devicesGetCmd = &cobra.Command{
	Use:   "get [endpoint]",
	Short: "Get a specific device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/api/devices/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var d domain.DeviceSession
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		fmt.Fprintf(out, "Endpoint:        %s\n", d.Endpoint)
		fmt.Fprintf(out, "Registration ID: %s\n", d.RegistrationID)
		fmt.Fprintf(out, "Instance:        %s\n", d.Instance)
		fmt.Fprintf(out, "Security mode:   %s\n", d.SecurityMode)
		if d.PSKIdentity != "" {
			fmt.Fprintf(out, "PSK identity:    %s\n", d.PSKIdentity)
		}
		fmt.Fprintf(out, "Address:         %s\n", d.Address)
		fmt.Fprintf(out, "Binding:         %s\n", d.Binding)
		fmt.Fprintf(out, "Queue mode:      %s\n", yesNo(d.QueueMode))
		fmt.Fprintf(out, "Lifetime:        %ds\n", d.LifetimeSecs)
		fmt.Fprintf(out, "Presence:        %s\n", d.Presence)
		fmt.Fprintf(out, "Registered at:   %s\n", d.RegisteredAt.Format(time.RFC3339))
		fmt.Fprintf(out, "Expires at:      %s\n", d.ExpiresAt().Format(time.RFC3339))
		if len(d.Observations) > 0 {
			fmt.Fprintf(out, "Observations:    %s\n", strings.Join(d.Observations, ", "))
		}
		if d.LastObservation != nil {
			fmt.Fprintf(out, "Last value:      %s %s (%d bytes)\n",
				d.LastObservation.Path, d.LastObservation.Code, len(d.LastObservation.Payload))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesGetCmd)
}
