package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentworkforce/devicesync/internal/client"
	"github.com/spf13/cobra"
)

// RootOptions holds the flags every command shares.
type RootOptions struct {
	RelayURL string
	DeviceID string
	Token    string
	Format   string
}

var validFormats = []string{"text", "json"}

// NewRootCommand builds the devicesyncctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "devicesyncctl",
		Short: "Control a synced device from the desktop",
		Long: `devicesyncctl queues commands for a device, reads the state it reports,
schedules message deliveries and lists the events it mirrors.

Connection settings default to DEVICESYNC_RELAY_URL, DEVICESYNC_DEVICE_ID and
DEVICESYNC_CONTROLLER_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, format := range validFormats {
				if format == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.RelayURL, "relay-url", envOrDefault("DEVICESYNC_RELAY_URL", "http://127.0.0.1:8080"), "relay base URL")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device", strings.TrimSpace(os.Getenv("DEVICESYNC_DEVICE_ID")), "target device id")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", strings.TrimSpace(os.Getenv("DEVICESYNC_CONTROLLER_TOKEN")), "controller bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSendCommand(opts))
	cmd.AddCommand(newStateCommand(opts))
	cmd.AddCommand(newScheduleCommand(opts))
	cmd.AddCommand(newScheduledCommand(opts))
	cmd.AddCommand(newCancelCommand(opts))
	cmd.AddCommand(newMirrorCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))

	return cmd
}

func (o *RootOptions) client() (*client.Client, error) {
	if strings.TrimSpace(o.Token) == "" {
		return nil, fmt.Errorf("token is required (--token or DEVICESYNC_CONTROLLER_TOKEN)")
	}
	deviceID := strings.TrimSpace(o.DeviceID)
	if deviceID == "" {
		// Admin calls are not device scoped.
		deviceID = "*"
	}
	return client.New(client.Options{
		BaseURL:    o.RelayURL,
		DeviceID:   deviceID,
		Token:      o.Token,
		MaxRetries: 2,
	})
}

func (o *RootOptions) deviceClient() (*client.Client, error) {
	if strings.TrimSpace(o.DeviceID) == "" {
		return nil, fmt.Errorf("device is required (--device or DEVICESYNC_DEVICE_ID)")
	}
	return o.client()
}

// render writes v as indented JSON, or calls text for the text format.
func (o *RootOptions) render(w io.Writer, v any, text func(io.Writer) error) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
