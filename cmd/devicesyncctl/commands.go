package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/devicesync/internal/actions"
	"github.com/agentworkforce/devicesync/internal/engine"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

func newSendCommand(opts *RootOptions) *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "send <namespace> <action> [key=value...]",
		Short: "Queue a command for the device",
		Long: `Queue a command for the device. Arguments are key=value pairs or a JSON
object passed with --args. Numbers and booleans in key=value pairs are
converted.

Examples:
  devicesyncctl send dnd enable
  devicesyncctl send media set_volume level=7
  devicesyncctl send hotspot enable --args '{"ssid":"desk"}'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace, action := args[0], args[1]
			if !actions.Known(namespace, action) {
				return fmt.Errorf("unknown action %s/%s (known namespaces: %s)", namespace, action, strings.Join(actions.Namespaces(), ", "))
			}
			commandArgs, err := parseCommandArgs(rawArgs, args[2:])
			if err != nil {
				return err
			}
			c, err := opts.deviceClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			queued, err := c.EnqueueCommand(ctx, namespace, action, commandArgs)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), queued, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "queued %s/%s as %s\n", namespace, action, queued.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "command arguments as a JSON object")
	return cmd
}

func newStateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <namespace>",
		Short: "Show the latest state the device reported",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.deviceClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			record, err := c.GetState(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), record, func(w io.Writer) error {
				if _, err := fmt.Fprintf(w, "%s (revision %s, updated %s)\n", record.Namespace, record.Revision, record.UpdatedAt.Format(time.RFC3339)); err != nil {
					return err
				}
				keys := make([]string, 0, len(record.Snapshot))
				for key := range record.Snapshot {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				for _, key := range keys {
					if _, err := fmt.Fprintf(w, "  %s: %v\n", key, record.Snapshot[key]); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newScheduleCommand(opts *RootOptions) *cobra.Command {
	var (
		to, body, at, id string
		in               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a message for delivery by the device",
		Long: `Schedule a message for delivery by the device at a fixed time (--at, RFC 3339)
or after a delay (--in).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			executeAt, err := resolveExecuteAt(at, in, time.Now())
			if err != nil {
				return err
			}
			c, err := opts.deviceClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			item, err := c.CreateScheduledItem(ctx, engine.ScheduledItem{
				ID:        strings.TrimSpace(id),
				Action:    actions.Send,
				Payload:   map[string]any{"to": to, "body": body},
				ExecuteAt: executeAt,
			})
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), item, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "scheduled %s for %s\n", item.ID, item.ExecuteAt.Local().Format(time.RFC3339))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().StringVar(&at, "at", "", "delivery time (RFC 3339)")
	cmd.Flags().DurationVar(&in, "in", 0, "deliver after this delay")
	cmd.Flags().StringVar(&id, "id", "", "idempotency id for the item")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newScheduledCommand(opts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "scheduled [id]",
		Short: "List scheduled items, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.deviceClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			if len(args) == 1 {
				item, err := c.GetScheduledItem(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), item, func(w io.Writer) error {
					return writeItem(w, item)
				})
			}
			filter := engine.ItemStatus(strings.ToLower(strings.TrimSpace(status)))
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			items, err := c.FetchScheduledItems(ctx, filter)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), items, func(w io.Writer) error {
				if len(items) == 0 {
					_, err := fmt.Fprintln(w, "no scheduled items")
					return err
				}
				for _, item := range items {
					if err := writeItem(w, item); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only items with this status")
	return cmd
}

func newCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Ask the device to cancel a scheduled item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.deviceClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			queued, err := c.CancelScheduledItem(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), queued, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "cancellation of %s queued as %s\n", args[0], queued.ID)
				return err
			})
		},
	}
}

func newMirrorCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <stream>",
		Short: "List events the device mirrored, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !actions.KnownStream(args[0]) {
				return fmt.Errorf("unknown stream %q", args[0])
			}
			c, err := opts.deviceClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			records, err := c.MirrorList(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), records, func(w io.Writer) error {
				for _, record := range records {
					if _, err := fmt.Fprintf(w, "%s  %s  %v: %v\n", record.WrittenAt.Local().Format(time.RFC3339), record.ID, record.Payload["origin"], record.Payload["content"]); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay backend status (admin token)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			status, err := c.BackendStatus(ctx)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), status, func(w io.Writer) error {
				keys := make([]string, 0, len(status))
				for key := range status {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				for _, key := range keys {
					if _, err := fmt.Fprintf(w, "%s: %v\n", key, status[key]); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func writeItem(w io.Writer, item engine.ScheduledItem) error {
	line := fmt.Sprintf("%s  %-9s  %s  retries=%d", item.ID, item.Status, item.ExecuteAt.Local().Format(time.RFC3339), item.RetryCount)
	if item.LastError != "" {
		line += "  error=" + item.LastError
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

// parseCommandArgs merges a JSON object with key=value pairs; pairs win.
func parseCommandArgs(raw string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		out[key] = parseScalar(value)
	}
	return out, nil
}

func parseScalar(value string) any {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

func resolveExecuteAt(at string, in time.Duration, now time.Time) (time.Time, error) {
	at = strings.TrimSpace(at)
	switch {
	case at != "" && in != 0:
		return time.Time{}, fmt.Errorf("use either --at or --in")
	case at != "":
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("--at must be RFC 3339: %w", err)
		}
		return parsed, nil
	case in < 0:
		return time.Time{}, fmt.Errorf("--in must not be negative")
	default:
		return now.Add(in), nil
	}
}
