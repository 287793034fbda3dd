// Package cli implements dimmerctl, the command-line client for dimmerd.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dokzlo13/dimmerd/internal/api"
	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Format  string // "json" | "text"
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for dimmerctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dimmerctl",
		Short: "Control brightness cycling on a dimmerd server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", "http://localhost:8080", "dimmerd API address")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newStartCommand(opts))
	cmd.AddCommand(newStopCommand(opts))
	cmd.AddCommand(newStopAllCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Server, &http.Client{Timeout: o.Timeout})
}

func (o *RootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, o.Timeout)
}

func newStartCommand(opts *RootOptions) *cobra.Command {
	var (
		period    time.Duration
		tick      time.Duration
		minB      int
		maxB      int
		mode      string
		offset    float64
		syncGroup bool
		minDelta  int
	)

	cmd := &cobra.Command{
		Use:   "start <light>...",
		Short: "Start cycling one or more lights",
		Long: `Start cycling lights along a sine wave between two brightness levels.

Flags that are not given take the server's configured defaults.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := api.StartBody{Lights: args}
			flags := cmd.Flags()
			if flags.Changed("period") {
				v := period.Seconds()
				body.PeriodS = &v
			}
			if flags.Changed("tick") {
				v := tick.Seconds()
				body.TickS = &v
			}
			if flags.Changed("min") {
				body.MinBrightness = &minB
			}
			if flags.Changed("max") {
				body.MaxBrightness = &maxB
			}
			if flags.Changed("mode") {
				body.PhaseMode = &mode
			}
			if flags.Changed("offset") {
				body.PhaseOffset = &offset
			}
			if flags.Changed("sync-group") {
				body.SyncGroup = &syncGroup
			}
			if flags.Changed("min-delta") {
				body.MinDelta = &minDelta
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().Start(ctx, body)
			if err != nil {
				return err
			}
			return printOK(cmd.OutOrStdout(), opts.Format, resp, fmt.Sprintf("cycling %d light(s)", len(args)))
		},
	}

	f := cmd.Flags()
	f.DurationVar(&period, "period", 0, "full wave period")
	f.DurationVar(&tick, "tick", 0, "update interval")
	f.IntVar(&minB, "min", 0, "minimum brightness (1-255)")
	f.IntVar(&maxB, "max", 0, "maximum brightness (1-255)")
	f.StringVar(&mode, "mode", "", "phase mode (sync_to_current|absolute|relative)")
	f.Float64Var(&offset, "offset", 0, "phase offset in radians for absolute/relative modes")
	f.BoolVar(&syncGroup, "sync-group", true, "share one phase across all lights")
	f.IntVar(&minDelta, "min-delta", 0, "smallest brightness change worth sending")

	return cmd
}

func newStopCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <light>...",
		Short: "Stop cycling lights",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().Stop(ctx, args)
			if err != nil {
				return err
			}
			return printOK(cmd.OutOrStdout(), opts.Format, resp, fmt.Sprintf("stopped %d light(s)", len(args)))
		},
	}
}

func newStopAllCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop cycling every light",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().StopAll(ctx)
			if err != nil {
				return err
			}
			return printOK(cmd.OutOrStdout(), opts.Format, resp, "stopped all lights")
		},
	}
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cycling lights and loop state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			status, err := opts.client().Status(ctx)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}
}

func newCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <light>...",
		Short: "Report whether any of the lights is cycling",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().Check(ctx, args)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Cycling)
			return err
		},
	}
}

func newEventsCommand(opts *RootOptions) *cobra.Command {
	var (
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent cycle commands from the server ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			entries, err := opts.client().Events(ctx, eventType, limit)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(w, "%s  %-20s %s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.RequestID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only show this event type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOK(w io.Writer, format string, resp api.OKResponse, text string) error {
	if format == "json" {
		return writeJSON(w, resp)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func printStatus(w io.Writer, status dimmer.Status) error {
	fmt.Fprintf(w, "active lights: %d\nloop running:  %t\n", status.ActiveLights, status.LoopRunning)

	ids := make([]string, 0, len(status.Registry))
	for id := range status.Registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := status.Registry[id]
		fmt.Fprintf(w, "  %-24s period=%gs tick=%gs range=%d-%d mode=%s offset=%.3f\n",
			id, e.Period, e.Tick, e.MinBrightness, e.MaxBrightness, e.PhaseMode, e.PhaseOffset)
	}
	return nil
}
