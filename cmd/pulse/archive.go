package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulseboard/pulse/internal/app"
	"github.com/pulseboard/pulse/pkg/types"
)

const dayLayout = "2006-01-02"

// dayRange holds the --day/--from/--to flags shared by archive commands.
type dayRange struct {
	org  string
	day  string
	from string
	to   string
}

func (d *dayRange) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&d.org, "org", "default", "organization to operate on")
	f.StringVar(&d.day, "day", "", "single UTC day (YYYY-MM-DD); defaults to yesterday")
	f.StringVar(&d.from, "from", "", "first UTC day of a range (YYYY-MM-DD)")
	f.StringVar(&d.to, "to", "", "last UTC day of a range, inclusive (YYYY-MM-DD)")
}

// resolve returns the inclusive day range selected by the flags.
func (d *dayRange) resolve(now time.Time) (time.Time, time.Time, error) {
	if d.day != "" && (d.from != "" || d.to != "") {
		return time.Time{}, time.Time{}, fmt.Errorf("--day cannot be combined with --from/--to")
	}
	if d.day != "" {
		day, err := parseDay("day", d.day)
		return day, day, err
	}
	if d.from == "" && d.to == "" {
		y := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
		return y, y, nil
	}
	if d.from == "" || d.to == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to must be given together")
	}
	from, err := parseDay("from", d.from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseDay("to", d.to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must not be before --from")
	}
	return from, to, nil
}

func parseDay(flag, s string) (time.Time, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", flag, err)
	}
	return t, nil
}

// withApp initializes shared resources without starting servers.
func withApp(ctx context.Context, opts *globalOptions, fn func(*app.App) error) error {
	a, err := app.New(opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	if err := a.Init(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())
	return fn(a)
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	var days dayRange

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored events into compressed daily archive segments",
		Example: `  pulse export --org acme --day 2026-03-01
  pulse export --org acme --from 2026-03-01 --to 2026-03-07`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, to, err := days.resolve(time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				results, err := a.Exporter().ExportRange(cmd.Context(), days.org, from, to)
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, r := range results {
					if encErr := enc.Encode(r); encErr != nil {
						return encErr
					}
				}
				return err
			})
		},
	}
	days.register(cmd)
	return cmd
}

func newArchiveCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived event segments",
	}

	var days dayRange
	cat := &cobra.Command{
		Use:   "cat",
		Short: "Print archived events as newline-delimited JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, to, err := days.resolve(time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				return a.ArchiveReader().ReadDays(cmd.Context(), days.org, from, to, func(ev *types.Event) error {
					return enc.Encode(ev)
				})
			})
		},
	}
	days.register(cat)
	cmd.AddCommand(cat)
	return cmd
}
