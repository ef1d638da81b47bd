package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type target struct {
	ID              int64      `json:"id"`
	Kind            string     `json:"kind"`
	ExternalID      string     `json:"external_id"`
	DisplayName     string     `json:"display_name"`
	IntervalSeconds int64      `json:"interval_seconds"`
	Active          bool       `json:"active"`
	NotifyThreshold *float64   `json:"notify_threshold"`
	BackoffLevel    int        `json:"backoff_level"`
	LastRunAt       *time.Time `json:"last_run_at"`
	NextRunAt       time.Time  `json:"next_run_at"`
	Similarity      float64    `json:"similarity"`
}

type ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func printTargets(targets []target) {
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Kind", "External ID", "Name", "Interval", "Active", "Last run", "Next run"})
	for _, tgt := range targets {
		interval := (time.Duration(tgt.IntervalSeconds) * time.Second).String()
		if tgt.BackoffLevel > 0 {
			interval = fmt.Sprintf("%s (x%d)", interval, 1<<tgt.BackoffLevel)
		}
		t.AppendRow(table.Row{
			tgt.ID,
			tgt.Kind,
			tgt.ExternalID,
			tgt.DisplayName,
			interval,
			tgt.Active,
			formatTime(tgt.LastRunAt),
			formatTime(&tgt.NextRunAt),
		})
	}
	t.Render()
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid target id '%s'", arg)
	}
	return id, nil
}

func init() {
	targetsAddCmd.Flags().String("name", "", "Display name, defaults to the external id.")
	targetsAddCmd.Flags().Duration("interval", 0, "Collection interval, defaults to the server's default.")
	targetsAddCmd.Flags().Float64("notify", 0, "Notify when the primary metric changes by this fraction (0.1 = 10%).")

	targetsListCmd.Flags().StringP("query", "q", "", "Fuzzy search by name or external id.")

	targetsUpdateCmd.Flags().String("name", "", "New display name.")
	targetsUpdateCmd.Flags().Duration("interval", 0, "New collection interval.")
	targetsUpdateCmd.Flags().Float64("notify", -1, "New notification threshold, 0 disables notifications.")

	targetsCmd.AddCommand(targetsAddCmd, targetsListCmd, targetsUpdateCmd, targetsPauseCmd, targetsResumeCmd, targetsDeleteCmd, targetsRunCmd)
	rootCmd.AddCommand(targetsCmd)
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manages tracked accounts, videos and live rooms.",
}

var targetsAddCmd = &cobra.Command{
	Use:   "add <user|video|live> <external id>",
	Short: "Starts tracking a target.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		interval, _ := cmd.Flags().GetDuration("interval")
		notify, _ := cmd.Flags().GetFloat64("notify")

		body := map[string]any{
			"kind":             args[0],
			"external_id":      args[1],
			"display_name":     name,
			"interval_seconds": int64(interval / time.Second),
		}
		if notify > 0 {
			body["notify_threshold"] = notify
		}

		var created target
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetBody(body).
			SetResult(&created).
			Post("/api/targets")
		if err := check(res, err); err != nil {
			return err
		}
		printTargets([]target{created})
		return nil
	},
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists tracked targets.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")

		var targets []target
		req := newClient().R().SetContext(cmd.Context()).SetResult(&targets)
		if query != "" {
			req.SetQueryParam("q", query)
		}
		res, err := req.Get("/api/targets")
		if err := check(res, err); err != nil {
			return err
		}
		printTargets(targets)
		return nil
	},
}

func updateTarget(cmd *cobra.Command, id int64, body map[string]any) error {
	var updated target
	res, err := newClient().R().
		SetContext(cmd.Context()).
		SetBody(body).
		SetResult(&updated).
		Put(fmt.Sprintf("/api/targets/%d", id))
	if err := check(res, err); err != nil {
		return err
	}
	printTargets([]target{updated})
	return nil
}

var targetsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Changes the name, interval or notification threshold of a target.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		body := map[string]any{}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			body["display_name"] = name
		}
		if cmd.Flags().Changed("interval") {
			interval, _ := cmd.Flags().GetDuration("interval")
			body["interval_seconds"] = int64(interval / time.Second)
		}
		if cmd.Flags().Changed("notify") {
			notify, _ := cmd.Flags().GetFloat64("notify")
			body["notify_threshold"] = notify
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update, pass --name, --interval or --notify")
		}
		return updateTarget(cmd, id, body)
	},
}

func setActive(active bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return updateTarget(cmd, id, map[string]any{"active": active})
	}
}

var targetsPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Suspends collection for a target, its history is kept.",
	Args:  cobra.ExactArgs(1),
	RunE:  setActive(false),
}

var targetsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resumes collection for a paused target.",
	Args:  cobra.ExactArgs(1),
	RunE:  setActive(true),
}

var targetsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Stops tracking a target, its snapshots remain readable.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var result ack
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetResult(&result).
			Delete(fmt.Sprintf("/api/targets/%d", id))
		if err := check(res, err); err != nil {
			return err
		}
		fmt.Println(result.Message)
		return nil
	},
}

var targetsRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Collects a target right away.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var result ack
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetResult(&result).
			Post(fmt.Sprintf("/api/targets/%d/run", id))
		if err := check(res, err); err != nil {
			return err
		}
		fmt.Println(result.Message)
		return nil
	},
}
