package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type run struct {
	ID         int64     `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail"`
}

type snapshotRow struct {
	CapturedAt time.Time          `json:"captured_at"`
	Metrics    map[string]float64 `json:"metrics"`
}

type fieldDelta struct {
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}

type trendResult struct {
	Diff *struct {
		From   time.Time             `json:"from"`
		To     time.Time             `json:"to"`
		Fields map[string]fieldDelta `json:"fields"`
	} `json:"diff"`
	Analysis struct {
		Samples        int     `json:"samples"`
		PrimaryMetric  string  `json:"primary_metric"`
		EngagementRate float64 `json:"engagement_rate"`
		ViralScore     float64 `json:"viral_score"`
		DailyChange    float64 `json:"daily_change"`
		Growth         string  `json:"growth"`
	} `json:"analysis"`
	Message string `json:"message"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	runsCmd.Flags().IntP("limit", "n", 20, "Number of runs to show, at most 100.")
	historyCmd.Flags().Duration("since", 7*24*time.Hour, "How far back to look.")

	rootCmd.AddCommand(runsCmd, historyCmd, trendCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs <target id>",
	Short: "Shows the latest collection runs of a target, newest first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		var runs []run
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetQueryParam("limit", strconv.Itoa(limit)).
			SetResult(&runs).
			Get(fmt.Sprintf("/api/targets/%d/runs", id))
		if err := check(res, err); err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Run", "Started", "Took", "Outcome", "Detail"})
		for _, r := range runs {
			t.AppendRow(table.Row{
				r.ID,
				formatTime(&r.StartedAt),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
				r.Outcome,
				r.Detail,
			})
		}
		t.Render()
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <target id>",
	Short: "Shows the snapshots of a target, oldest first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		since, _ := cmd.Flags().GetDuration("since")

		var snapshots []snapshotRow
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetQueryParam("since", time.Now().Add(-since).UTC().Format(time.RFC3339)).
			SetResult(&snapshots).
			Get(fmt.Sprintf("/api/targets/%d/history", id))
		if err := check(res, err); err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Println("no snapshots in range")
			return nil
		}

		metrics := sortedKeys(snapshots[0].Metrics)
		header := table.Row{"Captured"}
		for _, m := range metrics {
			header = append(header, m)
		}

		t := newTable()
		t.AppendHeader(header)
		for _, snap := range snapshots {
			row := table.Row{formatTime(&snap.CapturedAt)}
			for _, m := range metrics {
				row = append(row, fmt.Sprintf("%.0f", snap.Metrics[m]))
			}
			t.AppendRow(row)
		}
		t.Render()
		return nil
	},
}

var trendCmd = &cobra.Command{
	Use:   "trend <target id>",
	Short: "Shows the latest change and the growth analysis of a target.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		var trend trendResult
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetResult(&trend).
			Get(fmt.Sprintf("/api/targets/%d/trend", id))
		if err := check(res, err); err != nil {
			return err
		}

		if trend.Diff == nil {
			fmt.Println(trend.Message)
		} else {
			t := newTable()
			t.SetTitle(fmt.Sprintf("%s -> %s", formatTime(&trend.Diff.From), formatTime(&trend.Diff.To)))
			t.AppendHeader(table.Row{"Metric", "Previous", "Current", "Delta"})
			for _, name := range sortedKeys(trend.Diff.Fields) {
				field := trend.Diff.Fields[name]
				t.AppendRow(table.Row{
					name,
					fmt.Sprintf("%.0f", field.Previous),
					fmt.Sprintf("%.0f", field.Current),
					fmt.Sprintf("%+.0f", field.Delta),
				})
			}
			t.Render()
		}

		a := trend.Analysis
		lines := []string{
			fmt.Sprintf("samples:         %d", a.Samples),
			fmt.Sprintf("growth:          %s (%s, %+.2f%%/day)", a.Growth, a.PrimaryMetric, a.DailyChange*100),
			fmt.Sprintf("engagement rate: %.2f%%", a.EngagementRate),
		}
		if a.ViralScore > 0 {
			lines = append(lines, fmt.Sprintf("viral score:     %.2f", a.ViralScore))
		}
		fmt.Println(strings.Join(lines, "\n"))
		return nil
	},
}
