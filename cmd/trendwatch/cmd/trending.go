package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type trendingWord struct {
	Position int    `json:"position"`
	Word     string `json:"word"`
	HotValue int64  `json:"hot_value"`
}

func init() {
	rootCmd.AddCommand(trendingCmd)
}

var trendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "Shows the platform's current trending board.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var words []trendingWord
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetResult(&words).
			Get("/api/trending")
		if err := check(res, err); err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"#", "Word", "Heat"})
		for _, w := range words {
			t.AppendRow(table.Row{w.Position, w.Word, w.HotValue})
		}
		t.Render()
		return nil
	},
}
