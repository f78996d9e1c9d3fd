package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"novelhub/rules"
	"novelhub/utils"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the configured sources",
	Run: func(cmd *cobra.Command, args []string) {
		all := appEngine.AllSources()

		if apiMode {
			type view struct {
				ID      int    `json:"id"`
				Name    string `json:"name"`
				BaseURL string `json:"base_url,omitempty"`
				Enabled bool   `json:"enabled"`
			}
			out := make([]view, 0, len(all))
			for _, src := range all {
				v := view{ID: src.ID(), Name: src.Name(), Enabled: src.Enabled()}
				if ruled, ok := src.(interface{ Rule() rules.Rule }); ok {
					v.BaseURL = ruled.Rule().BaseURL
				}
				out = append(out, v)
			}
			utils.OutputJSON("success", map[string]interface{}{
				"sources": out,
				"count":   len(out),
			}, nil)
			return
		}

		printHeader(fmt.Sprintf("Configured sources (%d)", len(all)))
		rows := make([][]string, 0, len(all))
		for _, src := range all {
			enabled := "yes"
			if !src.Enabled() {
				enabled = "no"
			}
			baseURL := ""
			if ruled, ok := src.(interface{ Rule() rules.Rule }); ok {
				baseURL = ruled.Rule().BaseURL
			}
			rows = append(rows, []string{
				fmt.Sprintf("%d", src.ID()), src.Name(), baseURL, enabled,
			})
		}
		printTable([]string{"ID", "NAME", "BASE URL", "ENABLED"}, rows)
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
