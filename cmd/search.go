package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"novelhub/utils"
)

var searchMaxResults int

var searchCmd = &cobra.Command{
	Use:   "search [keyword]",
	Short: "Search for novels across all enabled sources",
	Long:  `Search for novels by title or author across every enabled source, merged and ranked by relevance.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keyword := args[0]
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		result, err := appEngine.SearchAll(ctx, keyword, searchMaxResults)
		if err != nil {
			if apiMode {
				utils.OutputJSON("error", nil, err)
				return
			}
			printError("Search failed: %v", err)
			return
		}

		if apiMode {
			utils.OutputJSON("success", map[string]interface{}{
				"keyword": keyword,
				"results": result.Hits,
				"count":   len(result.Hits),
				"failed":  result.Failed,
			}, nil)
			return
		}

		printHeader(fmt.Sprintf("Search results for %q", keyword))
		if len(result.Hits) == 0 {
			printWarning("No results found.")
		} else {
			rows := make([][]string, 0, len(result.Hits))
			for i, hit := range result.Hits {
				rows = append(rows, []string{
					fmt.Sprintf("%d", i+1),
					hit.Title,
					hit.Author,
					fmt.Sprintf("%d (%s)", hit.SourceID, hit.SourceName),
					hit.LatestChapter,
					hit.DetailURL,
				})
			}
			printTable([]string{"#", "TITLE", "AUTHOR", "SOURCE", "LATEST", "URL"}, rows)
		}
		for _, f := range result.Failed {
			printWarning("source %d (%s) failed: %s", f.SourceID, f.SourceName, f.Message)
		}
		printDetail("Duration", result.Duration.Round(time.Millisecond).String())
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVar(&searchMaxResults, "max-results", 30, "Maximum number of merged results")
}
