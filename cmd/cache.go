package cmd

import (
	"github.com/spf13/cobra"

	"novelhub/utils"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the page cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached pages from memory and disk",
	Run: func(cmd *cobra.Command, args []string) {
		cleared, err := appEngine.Cache.Clear()
		if err != nil {
			reportError(err)
			return
		}
		if apiMode {
			utils.OutputJSON("success", map[string]int{"cleared": cleared}, nil)
			return
		}
		printSuccess("Cleared %d cache entries", cleared)
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
