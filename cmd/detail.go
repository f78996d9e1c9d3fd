package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"novelhub/engine"
	"novelhub/utils"
)

var detailSourceID int
var tocSourceID int

var detailCmd = &cobra.Command{
	Use:   "detail [url]",
	Short: "Show a novel's detail page",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		src, ok := appEngine.GetSource(detailSourceID)
		if !ok {
			reportError(fmt.Errorf("no source with id %d", detailSourceID))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		detail, err := src.Detail(ctx, args[0])
		if err != nil {
			reportError(err)
			return
		}
		if apiMode {
			utils.OutputJSON("success", detail, nil)
			return
		}
		printHeader(detail.Title)
		printDetail("Author", detail.Author)
		if detail.Category != "" {
			printDetail("Category", detail.Category)
		}
		if detail.Status != "" {
			printDetail("Status", detail.Status)
		}
		if detail.Intro != "" {
			fmt.Println()
			fmt.Println(detail.Intro)
		}
	},
}

var tocCmd = &cobra.Command{
	Use:   "toc [url]",
	Short: "List a novel's chapters",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		src, ok := appEngine.GetSource(tocSourceID)
		if !ok {
			reportError(fmt.Errorf("no source with id %d", tocSourceID))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		raw, err := src.TOC(ctx, args[0])
		if err != nil {
			reportError(err)
			return
		}
		chapters := engine.NormalizeTOC(raw)
		if apiMode {
			utils.OutputJSON("success", map[string]interface{}{
				"chapters": chapters,
				"count":    len(chapters),
			}, nil)
			return
		}
		printHeader(fmt.Sprintf("Chapters (%d)", len(chapters)))
		for _, ch := range chapters {
			fmt.Printf("%4d. %s\n", ch.Order, ch.Title)
		}
	},
}

// reportError routes an error to JSON or styled output per the --api flag.
func reportError(err error) {
	if apiMode {
		utils.OutputJSON("error", nil, err)
		return
	}
	printError("Error: %v", err)
}

func init() {
	rootCmd.AddCommand(detailCmd)
	rootCmd.AddCommand(tocCmd)
	detailCmd.Flags().IntVar(&detailSourceID, "source", 0, "Source id the url belongs to")
	tocCmd.Flags().IntVar(&tocSourceID, "source", 0, "Source id the url belongs to")
	_ = detailCmd.MarkFlagRequired("source")
	_ = tocCmd.MarkFlagRequired("source")
}
