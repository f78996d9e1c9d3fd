package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

var (
	headerStyle  = color.New(color.Bold, color.FgCyan)
	successStyle = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed)
	warnStyle    = color.New(color.FgYellow)
	detailStyle  = color.New(color.FgHiBlue)
	pathStyle    = color.New(color.FgHiGreen)
)

func printHeader(text string) {
	_, _ = headerStyle.Println(text)
}

func printSuccess(format string, args ...interface{}) {
	_, _ = successStyle.Printf(format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	_, _ = errorStyle.Fprintf(os.Stderr, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	_, _ = warnStyle.Printf(format+"\n", args...)
}

func printDetail(label, value string) {
	_, _ = detailStyle.Printf("%s: ", label)
	fmt.Println(value)
}

// printTable renders rows with left-aligned headers on stdout.
func printTable(headers []string, rows [][]string) {
	table := tablewriter.NewTable(os.Stdout)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Header.Alignment.Global = tw.AlignLeft
		cfg.Row.Alignment.Global = tw.AlignLeft
	})
	table.Header(headers)
	if err := table.Bulk(rows); err != nil {
		return
	}
	_ = table.Render()
}
