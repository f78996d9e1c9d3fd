package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"novelhub/engine"
	"novelhub/utils"
)

var (
	downloadSourceID int
	downloadFormat   string
)

var downloadCmd = &cobra.Command{
	Use:   "download [url]",
	Short: "Download a complete novel",
	Long:  `Download every chapter of a novel and assemble it into a TXT or EPUB file.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, err := engine.ParseFormat(downloadFormat)
		if err != nil {
			reportError(err)
			return
		}
		taskID, err := appEngine.StartDownload(args[0], downloadSourceID, format)
		if err != nil {
			reportError(err)
			return
		}

		if !apiMode {
			printHeader("Download started")
			printDetail("Task", taskID)
		}

		// Poll until the task goes terminal, showing chapter progress.
		var snap engine.TaskSnapshot
		lastLine := ""
		for {
			time.Sleep(time.Second)
			s, ok := appEngine.Tasks.Progress(taskID)
			if !ok {
				reportError(fmt.Errorf("task %s disappeared", taskID))
				return
			}
			snap = s
			if !apiMode {
				line := fmt.Sprintf("[%s] %d/%d chapters (%.0f%%)",
					snap.State, snap.CompletedChapters+snap.FailedChapters,
					snap.TotalChapters, snap.ProgressPercentage())
				if line != lastLine {
					fmt.Println(line)
					lastLine = line
				}
			}
			if snap.State.Terminal() {
				break
			}
		}

		if apiMode {
			if snap.State == engine.TaskFailed {
				utils.OutputJSON("error", snap, fmt.Errorf("%s", snap.Error))
				return
			}
			utils.OutputJSON("success", snap, nil)
			return
		}
		if snap.State == engine.TaskFailed {
			printError("Download failed: %s", snap.Error)
			return
		}
		printSuccess("Done: %s (%s by %s, %d chapters, %d failed)",
			pathStyle.Sprint(snap.ArtifactPath), snap.Title, snap.Author,
			snap.TotalChapters, snap.FailedChapters)
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().IntVar(&downloadSourceID, "source", 0, "Source id the url belongs to")
	downloadCmd.Flags().StringVar(&downloadFormat, "format", "txt", "Output format (txt or epub)")
	_ = downloadCmd.MarkFlagRequired("source")
}
