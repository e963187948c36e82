package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var transferCmd = &cobra.Command{
	Use:   "transfer <path>",
	Short: "Transfer a file or directory into the library",
	Long: `Recognize the media under <path> and place it in the library the same way a
completed download is handled. Running it twice on the same path does not
duplicate files: already placed files are reported as skipped.

Use --poll to run one downloader poll instead of a manual path.`,
	Args: func(cmd *cobra.Command, args []string) error {
		poll, _ := cmd.Flags().GetBool("poll")
		if poll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		poll, _ := cmd.Flags().GetBool("poll")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := commandContext(timeout)
		defer cancel()

		if poll {
			report, err := a.pipeline.Poll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Downloads: %d\nTransferred: %d\nSkipped: %d\nFailed: %d\nUnrecognized: %d\nDuration: %s\n",
				report.Downloads, report.Transferred, report.Skipped, report.Failed, report.Unrecognized,
				report.Duration.Round(time.Millisecond))
			return nil
		}

		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		result, err := a.pipeline.TransferPath(ctx, path)
		if err != nil {
			return fmt.Errorf("transfer of %s failed: %w", path, err)
		}

		fmt.Printf("State: %s\n", result.State)
		for _, row := range result.Placed {
			fmt.Printf("  %s -> %s\n", row.Src, row.Dest)
		}
		fmt.Printf("Placed: %d, skipped: %d, failed: %d, unrecognized: %d\n",
			len(result.Placed), result.Skipped, result.Failed, result.Unrecognized)
		return nil
	},
}

func init() {
	transferCmd.Flags().Bool("poll", false, "poll the downloader for completed downloads")
	transferCmd.Flags().Duration("timeout", 30*time.Minute, "abort after this long (0 for no limit)")
}
