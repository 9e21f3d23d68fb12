package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
)

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the log file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.LogFile == "" {
			return errors.New("logging to a file is disabled (log_file is empty)")
		}
		if _, err := os.Stat(cfg.LogFile); err != nil {
			return fmt.Errorf("no log file yet: %w", err)
		}

		if err := printLastLines(os.Stdout, cfg.LogFile, logsLines); err != nil {
			return err
		}
		if !logsFollow {
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return followLog(ctx, os.Stdout, cfg.LogFile)
	},
}

// printLastLines prints the last n lines of path (every line when n <= 0)
func printLastLines(w io.Writer, path string, n int) error {
	t, err := tail.TailFile(path, tail.Config{Logger: tail.DiscardingLogger})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer t.Cleanup()

	var ring []string
	for line := range t.Lines {
		if line.Err != nil {
			return line.Err
		}
		ring = append(ring, line.Text)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}

	for _, text := range ring {
		fmt.Fprintln(w, text)
	}
	return nil
}

// followLog prints lines appended to path until ctx is done. Rotation is
// followed by reopening the file.
func followLog(ctx context.Context, w io.Writer, path string) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow log file: %w", err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(w, line.Text)
		}
	}
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep printing new lines")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "Number of lines to print (0 prints all)")

	rootCmd.AddCommand(logsCmd)
}
