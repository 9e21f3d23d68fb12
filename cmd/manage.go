package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"shiori/models"
	"shiori/queue"

	"github.com/spf13/cobra"
)

var (
	retryAll bool
	showKeys bool
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"ls"},
	Short:   "Show the download queue",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}

			jobs := q.Jobs()
			if len(jobs) == 0 {
				fmt.Println("The queue is empty")
				return nil
			}

			headers := []string{"#", "Manga", "Chapter", "State", "Pages", "Error"}
			if showKeys {
				headers = append(headers, "Key")
			}

			rows := make([][]string, 0, len(jobs))
			for i, job := range jobs {
				row := []string{
					strconv.Itoa(i + 1),
					truncate(mangaLabel(job.Manga), 30),
					truncate(chapterLabel(job.Chapter), 30),
					stateLabel(job.State),
					progressLabel(job.Done, job.Total),
					truncate(job.ErrMessage, 50),
				}
				if showKeys {
					row = append(row, job.Key.String())
				}
				rows = append(rows, row)
			}
			printTable(os.Stdout, headers, rows)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [# | key]...",
	Short: "Queue failed chapters again",
	Long: `Queue failed chapters again. Chapters are picked by their row in
'shiori queue' or by key; --all retries every failed chapter. Pages already
on disk are kept, so a retry only fetches what is missing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !retryAll && len(args) == 0 {
			return errors.New("name the chapters to retry or pass --all")
		}

		return withApp(func(ctx context.Context, a *app) error {
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}

			var keys []models.ChapterKey
			if retryAll {
				for _, job := range q.Jobs() {
					if job.State == queue.StateError {
						keys = append(keys, job.Key)
					}
				}
			} else {
				keys, err = selectJobs(q, args)
				if err != nil {
					return err
				}
			}

			retried := 0
			for _, key := range keys {
				if err := q.Retry(key); err != nil {
					warningStyle.Printf("Skipped %s: %v\n", key, err)
					continue
				}
				retried++
			}
			fmt.Printf("Queued %d chapter(s) again\n", retried)
			if retried > 0 {
				secondaryStyle.Println("Run 'shiori resume' to download them")
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <# | key>...",
	Aliases: []string{"rm"},
	Short:   "Remove chapters from the queue and from disk",
	Long: `Remove chapters from the queue and delete their files. Queued and
failed chapters are picked by their row in 'shiori queue'; downloaded
chapters by key (source:manga-url:chapter-url).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}

			keys, err := selectJobs(q, args)
			if err != nil {
				return err
			}

			var errs []error
			for _, key := range keys {
				if err := q.Delete(key); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					continue
				}
				successStyle.Printf("Deleted %s\n", key)
			}
			return errors.Join(errs...)
		})
	},
}

// selectJobs maps row numbers of the current queue listing and raw keys to chapter keys
func selectJobs(q *queue.Queue, args []string) ([]models.ChapterKey, error) {
	jobs := q.Jobs()
	keys := make([]models.ChapterKey, 0, len(args))
	for _, arg := range args {
		if row, err := strconv.Atoi(arg); err == nil {
			if row < 1 || row > len(jobs) {
				return nil, fmt.Errorf("row %d is not in the queue (1-%d)", row, len(jobs))
			}
			keys = append(keys, jobs[row-1].Key)
			continue
		}

		key, err := parseKey(arg)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// parseKey reads the source:manga-url:chapter-url form printed by ChapterKey.String
func parseKey(s string) (models.ChapterKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return models.ChapterKey{}, fmt.Errorf("invalid chapter key %q, expected source:manga-url:chapter-url", s)
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return models.ChapterKey{}, fmt.Errorf("invalid source id in key %q", s)
	}
	return models.ChapterKey{SourceID: id, MangaURL: parts[1], ChapterURL: parts[2]}, nil
}

func init() {
	queueCmd.Flags().BoolVar(&showKeys, "keys", false, "Show chapter keys")
	retryCmd.Flags().BoolVar(&retryAll, "all", false, "Retry every failed chapter")

	rootCmd.AddCommand(queueCmd, retryCmd, deleteCmd)
}
