package cmd

import (
	"context"
	"fmt"
	"os"

	"shiori/models"
	"shiori/queue"
	"shiori/validation"

	"github.com/spf13/cobra"
)

var (
	downloadChapters string
	downloadNoWait   bool
)

var downloadCmd = &cobra.Command{
	Use:   "download <source-id> <manga-url>",
	Short: "Queue chapters of a manga and download them",
	Long: `Queue chapters of a manga and download them.

Chapters are numbered oldest first, as shown by 'shiori info'. Select them
with --chapters, e.g. "all", "latest", "12" or "1-5,8".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			manga, chapters, err := loadManga(ctx, a, args[0], args[1])
			if err != nil {
				return err
			}

			positions, err := validation.ChapterSelection(downloadChapters, len(chapters))
			if err != nil {
				return err
			}

			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}

			keys := make([]models.ChapterKey, 0, len(positions))
			names := make(map[models.ChapterKey]string, len(positions))
			for _, pos := range positions {
				ch := chapters[pos-1]
				if err := q.Enqueue(manga, ch); err != nil {
					return err
				}
				key := models.KeyOf(manga, ch)
				keys = append(keys, key)
				names[key] = fmt.Sprintf("%s / %s", manga.Title, chapterLabel(ch))
			}
			fmt.Printf("Queued %d chapter(s) of %s\n", len(keys), titleStyle.Sprint(manga.Title))

			if downloadNoWait {
				secondaryStyle.Println("Run 'shiori resume' to download them")
				return nil
			}
			return runUntilSettled(ctx, q, keys, names)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Download everything left in the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}

			var keys []models.ChapterKey
			for _, job := range q.Jobs() {
				if job.State == queue.StateQueued || job.State == queue.StateDownloading {
					keys = append(keys, job.Key)
				}
			}
			if len(keys) == 0 {
				fmt.Println("Nothing to resume")
				return nil
			}

			fmt.Printf("Resuming %d chapter(s)\n", len(keys))
			return runUntilSettled(ctx, q, keys, nil)
		})
	},
}

// runUntilSettled starts the workers and reports progress for keys until
// none of them is queued or downloading. Ctrl-C stops the queue and leaves
// unfinished chapters queued for the next run.
func runUntilSettled(ctx context.Context, q *queue.Queue, keys []models.ChapterKey, names map[models.ChapterKey]string) error {
	printer := newProgressPrinter(q, names)
	tracker := queue.NewTracker(q, keys, printer.onChange)

	trackCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	trackDone := make(chan error, 1)
	go func() { trackDone <- tracker.Run(trackCtx) }()

	if err := q.Start(ctx); err != nil {
		return err
	}

	select {
	case <-tracker.Settled():
	case <-ctx.Done():
		warningStyle.Println("\nInterrupted, unfinished chapters stay queued")
	}
	cancel()
	<-trackDone

	return printSummary(tracker.States(), printer)
}

func printSummary(states []queue.ChapterState, printer *progressPrinter) error {
	failed := 0
	rows := make([][]string, 0, len(states))
	for _, st := range states {
		detail := ""
		if st.State == queue.StateError {
			failed++
			detail = truncate(fmt.Sprintf("%s: %s", st.ErrKind, st.ErrMessage), 70)
		}
		rows = append(rows, []string{
			truncate(printer.label(st.Key), 50),
			stateLabel(st.State),
			progressLabel(st.Done, st.Total),
			detail,
		})
	}

	fmt.Println()
	printTable(os.Stdout, []string{"Chapter", "State", "Pages", "Error"}, rows)
	if failed > 0 {
		return fmt.Errorf("%d chapter(s) failed, use 'shiori retry' to try again", failed)
	}
	return nil
}

// progressPrinter prints one line per state change and per quarter of a
// chapter's pages
type progressPrinter struct {
	names map[models.ChapterKey]string
	last  map[models.ChapterKey]queue.ChapterState
}

func newProgressPrinter(q *queue.Queue, names map[models.ChapterKey]string) *progressPrinter {
	p := &progressPrinter{
		names: make(map[models.ChapterKey]string),
		last:  make(map[models.ChapterKey]queue.ChapterState),
	}
	for _, job := range q.Jobs() {
		p.names[job.Key] = fmt.Sprintf("%s / %s", mangaLabel(job.Manga), chapterLabel(job.Chapter))
	}
	for key, name := range names {
		p.names[key] = name
	}
	return p
}

func (p *progressPrinter) label(key models.ChapterKey) string {
	if name, ok := p.names[key]; ok {
		return name
	}
	return key.ChapterURL
}

func (p *progressPrinter) onChange(st queue.ChapterState) {
	prev, seen := p.last[st.Key]
	p.last[st.Key] = st

	if seen && prev.State == st.State {
		if st.Total == 0 || quarter(prev.Done, st.Total) == quarter(st.Done, st.Total) {
			return
		}
	}

	line := fmt.Sprintf("%-12s %s", stateStyle(st.State).Sprint(string(st.State)), p.label(st.Key))
	if st.Total > 0 {
		line += secondaryStyle.Sprintf("  %s", progressLabel(st.Done, st.Total))
	}
	if st.State == queue.StateError {
		line += errorStyle.Sprintf("  %s", st.ErrMessage)
	}
	fmt.Println(line)
}

func quarter(done, total int) int {
	return done * 4 / total
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadChapters, "chapters", "c", "all", "Chapters to download (all, latest, 3, 1-5,8)")
	downloadCmd.Flags().BoolVar(&downloadNoWait, "no-wait", false, "Only queue the chapters")

	rootCmd.AddCommand(downloadCmd, resumeCmd)
}
