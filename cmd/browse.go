package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"shiori/models"
	"shiori/queue"
	"shiori/sources"
	"shiori/validation"

	"github.com/spf13/cobra"
)

var listPages int

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the available sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			var rows [][]string
			for _, src := range a.registry.ListAll() {
				latest := "no"
				if sources.SupportsLatest(src) {
					latest = "yes"
				}
				rows = append(rows, []string{strconv.Itoa(src.ID()), src.Name(), src.BaseURL(), latest})
			}
			printTable(os.Stdout, []string{"ID", "Name", "Base URL", "Latest"}, rows)
			return nil
		})
	},
}

var popularCmd = &cobra.Command{
	Use:   "popular <source-id>",
	Short: "Show the popular listing of a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			src, err := a.source(args[0])
			if err != nil {
				return err
			}
			return printListing(ctx, src.Name()+" popular", sources.PopularPager(src))
		})
	},
}

var latestCmd = &cobra.Command{
	Use:   "latest <source-id>",
	Short: "Show recently updated manga on a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			src, err := a.source(args[0])
			if err != nil {
				return err
			}
			pager, err := sources.LatestPager(src)
			if err != nil {
				return err
			}
			return printListing(ctx, src.Name()+" latest updates", pager)
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <source-id> <query...>",
	Short: "Search a source by title",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			src, err := a.source(args[0])
			if err != nil {
				return err
			}
			query, err := validation.Query(strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printListing(ctx, fmt.Sprintf("%s results for %q", src.Name(), query), sources.SearchPager(src, query))
		})
	},
}

func printListing(ctx context.Context, title string, pager *sources.Pager) error {
	mangas, err := pager.Collect(ctx, listPages)
	if err != nil && len(mangas) == 0 {
		return err
	}

	printHeader(os.Stdout, title)
	rows := make([][]string, 0, len(mangas))
	for i, m := range mangas {
		rows = append(rows, []string{strconv.Itoa(i + 1), truncate(m.Title, 60), m.URL})
	}
	printTable(os.Stdout, []string{"#", "Title", "URL"}, rows)

	if err != nil {
		warningStyle.Printf("Listing stopped early: %v\n", err)
	} else if pager.HasNext() {
		secondaryStyle.Printf("More results available, use --pages to fetch more than %d page(s)\n", listPages)
	}
	return nil
}

var infoCmd = &cobra.Command{
	Use:   "info <source-id> <manga-url>",
	Short: "Show manga details and its chapters",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			manga, chapters, err := loadManga(ctx, a, args[0], args[1])
			if err != nil {
				return err
			}

			printHeader(os.Stdout, manga.Title)
			printDetail(os.Stdout, "URL", manga.URL)
			printDetail(os.Stdout, "Author", manga.Author)
			printDetail(os.Stdout, "Artist", manga.Artist)
			printDetail(os.Stdout, "Status", manga.Status.String())
			printDetail(os.Stdout, "Genres", strings.Join(manga.Genres, ", "))
			if manga.Description != "" {
				fmt.Println()
				fmt.Println(manga.Description)
			}
			fmt.Println()

			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(chapters))
			for i, ch := range chapters {
				var state queue.State
				progress := "-"
				if status, ok := q.StatusOf(models.KeyOf(manga, ch)); ok {
					state = status.State
					progress = progressLabel(status.Done, status.Total)
				}
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					truncate(chapterLabel(ch), 50),
					formatNumber(ch.Number),
					formatDate(ch.DateUpload),
					stateLabel(state),
					progress,
				})
			}
			printTable(os.Stdout, []string{"#", "Chapter", "Number", "Uploaded", "State", "Pages"}, rows)
			return nil
		})
	},
}

// loadManga resolves the source and manga reference, fetches the details
// and returns the chapters oldest first.
func loadManga(ctx context.Context, a *app, sourceArg, ref string) (models.Manga, []models.Chapter, error) {
	src, err := a.source(sourceArg)
	if err != nil {
		return models.Manga{}, nil, err
	}
	ref, err = validation.MangaRef(src, ref)
	if err != nil {
		return models.Manga{}, nil, err
	}

	manga, err := src.FetchDetails(ctx, models.Manga{SourceID: src.ID(), URL: ref})
	if err != nil {
		return models.Manga{}, nil, fmt.Errorf("failed to fetch manga details: %w", err)
	}
	if manga.Title == "" {
		manga.Title = ref
	}

	chapters, err := src.FetchChapterList(ctx, manga)
	if err != nil {
		return manga, nil, fmt.Errorf("failed to fetch chapter list: %w", err)
	}
	return manga, orderChapters(chapters), nil
}

func init() {
	popularCmd.Flags().IntVar(&listPages, "pages", 1, "Number of listing pages to fetch (0 fetches all)")
	latestCmd.Flags().IntVar(&listPages, "pages", 1, "Number of listing pages to fetch (0 fetches all)")
	searchCmd.Flags().IntVar(&listPages, "pages", 1, "Number of result pages to fetch (0 fetches all)")

	rootCmd.AddCommand(sourcesCmd, popularCmd, latestCmd, searchCmd, infoCmd)
}
