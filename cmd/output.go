package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"shiori/models"
	"shiori/queue"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

var (
	headerStyle    = color.New(color.Bold, color.FgCyan)
	titleStyle     = color.New(color.Bold, color.FgWhite)
	successStyle   = color.New(color.FgGreen)
	errorStyle     = color.New(color.FgRed)
	warningStyle   = color.New(color.FgYellow)
	infoStyle      = color.New(color.FgBlue)
	secondaryStyle = color.New(color.FgHiBlack)
	labelStyle     = color.New(color.FgHiBlue)
)

// printHeader prints a header followed by a divider
func printHeader(w io.Writer, text string) {
	headerStyle.Fprintln(w, text)
	secondaryStyle.Fprintln(w, strings.Repeat("─", len([]rune(text))))
}

// printDetail prints a "label: value" line, skipping empty values
func printDetail(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Sprintf("%-12s", label+":"), value)
}

// printTable prints rows in a left aligned table
func printTable(w io.Writer, headers []string, data [][]string) {
	table := tablewriter.NewTable(w)
	table.Configure(func(tableConfig *tablewriter.Config) {
		tableConfig.Header.Alignment.Global = tw.AlignLeft
		tableConfig.Row.Alignment.Global = tw.AlignLeft
		tableConfig.Header.Padding.Global = tw.Padding{
			Left:  " ",
			Right: " ",
		}
		tableConfig.Row.Padding.Global = tw.Padding{
			Left:  " ",
			Right: " ",
		}
	})

	table.Header(headers)
	if err := table.Bulk(data); err != nil {
		return
	}
	if err := table.Render(); err != nil {
		return
	}
}

func stateStyle(state queue.State) *color.Color {
	switch state {
	case queue.StateDownloaded:
		return successStyle
	case queue.StateError:
		return errorStyle
	case queue.StateDownloading:
		return infoStyle
	case queue.StateQueued:
		return warningStyle
	default:
		return secondaryStyle
	}
}

// stateLabel renders a state for tables; "" means not downloaded
func stateLabel(state queue.State) string {
	if state == "" {
		return secondaryStyle.Sprint("-")
	}
	return stateStyle(state).Sprint(string(state))
}

func progressLabel(done, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", done, total)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatDate(millis int64) string {
	if millis <= 0 {
		return "-"
	}
	return time.UnixMilli(millis).Format("2006-01-02")
}

func formatNumber(n float64) string {
	if n < 0 {
		return "-"
	}
	return fmt.Sprintf("%g", n)
}

func mangaLabel(m models.Manga) string {
	if m.Title != "" {
		return m.Title
	}
	return m.URL
}

func chapterLabel(c models.Chapter) string {
	if c.Name != "" {
		return c.Name
	}
	return c.URL
}

// orderChapters sorts chapters by number, oldest first. Chapters without a
// number keep their relative site order at the front.
func orderChapters(chapters []models.Chapter) []models.Chapter {
	ordered := append([]models.Chapter(nil), chapters...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Number < ordered[j].Number
	})
	return ordered
}
