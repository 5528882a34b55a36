// Package tui provides the terminal look of the replayflow CLI.
// Simple streaming output - styled lines and a progress bar, no
// interactive screens.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

// Title renders bold white text.
func Title(s string) string { return titleStyle.Render(s) }

// Accent renders bold red text.
func Accent(s string) string { return accentStyle.Render(s) }

// Muted renders dim gray text.
func Muted(s string) string { return mutedStyle.Render(s) }

// Good renders bold green text.
func Good(s string) string { return successStyle.Render(s) }

// Code renders text as an inline code chip.
func Code(s string) string { return codeStyle.Render(s) }

// PrintHeader prints the program banner.
func PrintHeader(version string) {
	fmt.Println()
	fmt.Println(titleStyle.Render("  REPLAYFLOW") + mutedStyle.Render(" v"+version))
	fmt.Println(mutedStyle.Render("  Replay snapshots to ML-ready wide tables"))
	fmt.Println()
}

// RunReport summarizes a batch run for display.
type RunReport struct {
	Replays         int
	Succeeded       int
	Failed          int
	Skipped         int
	Rows            int64
	TotalDuration   time.Duration
	AverageDuration time.Duration
}

// PrintRunReport prints the end-of-batch summary block.
func PrintRunReport(r *RunReport) {
	fmt.Println()
	if r.Failed == 0 {
		fmt.Println(successStyle.Render("  ✓ BATCH COMPLETE"))
	} else {
		fmt.Println(accentStyle.Render(fmt.Sprintf("  ✗ BATCH COMPLETE WITH %d FAILURES", r.Failed)))
	}
	fmt.Println()
	fmt.Printf("  %s %s succeeded, %s failed",
		mutedStyle.Render("Matches:"),
		titleStyle.Render(fmt.Sprintf("%d/%d", r.Succeeded, r.Replays)),
		titleStyle.Render(fmt.Sprintf("%d", r.Failed)))
	if r.Skipped > 0 {
		fmt.Printf(", %s skipped (resume)", titleStyle.Render(fmt.Sprintf("%d", r.Skipped)))
	}
	fmt.Println()
	fmt.Printf("  %s %s\n", mutedStyle.Render("Rows:"), titleStyle.Render(FormatNumber(r.Rows)))
	if r.TotalDuration > 0 {
		fmt.Printf("  %s %s %s\n",
			mutedStyle.Render("Time:"),
			titleStyle.Render(FormatDuration(r.TotalDuration)),
			mutedStyle.Render(fmt.Sprintf("(%s/match avg)", FormatDuration(r.AverageDuration))))
	}
	fmt.Println()
}

// PrintFailure prints one failed match line.
func PrintFailure(replay string, err error) {
	fmt.Printf("  %s %s %s\n",
		accentStyle.Render("✗"),
		titleStyle.Render(replay),
		mutedStyle.Render(err.Error()))
}

// PrintSuccess prints one succeeded line.
func PrintSuccess(label, detail string) {
	fmt.Printf("  %s %s %s\n",
		successStyle.Render("✓"),
		titleStyle.Render(label),
		mutedStyle.Render(detail))
}

// ClearLine clears the current terminal line.
func ClearLine() {
	fmt.Print("\r\033[K")
}

// FormatBytes renders a byte count like "1.2 MB".
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders a duration like "4.2s" or "2m13s".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// FormatNumber renders a count like "12.4K".
func FormatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// ShowProgress creates the batch progress bar.
func ShowProgress(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// Spinner shows a simple loading indicator until done closes.
func Spinner(message string, done chan bool) {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	for {
		select {
		case <-done:
			fmt.Printf("\r%s %s\n", successStyle.Render("✓"), message)
			return
		default:
			fmt.Printf("\r%s %s", accentStyle.Render(frames[i]), message)
			i = (i + 1) % len(frames)
			time.Sleep(80 * time.Millisecond)
		}
	}
}
