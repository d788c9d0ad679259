// Package output renders live progress and run summaries on the console.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/wesleyorama2/surge/internal/campaign/engine"
	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/scheduler"
)

// Cursor control.
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	// Segments still scheduling, out of Total
	RunningSegments int
	TotalSegments   int

	// Slots across all segments
	ActiveSlots int
	MaxSlots    int

	TargetRate    float64 // sum of the profiles' current rates
	IterationRate float64 // started per second so far
	Started       int64
	Dropped       int64

	Checks       int64
	ChecksFailed int64
	FailRate     float64

	LatencyP95 time.Duration
	LatencyAvg time.Duration
}

// palette holds the colors of one console.
type palette struct {
	header  *color.Color
	bold    *color.Color
	dim     *color.Color
	ok      *color.Color
	warn    *color.Color
	bad     *color.Color
	value   *color.Color
	latency *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		header:  color.New(color.FgCyan),
		bold:    color.New(color.Bold),
		dim:     color.New(color.Faint),
		ok:      color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		bad:     color.New(color.FgRed),
		value:   color.New(color.FgCyan),
		latency: color.New(color.FgBlue),
	}
	for _, c := range []*color.Color{p.header, p.bold, p.dim, p.ok, p.warn, p.bad, p.value, p.latency} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// ConsoleOutput manages live console output during a campaign.
type ConsoleOutput struct {
	name           string
	totalDuration  time.Duration
	updateInterval time.Duration
	writer         io.Writer
	isTTY          bool
	quiet          bool
	colors         palette

	mu          sync.Mutex
	linesOutput int
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	Name           string
	TotalDuration  time.Duration
	UpdateInterval time.Duration
	Writer         io.Writer
	Quiet          bool
	ForceColors    bool
	ForceTTY       bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = time.Second
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := config.ForceColors || (isTTY && supportsColors())

	return &ConsoleOutput{
		name:           config.Name,
		totalDuration:  config.TotalDuration,
		updateInterval: config.UpdateInterval,
		writer:         config.Writer,
		isTTY:          isTTY,
		quiet:          config.Quiet,
		colors:         newPalette(useColors),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// UpdateInterval returns how often live stats should be refreshed.
func (c *ConsoleOutput) UpdateInterval() time.Duration {
	return c.updateInterval
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the campaign header.
func (c *ConsoleOutput) PrintHeader(segments int) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	c.writeln(c.colors.header.Sprint(line))
	c.writeln(c.colors.bold.Sprintf("%s - Running [%d segments, %s]", c.name, segments, formatDuration(c.totalDuration)))
	c.writeln(c.colors.header.Sprint(line))
	c.writeln("")
}

// Update refreshes the live display. On a non-terminal it prints a single
// status line instead.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet {
		return
	}
	if !c.isTTY {
		c.PrintNonInteractiveUpdate(stats)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLiveLocked()
	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *ConsoleOutput) clearLiveLocked() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.ok.Sprint(renderProgressBar(stats.Progress, 40)),
		c.colors.bold.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.dim.Sprint(timeInfo)))
	lines = append(lines, fmt.Sprintf("Segments: %s running of %d",
		c.colors.value.Sprint(stats.RunningSegments), stats.TotalSegments))
	lines = append(lines, "")

	boxWidth := 61
	lines = append(lines, c.colors.dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	slots := fmt.Sprintf("Slots:   %s / %d", c.colors.value.Sprint(stats.ActiveSlots), stats.MaxSlots)
	started := fmt.Sprintf("Started:     %s", c.colors.value.Sprint(formatNumber(stats.Started)))
	lines = append(lines, c.formatBoxRow(slots, started, boxWidth))

	rate := fmt.Sprintf("Rate:    %s (target %.1f/s)", c.colors.ok.Sprintf("%.1f/s", stats.IterationRate), stats.TargetRate)
	dropColor := c.colors.ok
	if stats.Dropped > 0 {
		dropColor = c.colors.warn
	}
	dropped := fmt.Sprintf("Dropped:     %s", dropColor.Sprint(formatNumber(stats.Dropped)))
	lines = append(lines, c.formatBoxRow(rate, dropped, boxWidth))

	failColor := c.rateColor(stats.FailRate)
	checks := fmt.Sprintf("Checks:  %s", c.colors.value.Sprint(formatNumber(stats.Checks)))
	failed := fmt.Sprintf("Failed:      %s (%s)",
		failColor.Sprint(stats.ChecksFailed),
		failColor.Sprintf("%.1f%%", stats.FailRate*100))
	lines = append(lines, c.formatBoxRow(checks, failed, boxWidth))

	p95 := fmt.Sprintf("P95:     %s", c.colors.latency.Sprint(formatDurationShort(stats.LatencyP95)))
	avg := fmt.Sprintf("Avg:         %s", c.colors.latency.Sprint(formatDurationShort(stats.LatencyAvg)))
	lines = append(lines, c.formatBoxRow(p95, avg, boxWidth))

	lines = append(lines, c.colors.dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))
	return lines
}

func (c *ConsoleOutput) rateColor(failRate float64) *color.Color {
	switch {
	case failRate > 0.05:
		return c.colors.bad
	case failRate > 0.01:
		return c.colors.warn
	default:
		return c.colors.ok
	}
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2

	leftPadding := colWidth - visibleLen(left)
	if leftPadding < 0 {
		leftPadding = 0
	}
	rightPadding := colWidth - visibleLen(right)
	if rightPadding < 0 {
		rightPadding = 0
	}

	bar := c.colors.dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		bar, left, strings.Repeat(" ", leftPadding),
		bar, right, strings.Repeat(" ", rightPadding),
		bar)
}

// PrintNonInteractiveUpdate prints a one-line status update for non-TTY
// output such as CI logs.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | Segments: %d/%d | Slots: %d | Started: %d | Dropped: %d | Rate: %.1f/s | Failed: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.RunningSegments,
		stats.TotalSegments,
		stats.ActiveSlots,
		stats.Started,
		stats.Dropped,
		stats.IterationRate,
		stats.ChecksFailed,
		stats.FailRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// PrintSummary prints the final campaign summary.
func (c *ConsoleOutput) PrintSummary(result *engine.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.ok.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.bad.Sprint("FAILED"))
		}
		return
	}

	if c.isTTY {
		c.clearLiveLocked()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.colors.ok.Sprint("Completed ✓")
	if !result.Passed {
		status = c.colors.bad.Sprint("Failed ✗")
	}

	c.writeln("")
	c.writeln(c.colors.header.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", c.colors.bold.Sprint(result.Name), status))
	c.writeln(c.colors.header.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.value.Sprint(formatDuration(result.Duration))))
	if m := result.Metrics; m != nil {
		t := m.Totals
		c.writeln(fmt.Sprintf("Iterations:    %s started, %s dropped, %s completed, %s cancelled",
			c.colors.value.Sprint(formatNumber(t.Started)),
			c.colors.value.Sprint(formatNumber(t.Dropped)),
			c.colors.value.Sprint(formatNumber(t.Completed)),
			c.colors.value.Sprint(formatNumber(t.Cancelled))))

		passRate := t.CheckRate()
		c.writeln(fmt.Sprintf("Checks:        %s (%s passed)",
			c.colors.value.Sprint(formatNumber(t.Checks())),
			c.rateColor(1-passRate).Sprintf("%.1f%%", passRate*100)))
		c.writeln("")

		c.writeln(c.colors.bold.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(m.Latency.Min)))
		c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(m.Latency.P50)))
		c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(m.Latency.P90)))
		c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(m.Latency.P95)))
		c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(m.Latency.P99)))
		c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(m.Latency.Max)))
		c.writeln("")
	}

	if len(result.Segments) > 0 {
		c.writeln(c.colors.bold.Sprint("Segments:"))
		c.writeSegmentTable(result.Segments)
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(c.colors.bold.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			mark := c.colors.ok.Sprint("✓")
			if !t.Passed {
				mark = c.colors.bad.Sprint("✗")
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, t.Value))
		}
		c.writeln("")
	}

	if len(result.Errors) > 0 {
		c.writeln(c.colors.bad.Sprint("Errors:"))
		for _, e := range result.Errors {
			c.writeln("  " + e)
		}
		c.writeln("")
	}
}

func (c *ConsoleOutput) writeSegmentTable(segments []engine.SegmentResult) {
	tw := tabwriter.NewWriter(c.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  SEGMENT\tSCHEDULED\tSTARTED\tDROPPED\tCOMPLETED\tCANCELLED\tCHECKS\tP95\tPEAK SLOTS\t")
	for _, s := range segments {
		if s.Error != "" {
			fmt.Fprintf(tw, "  %s\t-\t-\t-\t-\t-\t-\t-\t-\t%s\n", s.Key, c.colors.bad.Sprint(s.Error))
			continue
		}
		counters := s.Metrics.Counters
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\t%s\t%d\t\n",
			s.Key,
			s.Scheduler.Scheduled,
			s.Scheduler.Started,
			s.Scheduler.Dropped,
			s.Scheduler.Completed,
			s.Scheduler.Cancelled,
			counters.CheckRate()*100,
			formatDurationShort(s.Metrics.Latency.P95),
			s.Scheduler.Pool.Peak,
		)
	}
	tw.Flush()
}

// PrintReplaySummary prints the outcome of a replay pass.
func (c *ConsoleOutput) PrintReplaySummary(stats scheduler.ReplayStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	passed := stats.Failed == 0 && stats.Cancelled == 0
	if c.quiet {
		if passed {
			c.writeln(c.colors.ok.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.bad.Sprint("FAILED"))
		}
		return
	}

	status := c.colors.ok.Sprint("Completed ✓")
	if !passed {
		status = c.colors.bad.Sprint("Failed ✗")
	}

	c.writeln(fmt.Sprintf("Replay - %s", status))
	c.writeln(fmt.Sprintf("Records:       %s", c.colors.value.Sprint(formatNumber(int64(stats.Total)))))
	c.writeln(fmt.Sprintf("Passed:        %s", c.colors.ok.Sprint(formatNumber(stats.Passed))))
	c.writeln(fmt.Sprintf("Failed:        %s", c.rateColor(failRatio(stats)).Sprint(formatNumber(stats.Failed))))
	if stats.Cancelled > 0 {
		c.writeln(fmt.Sprintf("Cancelled:     %s", c.colors.warn.Sprint(formatNumber(stats.Cancelled))))
	}
	c.writeln(fmt.Sprintf("Duration:      %s", formatDuration(stats.Elapsed)))
}

func failRatio(stats scheduler.ReplayStats) float64 {
	if stats.Completed == 0 {
		return 0
	}
	return float64(stats.Failed) / float64(stats.Completed)
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// StatsFromEngine builds LiveStats from a metrics snapshot and the
// schedulers' progress.
func StatsFromEngine(snap *metrics.Snapshot, segments []scheduler.Stats) *LiveStats {
	stats := &LiveStats{TotalSegments: len(segments)}

	var longest, elapsed time.Duration
	for _, s := range segments {
		if s.Running {
			stats.RunningSegments++
			stats.TargetRate += s.Rate
		}
		stats.ActiveSlots += s.Pool.Active
		stats.MaxSlots += s.Pool.Max
		if s.Duration > longest {
			longest = s.Duration
		}
		if s.Elapsed > elapsed {
			elapsed = s.Elapsed
		}
	}

	stats.Elapsed = elapsed
	if longest > 0 {
		stats.Progress = float64(elapsed) / float64(longest)
		if stats.Progress > 1 {
			stats.Progress = 1
		}
		if longest > elapsed {
			stats.Remaining = longest - elapsed
		}
	}

	if snap != nil {
		t := snap.Totals
		stats.Started = t.Started
		stats.Dropped = t.Dropped
		stats.Checks = t.Checks()
		stats.ChecksFailed = t.ChecksFailed
		if stats.Checks > 0 {
			stats.FailRate = float64(t.ChecksFailed) / float64(stats.Checks)
		}
		stats.IterationRate = snap.IterationRate()
		stats.LatencyP95 = snap.Latency.P95
		stats.LatencyAvg = snap.Latency.Mean
	}
	return stats
}

func renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// visibleLen returns the display width of s, ignoring ANSI sequences.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		n++
	}
	return n
}
