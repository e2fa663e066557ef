// Package progress renders a single-line progress bar for scans run from the CLI.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const barWidth = 30

// Tracker redraws one terminal line as scan progress arrives.
type Tracker struct {
	out       io.Writer
	enabled   bool
	startTime time.Time
	now       func() time.Time

	mu       sync.Mutex
	progress float64
	label    string
}

// New creates a tracker writing to out. A disabled tracker prints nothing.
func New(out io.Writer, enabled bool) *Tracker {
	return &Tracker{
		out:       out,
		enabled:   enabled,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Update records fraction (0..1) and redraws. Values below the current one are ignored.
func (t *Tracker) Update(fraction float64, label string) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if fraction > 1 {
		fraction = 1
	}
	if fraction > t.progress {
		t.progress = fraction
	}
	if label != "" {
		t.label = label
	}
	t.render()
}

// Println prints a line above the bar and redraws the bar below it.
func (t *Tracker) Println(line string) {
	if !t.enabled {
		fmt.Fprintln(t.out, line)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, "\r\033[K")
	fmt.Fprintln(t.out, line)
	t.render()
}

// Complete clears the bar and prints how long the run took.
func (t *Tracker) Complete(summary string) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, "\r\033[K")
	fmt.Fprintf(t.out, "%s in %s\n", summary, formatDuration(t.now().Sub(t.startTime)))
}

func (t *Tracker) render() {
	fmt.Fprint(t.out, "\r\033[K")

	pct := int(t.progress * 100)
	filled := (pct * barWidth) / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	elapsed := t.now().Sub(t.startTime)
	eta := "calculating..."
	if pct > 0 && pct < 100 {
		total := time.Duration(float64(elapsed) / t.progress)
		eta = formatDuration(total - elapsed)
	}

	fmt.Fprintf(t.out, "[%s] %3d%% | %s | ETA: %s", bar, pct, t.label, eta)
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
