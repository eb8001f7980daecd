package output

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tanq16/bolt/internal/engine"
)

// Renderer turns engine progress callbacks into a single-line terminal
// display. It is driven entirely through the engine's observer callback and
// never reaches into the engine.
type Renderer struct {
	mu       sync.Mutex
	label    string
	quiet    bool
	lastLine int
	done     bool
}

func NewRenderer(label string, quiet bool) *Renderer {
	return &Renderer{label: label, quiet: quiet}
}

// Callback returns the observer function to install on the engine.
func (r *Renderer) Callback() engine.Callback {
	return func(p engine.Progress) {
		r.render(p)
	}
}

func (r *Renderer) render(p engine.Progress) {
	if r.quiet {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}

	var line string
	switch {
	case p.TotalBytes > 0:
		line = fmt.Sprintf("%s %s  %s/%s  %s/s  %d seg  ETA %s",
			r.label,
			ProgressBar(p.DownloadedBytes, p.TotalBytes, 28),
			humanize.IBytes(uint64(p.DownloadedBytes)),
			humanize.IBytes(uint64(p.TotalBytes)),
			humanize.IBytes(uint64(p.SpeedBps)),
			p.ActiveSegments,
			formatETA(p.ETASeconds),
		)
	default:
		line = fmt.Sprintf("%s %s downloaded  %s/s",
			r.label,
			humanize.IBytes(uint64(p.DownloadedBytes)),
			humanize.IBytes(uint64(p.SpeedBps)),
		)
	}

	if width := terminalWidth(); len(line) > width {
		line = line[:width]
	}

	pad := ""
	if short := r.lastLine - len(line); short > 0 {
		pad = strings.Repeat(" ", short)
	}
	fmt.Printf("\r%s%s", line, pad)
	r.lastLine = len(line)
}

// Finish prints the terminal summary line.
func (r *Renderer) Finish(p engine.Progress, err error) {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()

	if r.quiet {
		return
	}
	fmt.Print("\r", strings.Repeat(" ", r.lastLine), "\r")

	switch {
	case err != nil:
		PrintError(fmt.Sprintf("%s: %v", r.label, err))
	case p.State == engine.StateCancelled:
		PrintWarning(fmt.Sprintf("%s cancelled at %s", r.label, humanize.IBytes(uint64(p.DownloadedBytes))))
	default:
		PrintSuccess(fmt.Sprintf("%s  %s in %s (%s/s avg)",
			r.label,
			humanize.IBytes(uint64(p.DownloadedBytes)),
			p.LastUpdate.Sub(p.StartTime).Round(100*time.Millisecond),
			humanize.IBytes(uint64(p.AverageSpeedBps)),
		))
	}
}

func formatETA(seconds int64) string {
	if seconds <= 0 {
		return "--"
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm%02ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh%02dm", seconds/3600, (seconds%3600)/60)
}
