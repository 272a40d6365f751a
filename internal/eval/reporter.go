package eval

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

// reporter redraws the progress display once per tick and terminates the run
// when the queue is empty, all workers are idle and no completion is left to
// process.
func (s *Scheduler) reporter(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopwork()
			return ctx.Err()
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			return nil
		}
		quiescent := s.queue.Len() == 0 && s.unprocessed == 0
		for _, sl := range s.running {
			if !sl.idle() {
				quiescent = false
			}
		}
		lines := s.statusLines()
		s.mu.Unlock()

		s.redraw(lines)
		if quiescent {
			s.stopwork()
			return nil
		}
	}
}

// statusLines must be called with s.mu held.
func (s *Scheduler) statusLines() []string {
	passed, failed, skipped, untested := s.tally()
	lines := make([]string, 0, len(s.running)+1)
	lines = append(lines, fmt.Sprintf("Success: %d Failed: %d Skipped: %d Frontier: %d Remaining: %d",
		passed, failed, skipped, s.queue.Len(), untested))
	for i, sl := range s.running {
		if sl.idle() {
			lines = append(lines, fmt.Sprintf("Worker %d: idle", i))
		} else {
			lines = append(lines, fmt.Sprintf("Worker %d: %s running for %v",
				i, sl.pkg, time.Since(sl.started).Truncate(time.Second)))
		}
	}
	return lines
}

// redraw repaints the display in place. Each line ends with an
// erase-to-end-of-line so that leftovers of a longer previous frame (a
// package name shrinking back to "idle", say) cannot survive, and the frame
// goes out as a single write so a concurrent log line cannot land inside it.
func (s *Scheduler) redraw(lines []string) {
	if !isTerminal {
		return
	}
	var frame strings.Builder
	for _, line := range lines {
		frame.WriteString(line)
		frame.WriteString("\033[K\n")
	}
	// Park the cursor back on the first line for the next frame:
	fmt.Fprintf(&frame, "\033[%dA", len(lines))
	os.Stdout.WriteString(frame.String())
}
