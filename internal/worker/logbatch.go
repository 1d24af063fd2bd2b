package worker

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/JakeFAU/linksniff/internal/metrics"
)

// logBuffer accumulates process output and tracks when it is due for
// persistence. It is owned by a single goroutine.
type logBuffer struct {
	sb        strings.Builder
	pending   int
	maxLines  int
	interval  time.Duration
	lastFlush time.Time
}

func newLogBuffer(maxLines int, interval time.Duration, start time.Time) *logBuffer {
	return &logBuffer{maxLines: maxLines, interval: interval, lastFlush: start}
}

// Add appends line verbatim and reports whether a flush is due.
func (b *logBuffer) Add(line string, now time.Time) (string, bool) {
	b.sb.WriteString(line)
	b.pending++
	if b.pending >= b.maxLines {
		return metrics.FlushLines, true
	}
	if b.DueByTime(now) {
		return metrics.FlushTimer, true
	}
	return "", false
}

func (b *logBuffer) DueByTime(now time.Time) bool {
	return now.Sub(b.lastFlush) >= b.interval
}

func (b *logBuffer) MarkFlushed(now time.Time) {
	b.pending = 0
	b.lastFlush = now
}

func (b *logBuffer) Pending() int   { return b.pending }
func (b *logBuffer) Len() int       { return b.sb.Len() }
func (b *logBuffer) String() string { return b.sb.String() }

// readLines forwards r line by line, newline included, until EOF or done is
// closed. The line channel is closed before the terminal error is sent.
func readLines(r io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-done:
					close(lines)
					return
				}
			}
			if err != nil {
				close(lines)
				if !errors.Is(err, io.EOF) {
					errc <- err
				}
				return
			}
		}
	}()
	return lines, errc
}
