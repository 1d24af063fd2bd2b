package worker

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linksniff/internal/metrics"
)

func TestLogBufferThresholds(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	buf := newLogBuffer(3, 10*time.Second, start)

	_, due := buf.Add("a\n", start.Add(time.Second))
	require.False(t, due)
	_, due = buf.Add("b\n", start.Add(2*time.Second))
	require.False(t, due)
	reason, due := buf.Add("c\n", start.Add(3*time.Second))
	require.True(t, due)
	require.Equal(t, metrics.FlushLines, reason)

	buf.MarkFlushed(start.Add(3 * time.Second))
	require.Zero(t, buf.Pending())
	require.Equal(t, "a\nb\nc\n", buf.String())

	reason, due = buf.Add("d\n", start.Add(13*time.Second))
	require.True(t, due)
	require.Equal(t, metrics.FlushTimer, reason)
	require.Equal(t, 1, buf.Pending())
}

func TestReadLinesKeepsBytesVerbatim(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	defer close(done)
	lines, errc := readLines(strings.NewReader("one\r\n\ntwo"), done)

	var got []string
	for line := range lines {
		got = append(got, line)
	}
	require.Equal(t, []string{"one\r\n", "\n", "two"}, got)
	require.NoError(t, <-errc)
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("bad file descriptor") }

func TestReadLinesReportsReadError(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	defer close(done)
	lines, errc := readLines(brokenReader{}, done)
	for range lines {
	}
	require.ErrorContains(t, <-errc, "bad file descriptor")
}

func TestReadLinesStopsWhenAbandoned(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	done := make(chan struct{})
	lines, errc := readLines(r, done)
	go func() {
		_, _ = io.WriteString(w, "unread\n")
		_ = w.Close()
	}()
	time.Sleep(10 * time.Millisecond)
	close(done)
	for range lines {
	}
	require.NoError(t, <-errc)
}
