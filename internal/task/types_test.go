package task

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"pending", "active", "completed", "failed"} {
		s, err := ParseStatus(v)
		require.NoError(t, err)
		require.Equal(t, v, string(s))
	}
	_, err := ParseStatus("running")
	require.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusPending.Terminal())
	require.False(t, StatusActive.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
}

func TestFormatTimeSortsChronologically(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 9, 23, 59, 59, 0, time.UTC)
	times := []time.Time{
		base.Add(10 * time.Second),
		base,
		base.Add(1500 * time.Microsecond),
		base.Add(time.Microsecond),
	}
	formatted := make([]string, 0, len(times))
	for _, ts := range times {
		formatted = append(formatted, FormatTime(ts))
	}
	sort.Strings(formatted)

	require.Equal(t, "2024-03-09T23:59:59.000000Z", formatted[0])
	require.Equal(t, "2024-03-09T23:59:59.000001Z", formatted[1])
	require.Equal(t, "2024-03-09T23:59:59.001500Z", formatted[2])
	require.Equal(t, "2024-03-10T00:00:09.000000Z", formatted[3])
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC)
	got, err := ParseTime(FormatTime(want))
	require.NoError(t, err)
	require.True(t, want.Equal(got))

	got, err = ParseTime("2024-01-02T04:04:05+01:00")
	require.NoError(t, err)
	require.Equal(t, time.UTC, got.Location())
	require.Equal(t, 3, got.Hour())

	_, err = ParseTime("yesterday")
	require.Error(t, err)
}
