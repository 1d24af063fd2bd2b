package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linksniff/internal/task"
)

func TestPublisherRecordsEncodedEvents(t *testing.T) {
	t.Parallel()

	pub := New(0, nil)
	ev := task.Event{
		TaskID:     7,
		RunID:      "run-7",
		Script:     "youtube",
		URL:        "https://youtube.com/7",
		Status:     task.StatusCompleted,
		StartedAt:  time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2024, 7, 1, 8, 5, 0, 0, time.UTC),
	}
	id, err := pub.Publish(context.Background(), "task-events", ev)
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "task-events", msgs[0].Topic)

	var decoded task.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, ev, decoded)

	msgs[0].Topic = "modified"
	require.Equal(t, "task-events", pub.Messages()[0].Topic)
}

func TestPublisherKeepsNewestWithinCapacity(t *testing.T) {
	t.Parallel()

	pub := New(2, nil)
	for i := 0; i < 5; i++ {
		_, err := pub.Publish(context.Background(), "t", i)
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "memory-4", msgs[0].ID)
	require.Equal(t, "memory-5", msgs[1].ID)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New(1, nil).Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)
	require.Empty(t, New(1, nil).Messages())
}
