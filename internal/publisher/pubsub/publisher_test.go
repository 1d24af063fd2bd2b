package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/linksniff/internal/task"
)

func TestPublisherSendsTaskEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/linksniff-test/topics/task-events"})
	require.NoError(t, err)

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	pub, err := Open(ctx, "linksniff-test", "task-events", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	ev := task.Event{TaskID: 12, Script: "youtube", URL: "https://youtube.com/12", Status: task.StatusFailed, ExitCode: 1}
	id, err := pub.Publish(ctx, "task-events", ev)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "12", msgs[0].Attributes["task_id"])
	require.Equal(t, "youtube", msgs[0].Attributes["script"])
	require.Equal(t, "failed", msgs[0].Attributes["status"])

	var decoded task.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, ev.TaskID, decoded.TaskID)
	require.Equal(t, 1, decoded.ExitCode)
}

func TestPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "payload")
	require.Error(t, err)
	require.NoError(t, New(nil).Close())
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
