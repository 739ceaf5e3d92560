package bus_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tinywideclouds/go-presence-service/internal/platform/bus"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

func TestPubSubBus_PublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	const projectID = "test-project"
	const topicID = "presence-events"
	const subID = "presence-events-instance-a"

	client, err := pubsub.NewClient(context.Background(), projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID),
		Topic: topicName,
	})
	require.NoError(t, err)

	eventBus, err := bus.NewPubSubBus(client, topicID, subID, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eventBus.Close() })

	received := make(chan presence.Event, 1)
	require.NoError(t, eventBus.Subscribe(ctx, func(event presence.Event) {
		select {
		case received <- event:
		default:
		}
	}))

	sent := presence.Event{
		UserID:           "alice",
		Status:           presence.StatusOnline,
		LastSeen:         time.Now().UTC().Truncate(time.Millisecond),
		Source:           "websocket",
		OriginInstanceID: "instance-a",
	}
	require.NoError(t, eventBus.Publish(ctx, sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.UserID, got.UserID)
		assert.Equal(t, sent.Status, got.Status)
		assert.Equal(t, sent.OriginInstanceID, got.OriginInstanceID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for presence event from the bus")
	}
}
