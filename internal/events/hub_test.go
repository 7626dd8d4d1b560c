package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newHubClient attaches a bare client to the hub without a websocket
// connection; only the send channel and subscriptions matter here.
func newHubClient(t *testing.T, hub *Hub, topics ...Topic) *Client {
	t.Helper()
	c := &Client{
		id:     "test-client",
		hub:    hub,
		send:   make(chan Event, sendBufferSize),
		logger: zaptest.NewLogger(t),
		topics: make(map[Topic]bool),
	}
	for _, topic := range topics {
		c.topics[topic] = true
	}
	hub.register <- c
	return c
}

func waitForEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubBroadcastsToAllWithoutSubscriptions(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	hub.Run()
	defer hub.Stop()

	client := newHubClient(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(New(TypeOccurrencesCreated, TopicOccurrences, map[string]int{"count": 3}))

	evt := waitForEvent(t, client.send)
	assert.Equal(t, TypeOccurrencesCreated, evt.Type)
	assert.Equal(t, TopicOccurrences, evt.Topic)
}

func TestHubFiltersByTopic(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	hub.Run()
	defer hub.Stop()

	jobsOnly := newHubClient(t, hub, TopicJobs)
	everything := newHubClient(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.Publish(New(TypeOccurrencesUpdated, TopicOccurrences, nil))
	hub.Publish(New(TypeJobDisabled, TopicJobs, nil))

	evt := waitForEvent(t, jobsOnly.send)
	assert.Equal(t, TypeJobDisabled, evt.Type, "topic subscriber must only see its topic")

	first := waitForEvent(t, everything.send)
	second := waitForEvent(t, everything.send)
	assert.Equal(t, TypeOccurrencesUpdated, first.Type)
	assert.Equal(t, TypeJobDisabled, second.Type)
}

func TestPublishNeverBlocksWhenBacklogFull(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	// Hub not running: the broadcast channel fills up and stays full

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.Publish(New(TypeOccurrencesUpdated, TopicOccurrences, nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full backlog")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	hub.Run()
	defer hub.Stop()

	client := newHubClient(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.unregister <- client
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)

	// The send channel is closed on unregister
	_, open := <-client.send
	assert.False(t, open)
}
