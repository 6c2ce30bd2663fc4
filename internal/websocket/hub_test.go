package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(topics ...string) *Client {
	return &Client{
		send:   make(chan Message, sendBufferSize),
		topics: topics,
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// waitFor polls until the condition holds; registry mutations go through
// the hub's event loop and are not immediately visible.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishRoutesByTopic(t *testing.T) {
	hub := startHub(t)

	a := testClient("events:user-a")
	b := testClient("events:user-b")
	hub.Subscribe(a)
	hub.Subscribe(b)
	waitFor(t, func() bool { return hub.ConnectedCount() == 2 })

	hub.Publish("events:user-a", Message{Type: MsgEvent, Topic: "events:user-a"})

	select {
	case msg := <-a.send:
		assert.Equal(t, MsgEvent, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}

	select {
	case msg := <-b.send:
		t.Fatalf("wrong subscriber received %v", msg)
	default:
	}
}

func TestUnsubscribeClosesSendChannel(t *testing.T) {
	hub := startHub(t)

	c := testClient("events:user-a")
	hub.Subscribe(c)
	waitFor(t, func() bool { return hub.ConnectedCount() == 1 })

	hub.Unsubscribe(c)
	waitFor(t, func() bool { return hub.ConnectedCount() == 0 })

	_, open := <-c.send
	assert.False(t, open, "send channel is closed on unregister")

	// Publishing to the removed topic is a no-op.
	hub.Publish("events:user-a", Message{Type: MsgEvent})
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub := startHub(t)

	c := testClient("run:r1")
	hub.Subscribe(c)
	waitFor(t, func() bool { return hub.ConnectedCount() == 1 })

	// Fill the buffer without draining, then publish one more.
	for i := 0; i < sendBufferSize; i++ {
		hub.Publish("run:r1", Message{Type: MsgRunStatus})
	}
	hub.Publish("run:r1", Message{Type: MsgRunStatus})

	waitFor(t, func() bool { return hub.ConnectedCount() == 0 })
}

func TestMultipleTopicsPerClient(t *testing.T) {
	hub := startHub(t)

	c := testClient("events:user-a", "worker:w1")
	hub.Subscribe(c)
	waitFor(t, func() bool { return hub.ConnectedCount() == 1 })

	hub.Publish("worker:w1", Message{Type: MsgWorkerStatus, Topic: "worker:w1"})

	select {
	case msg := <-c.send:
		require.Equal(t, MsgWorkerStatus, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive worker message")
	}
}
