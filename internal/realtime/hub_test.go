package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHub(logger)
}

// testClient builds a session without a live websocket; the send channel is
// the only part the registry touches.
func testClient(h *Hub, id, userID string) *Client {
	return &Client{hub: h, send: make(chan []byte, sendBuffer), id: id, userID: userID}
}

func receiveEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case data, open := <-c.send:
		require.True(t, open, "send channel closed unexpectedly")
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func assertNothingQueued(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

// Two sessions of the same user both receive one completed-transaction
// event with identical envelopes.
func TestSendToUserReachesAllSessions(t *testing.T) {
	h := newTestHub(t)
	phone := testClient(h, "s1", "u1")
	laptop := testClient(h, "s2", "u1")
	other := testClient(h, "s3", "u2")
	h.add(phone)
	h.add(laptop)
	h.add(other)

	h.SendToUser("u1", "transaction:update", map[string]string{"id": "tx1", "status": "completed"})

	got := receiveEnvelope(t, phone)
	assert.Equal(t, "transaction:update", got.Event)

	second := receiveEnvelope(t, laptop)
	assert.Equal(t, got.Event, second.Event)
	assert.Equal(t, got.Payload, second.Payload)

	assertNothingQueued(t, other)
}

func TestSendToUserWithNoSessionsIsNoop(t *testing.T) {
	h := newTestHub(t)
	h.SendToUser("ghost", "transaction:update", "x")
	assert.Equal(t, 0, h.UserSessionCount("ghost"))
}

func TestRegistryDrainsToZero(t *testing.T) {
	h := newTestHub(t)

	clients := make([]*Client, 0, 5)
	for i := 0; i < 5; i++ {
		c := testClient(h, fmt.Sprintf("s%d", i), "u1")
		h.add(c)
		clients = append(clients, c)
	}
	require.Equal(t, 5, h.UserSessionCount("u1"))

	for _, c := range clients {
		h.remove(c)
	}
	assert.Equal(t, 0, h.UserSessionCount("u1"))
	assert.Empty(t, h.ConnectedUsers())

	// Removing an already removed session must be harmless.
	h.remove(clients[0])
}

func TestSessionLimitRejectsOverflow(t *testing.T) {
	h := newTestHub(t)
	for i := 0; i < maxSessionsPerUser; i++ {
		h.add(testClient(h, fmt.Sprintf("s%d", i), "u1"))
	}
	require.Equal(t, maxSessionsPerUser, h.UserSessionCount("u1"))

	rejected := testClient(h, "overflow", "u1")
	h.add(rejected)
	assert.Equal(t, maxSessionsPerUser, h.UserSessionCount("u1"))

	_, open := <-rejected.send
	assert.False(t, open, "rejected session's channel should be closed")
}

func TestBroadcastAll(t *testing.T) {
	h := newTestHub(t)
	a := testClient(h, "s1", "u1")
	b := testClient(h, "s2", "u2")
	h.add(a)
	h.add(b)

	h.BroadcastAll("system:alert", map[string]string{"message": "maintenance at 02:00"})

	assert.Equal(t, "system:alert", receiveEnvelope(t, a).Event)
	assert.Equal(t, "system:alert", receiveEnvelope(t, b).Event)
}

func TestBroadcastTopicScopedToSubscribers(t *testing.T) {
	h := newTestHub(t)
	subscriber := testClient(h, "s1", "u1")
	bystander := testClient(h, "s2", "u2")
	h.add(subscriber)
	h.add(bystander)

	h.Subscribe(subscriber, TopicForSymbol("VWCE"))
	h.BroadcastTopic(TopicForSymbol("VWCE"), "price:update", map[string]string{"symbol": "VWCE"})

	assert.Equal(t, "price:update", receiveEnvelope(t, subscriber).Event)
	assertNothingQueued(t, bystander)

	h.Unsubscribe(subscriber, TopicForSymbol("VWCE"))
	h.BroadcastTopic(TopicForSymbol("VWCE"), "price:update", map[string]string{"symbol": "VWCE"})
	assertNothingQueued(t, subscriber)
}

func TestSubscribeRequiresRegisteredSession(t *testing.T) {
	h := newTestHub(t)
	stranger := testClient(h, "s1", "u1")

	h.Subscribe(stranger, "prices:VWCE")
	h.BroadcastTopic("prices:VWCE", "price:update", "tick")
	assertNothingQueued(t, stranger)
}

func TestUnregisterDropsTopicSubscriptions(t *testing.T) {
	h := newTestHub(t)
	c := testClient(h, "s1", "u1")
	h.add(c)
	h.Subscribe(c, "prices:VWCE")

	h.remove(c)

	// No subscribers left; the broadcast must not panic or deliver.
	h.BroadcastTopic("prices:VWCE", "price:update", "tick")
}

// A session whose buffer is full is dropped so fan-out never stalls.
func TestStalledSessionIsDropped(t *testing.T) {
	h := newTestHub(t)
	stalled := &Client{hub: h, send: make(chan []byte), id: "s1", userID: "u1"}
	healthy := testClient(h, "s2", "u1")
	h.add(stalled)
	h.add(healthy)

	h.SendToUser("u1", "transaction:update", "x")

	assert.Equal(t, 1, h.UserSessionCount("u1"))
	assert.Equal(t, "transaction:update", receiveEnvelope(t, healthy).Event)

	_, open := <-stalled.send
	assert.False(t, open, "stalled session's channel should be closed")
}

func TestConnectedUsers(t *testing.T) {
	h := newTestHub(t)
	h.add(testClient(h, "s1", "u1"))
	h.add(testClient(h, "s2", "u1"))
	h.add(testClient(h, "s3", "u2"))

	users := h.ConnectedUsers()
	assert.Len(t, users, 2)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
}

func TestEnvelopeCarriesTimestamp(t *testing.T) {
	h := newTestHub(t)
	c := testClient(h, "s1", "u1")
	h.add(c)

	before := time.Now().UTC().Add(-time.Second)
	h.SendToUser("u1", "notification:new", map[string]string{"id": "n1"})

	env := receiveEnvelope(t, c)
	assert.True(t, env.SentAt.After(before))
}
