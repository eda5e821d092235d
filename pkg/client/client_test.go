package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poelstra/mhub-sub000/pkg/api/mhub"
	"github.com/poelstra/mhub-sub000/pkg/testutil"
)

func dialMock(t *testing.T) (*Client, *testutil.MockBroker) {
	t.Helper()
	broker := testutil.NewMockBroker()
	t.Cleanup(broker.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: broker.URL()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, broker
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialFailure(t *testing.T) {
	dialCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(dialCtx, Config{URL: "ws://127.0.0.1:1/"})
	require.Error(t, err)
}

func TestCommandsReachTheBroker(t *testing.T) {
	c, broker := dialMock(t)

	require.NoError(t, c.Login(ctx(t), "alice", "secret"))
	require.NoError(t, c.Session(ctx(t), "work", "default"))
	require.NoError(t, c.Subscribe(ctx(t), "default", "news/**", "default"))
	require.NoError(t, c.Publish(ctx(t), "default", "news/today", map[string]int{"x": 1}, map[string]interface{}{"keep": true}))
	require.NoError(t, c.Unsubscribe(ctx(t), "default", "", "default"))
	require.NoError(t, c.Ping(ctx(t)))

	logins := broker.ReceivedOfType(mhub.TypeLogin)
	require.Len(t, logins, 1)
	var login mhub.LoginCommand
	require.NoError(t, json.Unmarshal(logins[0], &login))
	assert.Equal(t, "alice", login.Username)
	assert.Equal(t, "secret", login.Password)

	sessions := broker.ReceivedOfType(mhub.TypeSession)
	require.Len(t, sessions, 1)
	var sess mhub.SessionCommand
	require.NoError(t, json.Unmarshal(sessions[0], &sess))
	assert.Equal(t, "work", sess.Name)
	require.NotNil(t, sess.Subscriptions)
	assert.Equal(t, []string{"default"}, *sess.Subscriptions)

	publishes := broker.ReceivedOfType(mhub.TypePublish)
	require.Len(t, publishes, 1)
	var pub mhub.PublishCommand
	require.NoError(t, json.Unmarshal(publishes[0], &pub))
	assert.Equal(t, "news/today", pub.Topic)
	assert.JSONEq(t, `{"x":1}`, string(pub.Data))
	assert.Equal(t, true, pub.Headers["keep"])
}

func TestErrorResponsesSurface(t *testing.T) {
	c, broker := dialMock(t)
	broker.FailWith(mhub.TypeLogin, "authentication failed")

	err := c.Login(ctx(t), "alice", "wrong")
	require.EqualError(t, err, "authentication failed")

	// Other commands still work.
	require.NoError(t, c.Ping(ctx(t)))
}

func TestMessagesRoutedToChannel(t *testing.T) {
	c, broker := dialMock(t)
	require.NoError(t, c.Subscribe(ctx(t), "default", "", ""))

	broker.PushMessage("default", "news/today", map[string]string{"title": "hi"}, 1)

	select {
	case m := <-c.Messages():
		assert.Equal(t, "news/today", m.Topic)
		assert.Equal(t, "default", m.Subscription)
		assert.Equal(t, 1, m.Seq)
		assert.JSONEq(t, `{"title":"hi"}`, string(m.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestMessageDoesNotResolveCommandSeq(t *testing.T) {
	c, broker := dialMock(t)

	// A subscription delivery whose seq collides with the next command seq
	// must not be mistaken for that command's response.
	broker.Handle(mhub.TypePing, func(raw json.RawMessage, env mhub.Envelope) []interface{} {
		return []interface{}{
			mhub.MessageResponse{
				Type:         mhub.TypeMessage,
				Topic:        "collision",
				Headers:      map[string]interface{}{},
				Subscription: "default",
				Seq:          *env.Seq,
			},
			mhub.Ack{Type: mhub.TypePingAck, Seq: env.Seq},
		}
	})

	require.NoError(t, c.Ping(ctx(t)))
	select {
	case m := <-c.Messages():
		assert.Equal(t, "collision", m.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("message lost")
	}
}

func TestAckIsFireAndForget(t *testing.T) {
	c, broker := dialMock(t)

	window := 5
	require.NoError(t, c.Ack("default", 2, &window))

	deadline := time.Now().Add(5 * time.Second)
	for len(broker.ReceivedOfType(mhub.TypeAck)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ack never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	var ack mhub.AckCommand
	require.NoError(t, json.Unmarshal(broker.ReceivedOfType(mhub.TypeAck)[0], &ack))
	assert.Equal(t, "default", ack.ID)
	assert.Equal(t, 2, *ack.Ack)
	assert.Equal(t, 5, *ack.Window)
	assert.Nil(t, ack.Seq)
}

func TestCloseEndsTheClient(t *testing.T) {
	c, _ := dialMock(t)
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done never closed")
	}

	err := c.Ping(ctx(t))
	require.Error(t, err)
}

func TestBrokerDisconnectSurfacesError(t *testing.T) {
	c, broker := dialMock(t)
	broker.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done never closed")
	}
	require.Error(t, c.Err())

	// The messages channel is closed, not left dangling.
	for range c.Messages() {
	}
}
