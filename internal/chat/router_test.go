package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphereapp/sphere/backend/internal/store"
)

func frame(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDirectMessageFanOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addUser(t, "alice")
	bob := env.addUser(t, "bob")
	conv, _, err := env.store.FindOrCreateConversation(ctx, alice, bob, false)
	require.NoError(t, err)

	aliceTab1 := env.newClient(alice, "alice", 8)
	aliceTab2 := env.newClient(alice, "alice", 8)
	bobConn := env.newClient(bob, "bob", 8)
	for _, c := range []*Client{aliceTab1, aliceTab2, bobConn} {
		env.hub.Register(c)
	}

	aliceTab1.handleFrame(frame(t, map[string]any{
		"type":            EvChatMessage,
		"conversation_id": conv.ID,
		"content":         "hi bob",
	}))

	got := recv(t, bobConn)
	assert.Equal(t, EvNewMessage, got["type"])
	msg := got["message"].(map[string]any)
	assert.Equal(t, "hi bob", msg["content"])
	assert.Equal(t, "alice", msg["sender_username"])
	assert.Equal(t, float64(conv.ID), msg["conversation_id"])

	// every one of the sender's connections gets the echo
	for _, c := range []*Client{aliceTab1, aliceTab2} {
		echo := recv(t, c)
		assert.Equal(t, EvMessageSent, echo["type"])
		assert.Equal(t, "hi bob", echo["message"].(map[string]any)["content"])
	}

	// and the message is durable
	msgs, err := env.store.Messages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Content)
}

func TestHandleFrameErrors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "alice")
	c := env.newClient(alice, "alice", 8)

	c.handleFrame([]byte(`{not json`))
	got := recv(t, c)
	assert.Equal(t, EvError, got["type"])
	assert.Equal(t, "invalid JSON", got["message"])

	c.handleFrame(frame(t, map[string]any{"type": "self_destruct"}))
	got = recv(t, c)
	assert.Equal(t, EvError, got["type"])
	assert.Equal(t, "unknown event type", got["message"])

	c.handleFrame(frame(t, map[string]any{"type": EvChatMessage}))
	got = recv(t, c)
	assert.Equal(t, EvError, got["type"])

	c.handleFrame(frame(t, map[string]any{
		"type": EvChatMessage, "conversation_id": 9999, "content": "hi",
	}))
	got = recv(t, c)
	assert.Equal(t, EvError, got["type"])
	assert.Equal(t, store.ErrConversationNotFound.Error(), got["message"])
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "alice")
	c := env.newClient(alice, "alice", 8)

	c.handleFrame(frame(t, map[string]any{"type": EvPing}))
	assert.Equal(t, EvPong, recv(t, c)["type"])
	assert.True(t, env.tracker.IsOnline(alice))
}

func TestPendingRequestGateOnSocket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addUser(t, "alice")
	bob := env.addUser(t, "bob")
	conv, _, err := env.store.FindOrCreateConversation(ctx, alice, bob, true)
	require.NoError(t, err)

	aliceConn := env.newClient(alice, "alice", 8)
	bobConn := env.newClient(bob, "bob", 8)
	env.hub.Register(aliceConn)
	env.hub.Register(bobConn)

	// the requester sends freely
	aliceConn.handleFrame(frame(t, map[string]any{
		"type": EvChatMessage, "conversation_id": conv.ID, "content": "hello",
	}))
	assert.Equal(t, EvNewMessage, recv(t, bobConn)["type"])
	assert.Equal(t, EvMessageSent, recv(t, aliceConn)["type"])

	// the recipient cannot reply over the socket while the request is open
	bobConn.handleFrame(frame(t, map[string]any{
		"type": EvChatMessage, "conversation_id": conv.ID, "content": "hi back",
	}))
	got := recv(t, bobConn)
	assert.Equal(t, EvError, got["type"])
	assert.Equal(t, store.ErrPendingRequest.Error(), got["message"])
	assertNoEvent(t, aliceConn)

	// once accepted, the gate is gone
	require.NoError(t, env.store.SetRequestStatus(ctx, conv.ID, bob, store.RequestAccepted))
	bobConn.handleFrame(frame(t, map[string]any{
		"type": EvChatMessage, "conversation_id": conv.ID, "content": "hi back",
	}))
	assert.Equal(t, EvNewMessage, recv(t, aliceConn)["type"])
	assert.Equal(t, EvMessageSent, recv(t, bobConn)["type"])
}

func TestTypingIndicatorIsEphemeral(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addUser(t, "alice")
	bob := env.addUser(t, "bob")
	conv, _, err := env.store.FindOrCreateConversation(ctx, alice, bob, false)
	require.NoError(t, err)

	aliceConn := env.newClient(alice, "alice", 8)
	bobConn := env.newClient(bob, "bob", 8)
	env.hub.Register(aliceConn)
	env.hub.Register(bobConn)

	aliceConn.handleFrame(frame(t, map[string]any{
		"type": EvTyping, "conversation_id": conv.ID, "is_typing": true,
	}))

	got := recv(t, bobConn)
	assert.Equal(t, EvTypingIndicator, got["type"])
	assert.Equal(t, "alice", got["username"])
	assert.Equal(t, true, got["is_typing"])
	// no echo to the typist
	assertNoEvent(t, aliceConn)

	aliceConn.handleFrame(frame(t, map[string]any{
		"type": EvTyping, "conversation_id": conv.ID, "is_typing": false,
	}))
	got = recv(t, bobConn)
	assert.Equal(t, false, got["is_typing"])

	// nothing was persisted
	msgs, err := env.store.Messages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMarkReadNotifiesSender(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addUser(t, "alice")
	bob := env.addUser(t, "bob")
	conv, _, err := env.store.FindOrCreateConversation(ctx, alice, bob, false)
	require.NoError(t, err)
	for _, content := range []string{"one", "two"} {
		_, err := env.store.CreateMessage(ctx, store.NewMessage{
			ConversationID: conv.ID, SenderID: alice, Content: content})
		require.NoError(t, err)
	}

	aliceConn := env.newClient(alice, "alice", 8)
	bobConn := env.newClient(bob, "bob", 8)
	env.hub.Register(aliceConn)
	env.hub.Register(bobConn)

	bobConn.handleFrame(frame(t, map[string]any{
		"type": EvMarkRead, "conversation_id": conv.ID,
	}))

	got := recv(t, aliceConn)
	assert.Equal(t, EvMessagesRead, got["type"])
	assert.Equal(t, float64(bob), got["reader_id"])
	assert.Equal(t, float64(2), got["count"])

	// repeating reports zero newly-read messages
	bobConn.handleFrame(frame(t, map[string]any{
		"type": EvMarkRead, "conversation_id": conv.ID,
	}))
	got = recv(t, aliceConn)
	assert.Equal(t, float64(0), got["count"])
}

func TestStreamFrameHandling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	host := env.addUser(t, "host")
	viewer := env.addUser(t, "viewer")

	st, err := env.store.CreateStream(ctx, host, "show", nil)
	require.NoError(t, err)

	hostConn := env.newStreamClient(host, st.ID, 8)
	viewerConn := env.newStreamClient(viewer, st.ID, 8)
	env.hub.Register(hostConn)
	env.hub.Register(viewerConn)

	// chat before going live is rejected
	viewerConn.handleFrame(frame(t, map[string]any{"type": EvChatMessage, "content": "early"}))
	got := recv(t, viewerConn)
	assert.Equal(t, EvError, got["type"])
	assert.Equal(t, store.ErrStreamNotLive.Error(), got["message"])

	_, err = env.store.StartStream(ctx, st.ID, host)
	require.NoError(t, err)

	viewerConn.handleFrame(frame(t, map[string]any{"type": EvChatMessage, "content": "hype!"}))
	for _, c := range []*Client{hostConn, viewerConn} {
		ev := recv(t, c)
		assert.Equal(t, EvStreamMessage, ev["type"])
		msg := ev["message"].(map[string]any)
		assert.Equal(t, "hype!", msg["content"])
		assert.Equal(t, "viewer", msg["author_username"])
	}

	// direct-message events make no sense on a stream socket
	viewerConn.handleFrame(frame(t, map[string]any{"type": EvMarkRead, "conversation_id": 1}))
	assert.Equal(t, EvError, recv(t, viewerConn)["type"])

	viewerConn.handleFrame(frame(t, map[string]any{"type": EvPing}))
	assert.Equal(t, EvPong, recv(t, viewerConn)["type"])
}

func TestSpaceFrameHandling(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "alice")
	bob := env.addUser(t, "bob")

	aliceConn := env.newSpaceClient(alice, "alice", "lounge", 8)
	bobConn := env.newSpaceClient(bob, "bob", "lounge", 8)
	env.hub.Register(aliceConn)
	env.hub.Register(bobConn)
	recv(t, aliceConn) // own join
	recv(t, aliceConn) // bob's join
	recv(t, bobConn)

	// orb updates relay to the others but never echo to the mover
	aliceConn.handleFrame(frame(t, map[string]any{
		"type": EvOrbUpdate, "orb": map[string]any{"x": 0.4, "y": 0.7},
	}))
	got := recv(t, bobConn)
	assert.Equal(t, EvOrbUpdate, got["type"])
	assert.Equal(t, 0.4, got["orb"].(map[string]any)["x"])
	assertNoEvent(t, aliceConn)

	// emote bursts echo to everyone, defaulting the emote when omitted
	bobConn.handleFrame(frame(t, map[string]any{"type": EvEmoteBurst}))
	for _, c := range []*Client{aliceConn, bobConn} {
		ev := recv(t, c)
		assert.Equal(t, EvEmoteBurst, ev["type"])
		assert.Equal(t, float64(bob), ev["user_id"])
		assert.Equal(t, "❤️", ev["emote"])
	}

	bobConn.handleFrame(frame(t, map[string]any{"type": EvEmoteBurst, "emote": "🔥"}))
	assert.Equal(t, "🔥", recv(t, aliceConn)["emote"])
	recv(t, bobConn)

	// chat events make no sense on a space socket
	aliceConn.handleFrame(frame(t, map[string]any{"type": EvChatMessage, "content": "hi"}))
	assert.Equal(t, EvError, recv(t, aliceConn)["type"])

	aliceConn.handleFrame(frame(t, map[string]any{"type": EvPing}))
	assert.Equal(t, EvPong, recv(t, aliceConn)["type"])
}

func TestFanOutSignal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	host := env.addUser(t, "host")
	st, err := env.store.CreateStream(ctx, host, "show", nil)
	require.NoError(t, err)

	watcher := env.newStreamClient(env.addUser(t, "viewer"), st.ID, 8)
	env.hub.Register(watcher)

	sig, err := env.store.CreateSignal(ctx, st.ID, store.RoleHost, store.SignalOffer,
		json.RawMessage(`{"sdp":"v=0"}`))
	require.NoError(t, err)
	env.hub.FanOutSignal(sig)

	got := recv(t, watcher)
	assert.Equal(t, EvSignal, got["type"])
	assert.Equal(t, store.RoleHost, got["role"])
	assert.Equal(t, store.SignalOffer, got["kind"])
	assert.Equal(t, "v=0", got["payload"].(map[string]any)["sdp"])
}
