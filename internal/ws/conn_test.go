package ws_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securetalk/securetalk-go/internal/testserver"
	"github.com/securetalk/securetalk-go/internal/ws"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func open(t *testing.T, srv *testserver.Server, self, peer string, onEvent ws.Handler) *ws.Conn {
	t.Helper()
	access, _ := srv.MintTokens(self)
	conn, err := ws.Open(context.Background(), srv.WSURL(), peer, access, onEvent, discard())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, events <-chan ws.Event, what string) ws.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ws.Event{}
	}
}

func TestOpenRejectsBadToken(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	_, err := ws.Open(context.Background(), srv.WSURL(), "bob", "garbage", func(ws.Event) {}, discard())
	require.Error(t, err)
}

func TestMessageEchoRoundTrip(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	events := make(chan ws.Event, 16)
	conn := open(t, srv, "alice", "bob", func(e ws.Event) { events <- e })

	// The server announces the peer's (absent) presence on connect.
	e := waitFor(t, events, "presence frame")
	assert.Equal(t, ws.EventUserActive, e.Type)
	assert.False(t, e.Active)

	require.NoError(t, conn.SendMessage("hello bob", 777))

	e = waitFor(t, events, "message echo")
	assert.Empty(t, e.Type)
	assert.Equal(t, int64(777), e.TempID)
	assert.NotZero(t, e.ID)
	assert.Equal(t, "alice", e.Sender)
	assert.Equal(t, "hello bob", e.Message)
}

func TestEventsArriveInOrder(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	events := make(chan ws.Event, 16)
	open(t, srv, "alice", "bob", func(e ws.Event) { events <- e })
	waitFor(t, events, "presence frame")

	for i := 1; i <= 5; i++ {
		require.NoError(t, srv.Push("alice", map[string]any{
			"id": i, "sender": "bob", "receiver": "alice", "message": "m",
		}))
	}

	for i := 1; i <= 5; i++ {
		e := waitFor(t, events, "pushed frame")
		assert.Equal(t, int64(i), e.ID)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	events := make(chan ws.Event, 16)
	open(t, srv, "alice", "bob", func(e ws.Event) { events <- e })
	waitFor(t, events, "presence frame")

	require.NoError(t, srv.PushRaw("alice", []byte("{not json")))
	require.NoError(t, srv.Push("alice", map[string]any{
		"id": 9, "sender": "bob", "receiver": "alice", "message": "after",
	}))

	// Only the well-formed frame comes through, and the channel is
	// still alive after the bad one.
	e := waitFor(t, events, "frame after malformed one")
	assert.Equal(t, int64(9), e.ID)
	assert.Equal(t, "after", e.Message)
}

func TestTypingFanout(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	aliceEvents := make(chan ws.Event, 16)
	open(t, srv, "alice", "bob", func(e ws.Event) { aliceEvents <- e })
	bobEvents := make(chan ws.Event, 16)
	bobConn := open(t, srv, "bob", "alice", func(e ws.Event) { bobEvents <- e })

	// Drain presence frames: alice gets bob-offline then bob-online,
	// bob gets alice-online.
	waitFor(t, aliceEvents, "initial presence")
	waitFor(t, aliceEvents, "peer arrival")
	waitFor(t, bobEvents, "initial presence")

	require.NoError(t, bobConn.SendTyping())
	e := waitFor(t, aliceEvents, "typing frame")
	assert.Equal(t, ws.EventTyping, e.Type)
	assert.Equal(t, "bob", e.Username)

	require.NoError(t, bobConn.SendStopTyping())
	e = waitFor(t, aliceEvents, "stop_typing frame")
	assert.Equal(t, ws.EventStopTyping, e.Type)
}

func TestReadReceiptsReachAuthor(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	aliceEvents := make(chan ws.Event, 16)
	aliceConn := open(t, srv, "alice", "bob", func(e ws.Event) { aliceEvents <- e })
	bobEvents := make(chan ws.Event, 16)
	bobConn := open(t, srv, "bob", "alice", func(e ws.Event) { bobEvents <- e })

	waitFor(t, aliceEvents, "initial presence")
	waitFor(t, aliceEvents, "peer arrival")
	waitFor(t, bobEvents, "initial presence")

	require.NoError(t, aliceConn.SendMessage("read me", 1))
	echo := waitFor(t, aliceEvents, "echo")
	delivered := waitFor(t, bobEvents, "delivery")
	assert.Equal(t, echo.ID, delivered.ID)

	require.NoError(t, bobConn.SendReadReceipts([]int64{delivered.ID}))
	receipt := waitFor(t, aliceEvents, "read receipt")
	assert.Equal(t, ws.EventReadReceipt, receipt.Type)
	assert.Equal(t, []int64{delivered.ID}, receipt.IDs)
}

func TestSendAfterCloseFails(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	conn := open(t, srv, "alice", "bob", func(ws.Event) {})
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.SendMessage("too late", 1), ws.ErrClosed)
	assert.ErrorIs(t, conn.SendTyping(), ws.ErrClosed)

	// Close is idempotent.
	assert.NoError(t, conn.Close())
}
