package rest_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securetalk/securetalk-go/internal/models"
	"github.com/securetalk/securetalk-go/internal/rest"
	"github.com/securetalk/securetalk-go/internal/session"
	"github.com/securetalk/securetalk-go/internal/testserver"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedTokens hands out a preset sequence: Token always returns the
// current entry, ForceRefresh advances to the next.
type fixedTokens struct {
	mu        sync.Mutex
	tokens    []string
	idx       int
	refreshes int
}

func (f *fixedTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[f.idx], nil
}

func (f *fixedTokens) ForceRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.idx < len(f.tokens)-1 {
		f.idx++
	}
	return f.tokens[f.idx], nil
}

func TestMessagesAndChats(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")
	access, _ := srv.MintTokens("alice")

	srv.SeedHistory("alice", "bob", []models.Message{
		{Sender: "bob", Receiver: "alice", Body: "hi", Timestamp: time.Now(), Status: models.StatusSeen},
		{Sender: "alice", Receiver: "bob", Body: "hello", Timestamp: time.Now(), Status: models.StatusSent},
	})
	srv.SeedChats("alice", []models.ChatSummary{
		{Peer: "bob", LastMessage: "hello", UnreadCount: 2},
	})

	client := rest.New(srv.URL(), &fixedTokens{tokens: []string{access}}, discard())
	ctx := context.Background()

	msgs, err := client.Messages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.NotZero(t, msgs[0].ID)

	chats, err := client.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "bob", chats[0].Peer)
	assert.Equal(t, 2, chats[0].UnreadCount)
}

func TestRejectedTokenRefreshedAndRetried(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")
	access, _ := srv.MintTokens("alice")

	tokens := &fixedTokens{tokens: []string{"stale-token", access}}
	client := rest.New(srv.URL(), tokens, discard())

	chats, err := client.Chats(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, chats)
	assert.Equal(t, 1, tokens.refreshes)
}

func TestSecondRejectionMeansSessionExpired(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	tokens := &fixedTokens{tokens: []string{"bad", "still-bad"}}
	client := rest.New(srv.URL(), tokens, discard())

	_, err := client.Chats(context.Background())
	assert.ErrorIs(t, err, rest.ErrSessionExpired)
}

func TestUnknownPeerProfileIsNotFound(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")
	access, _ := srv.MintTokens("alice")

	client := rest.New(srv.URL(), &fixedTokens{tokens: []string{access}}, discard())

	_, err := client.PeerProfile(context.Background(), "nobody")
	assert.ErrorIs(t, err, rest.ErrNotFound)
}

func TestProfileRoundTrip(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")
	access, _ := srv.MintTokens("alice")

	client := rest.New(srv.URL(), &fixedTokens{tokens: []string{access}}, discard())
	ctx := context.Background()

	updated, err := client.UpdateProfile(ctx, map[string]any{"bio": "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", updated.Bio)

	got, err := client.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "hello there", got.Bio)
}

// A stale access token never reaches the wire when the client is
// backed by a real session store: the store refreshes it first.
func TestStaleTokenRefreshedBeforeRequest(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")
	// Short enough that every minted token is already inside the
	// refresh margin.
	srv.AccessTTL = 30 * time.Second

	sess := session.New(srv.URL(), nil, discard())
	require.NoError(t, sess.Login(context.Background(), "alice", "password123"))

	client := rest.New(srv.URL(), sess, discard())
	chats, err := client.Chats(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, chats)
	assert.GreaterOrEqual(t, srv.RefreshCalls(), 1)
}
