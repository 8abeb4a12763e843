package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securetalk/securetalk-go/internal/models"
	"github.com/securetalk/securetalk-go/internal/session"
	"github.com/securetalk/securetalk-go/internal/store/sqlstore"
	"github.com/securetalk/securetalk-go/internal/testserver"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *sqlstore.SQLStore {
	t.Helper()
	st, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoginStoresIdentity(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")

	st := newStore(t)
	sess := session.New(srv.URL(), st, discard())

	require.NoError(t, sess.Login(context.Background(), "alice", "password123"))
	assert.True(t, sess.LoggedIn())
	assert.Equal(t, "alice", sess.Identity())

	// The pair survives a restart via the local store.
	creds, err := st.LoadCredentials()
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "alice", creds.Username)
	assert.NotEmpty(t, creds.AccessToken)
	assert.NotEmpty(t, creds.RefreshToken)
}

func TestLoginRejected(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")

	sess := session.New(srv.URL(), nil, discard())

	err := sess.Login(context.Background(), "alice", "wrong")
	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "No active account")
	assert.False(t, sess.LoggedIn())
}

func TestSignupFieldErrors(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")

	sess := session.New(srv.URL(), nil, discard())

	err := sess.Signup(context.Background(), "alice", "short", "pk")
	var valErr *session.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields["username"][0], "already exists")
	assert.Contains(t, valErr.Fields["password"][0], "at least 8 characters")
}

func TestSignupThenLogin(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	sess := session.New(srv.URL(), nil, discard())
	ctx := context.Background()

	require.NoError(t, sess.Signup(ctx, "bob", "password123", "bob-public-key"))
	// Signup does not log in; credentials must be presented again.
	assert.False(t, sess.LoggedIn())

	require.NoError(t, sess.Login(ctx, "bob", "password123"))
	assert.Equal(t, "bob", sess.Identity())
}

func TestGoogleLogin(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddGoogleUser("good-credential", "carol@example.com")

	sess := session.New(srv.URL(), nil, discard())

	require.NoError(t, sess.GoogleLogin(context.Background(), "good-credential"))
	assert.True(t, sess.LoggedIn())
	assert.Equal(t, "carol@example.com", sess.Identity())

	sess2 := session.New(srv.URL(), nil, discard())
	err := sess2.GoogleLogin(context.Background(), "bad-credential")
	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestTokenWithoutSessionFails(t *testing.T) {
	sess := session.New("http://localhost:0", nil, discard())

	_, err := sess.Token(context.Background())
	assert.ErrorIs(t, err, session.ErrLoggedOut)
}

func TestFreshTokenSkipsRefresh(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")

	sess := session.New(srv.URL(), nil, discard())
	require.NoError(t, sess.Login(context.Background(), "alice", "password123"))

	token, err := sess.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, 0, srv.RefreshCalls())
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")
	srv.RefreshDelay = 300 * time.Millisecond

	// An access token already inside the refresh margin forces every
	// Token call onto the refresh path.
	access, refresh := srv.MintTokensTTL("alice", 30*time.Second)

	st := newStore(t)
	require.NoError(t, st.SaveCredentials(models.Credentials{
		AccessToken: access, RefreshToken: refresh, Username: "alice",
	}))

	sess := session.New(srv.URL(), st, discard())
	require.NoError(t, sess.Restore())

	var wg sync.WaitGroup
	tokens := make([]string, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = sess.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, tokens[i])
		assert.NotEqual(t, access, tokens[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.Equal(t, 1, srv.RefreshCalls())
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")

	access, _ := srv.MintTokensTTL("alice", 30*time.Second)

	st := newStore(t)
	require.NoError(t, st.SaveCredentials(models.Credentials{
		AccessToken: access, RefreshToken: "not-a-refresh-token", Username: "alice",
	}))

	sess := session.New(srv.URL(), st, discard())

	loggedOut := make(chan struct{}, 4)
	sess.Subscribe(func(state session.State) {
		if !state.LoggedIn {
			loggedOut <- struct{}{}
		}
	})

	require.NoError(t, sess.Restore())

	_, err := sess.Token(context.Background())
	require.Error(t, err)
	// Depending on how the background refresh races the call, the error
	// is either the refresh failure itself or the logout it caused.
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		assert.ErrorIs(t, err, session.ErrLoggedOut)
	}

	select {
	case <-loggedOut:
	case <-time.After(5 * time.Second):
		t.Fatal("no logout notification after refresh failure")
	}
	assert.False(t, sess.LoggedIn())

	creds, err := st.LoadCredentials()
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestRestoreWithoutCredentials(t *testing.T) {
	st := newStore(t)
	sess := session.New("http://localhost:0", st, discard())

	require.NoError(t, sess.Restore())
	assert.False(t, sess.LoggedIn())
}

func TestRestoreRecoversIdentity(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	access, refresh := srv.MintTokens("dave")

	st := newStore(t)
	require.NoError(t, st.SaveCredentials(models.Credentials{
		AccessToken: access, RefreshToken: refresh, Username: "dave",
	}))

	sess := session.New(srv.URL(), st, discard())
	require.NoError(t, sess.Restore())

	assert.True(t, sess.LoggedIn())
	assert.Equal(t, "dave", sess.Identity())
}

func TestLogoutNotifiesOnce(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.AddUser("alice", "password123")

	sess := session.New(srv.URL(), nil, discard())
	require.NoError(t, sess.Login(context.Background(), "alice", "password123"))

	var mu sync.Mutex
	var notifications []bool
	sess.Subscribe(func(state session.State) {
		mu.Lock()
		notifications = append(notifications, state.LoggedIn)
		mu.Unlock()
	})

	sess.Logout()
	sess.Logout()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false}, notifications)

	_, err := sess.Token(context.Background())
	assert.ErrorIs(t, err, session.ErrLoggedOut)
}
