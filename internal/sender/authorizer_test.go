package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citewatch/internal/types"
)

func TestStaticAuthorizer_SingleUse(t *testing.T) {
	a := NewStaticAuthorizer("abc")

	code, err := a.Authorize(context.Background(), "https://auth/x", "s")
	require.NoError(t, err)
	assert.Equal(t, "abc", code)

	_, err = a.Authorize(context.Background(), "https://auth/x", "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https://auth/x")
}

func TestCallbackAuthorizer_Complete(t *testing.T) {
	a := NewCallbackAuthorizer(time.Second, nil)
	assert.ErrorIs(t, a.Complete("s", "c"), ErrNoPendingAuthorization)

	done := make(chan string, 1)
	go func() {
		code, err := a.Authorize(context.Background(), "https://auth/x", "state-1")
		assert.NoError(t, err)
		done <- code
	}()

	require.Eventually(t, a.Pending, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, a.Complete("other", "c"), ErrStateMismatch)
	require.NoError(t, a.Complete("state-1", "the-code"))

	select {
	case code := <-done:
		assert.Equal(t, "the-code", code)
	case <-time.After(2 * time.Second):
		t.Fatal("authorizer did not return")
	}
	assert.False(t, a.Pending())
}

func TestCallbackAuthorizer_Timeout(t *testing.T) {
	a := NewCallbackAuthorizer(20*time.Millisecond, nil)
	_, err := a.Authorize(context.Background(), "https://auth/x", "s")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, a.Pending())
}

const loginPage = `<html><body>
<form method="post" action="/login">
  <input type="hidden" name="continue" value="/consent">
  <input type="email" name="loginId">
  <input type="password" name="password">
  <button type="submit" name="submit" value="login">Log in</button>
</form></body></html>`

const consentPage = `<html><body>
<form method="post" action="/consent">
  <input type="checkbox" name="scope" value="talk_message">
  <input type="submit" name="agree" value="yes">
</form></body></html>`

func newFakeAuthServer(t *testing.T, redirect string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var state string
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		state = r.URL.Query().Get("state")
		fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		if r.PostForm.Get("loginId") != "me@example.com" || r.PostForm.Get("password") != "pw" {
			http.Error(w, "bad login", http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sess", Value: "1", Path: "/"})
		http.Redirect(w, r, "/consent", http.StatusFound)
	})
	mux.HandleFunc("/consent", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("sess"); err != nil {
			http.Error(w, "no session", http.StatusForbidden)
			return
		}
		if r.Method == http.MethodGet {
			fmt.Fprint(w, consentPage)
			return
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "talk_message", r.PostForm.Get("scope"))
		http.Redirect(w, r, redirect+"?code=granted&state="+state, http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFormAuthorizer_LoginAndConsent(t *testing.T) {
	redirect := "http://callback.invalid/oauth"
	srv := newFakeAuthServer(t, redirect)

	a, err := NewFormAuthorizer(FormAuthorizerConfig{
		LoginID:     "me@example.com",
		Password:    types.SecretString("pw"),
		RedirectURL: redirect,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)

	code, err := a.Authorize(context.Background(), srv.URL+"/authorize?state=st-1", "st-1")
	require.NoError(t, err)
	assert.Equal(t, "granted", code)
}

func TestFormAuthorizer_StateMismatch(t *testing.T) {
	redirect := "http://callback.invalid/oauth"
	srv := newFakeAuthServer(t, redirect)

	a, err := NewFormAuthorizer(FormAuthorizerConfig{
		LoginID:     "me@example.com",
		Password:    types.SecretString("pw"),
		RedirectURL: redirect,
	})
	require.NoError(t, err)

	_, err = a.Authorize(context.Background(), srv.URL+"/authorize?state=forged", "expected")
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestFormAuthorizer_BadCredentials(t *testing.T) {
	redirect := "http://callback.invalid/oauth"
	srv := newFakeAuthServer(t, redirect)

	a, err := NewFormAuthorizer(FormAuthorizerConfig{
		LoginID:     "me@example.com",
		Password:    types.SecretString("wrong"),
		RedirectURL: redirect,
	})
	require.NoError(t, err)

	_, err = a.Authorize(context.Background(), srv.URL+"/authorize?state=s", "s")
	require.Error(t, err)
}

func TestNewFormAuthorizer_RejectsBadRedirect(t *testing.T) {
	_, err := NewFormAuthorizer(FormAuthorizerConfig{RedirectURL: "not a url"})
	assert.Error(t, err)
}
