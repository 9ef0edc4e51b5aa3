package dojoclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pwncollege/workspace-core/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/identity", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "tok123", r.URL.Query().Get("token"))
		w.Write([]byte(`{"user_id": 7, "user_name": "zardus", "is_admin": true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	id, err := c.ResolveToken(context.Background(), "tok123")
	require.NoError(t, err)
	assert.Equal(t, api.UserIdentity{UserID: 7, UserName: "zardus", IsAdmin: true}, id)
}

func TestDojoAccessible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accessible": true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	ok, err := c.DojoAccessible(context.Background(), 1, "welcome")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVisible_PropagatesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	_, err := c.Visible(context.Background(), api.ChallengeRef{DojoReference: "welcome", ChallengeID: 1}, false)
	require.Error(t, err)
}
