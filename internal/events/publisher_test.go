package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNoopPublisher(t *testing.T) {
	assert.NoError(t, NoopPublisher{}.Publish(context.Background(), Event{JobID: "x"}))
}

func TestHTTPPublisher_Success(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
		_ = received
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, zap.NewNop())
	err := p.Publish(context.Background(), Event{JobID: "abc", State: "ready"})
	require.NoError(t, err)
}

func TestHTTPPublisher_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, zap.NewNop())
	err := p.Publish(context.Background(), Event{JobID: "abc"})
	require.Error(t, err)
}
