package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSetupRoutes_RegistersExpectedEndpoints(t *testing.T) {
	handlers := NewHandlers(nil, nil, nil, nil, nil, nil, context.Background(), zap.NewNop())
	srv := NewServer(handlers, zap.NewNop())

	paths := map[string]bool{}
	for _, r := range srv.Router().Routes() {
		paths[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"GET /health",
		"POST /docker",
		"GET /docker",
		"DELETE /docker",
		"GET /docker/next",
	} {
		assert.True(t, paths[want], "missing route %s", want)
	}
}
