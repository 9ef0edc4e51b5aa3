package provision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func noopLogger() *zap.Logger { return zap.NewNop() }

// Orchestrator.Run exercises a real container engine, redis store, and
// challenge catalog end to end; it is covered by the integration suite
// rather than here. These tests cover New()'s defaulting and the pure
// helpers shortenContainerID and nodeForUser.

func TestShortenContainerID(t *testing.T) {
	assert.Equal(t, "abcdefabcdef", shortenContainerID("abcdefabcdef1234567890"))
	assert.Equal(t, "short", shortenContainerID("short"))
}

func TestNew_AppliesDefaults(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, Config{}, noopLogger())

	assert.Equal(t, 3, o.attempts)
	assert.Equal(t, 2*time.Second, o.retryDelay)
	assert.Equal(t, 2*time.Minute, o.stageTimeout)
}

func TestNew_HonorsExplicitConfig(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, Config{
		Attempts:     5,
		RetryDelay:   time.Second,
		StageTimeout: time.Minute,
		NodeCount:    4,
		SecretKey:    "s3cr3t",
	}, noopLogger())

	assert.Equal(t, 5, o.attempts)
	assert.Equal(t, time.Second, o.retryDelay)
	assert.Equal(t, time.Minute, o.stageTimeout)
	assert.Equal(t, 4, o.nodeCount)
	assert.Equal(t, "s3cr3t", o.secretKey)
}

func TestNodeForUser(t *testing.T) {
	assert.Equal(t, 0, nodeForUser(42, 0))
	assert.Equal(t, int(42%4), nodeForUser(42, 4))
	assert.Equal(t, nodeForUser(42, 4), nodeForUser(42, 4))
}
