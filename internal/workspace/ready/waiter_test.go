package ready

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStreamer struct {
	body string
}

func (f *fakeStreamer) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestWaiter_Success(t *testing.T) {
	w := New(&fakeStreamer{body: "booting\nInitialized.\nsetting up challenge\nReady.\n"}, zap.NewNop())

	var stages []Stage
	err := w.Wait(context.Background(), "c1", time.Second, StageReady, func(s Stage) { stages = append(stages, s) })

	require.NoError(t, err)
	assert.Equal(t, []Stage{StageInitialized, StageReady}, stages)
}

func TestWaiter_StopsAtRequestedStage(t *testing.T) {
	w := New(&fakeStreamer{body: "booting\nInitialized.\nsetting up challenge\nReady.\n"}, zap.NewNop())

	var stages []Stage
	err := w.Wait(context.Background(), "c1", time.Second, StageInitialized, func(s Stage) { stages = append(stages, s) })

	require.NoError(t, err)
	assert.Equal(t, []Stage{StageInitialized}, stages)
}

func TestWaiter_Failure(t *testing.T) {
	w := New(&fakeStreamer{body: "booting\nFAILED: challenge image missing entrypoint\n"}, zap.NewNop())

	err := w.Wait(context.Background(), "c1", time.Second, StageReady, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "challenge image missing entrypoint")
}

func TestWaiter_SentinelTokens(t *testing.T) {
	w := New(&fakeStreamer{body: "booting\nDOJO_INIT_INITIALIZED\nsetting up challenge\nDOJO_INIT_READY\n"}, zap.NewNop())

	var stages []Stage
	err := w.Wait(context.Background(), "c1", time.Second, StageReady, func(s Stage) { stages = append(stages, s) })

	require.NoError(t, err)
	assert.Equal(t, []Stage{StageInitialized, StageReady}, stages)
}

func TestWaiter_SentinelFailureToken(t *testing.T) {
	w := New(&fakeStreamer{body: "booting\nDOJO_INIT_FAILED:challenge image missing entrypoint\n"}, zap.NewNop())

	err := w.Wait(context.Background(), "c1", time.Second, StageReady, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "challenge image missing entrypoint")
}

type blockingStreamer struct{}

func (blockingStreamer) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	r, _ := io.Pipe() // never written to, never closed: Read blocks forever
	return r, nil
}

func TestWaiter_TimeoutWhenStreamNeverCompletes(t *testing.T) {
	w := New(blockingStreamer{}, zap.NewNop())

	err := w.Wait(context.Background(), "c1", 10*time.Millisecond, StageReady, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStripDockerStreamHeader(t *testing.T) {
	raw := string([]byte{1, 0, 0, 0, 0, 0, 0, 5}) + "Ready."
	assert.Equal(t, "Ready.", stripDockerStreamHeader(raw))
	assert.Equal(t, "Ready.", stripDockerStreamHeader("Ready."))
}
