// Package ready watches a workspace container's log stream for the
// entrypoint's two-stage readiness markers, grounded on dojo_plugin's
// consumption of the workspace init script's "Initialized." / "Ready." /
// "FAILED:<cause>" lines.
package ready

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	markerInitialized       = "Initialized."
	markerInitializedToken  = "DOJO_INIT_INITIALIZED"
	markerReady             = "Ready."
	markerReadyToken        = "DOJO_INIT_READY"
	markerFailedPrefix      = "FAILED:"
	markerFailedTokenPrefix = "DOJO_INIT_FAILED:"
)

// ErrTimeout is returned when neither a terminal marker nor an error
// appears before the deadline.
var ErrTimeout = errors.New("timed out waiting for workspace readiness")

// LogStreamer is satisfied by *engine.Driver.
type LogStreamer interface {
	StreamLogs(ctx context.Context, id string) (io.ReadCloser, error)
}

// Waiter scans a container's combined log stream for readiness markers.
type Waiter struct {
	streamer LogStreamer
	logger   *zap.Logger
}

// New constructs a Waiter.
func New(streamer LogStreamer, logger *zap.Logger) *Waiter {
	return &Waiter{streamer: streamer, logger: logger}
}

// Stage reports which readiness marker was last observed.
type Stage int

const (
	StagePending Stage = iota
	StageInitialized
	StageReady
)

// Wait blocks until the container's observed stage reaches until (e.g.
// StageInitialized before material install, StageReady for full
// success), a "FAILED:<cause>" line appears (error, cause returned),
// deadline elapses (ErrTimeout), or ctx is canceled. onStage, if
// non-nil, is invoked each time the observed stage advances.
func (w *Waiter) Wait(ctx context.Context, containerID string, deadline time.Duration, until Stage, onStage func(Stage)) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	rc, err := w.streamer.StreamLogs(waitCtx, containerID)
	if err != nil {
		return fmt.Errorf("failed to stream logs for %s: %w", containerID, err)
	}
	defer rc.Close()

	type lineResult struct {
		line string
		err  error
	}
	lines := make(chan lineResult, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- lineResult{line: stripDockerStreamHeader(scanner.Text())}
		}
		if err := scanner.Err(); err != nil {
			lines <- lineResult{err: err}
		}
	}()

	stage := StagePending
	for {
		select {
		case <-waitCtx.Done():
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return waitCtx.Err()

		case res, ok := <-lines:
			if !ok {
				return fmt.Errorf("log stream for %s closed before readiness", containerID)
			}
			if res.err != nil {
				return fmt.Errorf("error reading logs for %s: %w", containerID, res.err)
			}

			switch {
			case strings.Contains(res.line, markerFailedTokenPrefix):
				cause := strings.TrimSpace(strings.SplitN(res.line, markerFailedTokenPrefix, 2)[1])
				return fmt.Errorf("workspace initialization failed: %s", cause)

			case strings.Contains(res.line, markerFailedPrefix):
				cause := strings.TrimSpace(strings.SplitN(res.line, markerFailedPrefix, 2)[1])
				return fmt.Errorf("workspace initialization failed: %s", cause)

			case strings.Contains(res.line, markerReadyToken), strings.Contains(res.line, markerReady):
				if stage < StageReady {
					stage = StageReady
					if onStage != nil {
						onStage(stage)
					}
				}

			case strings.Contains(res.line, markerInitializedToken), strings.Contains(res.line, markerInitialized):
				if stage < StageInitialized {
					stage = StageInitialized
					if onStage != nil {
						onStage(stage)
					}
				}
			}

			if stage >= until {
				return nil
			}
		}
	}
}

// stripDockerStreamHeader drops the 8-byte multiplexed stream header
// Docker's log API prepends to each frame when the container wasn't
// created with a tty, keeping only printable log text.
func stripDockerStreamHeader(line string) string {
	if len(line) >= 8 {
		b := line[0]
		if b == 0 || b == 1 || b == 2 {
			return line[8:]
		}
	}
	return line
}
