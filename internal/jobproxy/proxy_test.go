package jobproxy

import (
	"testing"

	"github.com/pwncollege/workspace-core/internal/jobstore"
	"github.com/stretchr/testify/assert"
)

func TestDecideResponse_TokenMismatchIsNotFound(t *testing.T) {
	job := &jobstore.Job{Token: "correct", State: jobstore.StateReady, WorkspaceURL: "https://x/"}
	assert.Equal(t, outcomeNotFound, decideResponse(job, "wrong"))
}

func TestDecideResponse_PendingAndRunningWait(t *testing.T) {
	job := &jobstore.Job{Token: "t", State: jobstore.StatePending}
	assert.Equal(t, outcomeWaiting, decideResponse(job, "t"))

	job.State = jobstore.StateRunning
	assert.Equal(t, outcomeWaiting, decideResponse(job, "t"))
}

func TestDecideResponse_ReadyRedirects(t *testing.T) {
	job := &jobstore.Job{Token: "t", State: jobstore.StateReady, WorkspaceURL: "https://workspace.example/"}
	assert.Equal(t, outcomeRedirect, decideResponse(job, "t"))
}

func TestDecideResponse_ReadyWithoutURLIsError(t *testing.T) {
	job := &jobstore.Job{Token: "t", State: jobstore.StateReady}
	assert.Equal(t, outcomeError, decideResponse(job, "t"))
}

func TestDecideResponse_ErrorStateIsError(t *testing.T) {
	job := &jobstore.Job{Token: "t", State: jobstore.StateError, Error: "boom"}
	assert.Equal(t, outcomeError, decideResponse(job, "t"))
}
