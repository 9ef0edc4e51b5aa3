package api

import (
	"testing"

	"github.com/pwncollege/workspace-core/internal/engine"
	"github.com/pwncollege/workspace-core/internal/jobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAsUser_SelfOrEmptyIsNotImpersonation(t *testing.T) {
	caller := UserIdentity{UserID: 1, UserName: "zardus"}

	name, impersonating, forbidden := resolveAsUser(caller, "")
	assert.Equal(t, "zardus", name)
	assert.False(t, impersonating)
	assert.False(t, forbidden)

	name, impersonating, forbidden = resolveAsUser(caller, "zardus")
	assert.Equal(t, "zardus", name)
	assert.False(t, impersonating)
	assert.False(t, forbidden)
}

func TestResolveAsUser_NonAdminForbiddenFromImpersonating(t *testing.T) {
	caller := UserIdentity{UserID: 1, UserName: "zardus", IsAdmin: false}

	_, impersonating, forbidden := resolveAsUser(caller, "yan")
	assert.False(t, impersonating)
	assert.True(t, forbidden)
}

func TestResolveAsUser_AdminMayImpersonate(t *testing.T) {
	caller := UserIdentity{UserID: 1, UserName: "zardus", IsAdmin: true}

	name, impersonating, forbidden := resolveAsUser(caller, "yan")
	assert.Equal(t, "yan", name)
	assert.True(t, impersonating)
	assert.False(t, forbidden)
}

func TestNewJobID_RandomAnd32Hex(t *testing.T) {
	a, err := newJobID()
	require.NoError(t, err)
	b, err := newJobID()
	require.NoError(t, err)

	assert.Len(t, a, 32) // 16 random bytes, hex-encoded
	assert.NotEqual(t, a, b)
}

func TestWorkspaceResponseFromContainer(t *testing.T) {
	asUser := int64(99)
	info := &engine.ContainerSummary{
		ID:    "abc123",
		State: "running",
		Labels: map[string]string{
			"dojo.dojo_id":               "welcome",
			"dojo.module_id":             "intro",
			"dojo.challenge_id":          "3",
			"dojo.challenge_description": "baby's first",
			"dojo.user_id":               "7",
			"dojo.as_user_id":            "99",
			"dojo.mode":                  "standard",
		},
	}

	resp := workspaceResponseFromContainer(info)
	assert.Equal(t, "running", resp.State)
	assert.Equal(t, "welcome", resp.DojoReference)
	require.NotNil(t, resp.ModuleID)
	assert.Equal(t, "intro", *resp.ModuleID)
	assert.Equal(t, int64(3), resp.ChallengeID)
	assert.Equal(t, "baby's first", resp.ChallengeName)
	assert.Equal(t, int64(7), resp.UserID)
	require.NotNil(t, resp.AsUserID)
	assert.Equal(t, asUser, *resp.AsUserID)
	assert.Equal(t, "standard", resp.Mode)
}

func TestToJobResponse(t *testing.T) {
	job := &jobstore.Job{
		ID: "7", State: jobstore.StateReady, DojoReference: "welcome",
		ChallengeID: 3, ChallengeName: "intro", WorkspaceURL: "https://x/",
	}
	resp := toJobResponse(job)
	assert.Equal(t, "7", resp.ID)
	assert.Equal(t, "ready", resp.State)
	assert.Equal(t, "https://x/", resp.WorkspaceURL)
}
