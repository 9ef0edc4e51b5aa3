package build

import (
	"testing"

	"github.com/pwncollege/workspace-core/internal/jobstore"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeHostname(t *testing.T) {
	assert.Equal(t, "baby-s-first", SanitizeHostname("Baby's First!!"))
	assert.Equal(t, "challenge", SanitizeHostname("***"))
	assert.Equal(t, strings63(), SanitizeHostname(strings63()+"-overflow-past-the-dns-label-limit"))
}

func strings63() string {
	s := make([]byte, 63)
	for i := range s {
		s[i] = 'a'
	}
	return string(s)
}

func TestBuildHostname(t *testing.T) {
	assert.Equal(t, "mod~baby-s-first", BuildHostname("mod", "Baby's First!!", false))
	assert.Equal(t, "practice~mod~baby-s-first", BuildHostname("mod", "Baby's First!!", true))
	assert.Equal(t, "baby-s-first", BuildHostname("", "Baby's First!!", false))

	long := strings63() + "-overflow-past-the-hostname-limit"
	got := BuildHostname("mod", long, true)
	assert.LessOrEqual(t, len(got), 64)
	assert.True(t, len(got) == 64)
}

func TestContainerName_PerUser(t *testing.T) {
	a := ContainerName(42)
	b := ContainerName(43)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "42")
	assert.Equal(t, a, ContainerName(42))
}

func TestAllocateIP_StableForSameUser(t *testing.T) {
	a := AllocateIP(42)
	b := AllocateIP(42)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, AllocateIP(43))
}

func TestHomeMounts_NoImpersonation(t *testing.T) {
	job := &jobstore.Job{ID: "abc", UserID: 7}
	mounts := HomeMounts(job)
	if assert.Len(t, mounts, 1) {
		assert.Equal(t, "/home/hacker", mounts[0].Target)
		assert.Equal(t, "7", mounts[0].Source)
		assert.Equal(t, homeVolumeDriver, mounts[0].Driver)
		assert.Equal(t, "abc", mounts[0].DriverOpts["trace_id"])
		assert.Empty(t, mounts[0].DriverOpts["overlay"])
	}
}

func TestHomeMounts_Impersonation(t *testing.T) {
	asUser := int64(99)
	job := &jobstore.Job{ID: "abc", UserID: 7, AsUserID: &asUser}
	mounts := HomeMounts(job)
	if assert.Len(t, mounts, 2) {
		assert.Equal(t, "/home/hacker", mounts[0].Target)
		assert.Equal(t, "7-overlay", mounts[0].Source)
		assert.Equal(t, "99", mounts[0].DriverOpts["overlay"])

		assert.Equal(t, "/home/me", mounts[1].Target)
		assert.Equal(t, "7", mounts[1].Source)
	}
}
