package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New("", "workspace.example")
	require.ErrorIs(t, err, ErrNoWorkspaceSecret)
}

func TestSign_DeterministicAndKeyed(t *testing.T) {
	a, err := New("secret-a", "workspace.example")
	require.NoError(t, err)
	b, err := New("secret-b", "workspace.example")
	require.NoError(t, err)

	sig1 := a.Sign("deadbeef")
	sig2 := a.Sign("deadbeef")
	assert.Equal(t, sig1, sig2)
	assert.NotEqual(t, sig1, b.Sign("deadbeef"))
}

func TestVerify(t *testing.T) {
	s, err := New("secret", "workspace.example")
	require.NoError(t, err)

	sig := s.Sign("deadbeef")
	assert.True(t, s.Verify("deadbeef", sig))
	assert.False(t, s.Verify("deadbeef", sig+"x"))
	assert.False(t, s.Verify("other", sig))
}

func TestBuildURL(t *testing.T) {
	s, err := New("secret", "workspace.example")
	require.NoError(t, err)

	withoutNode := s.BuildURL("deadbeef", 0)
	assert.Contains(t, withoutNode, "deadbeef-")
	assert.Contains(t, withoutNode, "workspace.example")

	withNode := s.BuildURL("deadbeef", 3)
	assert.Contains(t, withNode, "3")
	assert.NotEqual(t, withoutNode, withNode)
}

func TestSubject_BoundaryScenario(t *testing.T) {
	s, err := New("s", "workspace.example")
	require.NoError(t, err)

	assert.Equal(t, "abcdef012345", subject("abcdef012345", 0))
	assert.Equal(t, "abcdef012345:192.168.42.6", subject("abcdef012345", 5))

	want := s.Sign("abcdef012345:192.168.42.6")
	got := s.Sign(subject("abcdef012345", 5))
	assert.Equal(t, want, got)
}
